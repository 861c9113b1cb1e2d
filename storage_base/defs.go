package storage_base

import (
	"context"
	"errors"
	"io"
	"time"
)

// the four error kinds callers of the core are allowed to see. always match with errors.Is
var (
	ErrNotFound             = errors.New("not found")
	ErrRemoteUnavailable    = errors.New("remote unavailable")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrFeatureUnavailable   = errors.New("feature unavailable")
)

// ChunkStream is a lazy, finite sequence of byte chunks. It is consumed exactly once.
// Next returns io.EOF after the last chunk.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Metadata struct {
	Name         string
	MimeType     string
	Size         int64
	Checksum     string
	ModifiedTime time.Time
}

// Remote is an object store that holds originals and pre-uploaded thumbnails.
// Every read path goes through the retry package, so implementations only need to say how to fetch one chunk.
type Remote interface {
	EnsureFolder(ctx context.Context, parentID string, name string) (string, error)
	Upload(ctx context.Context, folderID string, name string, mimeType string, data io.Reader) (string, error)
	Metadata(ctx context.Context, objectID string) (Metadata, error)
	DownloadChunked(ctx context.Context, objectID string, chunkSize int64) ChunkStream
	StreamRanged(ctx context.Context, objectID string, chunkSize int64) ChunkStream
	MakePublic(ctx context.Context, objectID string)
	String() string
}

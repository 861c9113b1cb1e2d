package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/utils"
)

// Representation is one of Original, Thumbnail, Variant or Archive
type Representation interface {
	fmt.Stringer
	representation()
}

type Original struct{}

type Thumbnail struct{}

type Variant struct {
	Format string
	Width  int
}

// Archive of an album. Empty Assets means everything in the album.
type Archive struct {
	Title  string
	Assets []asset.Identity
}

func (Original) representation()  {}
func (Thumbnail) representation() {}
func (Variant) representation()   {}
func (Archive) representation()   {}

func (Original) String() string  { return "original" }
func (Thumbnail) String() string { return "thumbnail" }
func (v Variant) String() string { return fmt.Sprintf("%s variant %d", v.Format, v.Width) }
func (a Archive) String() string { return "archive " + a.Title }

type Options struct {
	IfNoneMatch  string
	Attachment   bool
	DownloadName string // defaults to the stored name
}

const (
	immutableCache = "public, max-age=31536000, immutable"
	noCache        = "no-cache"
)

// StreamDescriptor says what to send. Body is nil when NotModified is set, otherwise the caller must Close it.
type StreamDescriptor struct {
	MediaType          string
	Body               storage_base.ChunkStream
	ContentLength      int64 // -1 if unknown
	ETag               string
	CacheControl       string
	ContentDisposition string
	NotModified        bool
	Placeholder        bool
}

// Reader is Body as an io.ReadCloser
func (sd *StreamDescriptor) Reader(ctx context.Context) io.ReadCloser {
	if sd.Body == nil {
		return &utils.EmptyReadCloser{}
	}
	return retry.Reader(ctx, sd.Body)
}

func (sd *StreamDescriptor) Close() error {
	if sd.Body == nil {
		return nil
	}
	return sd.Body.Close()
}

func bytesStream(data []byte, chunkSize int64) storage_base.ChunkStream {
	return retry.FromReader(io.NopCloser(bytes.NewReader(data)), chunkSize)
}

func disposition(kind string, name string) string {
	return kind + `; filename="` + utils.QuoteFilename(name) + `"`
}

// etagMatches implements the weak comparison If-None-Match asks for
func etagMatches(ifNoneMatch string, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

// prefetched hands out an already pulled first chunk before continuing with the rest of s
type prefetched struct {
	first []byte
	eof   bool
	s     storage_base.ChunkStream
}

// prefetch pulls the first chunk of s so a failing source is noticed before anything is promised to the caller
func prefetch(ctx context.Context, s storage_base.ChunkStream) (storage_base.ChunkStream, error) {
	first, err := s.Next(ctx)
	if err == io.EOF {
		return &prefetched{eof: true, s: s}, nil
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return &prefetched{first: first, s: s}, nil
}

func (p *prefetched) Next(ctx context.Context) ([]byte, error) {
	if p.first != nil {
		first := p.first
		p.first = nil
		return first, nil
	}
	if p.eof {
		return nil, io.EOF
	}
	return p.s.Next(ctx)
}

func (p *prefetched) Close() error {
	return p.s.Close()
}

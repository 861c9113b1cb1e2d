// Package zips writes album archives, either into memory or straight onto a writer while the
// entries are still being downloaded.
package zips

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/DataDog/zstd"
	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/storage_base"
)

const (
	MethodDeflate = "deflate"
	MethodStore   = "store"
	MethodZstd    = "zstd"
)

// ZstdMethod is the zip method id assigned to zstandard by APPNOTE 6.3.7
const ZstdMethod uint16 = 93

// Entry is one file of the archive. Open is called when the entry's turn comes, not before.
type Entry struct {
	Name     string
	Modified time.Time
	Open     func(ctx context.Context) (storage_base.ChunkStream, error)
}

type Archiver struct {
	name   string
	method uint16
}

// New fails with ErrFeatureUnavailable for a method nothing is registered for, before any byte is written
func New(method string, enableZstd bool) (*Archiver, error) {
	switch method {
	case MethodDeflate, "":
		return &Archiver{name: MethodDeflate, method: zip.Deflate}, nil
	case MethodStore:
		return &Archiver{name: MethodStore, method: zip.Store}, nil
	case MethodZstd:
		if enableZstd {
			return &Archiver{name: MethodZstd, method: ZstdMethod}, nil
		}
	}
	return nil, fmt.Errorf("archive compression %q: %w", method, storage_base.ErrFeatureUnavailable)
}

func (a *Archiver) Method() string {
	return a.name
}

func newZstdWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w), nil
}

// RegisterDecompressors lets r read archives written with any of our methods
func RegisterDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(ZstdMethod, func(in io.Reader) io.ReadCloser {
		return zstd.NewReader(in)
	})
}

// InMemory builds the whole archive in a buffer
func (a *Archiver) InMemory(ctx context.Context, prefix string, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := a.Stream(ctx, &buf, prefix, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream writes the archive to w as entries are pulled, and returns how many made it in.
// An entry whose source fails before its first chunk is left out. A failure after its header is out aborts the archive,
// since there is no taking back bytes already sent.
func (a *Archiver) Stream(ctx context.Context, w io.Writer, prefix string, entries []Entry) (int, error) {
	zw := zip.NewWriter(w)
	if a.method == ZstdMethod {
		zw.RegisterCompressor(ZstdMethod, newZstdWriter)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	names = UniqueNames(prefix, names)

	written := 0
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := a.writeEntry(ctx, zw, names[i], e)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	if err := zw.Close(); err != nil {
		return written, err
	}
	if written < len(entries) {
		log.Println("Archive", prefix, "has", written, "of", len(entries), "entries")
	}
	return written, nil
}

func (a *Archiver) writeEntry(ctx context.Context, zw *zip.Writer, name string, e Entry) (bool, error) {
	stream, err := e.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Println("Leaving", name, "out of the archive, unable to open:", err)
		return false, nil
	}
	defer stream.Close()
	first, err := stream.Next(ctx)
	if err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Println("Leaving", name, "out of the archive, first chunk failed:", err)
		return false, nil
	}
	header := &zip.FileHeader{
		Name:     name,
		Method:   a.method,
		Modified: e.Modified,
	}
	fw, err := zw.CreateHeader(header)
	if err != nil {
		return false, err
	}
	for err != io.EOF {
		if _, werr := fw.Write(first); werr != nil {
			return false, werr
		}
		first, err = stream.Next(ctx)
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("archive entry %s: %w", name, err)
		}
	}
	return true, nil
}

// UniqueNames puts each name under prefix, numbering repeats "a (1).jpg", "a (2).jpg" in input order.
// comparison ignores case so the archive extracts cleanly on case insensitive filesystems
func UniqueNames(prefix string, names []string) []string {
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	seen := make(map[string]bool, len(names))
	ret := make([]string, len(names))
	for i, name := range names {
		name = asset.SanitizeName(name)
		for n := 0; ; n++ {
			candidate := asset.Numbered(name, n)
			if !seen[strings.ToLower(candidate)] {
				seen[strings.ToLower(candidate)] = true
				ret[i] = prefix + candidate
				break
			}
		}
	}
	return ret
}

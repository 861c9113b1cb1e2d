package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/dichfoto/photostore/storage_base"
)

// Fetch returns up to limit bytes of the object starting at offset.
// done reports that nothing follows the returned bytes.
// a fetch returning no bytes and done == false is also treated as the end of the object.
type Fetch func(ctx context.Context, offset int64, limit int64) (data []byte, done bool, err error)

var errStreamClosed = errors.New("chunk stream closed")

// Stream is the retrying chunked stream every remote read path is built on.
// The offset only advances after a chunk was fetched successfully, so a retried chunk is never duplicated or truncated.
type Stream struct {
	policy    Policy
	op        string
	chunkSize int64
	fetch     Fetch

	offset int64
	done   bool
	closed bool
	err    error
}

var _ storage_base.ChunkStream = (*Stream)(nil)

func NewStream(policy Policy, op string, chunkSize int64, fetch Fetch) *Stream {
	if chunkSize <= 0 {
		panic("chunk size must be positive")
	}
	return &Stream{
		policy:    policy,
		op:        op,
		chunkSize: chunkSize,
		fetch:     fetch,
	}
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}
	var data []byte
	var done bool
	err := Do(ctx, s.policy, fmt.Sprintf("%s at offset %d", s.op, s.offset), func(ctx context.Context) error {
		var err error
		data, done, err = s.fetch(ctx, s.offset, s.chunkSize)
		return err
	})
	if err != nil {
		s.err = err
		return nil, err
	}
	if len(data) == 0 {
		s.done = true
		return nil, io.EOF
	}
	s.offset += int64(len(data))
	s.done = done
	return data, nil
}

// Offset is how many bytes have been handed out so far
func (s *Stream) Offset() int64 {
	return s.offset
}

func (s *Stream) Close() error {
	if !s.closed && !s.done && s.err == nil && s.offset > 0 {
		log.Println("Abandoning", s.op, "after", s.offset, "bytes")
	}
	s.closed = true
	return nil
}

// Reader adapts a ChunkStream to an io.ReadCloser bound to ctx
func Reader(ctx context.Context, s storage_base.ChunkStream) io.ReadCloser {
	return &chunkReader{ctx: ctx, s: s}
}

type chunkReader struct {
	ctx context.Context
	s   storage_base.ChunkStream
	buf []byte
	err error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.buf, r.err = r.s.Next(r.ctx)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	return r.s.Close()
}

// ReadAll drains a stream into memory
func ReadAll(ctx context.Context, s storage_base.ChunkStream) ([]byte, error) {
	rc := Reader(ctx, s)
	defer rc.Close()
	return io.ReadAll(rc)
}

// FromReader turns rc into a ChunkStream of chunkSize pieces. Close closes rc.
func FromReader(rc io.ReadCloser, chunkSize int64) storage_base.ChunkStream {
	if chunkSize <= 0 {
		panic("chunk size must be positive")
	}
	return &readerStream{rc: rc, buf: make([]byte, chunkSize)}
}

type readerStream struct {
	rc  io.ReadCloser
	buf []byte
	err error
}

func (rs *readerStream) Next(ctx context.Context) ([]byte, error) {
	if rs.err != nil {
		return nil, rs.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := io.ReadFull(rs.rc, rs.buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if n > 0 {
		if err != nil {
			rs.err = err // hand out what we got, report the error next time
		}
		chunk := make([]byte, n)
		copy(chunk, rs.buf[:n])
		return chunk, nil
	}
	rs.err = err
	return nil, err
}

func (rs *readerStream) Close() error {
	return rs.rc.Close()
}

package s3

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"strconv"
)

// ETagWriter computes the ETag S3 will report for an object uploaded in s3PartSize parts:
// the plain md5 for a single part, md5 of the part md5s plus "-<parts>" otherwise
type ETagWriter struct {
	part     hash.Hash
	partLen  int64
	sums     []byte
	numParts int
	size     int64
}

func NewETagWriter() *ETagWriter {
	return &ETagWriter{part: md5.New()}
}

func (e *ETagWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := s3PartSize - e.partLen
		chunk := p
		if int64(len(chunk)) > room {
			chunk = p[:room]
		}
		e.part.Write(chunk)
		e.partLen += int64(len(chunk))
		e.size += int64(len(chunk))
		p = p[len(chunk):]
		if e.partLen == s3PartSize {
			e.finishPart()
		}
	}
	return n, nil
}

func (e *ETagWriter) finishPart() {
	e.sums = append(e.sums, e.part.Sum(nil)...)
	e.numParts++
	e.part.Reset()
	e.partLen = 0
}

// ETag of everything written so far
func (e *ETagWriter) ETag() string {
	sums := e.sums
	numParts := e.numParts
	if e.partLen > 0 || numParts == 0 {
		sums = append(append([]byte{}, sums...), e.part.Sum(nil)...)
		numParts++
	}
	if numParts == 1 {
		return hex.EncodeToString(sums)
	}
	sum := md5.Sum(sums)
	return hex.EncodeToString(sum[:]) + "-" + strconv.Itoa(numParts)
}

func (e *ETagWriter) Size() int64 {
	return e.size
}

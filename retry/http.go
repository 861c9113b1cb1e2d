package retry

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dichfoto/photostore/utils"
)

// RangedHTTP fetches chunks with explicit "Range: bytes=start-end" requests.
// 206 advances the cursor, 200 means the server ignored the range and sent everything, 416 means we are past the end.
func RangedHTTP(client *http.Client, newRequest func(ctx context.Context) (*http.Request, error)) Fetch {
	return func(ctx context.Context, offset int64, limit int64) ([]byte, bool, error) {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, false, Permanent(err)
		}
		req.Header.Set("Range", utils.FormatHTTPRange(offset, limit))
		resp, err := client.Do(req)
		if err != nil {
			return nil, false, err
		}
		defer resp.Body.Close()
		return ReadRanged(resp, offset, limit)
	}
}

// ReadRanged interprets the response to a ranged GET for limit bytes at offset
func ReadRanged(resp *http.Response, offset int64, limit int64) ([]byte, bool, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		if int64(len(data)) <= offset {
			return nil, true, nil
		}
		return data[offset:], true, nil
	case http.StatusPartialContent:
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return nil, false, err
		}
		done := int64(len(data)) < limit
		if total, ok := ContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			done = offset+int64(len(data)) >= total
		}
		return data, done, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, true, nil
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		op := "GET"
		if resp.Request != nil {
			op += " " + resp.Request.URL.Path
		}
		return nil, false, &StatusError{Code: resp.StatusCode, Op: op}
	}
}

// ContentRangeTotal parses the total size out of a Content-Range header, "bytes 0-99/1234" -> 1234
func ContentRangeTotal(header string) (int64, bool) {
	slash := strings.LastIndexByte(header, '/')
	if slash < 0 || header[slash+1:] == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(header[slash+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

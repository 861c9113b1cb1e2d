package proxy

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/dichfoto/photostore/delivery"
	"github.com/dichfoto/photostore/storage_base"
)

// StatusFor maps a delivery error onto an HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, storage_base.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage_base.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, storage_base.ErrFeatureUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, storage_base.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		log.Println("Client went away during", req.URL.Path)
		return
	}
	status := StatusFor(err)
	log.Println("Responding", status, "to", req.URL.Path, err)
	http.Error(w, err.Error(), status)
}

func writeDescriptor(w http.ResponseWriter, req *http.Request, sd *delivery.StreamDescriptor) {
	h := w.Header()
	if sd.ETag != "" {
		h.Set("ETag", sd.ETag)
	}
	if sd.CacheControl != "" {
		h.Set("Cache-Control", sd.CacheControl)
	}
	if sd.NotModified {
		sd.Close()
		w.WriteHeader(http.StatusNotModified)
		return
	}
	reader := sd.Reader(req.Context())
	defer reader.Close()
	h.Set("Content-Type", sd.MediaType)
	if sd.ContentDisposition != "" {
		h.Set("Content-Disposition", sd.ContentDisposition)
	}
	if sd.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(sd.ContentLength, 10))
	}
	if sd.Placeholder {
		h.Set("X-Placeholder", "1")
	}
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, reader)
	if err != nil {
		// headers are gone already, all we can do is cut the body short
		log.Println("Stopped sending", req.URL.Path, "after", n, "bytes:", err)
	}
}

package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
)

// fakeDrive speaks just enough of the Drive v3 REST API
type fakeDrive struct {
	mu        sync.Mutex
	files     map[string][]byte
	folders   map[string]string // parent/name -> id
	queries   []string
	failures  int // media requests that get a 503 before one succeeds
	mediaHits int
}

func (fd *fakeDrive) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query().Get("q")
			fd.queries = append(fd.queries, q)
			var files []map[string]string
			for key, id := range fd.folders {
				parts := strings.SplitN(key, "/", 2)
				if strings.Contains(q, "'"+parts[0]+"' in parents") && strings.Contains(q, "name = '"+parts[1]+"'") {
					files = append(files, map[string]string{"id": id, "name": parts[1]})
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"files": files})
		case http.MethodPost:
			var body struct {
				Name     string   `json:"name"`
				MimeType string   `json:"mimeType"`
				Parents  []string `json:"parents"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("bad create body: %v", err)
			}
			if body.MimeType != folderMimeType || len(body.Parents) != 1 {
				t.Errorf("unexpected create %+v", body)
			}
			id := fmt.Sprintf("folder%d", len(fd.folders)+1)
			fd.folders[body.Parents[0]+"/"+body.Name] = id
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		}
	})
	mux.HandleFunc("/drive/v3/files/", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/drive/v3/files/")
		if strings.HasSuffix(id, "/permissions") {
			writeError(w, http.StatusForbidden, "sharing disabled by admin")
			return
		}
		data, ok := fd.files[id]
		if !ok {
			writeError(w, http.StatusNotFound, "File not found: "+id)
			return
		}
		if r.URL.Query().Get("alt") != "media" {
			json.NewEncoder(w).Encode(map[string]string{
				"id":           id,
				"name":         id + ".jpg",
				"mimeType":     "image/jpeg",
				"size":         fmt.Sprint(len(data)),
				"md5Checksum":  "0123abcd",
				"modifiedTime": "2024-03-01T10:20:30.000Z",
			})
			return
		}
		fd.mediaHits++
		if fd.failures > 0 {
			fd.failures--
			writeError(w, http.StatusServiceUnavailable, "backend error")
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	})
	return mux
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

func newTestDrive(t *testing.T, fd *fakeDrive) *Drive {
	t.Helper()
	if fd.files == nil {
		fd.files = make(map[string][]byte)
	}
	if fd.folders == nil {
		fd.folders = make(map[string]string)
	}
	server := httptest.NewServer(fd.handler(t))
	t.Cleanup(server.Close)
	gd, err := New(context.Background(), Options{
		Policy:     retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
		HTTPClient: server.Client(),
		Endpoint:   server.URL + "/drive/v3/",
	})
	if err != nil {
		t.Fatal(err)
	}
	return gd
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestQuote(t *testing.T) {
	if got := quote(`it's a \ test`); got != `'it\'s a \\ test'` {
		t.Errorf("quote = %s", got)
	}
}

func TestEnsureFolderCreatesOnce(t *testing.T) {
	fd := &fakeDrive{}
	gd := newTestDrive(t, fd)
	first, err := gd.EnsureFolder(context.Background(), "root123", "album_000001")
	if err != nil {
		t.Fatal(err)
	}
	second, err := gd.EnsureFolder(context.Background(), "root123", "album_000001")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second lookup created another folder: %s vs %s", first, second)
	}
	if len(fd.folders) != 1 {
		t.Errorf("%d folders created", len(fd.folders))
	}
	if !strings.Contains(fd.queries[0], "trashed = false") {
		t.Errorf("query should skip the trash: %s", fd.queries[0])
	}
}

func TestMetadata(t *testing.T) {
	fd := &fakeDrive{files: map[string][]byte{"f1": testData(11)}}
	gd := newTestDrive(t, fd)
	meta, err := gd.Metadata(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != 11 || meta.Checksum != "0123abcd" || meta.MimeType != "image/jpeg" {
		t.Errorf("metadata %+v", meta)
	}
	if !meta.ModifiedTime.Equal(time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)) {
		t.Errorf("modified time %v", meta.ModifiedTime)
	}
	if _, err := gd.Metadata(context.Background(), "missing"); !errors.Is(err, storage_base.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDownloadChunked(t *testing.T) {
	data := testData(1000)
	fd := &fakeDrive{files: map[string][]byte{"f1": data}, failures: 2}
	gd := newTestDrive(t, fd)
	got, err := retry.ReadAll(context.Background(), gd.DownloadChunked(context.Background(), "f1", 300))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %d bytes, want %d", len(got), len(data))
	}
	// 4 chunks plus the 2 failures
	if fd.mediaHits != 6 {
		t.Errorf("%d media requests", fd.mediaHits)
	}
}

func TestStreamRanged(t *testing.T) {
	data := testData(777)
	fd := &fakeDrive{files: map[string][]byte{"thumb": data}, failures: 1}
	gd := newTestDrive(t, fd)
	got, err := retry.ReadAll(context.Background(), gd.StreamRanged(context.Background(), "thumb", 256))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %d bytes, want %d", len(got), len(data))
	}
}

func TestStreamRangedMissing(t *testing.T) {
	gd := newTestDrive(t, &fakeDrive{})
	_, err := retry.ReadAll(context.Background(), gd.StreamRanged(context.Background(), "nope", 256))
	if !errors.Is(err, storage_base.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStreamRangedGivesUp(t *testing.T) {
	fd := &fakeDrive{files: map[string][]byte{"f1": testData(10)}, failures: 100}
	gd := newTestDrive(t, fd)
	_, err := retry.ReadAll(context.Background(), gd.StreamRanged(context.Background(), "f1", 256))
	if !errors.Is(err, storage_base.ErrRemoteUnavailable) {
		t.Errorf("expected remote unavailable, got %v", err)
	}
	if fd.mediaHits != 3 {
		t.Errorf("%d attempts, want 3", fd.mediaHits)
	}
}

func TestMakePublicSwallowsErrors(t *testing.T) {
	fd := &fakeDrive{files: map[string][]byte{"f1": testData(10)}}
	gd := newTestDrive(t, fd)
	gd.MakePublic(context.Background(), "f1") // must not panic or block
}

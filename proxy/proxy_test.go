package proxy

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dichfoto/photostore/config"
	"github.com/dichfoto/photostore/db"
	"github.com/dichfoto/photostore/delivery"
	"github.com/dichfoto/photostore/local"
	"github.com/dichfoto/photostore/mockremote"
	"github.com/dichfoto/photostore/thumbs"
)

func newServer(t *testing.T, remote bool) (*httptest.Server, *delivery.Service, *mockremote.MockRemote) {
	t.Helper()
	cfg := config.Defaults()
	cfg.StorageDir = t.TempDir()
	cfg.ThumbsDir = filepath.Join(cfg.StorageDir, "_thumbs")
	cfg.EnableWebP = false
	cfg.UseRemote = remote
	cfg.RemoteRootID = "root"
	cfg.ChunkSize = 4096
	store, err := local.New(cfg.StorageDir, cfg.ThumbsDir)
	if err != nil {
		t.Fatal(err)
	}
	index, err := db.OpenTestMode(true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(index.Close)
	pipeline := thumbs.New(thumbs.Options{ThumbsDir: cfg.ThumbsDir, MaxWidth: cfg.ThumbMaxWidth}, store, index)
	m := mockremote.New()
	svc := delivery.New(cfg, store, m, pipeline, index)
	server := httptest.NewServer(NewHandler(svc))
	t.Cleanup(server.Close)
	return server, svc, m
}

func jpegBytes(t *testing.T, w int, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func save(t *testing.T, svc *delivery.Service, name string, data []byte) delivery.Saved {
	t.Helper()
	saved, err := svc.Save(context.Background(), 3, name, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestParseVariant(t *testing.T) {
	cases := []struct {
		in    string
		ok    bool
		width int
	}{
		{"webp:960", true, 960},
		{"JPEG:480", true, 480},
		{"webp", false, 0},
		{"webp:", false, 0},
		{":960", false, 0},
		{"webp:-1", false, 0},
		{"webp:wide", false, 0},
	}
	for _, c := range cases {
		v, ok := ParseVariant(c.in)
		if ok != c.ok || v.Width != c.width {
			t.Errorf("ParseVariant(%q) = %+v %v", c.in, v, ok)
		}
	}
}

func TestOriginalAndConditional(t *testing.T) {
	server, svc, _ := newServer(t, false)
	data := jpegBytes(t, 64, 64)
	save(t, svc, "cat.jpg", data)

	resp, body := get(t, server.URL+"/albums/3/cat.jpg", nil)
	if resp.StatusCode != 200 || !bytes.Equal(body, data) {
		t.Fatalf("status %d, %d bytes", resp.StatusCode, len(body))
	}
	if resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("content type %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Content-Disposition") != `inline; filename="cat.jpg"` {
		t.Errorf("disposition %q", resp.Header.Get("Content-Disposition"))
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("no etag")
	}

	resp, body = get(t, server.URL+"/albums/3/cat.jpg", map[string]string{"If-None-Match": etag})
	if resp.StatusCode != http.StatusNotModified || len(body) != 0 {
		t.Errorf("conditional request got %d with %d bytes", resp.StatusCode, len(body))
	}

	resp, _ = get(t, server.URL+"/albums/3/cat.jpg?download", nil)
	if !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment;") {
		t.Errorf("download disposition %q", resp.Header.Get("Content-Disposition"))
	}
}

func TestThumbnailAndPlaceholder(t *testing.T) {
	server, svc, _ := newServer(t, false)
	save(t, svc, "big.jpg", jpegBytes(t, 1600, 400))
	save(t, svc, "readme.txt", []byte("not a picture"))

	resp, body := get(t, server.URL+"/albums/3/big.jpg?thumb", nil)
	if resp.StatusCode != 200 || resp.Header.Get("Cache-Control") != "public, max-age=31536000, immutable" {
		t.Fatalf("status %d cache %q", resp.StatusCode, resp.Header.Get("Cache-Control"))
	}
	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 800 || img.Bounds().Dy() != 200 {
		t.Errorf("thumbnail is %v", img.Bounds())
	}

	resp, _ = get(t, server.URL+"/albums/3/readme.txt?thumb", nil)
	if resp.StatusCode != 200 || resp.Header.Get("X-Placeholder") != "1" || resp.Header.Get("Content-Type") != thumbs.PlaceholderMediaType {
		t.Errorf("placeholder response %d %v", resp.StatusCode, resp.Header)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("placeholder cache %q", resp.Header.Get("Cache-Control"))
	}
}

func TestErrorStatuses(t *testing.T) {
	server, svc, m := newServer(t, true)
	saved := save(t, svc, "far.jpg", jpegBytes(t, 32, 32))
	m.FailTransiently(saved.RemoteFileID, 1000)

	cases := []struct {
		path   string
		status int
	}{
		{"/albums/3/missing.jpg", 404},
		{"/albums/x/far.jpg", 400},
		{"/albums/3/far.jpg?variant=avif:480", 501},
		{"/albums/3/far.jpg?variant=huge", 400},
		{"/albums/3/far.jpg", 503},
		{"/nowhere", 404},
	}
	for _, c := range cases {
		resp, _ := get(t, server.URL+c.path, nil)
		if resp.StatusCode != c.status {
			t.Errorf("%s: got %d, expected %d", c.path, resp.StatusCode, c.status)
		}
	}
}

func TestArchive(t *testing.T) {
	server, svc, _ := newServer(t, false)
	save(t, svc, "one.txt", []byte("1"))
	save(t, svc, "two.txt", []byte("22"))

	resp, body := get(t, server.URL+"/archives/3?title=Road+Trip", nil)
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Content-Disposition") != `attachment; filename="Road_Trip.zip"` {
		t.Errorf("disposition %q", resp.Header.Get("Content-Disposition"))
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "Road Trip/one.txt,Road Trip/two.txt" {
		t.Errorf("entries %v", names)
	}

	resp, body = get(t, server.URL+"/archives/3?title=Pick&name=two.txt", nil)
	zr, err = zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil || len(zr.File) != 1 || zr.File[0].Name != "Pick/two.txt" {
		t.Errorf("picked archive %d %v", resp.StatusCode, err)
	}

	resp, _ = get(t, server.URL+"/archives/3?name=ghost.txt", nil)
	if resp.StatusCode != 404 {
		t.Errorf("unknown entry gave %d", resp.StatusCode)
	}
}

func TestListing(t *testing.T) {
	server, svc, _ := newServer(t, false)
	save(t, svc, "a b.jpg", jpegBytes(t, 8, 8))
	save(t, svc, "notes.txt", []byte("x"))
	resp, body := get(t, server.URL+"/albums/3/", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	page := string(body)
	if !strings.Contains(page, `/albums/3/a%20b.jpg?thumb`) || !strings.Contains(page, "notes.txt") {
		t.Errorf("listing is missing entries:\n%s", page)
	}
	if strings.Contains(page, "notes.txt?thumb") {
		t.Error("non images should not get a thumbnail")
	}
}

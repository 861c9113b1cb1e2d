package delivery

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/config"
	"github.com/dichfoto/photostore/db"
	"github.com/dichfoto/photostore/local"
	"github.com/dichfoto/photostore/mockremote"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/thumbs"
	"github.com/dichfoto/photostore/zips"
)

type env struct {
	svc    *Service
	store  *local.Store
	remote *mockremote.MockRemote
	index  *db.Index
	cfg    config.ConfigData
}

func newEnv(t *testing.T, remote bool, tweak ...func(*config.ConfigData)) env {
	t.Helper()
	cfg := config.Defaults()
	cfg.StorageDir = t.TempDir()
	cfg.ThumbsDir = filepath.Join(cfg.StorageDir, "_thumbs")
	cfg.EnableWebP = false
	cfg.UseRemote = remote
	cfg.RemoteRootID = "root"
	cfg.ChunkSize = 4096
	cfg.RangedChunkSize = 1024
	for _, f := range tweak {
		f(&cfg)
	}
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
	return env{
		svc:    New(cfg, store, m, pipeline, index),
		store:  store,
		remote: m,
		index:  index,
		cfg:    cfg,
	}
}

func photo(t *testing.T, w int, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x40, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func body(t *testing.T, sd *StreamDescriptor) []byte {
	t.Helper()
	if sd.Body == nil {
		t.Fatal("descriptor has no body")
	}
	data, err := retry.ReadAll(context.Background(), sd.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (e env) save(t *testing.T, name string, data []byte) Saved {
	t.Helper()
	saved, err := e.svc.Save(context.Background(), 7, name, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func (e env) deliver(t *testing.T, id asset.Identity, rep Representation, opts Options) *StreamDescriptor {
	t.Helper()
	sd, err := e.svc.Deliver(context.Background(), id, rep, opts)
	if err != nil {
		t.Fatalf("Deliver %s: %v", rep, err)
	}
	return sd
}

func TestETagMatches(t *testing.T) {
	cases := []struct {
		header, etag string
		want         bool
	}{
		{`"abc"`, `"abc"`, true},
		{`"x", "abc"`, `"abc"`, true},
		{`W/"10-20"`, `W/"10-20"`, true},
		{`"10-20"`, `W/"10-20"`, true},
		{`*`, `"abc"`, true},
		{`"abd"`, `"abc"`, false},
		{``, `"abc"`, false},
		{`"abc"`, ``, false},
	}
	for _, c := range cases {
		if got := etagMatches(c.header, c.etag); got != c.want {
			t.Errorf("etagMatches(%q, %q) = %v", c.header, c.etag, got)
		}
	}
}

func TestArchiveFilename(t *testing.T) {
	if got := ArchiveFilename("Summer Trip 2024"); got != "Summer_Trip_2024.zip" {
		t.Errorf("got %q", got)
	}
	if got := ArchiveFilename("a/b"); got != "ab.zip" {
		t.Errorf("got %q", got)
	}
}

func TestLocalRoundTrip(t *testing.T) {
	e := newEnv(t, false)
	data := photo(t, 64, 48)
	saved := e.save(t, "a.jpg", data)
	if saved.StoredName != "a.jpg" || saved.Size != int64(len(data)) || saved.MimeType != "image/jpeg" {
		t.Errorf("saved %+v", saved)
	}
	sd := e.deliver(t, saved.Identity(), Original{}, Options{})
	if !bytes.Equal(body(t, sd), data) {
		t.Error("original differs from upload")
	}
	if sd.ContentDisposition != `inline; filename="a.jpg"` {
		t.Errorf("disposition %q", sd.ContentDisposition)
	}
	if sd.ContentLength != int64(len(data)) {
		t.Errorf("length %d", sd.ContentLength)
	}

	again := e.deliver(t, saved.Identity(), Original{}, Options{IfNoneMatch: sd.ETag, Attachment: true})
	if !again.NotModified || again.Body != nil {
		t.Error("matching etag should be not modified")
	}
}

func TestSaveKeepsBothUploads(t *testing.T) {
	e := newEnv(t, false)
	first := []byte("first upload")
	second := []byte("second upload")
	a := e.save(t, "same.txt", first)
	b := e.save(t, "same.txt", second)
	if a.StoredName != "same.txt" || b.StoredName != "same (1).txt" {
		t.Fatalf("stored names %q %q", a.StoredName, b.StoredName)
	}
	if got := body(t, e.deliver(t, a.Identity(), Original{}, Options{})); !bytes.Equal(got, first) {
		t.Errorf("first upload now reads %q", got)
	}
	if got := body(t, e.deliver(t, b.Identity(), Original{}, Options{})); !bytes.Equal(got, second) {
		t.Errorf("second upload reads %q", got)
	}
	rows, err := e.index.ListAssets(context.Background(), 7)
	if err != nil || len(rows) != 2 {
		t.Errorf("index rows %v %v", rows, err)
	}
}

func TestMissingOriginal(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.svc.Deliver(context.Background(), asset.Identity{AlbumID: 7, StoredName: "nope.jpg"}, Original{}, Options{})
	if !errors.Is(err, storage_base.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := e.svc.Lookup(context.Background(), 7, "nope.jpg"); !errors.Is(err, storage_base.ErrNotFound) {
		t.Errorf("Lookup: %v", err)
	}
}

func TestLocalThumbnail(t *testing.T) {
	e := newEnv(t, false)
	saved := e.save(t, "wide.jpg", photo(t, 1000, 500))
	sd := e.deliver(t, saved.Identity(), Thumbnail{}, Options{})
	if sd.Placeholder || sd.MediaType != "image/jpeg" || sd.CacheControl != immutableCache {
		t.Errorf("descriptor %+v", sd)
	}
	img, err := jpeg.Decode(bytes.NewReader(body(t, sd)))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 800 {
		t.Errorf("thumbnail width %d", img.Bounds().Dx())
	}
	if sd.ContentDisposition != `inline; filename="thumb_wide.jpg"` {
		t.Errorf("disposition %q", sd.ContentDisposition)
	}
}

func TestNonImageThumbnailIsPlaceholder(t *testing.T) {
	e := newEnv(t, false)
	saved := e.save(t, "notes.txt", []byte("hello"))
	sd := e.deliver(t, saved.Identity(), Thumbnail{}, Options{})
	if !sd.Placeholder || sd.MediaType != thumbs.PlaceholderMediaType {
		t.Errorf("descriptor %+v", sd)
	}
	if _, err := png.Decode(bytes.NewReader(body(t, sd))); err != nil {
		t.Errorf("placeholder is not a png: %v", err)
	}
}

func TestVariants(t *testing.T) {
	e := newEnv(t, false)
	saved := e.save(t, "scene.jpg", photo(t, 1000, 600))
	widthOf := func(rep Representation) int {
		sd := e.deliver(t, saved.Identity(), rep, Options{})
		if sd.Placeholder {
			t.Fatalf("%s: placeholder", rep)
		}
		img, _, err := image.Decode(bytes.NewReader(body(t, sd)))
		if err != nil {
			t.Fatal(err)
		}
		return img.Bounds().Dx()
	}
	if w := widthOf(Variant{Format: thumbs.FormatJPEG, Width: 960}); w != 960 {
		t.Errorf("960 variant is %d wide", w)
	}
	if w := widthOf(Variant{Format: thumbs.FormatJPEG, Width: 1920}); w != 960 {
		t.Errorf("asking past the source should give the widest variant, got %d", w)
	}
	if w := widthOf(Variant{Format: thumbs.FormatJPEG, Width: 100}); w != 800 {
		t.Errorf("asking below every width should give the thumbnail, got %d", w)
	}
	if _, err := e.svc.Deliver(context.Background(), saved.Identity(), Variant{Format: thumbs.FormatAVIF, Width: 480}, Options{}); !errors.Is(err, storage_base.ErrFeatureUnavailable) {
		t.Errorf("avif is off, got %v", err)
	}
	if sd := e.deliver(t, saved.Identity(), Variant{Format: "bmp", Width: 480}, Options{}); !sd.Placeholder {
		t.Error("unknown format should degrade to the placeholder")
	}
}

func TestRemoteSave(t *testing.T) {
	e := newEnv(t, true)
	data := photo(t, 900, 300)
	saved := e.save(t, "a.jpg", data)
	if saved.RemoteFileID == "" || saved.RemoteThumbID == "" {
		t.Fatalf("saved %+v", saved)
	}
	if !e.remote.IsPublic(saved.RemoteFileID) || !e.remote.IsPublic(saved.RemoteThumbID) {
		t.Error("uploads should be public")
	}
	albums := e.remote.Children("root")
	albumFolder, ok := albums["album_000007"]
	if !ok {
		t.Fatalf("no album folder in %v", albums)
	}
	inAlbum := e.remote.Children(albumFolder)
	if inAlbum["a.jpg"] != saved.RemoteFileID {
		t.Errorf("album folder holds %v", inAlbum)
	}
	if thumbsFolder, ok := inAlbum["_thumbs"]; !ok || e.remote.Children(thumbsFolder)["thumb_a.jpg"] != saved.RemoteThumbID {
		t.Errorf("thumbnail not in _thumbs: %v", inAlbum)
	}
	row, err := e.index.LookupAsset(context.Background(), 7, "a.jpg")
	if err != nil || row.RemoteFileID != saved.RemoteFileID || row.RemoteThumbID != saved.RemoteThumbID {
		t.Errorf("index row %+v %v", row, err)
	}
	id, err := e.svc.Lookup(context.Background(), 7, "a.jpg")
	if err != nil || id != saved.Identity() {
		t.Errorf("Lookup = %+v %v", id, err)
	}
}

func TestRemoteOriginalConditional(t *testing.T) {
	e := newEnv(t, true)
	data := photo(t, 200, 100)
	saved := e.save(t, "a.jpg", data)
	// transient failures below the cap are invisible
	e.remote.FailTransiently(saved.RemoteFileID, 2)
	sd := e.deliver(t, saved.Identity(), Original{}, Options{})
	if !bytes.Equal(body(t, sd), data) {
		t.Fatal("remote original differs from upload")
	}
	sum := md5.Sum(data)
	if sd.ETag != `"`+hex.EncodeToString(sum[:])+`"` {
		t.Errorf("etag %s", sd.ETag)
	}

	before := e.remote.Fetches(saved.RemoteFileID)
	again := e.deliver(t, saved.Identity(), Original{}, Options{IfNoneMatch: sd.ETag})
	if !again.NotModified || again.Body != nil {
		t.Fatal("expected not modified")
	}
	if e.remote.Fetches(saved.RemoteFileID) != before {
		t.Error("a conditional hit should not touch the remote")
	}
}

func TestRemoteOriginalUnavailable(t *testing.T) {
	e := newEnv(t, true)
	saved := e.save(t, "a.jpg", photo(t, 50, 50))
	e.remote.FailTransiently(saved.RemoteFileID, 1000)
	_, err := e.svc.Deliver(context.Background(), saved.Identity(), Original{}, Options{})
	if !errors.Is(err, storage_base.ErrRemoteUnavailable) {
		t.Errorf("expected remote unavailable, got %v", err)
	}
}

func TestRemoteThumbnail(t *testing.T) {
	e := newEnv(t, true)
	saved := e.save(t, "a.jpg", photo(t, 1200, 400))
	want, err := retry.ReadAll(context.Background(), e.remote.DownloadChunked(context.Background(), saved.RemoteThumbID, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	sd := e.deliver(t, saved.Identity(), Thumbnail{}, Options{})
	if sd.Placeholder || !bytes.Equal(body(t, sd), want) {
		t.Error("expected the uploaded thumbnail")
	}
}

func TestRemoteThumbnailFallback(t *testing.T) {
	e := newEnv(t, true)
	saved := e.save(t, "a.jpg", photo(t, 1200, 400))
	e.remote.FailTransiently(saved.RemoteThumbID, 1000)

	sd := e.deliver(t, saved.Identity(), Thumbnail{}, Options{})
	if sd.Placeholder || sd.MediaType != "image/jpeg" {
		t.Fatalf("should have fallen back to the local copy, got %+v", sd)
	}
	if _, err := jpeg.Decode(bytes.NewReader(body(t, sd))); err != nil {
		t.Fatal(err)
	}

	// no local copy and no local thumbnail: placeholder, still no error
	if err := os.RemoveAll(e.cfg.StorageDir); err != nil {
		t.Fatal(err)
	}
	sd = e.deliver(t, saved.Identity(), Thumbnail{}, Options{})
	if !sd.Placeholder {
		t.Errorf("expected a placeholder, got %+v", sd)
	}
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	zips.RegisterDecompressors(r)
	ret := make(map[string][]byte)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		ret[f.Name] = content
	}
	return ret
}

func names(m map[string][]byte) string {
	var ret []string
	for name := range m {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return fmt.Sprint(ret)
}

func TestLocalArchive(t *testing.T) {
	e := newEnv(t, false)
	files := map[string][]byte{"a.jpg": []byte("aaa"), "b.png": []byte("bbbb"), "c.txt": []byte("c")}
	for _, name := range []string{"a.jpg", "b.png", "c.txt"} {
		e.save(t, name, files[name])
	}
	sd, err := e.svc.BuildArchive(context.Background(), 7, "Summer Trip", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sd.ContentDisposition != `attachment; filename="Summer_Trip.zip"` || sd.MediaType != "application/zip" {
		t.Errorf("descriptor %+v", sd)
	}
	got := readZip(t, body(t, sd))
	if names(got) != "[Summer Trip/a.jpg Summer Trip/b.png Summer Trip/c.txt]" {
		t.Errorf("entries %s", names(got))
	}
	for name, data := range files {
		if !bytes.Equal(got["Summer Trip/"+name], data) {
			t.Errorf("%s differs", name)
		}
	}
}

func TestArchiveDuplicateNames(t *testing.T) {
	e := newEnv(t, false)
	saved := e.save(t, "a.jpg", []byte("aaa"))
	sd, err := e.svc.Deliver(context.Background(), asset.Identity{AlbumID: 7}, Archive{
		Title:  "Dupes",
		Assets: []asset.Identity{saved.Identity(), saved.Identity()},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := readZip(t, body(t, sd))
	if names(got) != "[Dupes/a (1).jpg Dupes/a.jpg]" {
		t.Errorf("entries %s", names(got))
	}
}

func TestRemoteArchiveStreams(t *testing.T) {
	e := newEnv(t, true)
	a := e.save(t, "a.jpg", []byte("remote a"))
	b := e.save(t, "b.jpg", []byte("remote b"))
	c := e.save(t, "c.jpg", []byte("remote c"))
	e.remote.FailTransiently(b.RemoteFileID, 1000)

	sd, err := e.svc.BuildArchive(context.Background(), 7, "Album", []asset.Identity{a.Identity(), b.Identity(), c.Identity()})
	if err != nil {
		t.Fatal(err)
	}
	if sd.ContentLength != -1 {
		t.Error("a streamed archive has no known length")
	}
	got := readZip(t, body(t, sd))
	if names(got) != "[Album/a.jpg Album/c.jpg]" {
		t.Errorf("entries %s", names(got))
	}
	if string(got["Album/c.jpg"]) != "remote c" {
		t.Errorf("c.jpg = %q", got["Album/c.jpg"])
	}
}

func TestAbandonedRemoteArchive(t *testing.T) {
	e := newEnv(t, true)
	var ids []asset.Identity
	for i := 0; i < 5; i++ {
		ids = append(ids, e.save(t, fmt.Sprintf("%d.bin", i), bytes.Repeat([]byte{byte(i)}, 20000)).Identity())
	}
	sd, err := e.svc.BuildArchive(context.Background(), 7, "Album", ids)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sd.Body.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	// the writer goroutine must notice and stop, closing must not hang
	if err := sd.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveMethodUnavailable(t *testing.T) {
	e := newEnv(t, false, func(cfg *config.ConfigData) {
		cfg.ArchiveMethod = zips.MethodZstd
		cfg.EnableZstd = false
	})
	e.save(t, "a.jpg", []byte("aaa"))
	if _, err := e.svc.BuildArchive(context.Background(), 7, "x", nil); !errors.Is(err, storage_base.ErrFeatureUnavailable) {
		t.Errorf("expected feature unavailable, got %v", err)
	}
}

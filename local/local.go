package local

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/google/uuid"
)

// Store keeps originals under root. Derivatives may live under other roots (the thumbs dir), which are also allowed.
// Nothing is ever written outside of these.
type Store struct {
	root  string
	roots []string
}

func New(root string, extraRoots ...string) (*Store, error) {
	s := &Store{}
	for i, r := range append([]string{root}, extraRoots...) {
		if err := os.MkdirAll(r, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root %q: %w", r, err)
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve storage root %q: %w", r, err)
		}
		if i == 0 {
			s.root = abs
		}
		s.roots = append(s.roots, abs)
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

// confined resolves path and makes sure it stays under one of our roots
func (s *Store) confined(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for _, root := range s.roots {
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q escapes storage root", path)
}

func (s *Store) AlbumDir(albumID int64) string {
	return filepath.Join(s.root, asset.AlbumKey(albumID))
}

// EnsureAlbumDir is idempotent. two requests creating the same album at once is fine, MkdirAll doesn't care
func (s *Store) EnsureAlbumDir(albumID int64) (string, error) {
	dir := s.AlbumDir(albumID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create album dir: %w", err)
	}
	return dir, nil
}

// SaveUnique stores the upload as desiredName, or "name (n).ext" with the first free n.
// The bytes are written to a temp file first. Then a name is claimed with O_EXCL and the temp file is renamed over the claim,
// so two concurrent uploads of the same name never overwrite each other and a half written upload never has a real name.
func (s *Store) SaveUnique(albumID int64, desiredName string, data io.Reader) (string, int64, error) {
	dir, err := s.EnsureAlbumDir(albumID)
	if err != nil {
		return "", 0, err
	}
	name := asset.SanitizeName(desiredName)
	tmp := filepath.Join(dir, ".upload-"+uuid.NewString()+".tmp")
	size, err := writeFile(tmp, data)
	if err != nil {
		return "", 0, err
	}
	for i := 0; ; i++ {
		candidate := asset.Numbered(name, i)
		dest := filepath.Join(dir, candidate)
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			os.Remove(tmp)
			return "", 0, fmt.Errorf("claim %q: %w", dest, err)
		}
		f.Close()
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			os.Remove(dest)
			return "", 0, fmt.Errorf("publish %q: %w", dest, err)
		}
		if i > 0 {
			log.Println("Name", name, "was taken in", asset.AlbumKey(albumID), "so I saved it as", candidate)
		}
		return candidate, size, nil
	}
}

// Open fails with storage_base.ErrNotFound if there is nothing at path
func (s *Store) Open(path string) (*os.File, os.FileInfo, error) {
	abs, err := s.confined(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", storage_base.ErrNotFound, path)
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s is a directory", storage_base.ErrNotFound, path)
	}
	return f, info, nil
}

func (s *Store) Stat(path string) (os.FileInfo, error) {
	abs, err := s.confined(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage_base.ErrNotFound, path)
	}
	return info, err
}

func (s *Store) Exists(path string) bool {
	abs, err := s.confined(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// WriteAtomic publishes data at path via a uniquely named temp file in the same directory + rename.
// Readers either see nothing or the complete file. Two writers racing on the same path both succeed, the last rename wins,
// and since derivatives are deterministic both wrote the same bytes anyway.
func (s *Store) WriteAtomic(path string, data io.Reader) (int64, error) {
	abs, err := s.confined(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %q: %w", filepath.Dir(abs), err)
	}
	tmp := abs + "." + uuid.NewString() + ".tmp"
	n, err := writeFile(tmp, data)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename to %q: %w", abs, err)
	}
	return n, nil
}

func writeFile(path string, data io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", path, err)
	}
	n, werr := io.CopyBuffer(f, data, make([]byte, 1024*1024))
	serr := f.Sync()
	cerr := f.Close()
	if werr == nil {
		werr = serr
	}
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write %q: %w", path, werr)
	}
	return n, nil
}

// List returns the stored names in an album, sorted, skipping temp files
func (s *Store) List(albumID int64) ([]string, error) {
	entries, err := os.ReadDir(s.AlbumDir(albumID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage_base.ErrNotFound, asset.AlbumKey(albumID))
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stream opens path as a ChunkStream, so local files can go wherever remote objects do
func (s *Store) Stream(path string, chunkSize int64) (storage_base.ChunkStream, error) {
	f, _, err := s.Open(path)
	if err != nil {
		return nil, err
	}
	return retry.FromReader(f, chunkSize), nil
}

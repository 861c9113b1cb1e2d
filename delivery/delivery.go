// Package delivery is the one entry point for reading and writing media: it picks the backend,
// produces derivatives on demand, degrades to fallbacks and placeholders where that is acceptable,
// and describes what to send back.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/cache"
	"github.com/dichfoto/photostore/config"
	"github.com/dichfoto/photostore/db"
	"github.com/dichfoto/photostore/local"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/thumbs"
	"github.com/dichfoto/photostore/zips"
)

const (
	metadataCacheSize = 1024
	metadataCacheTTL  = time.Minute
)

type Service struct {
	cfg      config.ConfigData
	store    *local.Store
	remote   storage_base.Remote // nil when remote mode is off
	pipeline *thumbs.Pipeline
	index    *db.Index // optional
	metadata *cache.LRU[string, storage_base.Metadata]

	archiver   *zips.Archiver
	archiveErr error
}

func New(cfg config.ConfigData, store *local.Store, remote storage_base.Remote, pipeline *thumbs.Pipeline, index *db.Index) *Service {
	if cfg.UseRemote && remote == nil {
		log.Println("Remote mode is on but there is no remote backend, everything will be served locally")
	}
	if !cfg.UseRemote {
		remote = nil
	}
	archiver, err := zips.New(cfg.ArchiveMethod, cfg.EnableZstd)
	if err != nil {
		log.Println("Archives are unavailable:", err)
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		remote:     remote,
		pipeline:   pipeline,
		index:      index,
		metadata:   cache.New[string, storage_base.Metadata](metadataCacheSize, metadataCacheTTL),
		archiver:   archiver,
		archiveErr: err,
	}
}

func (s *Service) remoteEnabled() bool {
	return s.remote != nil
}

func (s *Service) resolve(id asset.Identity) asset.Location {
	return asset.Resolve(id, s.remoteEnabled(), s.store.Root())
}

type Saved struct {
	AlbumID       int64
	StoredName    string
	Size          int64
	MimeType      string
	RemoteFileID  string
	RemoteThumbID string
}

func (s Saved) Identity() asset.Identity {
	return asset.Identity{
		AlbumID:       s.AlbumID,
		StoredName:    s.StoredName,
		RemoteFileID:  s.RemoteFileID,
		RemoteThumbID: s.RemoteThumbID,
	}
}

func mediaTypeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Save stores the upload locally under a unique name. In remote mode the original and a jpeg thumbnail are also uploaded,
// a remote failure is logged and leaves the asset local only.
func (s *Service) Save(ctx context.Context, albumID int64, desiredName string, data io.Reader) (Saved, error) {
	name, size, err := s.store.SaveUnique(albumID, desiredName, data)
	if err != nil {
		return Saved{}, err
	}
	saved := Saved{
		AlbumID:    albumID,
		StoredName: name,
		Size:       size,
		MimeType:   mediaTypeOf(name),
	}
	path := filepath.Join(s.store.AlbumDir(albumID), name)
	if saved.MimeType == "application/octet-stream" {
		saved.MimeType = s.sniff(path)
	}
	log.Println("Saved", name, "in", asset.AlbumKey(albumID), size, "bytes")

	if s.remoteEnabled() {
		if err := s.uploadRemote(ctx, &saved, path); err != nil {
			if ctx.Err() != nil {
				return saved, ctx.Err()
			}
			log.Println("Remote upload of", name, "failed, keeping it local only:", err)
		}
	}
	if s.index != nil {
		err := s.index.RecordAsset(ctx, db.AssetRow{
			AlbumID:       albumID,
			StoredName:    name,
			Size:          size,
			MimeType:      saved.MimeType,
			RemoteFileID:  saved.RemoteFileID,
			RemoteThumbID: saved.RemoteThumbID,
		})
		if err != nil {
			return saved, err
		}
	}
	return saved, nil
}

func (s *Service) sniff(path string) string {
	f, _, err := s.store.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}

func (s *Service) uploadRemote(ctx context.Context, saved *Saved, path string) error {
	albumFolder, err := s.remote.EnsureFolder(ctx, s.cfg.RemoteRootID, asset.AlbumKey(saved.AlbumID))
	if err != nil {
		return err
	}
	f, _, err := s.store.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	saved.RemoteFileID, err = s.remote.Upload(ctx, albumFolder, saved.StoredName, saved.MimeType, f)
	if err != nil {
		saved.RemoteFileID = ""
		return err
	}
	s.remote.MakePublic(ctx, saved.RemoteFileID)

	if !thumbs.IsImage(saved.StoredName) {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	thumb, err := thumbs.MakeThumbBytes(f, s.cfg.ThumbMaxWidth)
	if err != nil {
		// the original made it, only the thumbnail is missing. deliveries fall back for it
		log.Println("No remote thumbnail for", saved.StoredName, err)
		return nil
	}
	thumbsFolder, err := s.remote.EnsureFolder(ctx, albumFolder, asset.RemoteThumbsFolder)
	if err != nil {
		return err
	}
	thumbID, err := s.remote.Upload(ctx, thumbsFolder, asset.ThumbObjectName(saved.StoredName), "image/jpeg", bytes.NewReader(thumb))
	if err != nil {
		return err
	}
	saved.RemoteThumbID = thumbID
	s.remote.MakePublic(ctx, thumbID)
	return nil
}

// Lookup finds what the index knows about an asset. Without an index only the local copy can be found.
func (s *Service) Lookup(ctx context.Context, albumID int64, storedName string) (asset.Identity, error) {
	if s.index != nil {
		row, err := s.index.LookupAsset(ctx, albumID, storedName)
		if err == nil {
			return row.Identity(), nil
		}
		if !errors.Is(err, storage_base.ErrNotFound) {
			return asset.Identity{}, err
		}
	}
	id := asset.Identity{AlbumID: albumID, StoredName: asset.SanitizeName(storedName)}
	if !s.store.Exists(filepath.Join(s.store.AlbumDir(albumID), id.StoredName)) {
		return id, fmt.Errorf("%w: %s/%s", storage_base.ErrNotFound, asset.AlbumKey(albumID), storedName)
	}
	return id, nil
}

// Deliver describes how to send rep of the asset id
func (s *Service) Deliver(ctx context.Context, id asset.Identity, rep Representation, opts Options) (*StreamDescriptor, error) {
	if a, ok := rep.(Archive); ok {
		return s.BuildArchive(ctx, id.AlbumID, a.Title, a.Assets)
	}
	loc := s.resolve(id)
	log.Println("Requested", rep, "of", loc.Album()+"/"+loc.Name())
	switch r := rep.(type) {
	case Original:
		switch l := loc.(type) {
		case asset.Local:
			return s.localOriginal(l, opts)
		case asset.Remote:
			return s.remoteOriginal(ctx, l, opts)
		}
	case Thumbnail, Variant:
		switch l := loc.(type) {
		case asset.Local:
			return s.localDerivative(ctx, l, r, opts)
		case asset.Remote:
			return s.remoteDerivative(ctx, l, r, opts)
		}
	}
	panic(fmt.Sprintf("unhandled %T for %T", rep, loc))
}

func downloadName(opts Options, storedName string) string {
	if opts.DownloadName != "" {
		return opts.DownloadName
	}
	return storedName
}

func originalDisposition(opts Options, storedName string) string {
	if opts.Attachment {
		return disposition("attachment", downloadName(opts, storedName))
	}
	return disposition("inline", downloadName(opts, storedName))
}

func weakETag(size int64, modified time.Time) string {
	return fmt.Sprintf(`W/"%d-%d"`, size, modified.Unix())
}

func (s *Service) localOriginal(l asset.Local, opts Options) (*StreamDescriptor, error) {
	f, info, err := s.store.Open(l.Path)
	if err != nil {
		return nil, err
	}
	etag := weakETag(info.Size(), info.ModTime())
	sd := &StreamDescriptor{
		MediaType:          mediaTypeOf(l.StoredName),
		ContentLength:      info.Size(),
		ETag:               etag,
		ContentDisposition: originalDisposition(opts, l.StoredName),
	}
	if etagMatches(opts.IfNoneMatch, etag) {
		f.Close()
		log.Println("NotModified", l.AlbumKey+"/"+l.StoredName)
		sd.NotModified = true
		sd.ContentLength = 0
		return sd, nil
	}
	sd.Body = retry.FromReader(f, s.cfg.ChunkSize)
	return sd, nil
}

// remoteETag prefers the backend checksum
func remoteETag(meta storage_base.Metadata) string {
	if meta.Checksum != "" {
		return `"` + meta.Checksum + `"`
	}
	return weakETag(meta.Size, meta.ModifiedTime)
}

func (s *Service) remoteMetadata(ctx context.Context, objectID string) (storage_base.Metadata, error) {
	if meta, ok := s.metadata.Get(objectID); ok {
		return meta, nil
	}
	meta, err := s.remote.Metadata(ctx, objectID)
	if err != nil {
		return meta, err
	}
	s.metadata.Put(objectID, meta)
	return meta, nil
}

// the original is essential, so a remote that stays down is an error here and not a fallback
func (s *Service) remoteOriginal(ctx context.Context, r asset.Remote, opts Options) (*StreamDescriptor, error) {
	meta, err := s.remoteMetadata(ctx, r.ObjectID)
	if err != nil {
		return nil, err
	}
	mediaType := meta.MimeType
	if mediaType == "" {
		mediaType = mediaTypeOf(r.StoredName)
	}
	etag := remoteETag(meta)
	sd := &StreamDescriptor{
		MediaType:          mediaType,
		ContentLength:      meta.Size,
		ETag:               etag,
		ContentDisposition: originalDisposition(opts, r.StoredName),
	}
	if etagMatches(opts.IfNoneMatch, etag) {
		log.Println("NotModified", r.AlbumKey+"/"+r.StoredName)
		sd.NotModified = true
		sd.ContentLength = 0
		return sd, nil
	}
	sd.Body = s.remote.DownloadChunked(ctx, r.ObjectID, s.cfg.ChunkSize)
	return sd, nil
}

func (s *Service) placeholder(what string) *StreamDescriptor {
	log.Println("Placeholder for", what)
	data := thumbs.Placeholder(thumbs.PlaceholderWidth, thumbs.PlaceholderHeight)
	return &StreamDescriptor{
		MediaType:          thumbs.PlaceholderMediaType,
		Body:               bytesStream(data, s.cfg.ChunkSize),
		ContentLength:      int64(len(data)),
		CacheControl:       noCache,
		ContentDisposition: disposition("inline", "placeholder.png"),
		Placeholder:        true,
	}
}

// localDerivative generates on first request. Anything short of cancellation ends in a placeholder rather than an error.
func (s *Service) localDerivative(ctx context.Context, l asset.Local, rep Representation, opts Options) (*StreamDescriptor, error) {
	what := rep.String() + " of " + l.AlbumKey + "/" + l.StoredName
	path, mediaType, err := s.derivativePath(ctx, l, rep)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, storage_base.ErrFeatureUnavailable) {
			return nil, err
		}
		log.Println("Unable to produce", what, err)
		return s.placeholder(what), nil
	}
	if path == "" {
		return s.placeholder(what), nil
	}
	f, info, err := s.store.Open(path)
	if err != nil {
		log.Println("Derivative", path, "vanished", err)
		return s.placeholder(what), nil
	}
	etag := weakETag(info.Size(), info.ModTime())
	sd := &StreamDescriptor{
		MediaType:          mediaType,
		ContentLength:      info.Size(),
		ETag:               etag,
		CacheControl:       immutableCache,
		ContentDisposition: disposition("inline", "thumb_"+downloadName(opts, l.StoredName)),
	}
	if etagMatches(opts.IfNoneMatch, etag) {
		f.Close()
		sd.NotModified = true
		sd.ContentLength = 0
		return sd, nil
	}
	sd.Body = retry.FromReader(f, s.cfg.ChunkSize)
	return sd, nil
}

// derivativePath returns "" for originals that have no derivatives
func (s *Service) derivativePath(ctx context.Context, l asset.Local, rep Representation) (string, string, error) {
	switch r := rep.(type) {
	case Thumbnail:
		path, ok, err := s.pipeline.EnsureThumbnail(ctx, l)
		if err != nil || !ok {
			return "", "", err
		}
		return path, "image/jpeg", nil
	case Variant:
		mediaType := thumbs.MediaType(r.Format)
		if mediaType == "" {
			return "", "", fmt.Errorf("variant format %q: %w", r.Format, storage_base.ErrUnsupportedMediaType)
		}
		if !s.pipeline.Supports(r.Format) {
			return "", "", fmt.Errorf("variant format %q: %w", r.Format, storage_base.ErrFeatureUnavailable)
		}
		set, err := s.pipeline.EnsureVariants(ctx, l)
		if errors.Is(err, storage_base.ErrUnsupportedMediaType) {
			return "", "", nil
		}
		if err != nil {
			return "", "", err
		}
		// the widest one that fits, the set never holds anything wider than the source
		best := 0
		for key := range set.Variants {
			if key.Format == r.Format && key.Width <= r.Width && key.Width > best {
				best = key.Width
			}
		}
		if best == 0 {
			// smaller than every variant width, the thumbnail is as good as it gets
			return s.derivativePath(ctx, l, Thumbnail{})
		}
		return set.Variants[asset.VariantKey{Format: r.Format, Width: best}], mediaType, nil
	}
	panic(fmt.Sprintf("not a derivative: %T", rep))
}

// remoteDerivative streams the pre-uploaded thumbnail. When that fails it falls back to the local copy, then to a placeholder.
func (s *Service) remoteDerivative(ctx context.Context, r asset.Remote, rep Representation, opts Options) (*StreamDescriptor, error) {
	what := rep.String() + " of " + r.AlbumKey + "/" + r.StoredName
	_, isVariant := rep.(Variant)
	if isVariant && s.store.Exists(r.LocalPath) {
		// variants are never uploaded, only made from a local copy
		return s.localDerivative(ctx, r.AsLocal(), rep, opts)
	}
	if r.ThumbObjectID != "" {
		stream, err := prefetch(ctx, s.remote.StreamRanged(ctx, r.ThumbObjectID, s.cfg.RangedChunkSize))
		if err == nil {
			return &StreamDescriptor{
				MediaType:          "image/jpeg",
				Body:               stream,
				ContentLength:      -1,
				CacheControl:       immutableCache,
				ContentDisposition: disposition("inline", "thumb_"+downloadName(opts, r.StoredName)),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Println("Fallback for", what, "after remote error", err)
	}
	if s.store.Exists(r.LocalPath) {
		return s.localDerivative(ctx, r.AsLocal(), rep, opts)
	}
	return s.placeholder(what), nil
}

// ArchiveFilename is the download name of an album archive, spaces become underscores
func ArchiveFilename(title string) string {
	title = strings.ReplaceAll(asset.SanitizeName(title), " ", "_")
	return title + ".zip"
}

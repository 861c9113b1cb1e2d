package delivery

import (
	"context"
	"io"
	"log"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/zips"
)

// BuildArchive zips assets under a "<title>/" folder. No assets means the whole album.
// Locally the archive is built in memory, album sizes are bounded. In remote mode it is streamed while entries download.
func (s *Service) BuildArchive(ctx context.Context, albumID int64, title string, assets []asset.Identity) (*StreamDescriptor, error) {
	if s.archiver == nil {
		return nil, s.archiveErr
	}
	if len(assets) == 0 {
		var err error
		assets, err = s.AlbumAssets(ctx, albumID)
		if err != nil {
			return nil, err
		}
	}
	if title == "" {
		title = asset.AlbumKey(albumID)
	}
	log.Println("Requested", s.archiver.Method(), "archive of", len(assets), "assets from", asset.AlbumKey(albumID), "as", title)
	prefix := asset.SanitizeName(title)
	entries := make([]zips.Entry, 0, len(assets))
	for _, id := range assets {
		entries = append(entries, s.archiveEntry(id))
	}
	sd := &StreamDescriptor{
		MediaType:          "application/zip",
		ContentLength:      -1,
		CacheControl:       noCache,
		ContentDisposition: disposition("attachment", ArchiveFilename(title)),
	}

	if !s.remoteEnabled() {
		data, err := s.archiver.InMemory(ctx, prefix, entries)
		if err != nil {
			return nil, err
		}
		sd.Body = bytesStream(data, s.cfg.ChunkSize)
		sd.ContentLength = int64(len(data))
		return sd, nil
	}

	pr, pw := io.Pipe()
	go func() {
		n, err := s.archiver.Stream(ctx, pw, prefix, entries)
		if err != nil {
			log.Println("Archive", title, "aborted after", n, "entries:", err)
		}
		pw.CloseWithError(err)
	}()
	// closing the reader makes the writer's next write fail, which stops pulling entries
	sd.Body = retry.FromReader(pr, s.cfg.ChunkSize)
	return sd, nil
}

// AlbumAssets lists an album from the index, or from its directory when nothing was indexed
func (s *Service) AlbumAssets(ctx context.Context, albumID int64) ([]asset.Identity, error) {
	if s.index != nil {
		rows, err := s.index.ListAssets(ctx, albumID)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			ids := make([]asset.Identity, 0, len(rows))
			for _, row := range rows {
				ids = append(ids, row.Identity())
			}
			return ids, nil
		}
	}
	names, err := s.store.List(albumID)
	if err != nil {
		return nil, err
	}
	ids := make([]asset.Identity, 0, len(names))
	for _, name := range names {
		ids = append(ids, asset.Identity{AlbumID: albumID, StoredName: name})
	}
	return ids, nil
}

func (s *Service) archiveEntry(id asset.Identity) zips.Entry {
	loc := s.resolve(id)
	entry := zips.Entry{Name: loc.Name()}
	switch l := loc.(type) {
	case asset.Local:
		path := l.Path
		if info, err := s.store.Stat(path); err == nil {
			entry.Modified = info.ModTime()
		}
		entry.Open = func(ctx context.Context) (storage_base.ChunkStream, error) {
			return s.store.Stream(path, s.cfg.ChunkSize)
		}
	case asset.Remote:
		objectID := l.ObjectID
		entry.Open = func(ctx context.Context) (storage_base.ChunkStream, error) {
			return s.remote.DownloadChunked(ctx, objectID, s.cfg.ChunkSize), nil
		}
	}
	return entry
}

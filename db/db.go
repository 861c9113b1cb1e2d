package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/storage_base"

	_ "github.com/mattn/go-sqlite3"
)

// Index is a lookup cache next to the storage root: which albums hold which files, their remote ids, and which derivatives exist.
// The filesystem and the remote store stay the system of record. Losing this file loses nothing that can't be regenerated,
// except remote ids, which the caller also keeps.
type Index struct {
	DB *sql.DB
}

var testDatabaseCounter int64

// Open the index at path, creating the schema if needed
func Open(path string) (*Index, error) {
	return open("file:"+path+"?_foreign_keys=1&_journal_mode=wal&_sync=1&_busy_timeout=20000", true)
}

// OpenTestMode gives every caller its own in-memory database
func OpenTestMode(setupSchema bool) (*Index, error) {
	n := atomic.AddInt64(&testDatabaseCounter, 1)
	// the below is from the faq for go-sqlite3, but with the foreign key part added
	return open(fmt.Sprintf("file:photostore_test_%d?mode=memory&cache=shared&_foreign_keys=1", n), setupSchema)
}

func open(fullPath string, setupSchema bool) (*Index, error) {
	db, err := sql.Open("sqlite3", fullPath)
	if err != nil {
		return nil, err
	}
	// an in memory database vanishes when its last connection closes
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	idx := &Index{DB: db}
	if setupSchema {
		if err := idx.initialSetup(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return idx, nil
}

func (idx *Index) Close() {
	if idx == nil || idx.DB == nil {
		log.Println("Attempting to shutdown an index that has never been opened??")
		return
	}
	idx.DB.Close()
}

type AssetRow struct {
	AlbumID       int64
	StoredName    string
	Size          int64
	MimeType      string
	RemoteFileID  string
	RemoteThumbID string
}

func (r AssetRow) Identity() asset.Identity {
	return asset.Identity{
		AlbumID:       r.AlbumID,
		StoredName:    r.StoredName,
		RemoteFileID:  r.RemoteFileID,
		RemoteThumbID: r.RemoteThumbID,
	}
}

// RecordAsset inserts or refreshes an asset. remote ids are written once and never replaced.
func (idx *Index) RecordAsset(ctx context.Context, row AssetRow) error {
	_, err := idx.DB.ExecContext(ctx, `
		INSERT INTO assets (album_id, stored_name, size, mime_type, remote_file_id, remote_thumb_id)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT (album_id, stored_name) DO UPDATE SET
			size            = excluded.size,
			mime_type       = excluded.mime_type,
			remote_file_id  = COALESCE(assets.remote_file_id, excluded.remote_file_id),
			remote_thumb_id = COALESCE(assets.remote_thumb_id, excluded.remote_thumb_id)`,
		row.AlbumID, row.StoredName, row.Size, row.MimeType, row.RemoteFileID, row.RemoteThumbID)
	if err != nil {
		return fmt.Errorf("record asset: %w", err)
	}
	return nil
}

func (idx *Index) LookupAsset(ctx context.Context, albumID int64, storedName string) (AssetRow, error) {
	row := AssetRow{AlbumID: albumID, StoredName: storedName}
	err := idx.DB.QueryRowContext(ctx, `
		SELECT size, mime_type, COALESCE(remote_file_id, ''), COALESCE(remote_thumb_id, '')
		FROM assets WHERE album_id = ? AND stored_name = ?`, albumID, storedName).
		Scan(&row.Size, &row.MimeType, &row.RemoteFileID, &row.RemoteThumbID)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("%w: %s/%s", storage_base.ErrNotFound, asset.AlbumKey(albumID), storedName)
	}
	if err != nil {
		return row, fmt.Errorf("lookup asset: %w", err)
	}
	return row, nil
}

// ListAssets in upload order
func (idx *Index) ListAssets(ctx context.Context, albumID int64) ([]AssetRow, error) {
	rows, err := idx.DB.QueryContext(ctx, `
		SELECT stored_name, size, mime_type, COALESCE(remote_file_id, ''), COALESCE(remote_thumb_id, '')
		FROM assets WHERE album_id = ? ORDER BY rowid`, albumID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	ret := make([]AssetRow, 0)
	for rows.Next() {
		row := AssetRow{AlbumID: albumID}
		if err := rows.Scan(&row.StoredName, &row.Size, &row.MimeType, &row.RemoteFileID, &row.RemoteThumbID); err != nil {
			return nil, err
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

// SaveDerivatives replaces what we know about one asset's derivatives
func (idx *Index) SaveDerivatives(ctx context.Context, albumKey string, storedName string, set *asset.DerivativeSet) error {
	tx, err := idx.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO derivatives (album_key, stored_name, width, height, lqip) VALUES (?, ?, ?, ?, ?)`,
		albumKey, storedName, set.Width, set.Height, set.LQIP)
	if err != nil {
		return fmt.Errorf("save derivatives: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM variants WHERE album_key = ? AND stored_name = ?`, albumKey, storedName)
	if err != nil {
		return fmt.Errorf("save derivatives: %w", err)
	}
	for key, path := range set.Variants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO variants (album_key, stored_name, format, target_width, path) VALUES (?, ?, ?, ?, ?)`,
			albumKey, storedName, key.Format, key.Width, path)
		if err != nil {
			return fmt.Errorf("save variant: %w", err)
		}
	}
	return tx.Commit()
}

// LoadDerivatives returns ok == false when nothing was recorded
func (idx *Index) LoadDerivatives(ctx context.Context, albumKey string, storedName string) (*asset.DerivativeSet, bool, error) {
	set := &asset.DerivativeSet{Variants: make(map[asset.VariantKey]string)}
	err := idx.DB.QueryRowContext(ctx, `
		SELECT width, height, lqip FROM derivatives WHERE album_key = ? AND stored_name = ?`, albumKey, storedName).
		Scan(&set.Width, &set.Height, &set.LQIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load derivatives: %w", err)
	}
	rows, err := idx.DB.QueryContext(ctx, `
		SELECT format, target_width, path FROM variants WHERE album_key = ? AND stored_name = ?`, albumKey, storedName)
	if err != nil {
		return nil, false, fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key asset.VariantKey
		var path string
		if err := rows.Scan(&key.Format, &key.Width, &path); err != nil {
			return nil, false, err
		}
		set.Variants[key] = path
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return set, true, nil
}

package db

type DatabaseLayer int

const (
	DATABASE_LAYER_EMPTY = iota
	DATABASE_LAYER_1     // assets, derivatives, variants
)

func (idx *Index) initialSetup() error {
	layer, err := idx.determineDatabaseLayer()
	if err != nil {
		return err
	}
	switch layer {
	case DATABASE_LAYER_EMPTY:
		if err := idx.schemaVersionOne(); err != nil {
			return err
		}
		fallthrough
	case DATABASE_LAYER_1:
		// up to date
	}
	return nil
}

func (idx *Index) schemaVersionOne() error {
	tx, err := idx.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
	CREATE TABLE assets (

		album_id        INTEGER NOT NULL,
		stored_name     TEXT    NOT NULL, /* final name on disk, after " (n)" collision handling */
		size            INTEGER NOT NULL,
		mime_type       TEXT    NOT NULL,
		remote_file_id  TEXT,             /* set once on first successful upload, never rewritten */
		remote_thumb_id TEXT,

		PRIMARY KEY(album_id, stored_name),
		CHECK(LENGTH(stored_name) > 0),
		CHECK(size >= 0) /* empty uploads are legal */
	);

	CREATE TABLE derivatives (

		album_key   TEXT    NOT NULL,
		stored_name TEXT    NOT NULL,
		width       INTEGER NOT NULL, /* of the original, after orientation correction */
		height      INTEGER NOT NULL,
		lqip        TEXT    NOT NULL, /* data uri */

		PRIMARY KEY(album_key, stored_name)
	);

	CREATE TABLE variants (

		album_key    TEXT    NOT NULL,
		stored_name  TEXT    NOT NULL,
		format       TEXT    NOT NULL,
		target_width INTEGER NOT NULL,
		path         TEXT    NOT NULL,

		PRIMARY KEY(album_key, stored_name, format, target_width),
		FOREIGN KEY(album_key, stored_name) REFERENCES derivatives(album_key, stored_name) ON UPDATE CASCADE ON DELETE CASCADE,
		CHECK(format IN ('jpeg', 'webp', 'avif')),
		CHECK(target_width > 0)
	);
	`)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (idx *Index) determineDatabaseLayer() (DatabaseLayer, error) {
	var n int
	err := idx.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'assets'").Scan(&n)
	if err != nil {
		return DATABASE_LAYER_EMPTY, err
	}
	if n == 0 {
		return DATABASE_LAYER_EMPTY, nil
	}
	return DATABASE_LAYER_1, nil
}

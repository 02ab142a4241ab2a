package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// IndexEntry records one stored blob for lookup and cleanup.
type IndexEntry struct {
	MediaID  string    `json:"media_id"`
	Ref      string    `json:"ref"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	StoredAt time.Time `json:"stored_at"`
}

// Index is a SQLite-backed catalogue of stored media blobs.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at path. Use ":memory:"
// for tests.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open media index: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) migrate() error {
	_, err := i.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS media_blob (
			media_id TEXT NOT NULL,
			ref TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL DEFAULT '',
			stored_at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate media index: %w", err)
	}
	return nil
}

// Record inserts or replaces an index entry.
func (i *Index) Record(ctx context.Context, e IndexEntry) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO media_blob (media_id, ref, mime_type, size, sha256, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.MediaID, e.Ref, e.MimeType, e.Size, e.SHA256, e.StoredAt)
	if err != nil {
		return fmt.Errorf("record media blob: %w", err)
	}
	return nil
}

// Lookup returns the entry for a ref, or nil when unknown.
func (i *Index) Lookup(ctx context.Context, ref string) (*IndexEntry, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT media_id, ref, mime_type, size, sha256, stored_at
		FROM media_blob WHERE ref = ?`, ref)
	var e IndexEntry
	err := row.Scan(&e.MediaID, &e.Ref, &e.MimeType, &e.Size, &e.SHA256, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup media blob: %w", err)
	}
	return &e, nil
}

// Count returns the number of indexed blobs.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_blob`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the underlying database.
func (i *Index) Close() error { return i.db.Close() }

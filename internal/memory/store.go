// Package memory persists what the relay knows about its users and
// exposes it through slash commands.
//
// Two kinds of memory exist. Key-value items are durable facts, unique
// per owner and key, that are overwritten in place. Episodes are
// free-text notes that are only ever appended and are read back newest
// first.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so lexical order in SQLite matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// KVItem is a durable key-value fact about an owner.
type KVItem struct {
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Episode is a free-text note about an owner.
type Episode struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLiteStore holds both kinds of memory in one database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the memory database at dbPath using
// the sqlite3 driver, which the caller must have registered.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewSQLiteStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB creates a memory store on an existing connection.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_memory (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(owner, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_memory_updated ON kv_memory(owner, updated_at DESC);

		CREATE TABLE IF NOT EXISTS episodic_memory (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_episodic_memory_created ON episodic_memory(owner, created_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertKV writes value under (owner, key). An existing row keeps its
// created_at; only value and updated_at change.
func (s *SQLiteStore) UpsertKV(ctx context.Context, owner, key, value string, ts time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	stamp := ts.UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_memory (id, owner, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, id.String(), owner, key, value, stamp, stamp)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes (owner, key) and reports whether a row was deleted.
func (s *SQLiteStore) DeleteKV(ctx context.Context, owner, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_memory WHERE owner = ? AND key = ?`, owner, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListKV returns every item for owner, most recently updated first.
func (s *SQLiteStore) ListKV(ctx context.Context, owner string) ([]KVItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, key, value, created_at, updated_at
		FROM kv_memory WHERE owner = ?
		ORDER BY updated_at DESC, key ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	items := []KVItem{}
	for rows.Next() {
		var it KVItem
		var created, updated string
		if err := rows.Scan(&it.Owner, &it.Key, &it.Value, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		it.CreatedAt, _ = time.Parse(timeLayout, created)
		it.UpdatedAt, _ = time.Parse(timeLayout, updated)
		items = append(items, it)
	}
	return items, rows.Err()
}

// AppendEpisode records a note for owner.
func (s *SQLiteStore) AppendEpisode(ctx context.Context, owner, text string, ts time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodic_memory (id, owner, text, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), owner, text, ts.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// RecentEpisodes returns at most limit notes for owner, newest first.
// Notes written in the same instant come back in reverse insertion order.
func (s *SQLiteStore) RecentEpisodes(ctx context.Context, owner string, limit int) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, text, created_at
		FROM episodic_memory WHERE owner = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	eps := []Episode{}
	for rows.Next() {
		var ep Episode
		var created string
		if err := rows.Scan(&ep.ID, &ep.Owner, &ep.Text, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ep.CreatedAt, _ = time.Parse(timeLayout, created)
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

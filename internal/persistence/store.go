// Package persistence implements the §6.3 key-value contract backed by
// SQLite: save/softDelete/load/findByPostId/findByThread/cleanStale/
// cleanHistory. A session's full reconstructible state (§6.5) is stored as
// a JSON blob keyed by composite id; post ids get an indexed side-table and
// (platform_id, thread_id) an index, so findByPostId/findByThread stay O(1)
// lookups instead of scanning the JSON column, grounded on the teacher's secrets/worktree
// sqlite stores (schema-in-Go-string, sqlx binding, side-table indexing).
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the persisted shape for one session (spec.md §6.5 field list,
// plus the Message Manager executor snapshots referenced by §3).
type Record struct {
	CompositeID string                 `json:"compositeId"`
	ThreadID    string                 `json:"threadId"`
	PlatformID  string                 `json:"platformId"`
	Data        map[string]interface{} `json:"data"`
	PostIDs     []string               `json:"postIds"`
}

// Store implements the §6.3 persistence contract on SQLite.
type Store struct {
	db *sqlx.DB
}

// Open creates (or attaches to) a SQLite-backed Store at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		composite_id TEXT PRIMARY KEY,
		thread_id    TEXT NOT NULL,
		platform_id  TEXT NOT NULL,
		data         TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		deleted_at   TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(platform_id, thread_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_deleted_at ON sessions(deleted_at);

	CREATE TABLE IF NOT EXISTS session_posts (
		post_id      TEXT PRIMARY KEY,
		composite_id TEXT NOT NULL,
		FOREIGN KEY (composite_id) REFERENCES sessions(composite_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	CompositeID string    `db:"composite_id"`
	ThreadID    string    `db:"thread_id"`
	PlatformID  string    `db:"platform_id"`
	Data        string    `db:"data"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	DeletedAt   sql.NullTime `db:"deleted_at"`
}

// Save upserts a session record and refreshes its post-id index.
func (s *Store) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("persistence: marshal session data: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (composite_id, thread_id, platform_id, data, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(composite_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`), rec.CompositeID, rec.ThreadID, rec.PlatformID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("persistence: save session: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM session_posts WHERE composite_id = ?`), rec.CompositeID); err != nil {
		return fmt.Errorf("persistence: clear post index: %w", err)
	}
	for _, postID := range rec.PostIDs {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO session_posts (post_id, composite_id) VALUES (?, ?)
			ON CONFLICT(post_id) DO UPDATE SET composite_id = excluded.composite_id
		`), postID, rec.CompositeID); err != nil {
			return fmt.Errorf("persistence: index post %s: %w", postID, err)
		}
	}
	return nil
}

// SoftDelete marks a session deleted without erasing it, preserving it for
// History retention (spec.md §6.3 "a history notion").
func (s *Store) SoftDelete(ctx context.Context, compositeID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET deleted_at = ? WHERE composite_id = ?
	`), time.Now().UTC(), compositeID)
	if err != nil {
		return fmt.Errorf("persistence: soft delete: %w", err)
	}
	return nil
}

func rowToRecord(row sessionRow) (Record, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return Record{}, fmt.Errorf("persistence: unmarshal session data: %w", err)
	}
	return Record{
		CompositeID: row.CompositeID,
		ThreadID:    row.ThreadID,
		PlatformID:  row.PlatformID,
		Data:        data,
	}, nil
}

// Load returns the session data as a generic map, matching the Registry's
// PersistenceLoader contract. Soft-deleted entries are not returned.
func (s *Store) Load(compositeID string) (map[string]interface{}, bool, error) {
	var row sessionRow
	err := s.db.Get(&row, s.db.Rebind(`
		SELECT composite_id, thread_id, platform_id, data, created_at, updated_at, deleted_at
		FROM sessions WHERE composite_id = ? AND deleted_at IS NULL
	`), compositeID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load: %w", err)
	}
	rec, err := rowToRecord(row)
	if err != nil {
		return nil, false, err
	}
	return rec.Data, true, nil
}

// FindByPostID resolves a post id to the session that owns it via the
// indexed side-table, avoiding a JSON scan.
func (s *Store) FindByPostID(ctx context.Context, postID string) (Record, bool, error) {
	var compositeID string
	err := s.db.GetContext(ctx, &compositeID, s.db.Rebind(`SELECT composite_id FROM session_posts WHERE post_id = ?`), postID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("persistence: find by post id: %w", err)
	}
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT composite_id, thread_id, platform_id, data, created_at, updated_at, deleted_at
		FROM sessions WHERE composite_id = ? AND deleted_at IS NULL
	`), compositeID); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("persistence: find by post id: %w", err)
	}
	rec, err := rowToRecord(row)
	return rec, err == nil, err
}

// FindByThread resolves (platformId, threadId) to a persisted session.
func (s *Store) FindByThread(ctx context.Context, platformID, threadID string) (Record, bool, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT composite_id, thread_id, platform_id, data, created_at, updated_at, deleted_at
		FROM sessions WHERE platform_id = ? AND thread_id = ? AND deleted_at IS NULL
	`), platformID, threadID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("persistence: find by thread: %w", err)
	}
	rec, err := rowToRecord(row)
	return rec, err == nil, err
}

// CleanStale removes persisted sessions whose last update predates maxAge,
// hard-deleting them outright (spec.md §4.14: "beyond 2x sessionTimeout").
func (s *Store) CleanStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.hardDeleteWhere(ctx, `updated_at < ?`, time.Now().Add(-maxAge).UTC())
}

// CleanHistory hard-deletes soft-deleted sessions older than retention.
func (s *Store) CleanHistory(ctx context.Context, retention time.Duration) (int64, error) {
	return s.hardDeleteWhere(ctx, `deleted_at IS NOT NULL AND deleted_at < ?`, time.Now().Add(-retention).UTC())
}

// hardDeleteWhere removes sessions matching the predicate along with their
// post-id index entries. SQLite foreign keys are off by default, so the
// side table is cleaned explicitly rather than relying on cascade.
func (s *Store) hardDeleteWhere(ctx context.Context, predicate string, arg time.Time) (int64, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT composite_id FROM sessions WHERE `+predicate), arg); err != nil {
		return 0, fmt.Errorf("persistence: select for cleanup: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM session_posts WHERE composite_id = ?`), id); err != nil {
			return 0, fmt.Errorf("persistence: cleanup post index: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE `+predicate), arg)
	if err != nil {
		return 0, fmt.Errorf("persistence: cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer shared by
// the admission plane, the webhook trigger, the scheduler, and the route
// handlers: workspaces, capability keys, files, the append log, webhooks
// with their delivery audit trail, rate-limit counters, and API keys.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"markpad/pkg/workspace"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
  id               TEXT PRIMARY KEY,
  name             TEXT NOT NULL,
  last_activity_at TIMESTAMP NOT NULL,
  created_at       TIMESTAMP NOT NULL,
  deleted_at       TIMESTAMP NULL
);`,

		`CREATE TABLE IF NOT EXISTS capability_keys (
  id            TEXT PRIMARY KEY,
  workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
  prefix        TEXT NOT NULL,
  key_hash      TEXT NOT NULL UNIQUE,
  permission    TEXT NOT NULL CHECK (permission IN ('read','append','write')),
  scope_type    TEXT NOT NULL CHECK (scope_type IN ('workspace','folder','file')),
  scope_path    TEXT NOT NULL DEFAULT '',
  bound_author  TEXT NULL,
  wip_limit     INTEGER NULL,
  allowed_types TEXT NULL,
  display_name  TEXT NOT NULL DEFAULT '',
  created_at    TIMESTAMP NOT NULL,
  expires_at    TIMESTAMP NULL,
  revoked_at    TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_capability_keys_workspace ON capability_keys(workspace_id);`,

		`CREATE TABLE IF NOT EXISTS files (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
  path         TEXT NOT NULL,
  content      TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMP NOT NULL,
  updated_at   TIMESTAMP NOT NULL,
  deleted_at   TIMESTAMP NULL,
  UNIQUE(workspace_id, path)
);`,
		`CREATE INDEX IF NOT EXISTS idx_files_workspace ON files(workspace_id);`,

		`CREATE TABLE IF NOT EXISTS appends (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  file_id         TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
  append_id       TEXT NOT NULL,
  author          TEXT NOT NULL,
  type            TEXT NOT NULL CHECK (type IN ('task','claim','response','comment','blocked','answer','renew','cancel','vote')),
  status          TEXT NULL,
  priority        TEXT NULL,
  labels          TEXT NULL,
  ref             TEXT NULL,
  expires_at      TIMESTAMP NULL,
  created_at      TIMESTAMP NOT NULL,
  content_preview TEXT NOT NULL DEFAULT '',
  UNIQUE(file_id, append_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_appends_file ON appends(file_id);`,
		`CREATE INDEX IF NOT EXISTS idx_appends_type_status ON appends(type, status);`,

		`CREATE TABLE IF NOT EXISTS webhooks (
  id                TEXT PRIMARY KEY,
  workspace_id      TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
  scope_type        TEXT NOT NULL CHECK (scope_type IN ('workspace','folder','file')),
  scope_path        TEXT NOT NULL DEFAULT '',
  url               TEXT NOT NULL,
  events            TEXT NOT NULL,
  secret_hash       TEXT NOT NULL,
  recursive         INTEGER NOT NULL DEFAULT 0,
  failure_count     INTEGER NOT NULL DEFAULT 0,
  disabled_at       TIMESTAMP NULL,
  last_triggered_at TIMESTAMP NULL,
  created_at        TIMESTAMP NOT NULL,
  deleted_at        TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_workspace ON webhooks(workspace_id);`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id            TEXT PRIMARY KEY,
  webhook_id    TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
  event         TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('ok','failed','timeout','error')),
  response_code INTEGER NULL,
  duration_ms   INTEGER NOT NULL DEFAULT 0,
  error         TEXT NULL,
  created_at    TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries(created_at);`,

		`CREATE TABLE IF NOT EXISTS rate_limits (
  key          TEXT PRIMARY KEY,
  count        INTEGER NOT NULL,
  window_start INTEGER NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS api_keys (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
  prefix       TEXT NOT NULL,
  key_hash     TEXT NOT NULL UNIQUE,
  scopes       TEXT NOT NULL,
  created_at   TIMESTAMP NOT NULL,
  revoked_at   TIMESTAMP NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Workspaces ---------------

// InsertWorkspace persists a new workspace.
func (s *Store) InsertWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	const ins = `INSERT INTO workspaces(id, name, last_activity_at, created_at, deleted_at) VALUES(?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins,
		ws.ID, ws.Name, ws.LastActivityAt.UTC(), ws.CreatedAt.UTC(), nullTime(ws.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by id. Soft-deleted workspaces are
// not returned.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	const q = `SELECT id, name, last_activity_at, created_at, deleted_at FROM workspaces WHERE id=? AND deleted_at IS NULL`
	var row struct {
		id, name       string
		lastActivityAt time.Time
		createdAt      time.Time
		deletedAt      sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row.id, &row.name, &row.lastActivityAt, &row.createdAt, &row.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &workspace.Workspace{
		ID:             row.id,
		Name:           row.name,
		LastActivityAt: row.lastActivityAt.UTC(),
		CreatedAt:      row.createdAt.UTC(),
		DeletedAt:      fromNullTimePtr(row.deletedAt),
	}, nil
}

// TouchWorkspace bumps last_activity_at for a workspace.
func (s *Store) TouchWorkspace(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE workspaces SET last_activity_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	return err
}

// --------------- Files ---------------

// InsertFile persists a new file row.
// InsertFile creates a file row. (workspace_id, path) is unique, so a
// soft-deleted tombstone at the same path is resurrected in place; the
// original row id survives because appends reference it.
func (s *Store) InsertFile(ctx context.Context, f *workspace.File) error {
	const ins = `INSERT INTO files(id, workspace_id, path, content, created_at, updated_at, deleted_at) VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id, path) DO UPDATE SET
  content=excluded.content, updated_at=excluded.updated_at, deleted_at=NULL`
	_, err := s.db.ExecContext(ctx, ins,
		f.ID, f.WorkspaceID, f.Path, f.Content, f.CreatedAt.UTC(), f.UpdatedAt.UTC(), nullTime(f.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFileByPath retrieves a live (not soft-deleted) file by workspace and path.
func (s *Store) GetFileByPath(ctx context.Context, workspaceID, path string) (*workspace.File, error) {
	const q = `SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
FROM files WHERE workspace_id=? AND path=? AND deleted_at IS NULL`
	return s.scanFile(s.db.QueryRowContext(ctx, q, workspaceID, path))
}

// GetFileByID retrieves a file by id regardless of deletion state.
func (s *Store) GetFileByID(ctx context.Context, id string) (*workspace.File, error) {
	const q = `SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at FROM files WHERE id=?`
	return s.scanFile(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) scanFile(row *sql.Row) (*workspace.File, error) {
	var r struct {
		id, workspaceID, path, content string
		createdAt, updatedAt           time.Time
		deletedAt                      sql.NullTime
	}
	err := row.Scan(&r.id, &r.workspaceID, &r.path, &r.content, &r.createdAt, &r.updatedAt, &r.deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &workspace.File{
		ID:          r.id,
		WorkspaceID: r.workspaceID,
		Path:        r.path,
		Content:     r.content,
		CreatedAt:   r.createdAt.UTC(),
		UpdatedAt:   r.updatedAt.UTC(),
		DeletedAt:   fromNullTimePtr(r.deletedAt),
	}, nil
}

// ListFiles returns the live files of a workspace ordered by path.
func (s *Store) ListFiles(ctx context.Context, workspaceID string) ([]*workspace.File, error) {
	const q = `SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
FROM files WHERE workspace_id=? AND deleted_at IS NULL ORDER BY path`
	return s.queryFiles(ctx, q, workspaceID)
}

// SearchFiles returns live files whose path or content contains the
// query, case-insensitively.
func (s *Store) SearchFiles(ctx context.Context, workspaceID, query string) ([]*workspace.File, error) {
	const q = `SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
FROM files WHERE workspace_id=? AND deleted_at IS NULL
AND (path LIKE '%' || ? || '%' OR content LIKE '%' || ? || '%')
ORDER BY path`
	return s.queryFiles(ctx, q, workspaceID, query, query)
}

func (s *Store) queryFiles(ctx context.Context, q string, args ...any) ([]*workspace.File, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*workspace.File
	for rows.Next() {
		var r struct {
			id, workspaceID, path, content string
			createdAt, updatedAt           time.Time
			deletedAt                      sql.NullTime
		}
		if err := rows.Scan(&r.id, &r.workspaceID, &r.path, &r.content, &r.createdAt, &r.updatedAt, &r.deletedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, &workspace.File{
			ID:          r.id,
			WorkspaceID: r.workspaceID,
			Path:        r.path,
			Content:     r.content,
			CreatedAt:   r.createdAt.UTC(),
			UpdatedAt:   r.updatedAt.UTC(),
			DeletedAt:   fromNullTimePtr(r.deletedAt),
		})
	}
	return files, rows.Err()
}

// UpdateFileContent replaces a file's content and bumps updated_at.
func (s *Store) UpdateFileContent(ctx context.Context, id, content string, at time.Time) error {
	const upd = `UPDATE files SET content=?, updated_at=? WHERE id=? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, content, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteFile tombstones a file. The reaper hard-deletes it after the
// retention grace period.
func (s *Store) SoftDeleteFile(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE files SET deleted_at=? WHERE id=? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteFilesDeletedBefore removes file rows (and, via cascade,
// their appends) whose tombstone is older than cutoff. Returns the
// number of rows removed.
func (s *Store) HardDeleteFilesDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const del = `DELETE FROM files WHERE deleted_at IS NOT NULL AND deleted_at < ?`
	res, err := s.db.ExecContext(ctx, del, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("hard delete files: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func marshalStrings(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

func unmarshalStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return out, nil
}

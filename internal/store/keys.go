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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"markpad/pkg/workspace"
)

// --------------- Capability keys ---------------

const capabilityKeyColumns = `id, workspace_id, prefix, key_hash, permission, scope_type, scope_path,
bound_author, wip_limit, allowed_types, display_name, created_at, expires_at, revoked_at`

// InsertCapabilityKey persists a new capability key record. The caller
// supplies the hash; the plaintext never reaches the store.
func (s *Store) InsertCapabilityKey(ctx context.Context, k *workspace.CapabilityKey) error {
	allowed, err := marshalStrings(k.AllowedTypes)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO capability_keys(` + capabilityKeyColumns + `)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, ins,
		k.ID, k.WorkspaceID, k.Prefix, k.KeyHash, k.Permission.String(), k.ScopeType.String(), k.ScopePath,
		nullString(k.BoundAuthor), nullInt(k.WIPLimit), allowed, k.DisplayName,
		k.CreatedAt.UTC(), nullTime(k.ExpiresAt), nullTime(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("insert capability key: %w", err)
	}
	return nil
}

// GetCapabilityKeyByHash looks up a key record by its stored hash.
// Revoked and expired records are still returned; exclusion policy lives
// in the evaluator, which must distinguish them.
func (s *Store) GetCapabilityKeyByHash(ctx context.Context, keyHash string) (*workspace.CapabilityKey, error) {
	const q = `SELECT ` + capabilityKeyColumns + ` FROM capability_keys WHERE key_hash=?`
	return s.scanCapabilityKey(s.db.QueryRowContext(ctx, q, keyHash))
}

// ListCapabilityKeys returns all keys for a workspace, newest first.
func (s *Store) ListCapabilityKeys(ctx context.Context, workspaceID string) ([]*workspace.CapabilityKey, error) {
	const q = `SELECT ` + capabilityKeyColumns + ` FROM capability_keys WHERE workspace_id=? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list capability keys: %w", err)
	}
	defer rows.Close()

	var out []*workspace.CapabilityKey
	for rows.Next() {
		k, err := scanCapabilityKeyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capability keys: %w", err)
	}
	return out, nil
}

// RevokeCapabilityKey marks a key revoked. Keys are never hard-deleted.
func (s *Store) RevokeCapabilityKey(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE capability_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke capability key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanCapabilityKey(row *sql.Row) (*workspace.CapabilityKey, error) {
	var r capabilityKeyRow
	err := row.Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capability key: %w", err)
	}
	return r.toModel()
}

func scanCapabilityKeyRow(rows *sql.Rows) (*workspace.CapabilityKey, error) {
	var r capabilityKeyRow
	if err := rows.Scan(r.dest()...); err != nil {
		return nil, fmt.Errorf("scan capability key: %w", err)
	}
	return r.toModel()
}

type capabilityKeyRow struct {
	id, workspaceID, prefix, keyHash string
	permission, scopeType, scopePath string
	boundAuthor                      sql.NullString
	wipLimit                         sql.NullInt64
	allowedTypes                     sql.NullString
	displayName                      string
	createdAt                        time.Time
	expiresAt, revokedAt             sql.NullTime
}

func (r *capabilityKeyRow) dest() []any {
	return []any{
		&r.id, &r.workspaceID, &r.prefix, &r.keyHash, &r.permission, &r.scopeType, &r.scopePath,
		&r.boundAuthor, &r.wipLimit, &r.allowedTypes, &r.displayName, &r.createdAt, &r.expiresAt, &r.revokedAt,
	}
}

func (r *capabilityKeyRow) toModel() (*workspace.CapabilityKey, error) {
	allowed, err := unmarshalStrings(r.allowedTypes)
	if err != nil {
		return nil, err
	}
	return &workspace.CapabilityKey{
		ID:           r.id,
		WorkspaceID:  r.workspaceID,
		Prefix:       r.prefix,
		KeyHash:      r.keyHash,
		Permission:   workspace.Permission(r.permission),
		ScopeType:    workspace.ScopeType(r.scopeType),
		ScopePath:    r.scopePath,
		BoundAuthor:  fromNullStringPtr(r.boundAuthor),
		WIPLimit:     fromNullIntPtr(r.wipLimit),
		AllowedTypes: allowed,
		DisplayName:  r.displayName,
		CreatedAt:    r.createdAt.UTC(),
		ExpiresAt:    fromNullTimePtr(r.expiresAt),
		RevokedAt:    fromNullTimePtr(r.revokedAt),
	}, nil
}

// --------------- API keys ---------------

// InsertAPIKey persists a new API key record.
func (s *Store) InsertAPIKey(ctx context.Context, k *workspace.APIKey) error {
	scopes, err := marshalStrings(k.Scopes)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO api_keys(id, workspace_id, prefix, key_hash, scopes, created_at, revoked_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, ins,
		k.ID, k.WorkspaceID, k.Prefix, k.KeyHash, scopes, k.CreatedAt.UTC(), nullTime(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an unrevoked API key by its stored hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*workspace.APIKey, error) {
	const q = `SELECT id, workspace_id, prefix, key_hash, scopes, created_at, revoked_at
FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`
	var r struct {
		id, workspaceID, prefix, keyHash string
		scopes                           sql.NullString
		createdAt                        time.Time
		revokedAt                        sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, keyHash).Scan(
		&r.id, &r.workspaceID, &r.prefix, &r.keyHash, &r.scopes, &r.createdAt, &r.revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	scopes, err := unmarshalStrings(r.scopes)
	if err != nil {
		return nil, err
	}
	return &workspace.APIKey{
		ID:          r.id,
		WorkspaceID: r.workspaceID,
		Prefix:      r.prefix,
		KeyHash:     r.keyHash,
		Scopes:      scopes,
		CreatedAt:   r.createdAt.UTC(),
		RevokedAt:   fromNullTimePtr(r.revokedAt),
	}, nil
}

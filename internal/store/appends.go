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

var (
	// ErrInvalidRef indicates the ref is missing, points at a
	// nonexistent append, or points at an append of the wrong type.
	ErrInvalidRef = errors.New("invalid ref")

	// ErrClaimConflict indicates the referenced task already has an
	// active claim.
	ErrClaimConflict = errors.New("task already claimed")

	// ErrNotClaimant indicates a cancel or renew authored by someone
	// other than the original claimant.
	ErrNotClaimant = errors.New("author is not the claimant")
)

// AppendRequest carries the caller-supplied fields of a new append.
// AppendID, Status, and CreatedAt are assigned by the store.
type AppendRequest struct {
	FileID    string
	Author    string
	Type      workspace.AppendType
	Priority  *string
	Labels    []string
	Ref       *string
	ExpiresAt *time.Time
	Content   string
}

// AppendEntry atomically mints the next sequential append id for the
// file, validates the ref against the append-log state machine, applies
// the resulting transitions, and persists the new entry. Two concurrent
// appends on the same file still produce distinct, sequential ids; the
// serializable transaction provides the per-file ordering.
func (s *Store) AppendEntry(ctx context.Context, req AppendRequest) (*workspace.Append, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid append type: %s", req.Type)
	}
	now := time.Now().UTC()
	var created *workspace.Append

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Next sequential id within the file.
		const seq = `SELECT COUNT(*) FROM appends WHERE file_id=?`
		var n int
		if err := tx.QueryRowContext(ctx, seq, req.FileID).Scan(&n); err != nil {
			return fmt.Errorf("count appends: %w", err)
		}
		appendID := fmt.Sprintf("a%d", n+1)

		status, err := s.applyTransitions(ctx, tx, req, now)
		if err != nil {
			return err
		}

		labels, err := marshalStrings(req.Labels)
		if err != nil {
			return err
		}
		const ins = `INSERT INTO appends(file_id, append_id, author, type, status, priority, labels, ref, expires_at, created_at, content_preview)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		res, err := tx.ExecContext(ctx, ins,
			req.FileID, appendID, req.Author, req.Type.String(), nullString(status),
			nullString(req.Priority), labels, nullString(req.Ref), nullTime(req.ExpiresAt), now, req.Content)
		if err != nil {
			return fmt.Errorf("insert append: %w", err)
		}
		rowID, _ := res.LastInsertId()

		created = &workspace.Append{
			ID:        rowID,
			FileID:    req.FileID,
			AppendID:  appendID,
			Author:    req.Author,
			Type:      req.Type,
			Status:    status,
			Priority:  req.Priority,
			Labels:    req.Labels,
			Ref:       req.Ref,
			ExpiresAt: req.ExpiresAt,
			Content:   req.Content,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// applyTransitions validates req.Ref and performs the state changes the
// new entry implies. It returns the initial status of the new entry.
func (s *Store) applyTransitions(ctx context.Context, tx *sql.Tx, req AppendRequest, now time.Time) (*string, error) {
	switch req.Type {
	case workspace.AppendTask:
		return strPtr(workspace.TaskPending), nil

	case workspace.AppendClaim:
		task, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendTask)
		if err != nil {
			return nil, err
		}
		if task.Status == nil || *task.Status != workspace.TaskPending {
			return nil, ErrClaimConflict
		}
		if err := s.setAppendStatus(ctx, tx, req.FileID, task.AppendID, workspace.TaskClaimed); err != nil {
			return nil, err
		}
		return strPtr(workspace.ClaimActive), nil

	case workspace.AppendResponse:
		task, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendTask)
		if err != nil {
			return nil, err
		}
		if task.Status == nil || *task.Status != workspace.TaskClaimed {
			return nil, ErrInvalidRef
		}
		// Release the active claim on the task, then complete the task.
		const rel = `UPDATE appends SET status=? WHERE file_id=? AND type='claim' AND status=? AND ref=?`
		if _, err := tx.ExecContext(ctx, rel, workspace.ClaimReleased, req.FileID, workspace.ClaimActive, task.AppendID); err != nil {
			return nil, fmt.Errorf("release claim: %w", err)
		}
		if err := s.setAppendStatus(ctx, tx, req.FileID, task.AppendID, workspace.TaskCompleted); err != nil {
			return nil, err
		}
		return nil, nil

	case workspace.AppendCancel:
		claim, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendClaim)
		if err != nil {
			return nil, err
		}
		if claim.Author != req.Author {
			return nil, ErrNotClaimant
		}
		if claim.Status == nil || *claim.Status != workspace.ClaimActive {
			return nil, ErrInvalidRef
		}
		if err := s.setAppendStatus(ctx, tx, req.FileID, claim.AppendID, workspace.ClaimCancelled); err != nil {
			return nil, err
		}
		if claim.Ref != nil {
			if err := s.setAppendStatus(ctx, tx, req.FileID, *claim.Ref, workspace.TaskPending); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case workspace.AppendRenew:
		claim, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendClaim)
		if err != nil {
			return nil, err
		}
		if claim.Author != req.Author {
			return nil, ErrNotClaimant
		}
		if claim.Status == nil || *claim.Status != workspace.ClaimActive {
			return nil, ErrInvalidRef
		}
		if req.ExpiresAt != nil {
			const upd = `UPDATE appends SET expires_at=? WHERE file_id=? AND append_id=?`
			if _, err := tx.ExecContext(ctx, upd, req.ExpiresAt.UTC(), req.FileID, claim.AppendID); err != nil {
				return nil, fmt.Errorf("renew claim: %w", err)
			}
		}
		return nil, nil

	case workspace.AppendBlocked:
		task, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendTask)
		if err != nil {
			return nil, err
		}
		if err := s.setAppendStatus(ctx, tx, req.FileID, task.AppendID, workspace.TaskBlocked); err != nil {
			return nil, err
		}
		return nil, nil

	case workspace.AppendAnswer:
		blocked, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendBlocked)
		if err != nil {
			return nil, err
		}
		// Answering re-opens the blocked task.
		if blocked.Ref != nil {
			const upd = `UPDATE appends SET status=? WHERE file_id=? AND append_id=? AND type='task' AND status=?`
			if _, err := tx.ExecContext(ctx, upd, workspace.TaskPending, req.FileID, *blocked.Ref, workspace.TaskBlocked); err != nil {
				return nil, fmt.Errorf("reopen blocked task: %w", err)
			}
		}
		return nil, nil

	case workspace.AppendVote:
		if _, err := s.refAppend(ctx, tx, req.FileID, req.Ref, workspace.AppendTask); err != nil {
			return nil, err
		}
		return nil, nil

	case workspace.AppendComment:
		return nil, nil

	default:
		return nil, fmt.Errorf("invalid append type: %s", req.Type)
	}
}

// refAppend loads the append req.Ref points at and asserts its type.
func (s *Store) refAppend(ctx context.Context, tx *sql.Tx, fileID string, ref *string, wantType workspace.AppendType) (*workspace.Append, error) {
	if ref == nil || *ref == "" {
		return nil, ErrInvalidRef
	}
	a, err := getAppendQ(ctx, tx, fileID, *ref)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRef
	}
	if err != nil {
		return nil, err
	}
	if a.Type != wantType {
		return nil, ErrInvalidRef
	}
	return a, nil
}

func (s *Store) setAppendStatus(ctx context.Context, tx *sql.Tx, fileID, appendID, status string) error {
	const upd = `UPDATE appends SET status=? WHERE file_id=? AND append_id=?`
	if _, err := tx.ExecContext(ctx, upd, status, fileID, appendID); err != nil {
		return fmt.Errorf("set append status: %w", err)
	}
	return nil
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const appendColumns = `id, file_id, append_id, author, type, status, priority, labels, ref, expires_at, created_at, content_preview`

// GetAppend retrieves one append by file and append id.
func (s *Store) GetAppend(ctx context.Context, fileID, appendID string) (*workspace.Append, error) {
	return getAppendQ(ctx, s.db, fileID, appendID)
}

func getAppendQ(ctx context.Context, q querier, fileID, appendID string) (*workspace.Append, error) {
	const query = `SELECT ` + appendColumns + ` FROM appends WHERE file_id=? AND append_id=?`
	var r appendRow
	err := q.QueryRowContext(ctx, query, fileID, appendID).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get append: %w", err)
	}
	return r.toModel()
}

// ListAppends returns the full append log of a file in insertion order.
func (s *Store) ListAppends(ctx context.Context, fileID string) ([]*workspace.Append, error) {
	const q = `SELECT ` + appendColumns + ` FROM appends WHERE file_id=? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, fileID)
	if err != nil {
		return nil, fmt.Errorf("list appends: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Append
	for rows.Next() {
		var r appendRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan append: %w", err)
		}
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appends: %w", err)
	}
	return out, nil
}

// CountActiveClaimsByAuthor counts active claims authored by author
// across a workspace. Used to enforce a key's WIP limit.
func (s *Store) CountActiveClaimsByAuthor(ctx context.Context, workspaceID, author string) (int, error) {
	const q = `SELECT COUNT(*) FROM appends a
JOIN files f ON f.id = a.file_id
WHERE f.workspace_id=? AND a.author=? AND a.type='claim' AND a.status=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, workspaceID, author, workspace.ClaimActive).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active claims: %w", err)
	}
	return n, nil
}

// ExpiredClaim describes one claim flipped to expired by the janitor,
// with enough context to publish the claim.expired event.
type ExpiredClaim struct {
	ClaimID     string
	TaskID      string
	FileID      string
	FilePath    string
	WorkspaceID string
	Author      string
	ExpiredAt   time.Time
}

// ExpireActiveClaims finds active claims whose expires_at is before now,
// marks each expired, and re-opens the parent task. The status filter in
// both updates makes the operation idempotent: a second run over the
// same claim is a no-op.
func (s *Store) ExpireActiveClaims(ctx context.Context, now time.Time) ([]ExpiredClaim, error) {
	var out []ExpiredClaim
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT a.append_id, a.ref, a.author, a.file_id, f.path, f.workspace_id
FROM appends a
JOIN files f ON f.id = a.file_id
WHERE a.type='claim' AND a.status=? AND a.expires_at IS NOT NULL AND a.expires_at < ?
ORDER BY a.id ASC`
		rows, err := tx.QueryContext(ctx, sel, workspace.ClaimActive, now.UTC())
		if err != nil {
			return fmt.Errorf("select expired claims: %w", err)
		}
		var found []ExpiredClaim
		for rows.Next() {
			var (
				claimID, fileID, filePath, wsID, author string
				ref                                     sql.NullString
			)
			if err := rows.Scan(&claimID, &ref, &author, &fileID, &filePath, &wsID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired claim: %w", err)
			}
			found = append(found, ExpiredClaim{
				ClaimID:     claimID,
				TaskID:      fromNullString(ref),
				FileID:      fileID,
				FilePath:    filePath,
				WorkspaceID: wsID,
				Author:      author,
				ExpiredAt:   now.UTC(),
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired claims: %w", err)
		}

		for _, ec := range found {
			const expire = `UPDATE appends SET status=? WHERE file_id=? AND append_id=? AND status=?`
			res, err := tx.ExecContext(ctx, expire, workspace.ClaimExpired, ec.FileID, ec.ClaimID, workspace.ClaimActive)
			if err != nil {
				return fmt.Errorf("expire claim: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if ec.TaskID != "" {
				const reopen = `UPDATE appends SET status=? WHERE file_id=? AND append_id=? AND type='task'`
				if _, err := tx.ExecContext(ctx, reopen, workspace.TaskPending, ec.FileID, ec.TaskID); err != nil {
					return fmt.Errorf("reopen task: %w", err)
				}
			}
			out = append(out, ec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type appendRow struct {
	id                   int64
	fileID, appendID     string
	author, typ          string
	status, priority     sql.NullString
	labels, ref          sql.NullString
	expiresAt            sql.NullTime
	createdAt            time.Time
	contentPreview       string
}

func (r *appendRow) dest() []any {
	return []any{
		&r.id, &r.fileID, &r.appendID, &r.author, &r.typ, &r.status, &r.priority,
		&r.labels, &r.ref, &r.expiresAt, &r.createdAt, &r.contentPreview,
	}
}

func (r *appendRow) toModel() (*workspace.Append, error) {
	labels, err := unmarshalStrings(r.labels)
	if err != nil {
		return nil, err
	}
	return &workspace.Append{
		ID:        r.id,
		FileID:    r.fileID,
		AppendID:  r.appendID,
		Author:    r.author,
		Type:      workspace.AppendType(r.typ),
		Status:    fromNullStringPtr(r.status),
		Priority:  fromNullStringPtr(r.priority),
		Labels:    labels,
		Ref:       fromNullStringPtr(r.ref),
		ExpiresAt: fromNullTimePtr(r.expiresAt),
		Content:   r.contentPreview,
		CreatedAt: r.createdAt.UTC(),
	}, nil
}

func strPtr(s string) *string { return &s }

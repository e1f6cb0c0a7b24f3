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

const webhookColumns = `id, workspace_id, scope_type, scope_path, url, events, secret_hash, recursive,
failure_count, disabled_at, last_triggered_at, created_at, deleted_at`

// InsertWebhook persists a new webhook.
func (s *Store) InsertWebhook(ctx context.Context, w *workspace.Webhook) error {
	events, err := marshalStrings(w.Events)
	if err != nil {
		return err
	}
	if events == nil {
		events = "[]"
	}
	const ins = `INSERT INTO webhooks(` + webhookColumns + `)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, ins,
		w.ID, w.WorkspaceID, w.ScopeType.String(), w.ScopePath, w.URL, events, w.SecretHash,
		boolToInt(w.Recursive), w.FailureCount, nullTime(w.DisabledAt), nullTime(w.LastTriggeredAt),
		w.CreatedAt.UTC(), nullTime(w.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetWebhook retrieves a webhook by id, including disabled and
// soft-deleted ones.
func (s *Store) GetWebhook(ctx context.Context, id string) (*workspace.Webhook, error) {
	const q = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id=?`
	var r webhookRow
	err := s.db.QueryRowContext(ctx, q, id).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return r.toModel()
}

// ListActiveWebhooks returns the webhooks of a workspace that are
// neither disabled nor soft-deleted. These are the delivery candidates
// for each published event.
func (s *Store) ListActiveWebhooks(ctx context.Context, workspaceID string) ([]*workspace.Webhook, error) {
	const q = `SELECT ` + webhookColumns + ` FROM webhooks
WHERE workspace_id=? AND disabled_at IS NULL AND deleted_at IS NULL ORDER BY created_at ASC`
	return s.listWebhooks(ctx, q, workspaceID)
}

// ListWebhooks returns all non-deleted webhooks of a workspace,
// including disabled ones (the user re-enables via the API).
func (s *Store) ListWebhooks(ctx context.Context, workspaceID string) ([]*workspace.Webhook, error) {
	const q = `SELECT ` + webhookColumns + ` FROM webhooks
WHERE workspace_id=? AND deleted_at IS NULL ORDER BY created_at ASC`
	return s.listWebhooks(ctx, q, workspaceID)
}

func (s *Store) listWebhooks(ctx context.Context, q, workspaceID string) ([]*workspace.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Webhook
	for rows.Next() {
		var r webhookRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}

// RecordWebhookSuccess resets the consecutive-failure counter and stamps
// last_triggered_at after a 2xx delivery.
func (s *Store) RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE webhooks SET failure_count=0, last_triggered_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return nil
}

// RecordWebhookFailure increments the consecutive-failure counter and,
// when the new count reaches disableAt, marks the webhook disabled.
// Returns the new count.
func (s *Store) RecordWebhookFailure(ctx context.Context, id string, disableAt int, at time.Time) (int, error) {
	var count int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `UPDATE webhooks SET failure_count=failure_count+1 WHERE id=?`
		if _, err := tx.ExecContext(ctx, upd, id); err != nil {
			return fmt.Errorf("increment failure count: %w", err)
		}
		const sel = `SELECT failure_count FROM webhooks WHERE id=?`
		if err := tx.QueryRowContext(ctx, sel, id).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read failure count: %w", err)
		}
		if disableAt > 0 && count >= disableAt {
			const dis = `UPDATE webhooks SET disabled_at=? WHERE id=? AND disabled_at IS NULL`
			if _, err := tx.ExecContext(ctx, dis, at.UTC(), id); err != nil {
				return fmt.Errorf("disable webhook: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// EnableWebhook clears the disabled flag and failure counter.
func (s *Store) EnableWebhook(ctx context.Context, id string) error {
	const upd = `UPDATE webhooks SET disabled_at=NULL, failure_count=0 WHERE id=? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("enable webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteWebhook tombstones a webhook.
func (s *Store) SoftDeleteWebhook(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE webhooks SET deleted_at=? WHERE id=? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Deliveries ---------------

// InsertWebhookDelivery records one outbound attempt. Delivery rows are
// immutable once written.
func (s *Store) InsertWebhookDelivery(ctx context.Context, d *workspace.WebhookDelivery) error {
	const ins = `INSERT INTO webhook_deliveries(id, webhook_id, event, status, response_code, duration_ms, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins,
		d.ID, d.WebhookID, d.Event, d.Status.String(), nullInt(d.ResponseCode), d.DurationMs,
		nullString(d.Error), d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ListWebhookDeliveries returns deliveries for a webhook, newest first.
// If limit <= 0, returns all.
func (s *Store) ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]*workspace.WebhookDelivery, error) {
	q := `SELECT id, webhook_id, event, status, response_code, duration_ms, error, created_at
FROM webhook_deliveries WHERE webhook_id=? ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, webhookID)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*workspace.WebhookDelivery
	for rows.Next() {
		var (
			id, webhookID, event, status string
			responseCode                 sql.NullInt64
			durationMs                   int64
			errText                      sql.NullString
			createdAt                    time.Time
		)
		if err := rows.Scan(&id, &webhookID, &event, &status, &responseCode, &durationMs, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, &workspace.WebhookDelivery{
			ID:           id,
			WebhookID:    webhookID,
			Event:        event,
			Status:       workspace.DeliveryStatus(status),
			ResponseCode: fromNullIntPtr(responseCode),
			DurationMs:   durationMs,
			Error:        fromNullStringPtr(errText),
			CreatedAt:    createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook deliveries: %w", err)
	}
	return out, nil
}

// DeleteWebhookDeliveriesBefore purges delivery rows older than cutoff.
// Returns the number of rows removed.
func (s *Store) DeleteWebhookDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const del = `DELETE FROM webhook_deliveries WHERE created_at < ?`
	res, err := s.db.ExecContext(ctx, del, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete webhook deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type webhookRow struct {
	id, workspaceID, scopeType, scopePath, url string
	events                                     string
	secretHash                                 string
	recursive                                  int
	failureCount                               int
	disabledAt, lastTriggeredAt                sql.NullTime
	createdAt                                  time.Time
	deletedAt                                  sql.NullTime
}

func (r *webhookRow) dest() []any {
	return []any{
		&r.id, &r.workspaceID, &r.scopeType, &r.scopePath, &r.url, &r.events, &r.secretHash,
		&r.recursive, &r.failureCount, &r.disabledAt, &r.lastTriggeredAt, &r.createdAt, &r.deletedAt,
	}
}

func (r *webhookRow) toModel() (*workspace.Webhook, error) {
	events, err := unmarshalStrings(sql.NullString{String: r.events, Valid: true})
	if err != nil {
		return nil, err
	}
	return &workspace.Webhook{
		ID:              r.id,
		WorkspaceID:     r.workspaceID,
		URL:             r.url,
		Events:          events,
		ScopeType:       workspace.ScopeType(r.scopeType),
		ScopePath:       r.scopePath,
		Recursive:       r.recursive != 0,
		SecretHash:      r.secretHash,
		FailureCount:    r.failureCount,
		DisabledAt:      fromNullTimePtr(r.disabledAt),
		LastTriggeredAt: fromNullTimePtr(r.lastTriggeredAt),
		CreatedAt:       r.createdAt.UTC(),
		DeletedAt:       fromNullTimePtr(r.deletedAt),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

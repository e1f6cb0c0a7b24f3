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
)

// RateLimitRow is one fixed-window counter, keyed by
// "<operation>:<identifier>". WindowStart is milliseconds since epoch.
type RateLimitRow struct {
	Key         string
	Count       int
	WindowStart int64
}

// GetRateLimit reads a counter row or returns ErrNotFound.
func (s *Store) GetRateLimit(ctx context.Context, key string) (*RateLimitRow, error) {
	const q = `SELECT key, count, window_start FROM rate_limits WHERE key=?`
	var r RateLimitRow
	err := s.db.QueryRowContext(ctx, q, key).Scan(&r.Key, &r.Count, &r.WindowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return &r, nil
}

// PutRateLimit upserts a counter row. Concurrent writers race with
// last-write-wins semantics; that occasionally admits one extra request
// past the limit, which the admission contract accepts.
func (s *Store) PutRateLimit(ctx context.Context, row RateLimitRow) error {
	const upsert = `
INSERT INTO rate_limits(key, count, window_start) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET count=excluded.count, window_start=excluded.window_start;`
	_, err := s.db.ExecContext(ctx, upsert, row.Key, row.Count, row.WindowStart)
	if err != nil {
		return fmt.Errorf("put rate limit: %w", err)
	}
	return nil
}

// DeleteRateLimitsBefore removes counters whose window started before
// cutoffMs (milliseconds since epoch). Returns the number removed.
func (s *Store) DeleteRateLimitsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	const del = `DELETE FROM rate_limits WHERE window_start < ?`
	res, err := s.db.ExecContext(ctx, del, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete rate limits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetRateLimits clears the whole counter table. Intended for tests.
func (s *Store) ResetRateLimits(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits`)
	return err
}

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

package ratelimit

import (
	"context"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"markpad/internal/store"
)

func newTestEngine(t *testing.T, limits map[string]Limit) *Engine {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, limits, log.Default())
}

func TestCheckExhaustsWindow(t *testing.T) {
	e := newTestEngine(t, map[string]Limit{OpRead: {Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := e.Check(ctx, "abc123", OpRead, nil)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 3 - (i + 1); res.Remaining != want {
			t.Errorf("request %d: remaining=%d want %d", i+1, res.Remaining, want)
		}
	}

	res, err := e.Check(ctx, "abc123", OpRead, nil)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("denied remaining=%d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 60 {
		t.Errorf("retryAfter=%d, want in (0,60]", res.RetryAfter)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	e := newTestEngine(t, map[string]Limit{OpRead: {Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	if res, _ := e.Check(ctx, "alice", OpRead, nil); !res.Allowed {
		t.Fatal("alice first request denied")
	}
	if res, _ := e.Check(ctx, "alice", OpRead, nil); res.Allowed {
		t.Fatal("alice second request should be denied")
	}
	if res, _ := e.Check(ctx, "bob", OpRead, nil); !res.Allowed {
		t.Fatal("exhausting alice should not deny bob")
	}
}

func TestWindowResets(t *testing.T) {
	e := newTestEngine(t, map[string]Limit{OpRead: {Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }
	if res, _ := e.Check(ctx, "x", OpRead, nil); !res.Allowed {
		t.Fatal("first request denied")
	}
	if res, _ := e.Check(ctx, "x", OpRead, nil); res.Allowed {
		t.Fatal("second request in window should be denied")
	}

	e.now = func() time.Time { return base.Add(61 * time.Second) }
	res, err := e.Check(ctx, "x", OpRead, nil)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after window expiry should be allowed")
	}
	if res.Remaining != 0 {
		t.Errorf("fresh window remaining=%d, want 0", res.Remaining)
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	e := newTestEngine(t, map[string]Limit{OpRead: {Limit: 2, Window: time.Minute}})
	ctx := context.Background()

	if _, err := e.Check(ctx, "x", OpRead, nil); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := e.Status(ctx, "x", OpRead, nil)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if res.Remaining != 1 {
			t.Fatalf("Status consumed the counter: remaining=%d", res.Remaining)
		}
	}
}

func TestCustomLimitOverride(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	custom := &Limit{Limit: 1, Window: time.Minute}
	if res, _ := e.Check(ctx, "x", OpRead, custom); !res.Allowed {
		t.Fatal("first request denied")
	}
	res, _ := e.Check(ctx, "x", OpRead, custom)
	if res.Allowed {
		t.Fatal("custom limit of 1 should deny the second request")
	}
	if res.Limit != 1 {
		t.Errorf("limit=%d, want 1", res.Limit)
	}
}

func TestCleanupExpiredKeepsFreshRows(t *testing.T) {
	e := newTestEngine(t, map[string]Limit{OpRead: {Limit: 10, Window: time.Minute}})
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }
	if _, err := e.Check(ctx, "fresh", OpRead, nil); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := e.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed row, got %d", n)
	}
}

func TestLimitsFromEnv(t *testing.T) {
	env := map[string]string{
		"RATE_LIMIT_READ_LIMIT":        "50",
		"RATE_LIMIT_READ_WINDOW_MS":    "30000",
		"RATE_LIMIT_WRITE_LIMIT":       "-4",      // invalid, keep default
		"RATE_LIMIT_APPEND_WINDOW_MS":  "banana",  // invalid, keep default
		"RATE_LIMIT_BOOTSTRAP_LIMIT":   "0",       // invalid, keep default
	}
	limits := LimitsFromEnv(func(k string) string { return env[k] })

	if l := limits[OpRead]; l.Limit != 50 || l.Window != 30*time.Second {
		t.Errorf("read override not applied: %+v", l)
	}
	if l := limits[OpWrite]; l.Limit != 100 {
		t.Errorf("invalid write limit should keep default 100, got %d", l.Limit)
	}
	if l := limits[OpAppend]; l.Window != time.Minute {
		t.Errorf("invalid append window should keep default 1m, got %v", l.Window)
	}
	if l := limits[OpBootstrap]; l.Limit != 10 {
		t.Errorf("zero bootstrap limit should keep default 10, got %d", l.Limit)
	}
}

func TestBuildErrorBodyAndHeaders(t *testing.T) {
	res := Result{
		Allowed:    false,
		Limit:      100,
		Remaining:  0,
		ResetAt:    time.Date(2024, 1, 8, 10, 30, 0, 0, time.UTC).Unix(),
		RetryAfter: 12,
		Window:     time.Minute,
	}
	body := BuildErrorBody(res)
	if body.OK {
		t.Error("body.ok should be false")
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Errorf("code=%q", body.Error.Code)
	}
	if body.Error.Details.Window != "1m" {
		t.Errorf("window=%q, want 1m", body.Error.Details.Window)
	}
	if body.Error.Details.ResetAt != "2024-01-08T10:30:00Z" {
		t.Errorf("resetAt=%q", body.Error.Details.ResetAt)
	}

	w := httptest.NewRecorder()
	SetHeaders(w, res)
	if got := w.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit=%q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining=%q", got)
	}
	if got := w.Header().Get("Retry-After"); got != "12" {
		t.Errorf("Retry-After=%q", got)
	}
}

func TestFormatWindow(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{time.Hour, "1h"},
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
	}
	for _, tt := range tests {
		if got := FormatWindow(tt.d); got != tt.want {
			t.Errorf("FormatWindow(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

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

// Tests for the store layer: migrations, workspace and key CRUD, the
// file soft-delete reaper, and rate-limit counter rows.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"markpad/pkg/workspace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustWorkspace(t *testing.T, s *Store) *workspace.Workspace {
	t.Helper()
	now := time.Now().UTC()
	ws := &workspace.Workspace{
		ID:             "ws-1",
		Name:           "test workspace",
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.InsertWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("InsertWorkspace failed: %v", err)
	}
	return ws
}

func mustFile(t *testing.T, s *Store, wsID, path string) *workspace.File {
	t.Helper()
	now := time.Now().UTC()
	f := &workspace.File{
		ID:          "file-" + path,
		WorkspaceID: wsID,
		Path:        path,
		Content:     "# hello",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.InsertFile(context.Background(), f); err != nil {
		t.Fatalf("InsertFile failed: %v", err)
	}
	return f
}

func TestWorkspaceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)

	got, err := s.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got.Name != ws.Name {
		t.Errorf("name mismatch: got %q want %q", got.Name, ws.Name)
	}

	if _, err := s.GetWorkspace(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCapabilityKeyRoundTripAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)

	wip := 3
	author := "agent-7"
	k := &workspace.CapabilityKey{
		ID:           "key-1",
		WorkspaceID:  ws.ID,
		Prefix:       "wsR8k2",
		KeyHash:      "deadbeef",
		Permission:   workspace.PermissionAppend,
		ScopeType:    workspace.ScopeFolder,
		ScopePath:    "/notes",
		BoundAuthor:  &author,
		WIPLimit:     &wip,
		AllowedTypes: []string{"task", "claim"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.InsertCapabilityKey(ctx, k); err != nil {
		t.Fatalf("InsertCapabilityKey failed: %v", err)
	}

	got, err := s.GetCapabilityKeyByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetCapabilityKeyByHash failed: %v", err)
	}
	if got.Permission != workspace.PermissionAppend || got.ScopeType != workspace.ScopeFolder || got.ScopePath != "/notes" {
		t.Errorf("key mismatch: %+v", got)
	}
	if got.BoundAuthor == nil || *got.BoundAuthor != author {
		t.Errorf("bound author mismatch: %v", got.BoundAuthor)
	}
	if got.WIPLimit == nil || *got.WIPLimit != wip {
		t.Errorf("wip limit mismatch: %v", got.WIPLimit)
	}
	if len(got.AllowedTypes) != 2 {
		t.Errorf("allowed types mismatch: %v", got.AllowedTypes)
	}

	if err := s.RevokeCapabilityKey(ctx, k.ID, time.Now().UTC()); err != nil {
		t.Fatalf("RevokeCapabilityKey failed: %v", err)
	}
	got, err = s.GetCapabilityKeyByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetCapabilityKeyByHash after revoke failed: %v", err)
	}
	if got.RevokedAt == nil {
		t.Error("expected revoked_at to be set")
	}

	// Revoking twice is ErrNotFound (already revoked).
	if err := s.RevokeCapabilityKey(ctx, k.ID, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double revoke, got %v", err)
	}
}

func TestFileSoftDeleteAndReaper(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)
	f := mustFile(t, s, ws.ID, "/notes/today.md")

	if err := s.SoftDeleteFile(ctx, f.ID, time.Now().UTC().Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("SoftDeleteFile failed: %v", err)
	}
	if _, err := s.GetFileByPath(ctx, ws.ID, f.Path); !errors.Is(err, ErrNotFound) {
		t.Errorf("soft-deleted file still visible by path: %v", err)
	}
	// Still present by id until the reaper runs.
	if _, err := s.GetFileByID(ctx, f.ID); err != nil {
		t.Fatalf("GetFileByID failed: %v", err)
	}

	n, err := s.HardDeleteFilesDeletedBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("HardDeleteFilesDeletedBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reaped file, got %d", n)
	}
	if _, err := s.GetFileByID(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected file gone after reap, got %v", err)
	}
}

func TestFileReaperLeavesRecentTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)
	f := mustFile(t, s, ws.ID, "/fresh.md")

	if err := s.SoftDeleteFile(ctx, f.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDeleteFile failed: %v", err)
	}
	n, err := s.HardDeleteFilesDeletedBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("HardDeleteFilesDeletedBefore failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 reaped files, got %d", n)
	}
}

func TestRateLimitRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetRateLimit(ctx, "read:abc123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	nowMs := time.Now().UnixMilli()
	if err := s.PutRateLimit(ctx, RateLimitRow{Key: "read:abc123", Count: 1, WindowStart: nowMs}); err != nil {
		t.Fatalf("PutRateLimit failed: %v", err)
	}
	row, err := s.GetRateLimit(ctx, "read:abc123")
	if err != nil {
		t.Fatalf("GetRateLimit failed: %v", err)
	}
	if row.Count != 1 || row.WindowStart != nowMs {
		t.Errorf("row mismatch: %+v", row)
	}

	// Upsert overwrites.
	if err := s.PutRateLimit(ctx, RateLimitRow{Key: "read:abc123", Count: 5, WindowStart: nowMs}); err != nil {
		t.Fatalf("PutRateLimit update failed: %v", err)
	}
	row, _ = s.GetRateLimit(ctx, "read:abc123")
	if row.Count != 5 {
		t.Errorf("expected count 5, got %d", row.Count)
	}

	// Cleanup removes only stale windows.
	stale := nowMs - int64((2 * time.Hour).Milliseconds())
	if err := s.PutRateLimit(ctx, RateLimitRow{Key: "read:old", Count: 9, WindowStart: stale}); err != nil {
		t.Fatalf("PutRateLimit stale failed: %v", err)
	}
	n, err := s.DeleteRateLimitsBefore(ctx, nowMs-int64(time.Hour.Milliseconds()))
	if err != nil {
		t.Fatalf("DeleteRateLimitsBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted row, got %d", n)
	}
	if _, err := s.GetRateLimit(ctx, "read:abc123"); err != nil {
		t.Errorf("fresh row should survive cleanup: %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)

	k := &workspace.APIKey{
		ID:          "api-1",
		WorkspaceID: ws.ID,
		Prefix:      "sk_live_abc123",
		KeyHash:     "cafebabe",
		Scopes:      []string{"read", "append"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertAPIKey(ctx, k); err != nil {
		t.Fatalf("InsertAPIKey failed: %v", err)
	}
	got, err := s.GetAPIKeyByHash(ctx, "cafebabe")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash failed: %v", err)
	}
	if !got.HasScope("read") || got.HasScope("write") {
		t.Errorf("scope mismatch: %v", got.Scopes)
	}
}

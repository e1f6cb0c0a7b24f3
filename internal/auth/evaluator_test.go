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

package auth

import (
	"testing"
	"time"

	"markpad/pkg/workspace"
)

func readKey() *workspace.CapabilityKey {
	return &workspace.CapabilityKey{
		ID:          "key-1",
		WorkspaceID: "ws-1",
		Permission:  workspace.PermissionRead,
		ScopeType:   workspace.ScopeWorkspace,
	}
}

func TestEvaluateRejectionsAreUniform(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	expired := readKey()
	expired.ExpiresAt = &past

	wrongTier := readKey() // read key on a /w/ URL

	fileScoped := readKey()
	fileScoped.ScopeType = workspace.ScopeFile
	fileScoped.ScopePath = "/notes/today.md"

	tests := []struct {
		name string
		key  *workspace.CapabilityKey
		tier string
		req  workspace.Permission
		path string
	}{
		{"missing key", nil, "r", workspace.PermissionRead, ""},
		{"expired key", expired, "r", workspace.PermissionRead, ""},
		{"read key on write url", wrongTier, "w", workspace.PermissionWrite, ""},
		{"insufficient required permission", readKey(), "r", workspace.PermissionWrite, ""},
		{"file scope path mismatch", fileScoped, "r", workspace.PermissionRead, "/other.md"},
		{"unknown tier segment", readKey(), "x", workspace.PermissionRead, ""},
	}

	want := Decision{Status: 404, Code: "NOT_FOUND", Message: "Key not found"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.key, tt.tier, tt.req, tt.path, now)
			if got != want {
				t.Errorf("Evaluate() = %+v, want uniform %+v", got, want)
			}
		})
	}
}

func TestEvaluateRevokedIsDistinct(t *testing.T) {
	now := time.Now().UTC()
	k := readKey()
	k.RevokedAt = &now

	got := Evaluate(k, "r", workspace.PermissionRead, "", now)
	if got.Allowed || got.Status != 410 || got.Code != "KEY_REVOKED" {
		t.Errorf("revoked key: got %+v", got)
	}
}

func TestEvaluateTierLattice(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		perm  workspace.Permission
		tier  string
		allow bool
	}{
		{workspace.PermissionRead, "r", true},
		{workspace.PermissionRead, "a", false},
		{workspace.PermissionRead, "w", false},
		{workspace.PermissionAppend, "r", true},
		{workspace.PermissionAppend, "a", true},
		{workspace.PermissionAppend, "w", false},
		{workspace.PermissionWrite, "r", true},
		{workspace.PermissionWrite, "a", true},
		{workspace.PermissionWrite, "w", true},
	}
	for _, tt := range tests {
		k := readKey()
		k.Permission = tt.perm
		got := Evaluate(k, tt.tier, TierPermission(tt.tier), "", now)
		if got.Allowed != tt.allow {
			t.Errorf("%s key on /%s/: allowed=%v, want %v", tt.perm, tt.tier, got.Allowed, tt.allow)
		}
	}
}

func TestEvaluateScopes(t *testing.T) {
	now := time.Now().UTC()

	folder := readKey()
	folder.ScopeType = workspace.ScopeFolder
	folder.ScopePath = "/notes"

	file := readKey()
	file.ScopeType = workspace.ScopeFile
	file.ScopePath = "/notes/today.md"

	tests := []struct {
		name  string
		key   *workspace.CapabilityKey
		path  string
		allow bool
	}{
		{"workspace scope any path", readKey(), "/anything/goes.md", true},
		{"folder scope exact", folder, "/notes", true},
		{"folder scope child", folder, "/notes/today.md", true},
		{"folder scope nested child", folder, "/notes/a/b.md", true},
		{"folder scope sibling prefix", folder, "/notesbook.md", false},
		{"folder scope outside", folder, "/other/x.md", false},
		{"file scope exact", file, "/notes/today.md", true},
		{"file scope other", file, "/notes/tomorrow.md", false},
		{"empty path skips scope check", file, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.key, "r", workspace.PermissionRead, tt.path, now)
			if got.Allowed != tt.allow {
				t.Errorf("allowed=%v, want %v", got.Allowed, tt.allow)
			}
		})
	}
}

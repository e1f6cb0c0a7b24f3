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

// Package auth evaluates capability keys against a requested tier,
// permission, and path. A capability URL is itself the secret, so every
// rejection except revocation collapses into one indistinguishable
// 404 response. Callers must surface the Decision unchanged and never
// branch on why a key was rejected.
package auth

import (
	"net/http"
	"strings"
	"time"

	"markpad/pkg/workspace"
)

// Decision is the outcome of evaluating a capability key. When Allowed
// is false, Status, Code, and Message form the complete HTTP response;
// the internal cause is deliberately not recorded.
type Decision struct {
	Allowed bool
	Status  int
	Code    string
	Message string
}

func allow() Decision {
	return Decision{Allowed: true}
}

// notFound is the uniform rejection. Missing, expired, wrong-tier,
// wrong-permission, and wrong-scope keys all produce this exact value
// so that probing a capability URL never confirms it exists.
func notFound() Decision {
	return Decision{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "Key not found",
	}
}

func revoked() Decision {
	return Decision{
		Status:  http.StatusGone,
		Code:    "KEY_REVOKED",
		Message: "Key has been revoked",
	}
}

// TierPermission maps a URL tier segment to the minimum permission the
// route requires. Unknown tiers map to an invalid permission so the
// evaluator rejects them.
func TierPermission(tier string) workspace.Permission {
	switch tier {
	case "r":
		return workspace.PermissionRead
	case "a":
		return workspace.PermissionAppend
	case "w":
		return workspace.PermissionWrite
	default:
		return workspace.Permission("")
	}
}

// Evaluate applies the rejection rules in order: existence, revocation,
// expiry, URL tier, required permission, path scope. The first failing
// rule wins. Revocation is the only rule with a distinct response.
func Evaluate(key *workspace.CapabilityKey, urlTier string, required workspace.Permission, path string, now time.Time) Decision {
	if key == nil {
		return notFound()
	}
	if key.RevokedAt != nil {
		return revoked()
	}
	// Expiry is indistinguishable from non-existence; a 410 here would
	// leak that the key once existed.
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return notFound()
	}

	tierMin := TierPermission(urlTier)
	if !tierMin.Valid() || !key.Permission.Covers(tierMin) {
		return notFound()
	}
	if required.Valid() && !key.Permission.Covers(required) {
		return notFound()
	}

	if !scopeAllows(key, path) {
		return notFound()
	}
	return allow()
}

func scopeAllows(key *workspace.CapabilityKey, path string) bool {
	if path == "" || key.ScopeType == workspace.ScopeWorkspace {
		return true
	}
	switch key.ScopeType {
	case workspace.ScopeFile:
		return path == key.ScopePath
	case workspace.ScopeFolder:
		scope := strings.TrimSuffix(key.ScopePath, "/")
		return path == scope || strings.HasPrefix(path, scope+"/")
	}
	return false
}

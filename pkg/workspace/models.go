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

// Package workspace contains the shared data models used by the store,
// the admission plane, the webhook trigger, and tests. Types mirror the
// persisted tables one-to-one.
package workspace

import (
	"time"
)

// Permission is the capability tier granted by a key. Tiers form a
// lattice read < append < write; a higher tier satisfies a lower one.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionAppend Permission = "append"
	PermissionWrite  Permission = "write"
)

// Valid reports whether the permission is one of the allowed tiers.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionAppend, PermissionWrite:
		return true
	default:
		return false
	}
}

// rank orders permissions for lattice comparison.
func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionAppend:
		return 2
	case PermissionWrite:
		return 3
	default:
		return 0
	}
}

// Covers reports whether p grants at least the level of other.
func (p Permission) Covers(other Permission) bool {
	return p.rank() >= other.rank() && other.rank() > 0
}

// String returns the string value of the Permission.
func (p Permission) String() string { return string(p) }

// PermissionForTier maps a URL tier segment ("r", "a", "w") to the
// minimum permission that tier requires. ok is false for unknown tiers.
func PermissionForTier(tier string) (Permission, bool) {
	switch tier {
	case "r":
		return PermissionRead, true
	case "a":
		return PermissionAppend, true
	case "w":
		return PermissionWrite, true
	default:
		return "", false
	}
}

// ScopeType restricts a capability key or webhook to part of a workspace.
type ScopeType string

const (
	ScopeWorkspace ScopeType = "workspace"
	ScopeFolder    ScopeType = "folder"
	ScopeFile      ScopeType = "file"
)

// Valid reports whether the scope type is one of the allowed values.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeWorkspace, ScopeFolder, ScopeFile:
		return true
	default:
		return false
	}
}

// String returns the string value of the ScopeType.
func (s ScopeType) String() string { return string(s) }

// Workspace is the tenancy root. Everything else hangs off a workspace.
type Workspace struct {
	ID             string     `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// CapabilityKey is the persisted record of a bearer credential. The
// plaintext is never stored; KeyHash is a deterministic hash and Prefix
// is kept for identification and logging only.
type CapabilityKey struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Prefix      string     `json:"prefix" db:"prefix"`
	KeyHash     string     `json:"-" db:"key_hash"`
	Permission  Permission `json:"permission" db:"permission"`
	ScopeType   ScopeType  `json:"scope_type" db:"scope_type"`
	ScopePath   string     `json:"scope_path,omitempty" db:"scope_path"`
	BoundAuthor *string    `json:"bound_author,omitempty" db:"bound_author"`
	WIPLimit    *int       `json:"wip_limit,omitempty" db:"wip_limit"`
	// AllowedTypes restricts which append types the key may create.
	// Empty means no restriction.
	AllowedTypes []string   `json:"allowed_types,omitempty" db:"allowed_types"`
	DisplayName  string     `json:"display_name,omitempty" db:"display_name"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// File is a markdown file within a workspace. Deletion is soft; the
// reaper hard-deletes rows seven days after DeletedAt.
type File struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Path        string     `json:"path" db:"path"`
	Content     string     `json:"content" db:"content"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// AppendType categorizes event-log entries.
type AppendType string

const (
	AppendTask     AppendType = "task"
	AppendClaim    AppendType = "claim"
	AppendResponse AppendType = "response"
	AppendComment  AppendType = "comment"
	AppendBlocked  AppendType = "blocked"
	AppendAnswer   AppendType = "answer"
	AppendRenew    AppendType = "renew"
	AppendCancel   AppendType = "cancel"
	AppendVote     AppendType = "vote"
)

// Valid reports whether the append type is one of the allowed values.
func (t AppendType) Valid() bool {
	switch t {
	case AppendTask, AppendClaim, AppendResponse, AppendComment,
		AppendBlocked, AppendAnswer, AppendRenew, AppendCancel, AppendVote:
		return true
	default:
		return false
	}
}

// String returns the string value of the AppendType.
func (t AppendType) String() string { return string(t) }

// Task statuses. "pending" doubles as the re-opened state after a claim
// expires or is cancelled.
const (
	TaskPending   = "pending"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
	TaskBlocked   = "blocked"
	TaskExpired   = "expired"
)

// Claim statuses.
const (
	ClaimActive    = "active"
	ClaimExpired   = "expired"
	ClaimReleased  = "released"
	ClaimCancelled = "cancelled"
)

// Append is one entry in a file's append-only event log. AppendID is
// sequential within its file ("a1", "a2", ...). Status is only set for
// tasks and claims.
type Append struct {
	ID          int64      `json:"-" db:"id"`
	FileID      string     `json:"file_id" db:"file_id"`
	AppendID    string     `json:"append_id" db:"append_id"`
	Author      string     `json:"author" db:"author"`
	Type        AppendType `json:"type" db:"type"`
	Status      *string    `json:"status,omitempty" db:"status"`
	Priority    *string    `json:"priority,omitempty" db:"priority"`
	Labels      []string   `json:"labels,omitempty" db:"labels"`
	Ref         *string    `json:"ref,omitempty" db:"ref"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Content     string     `json:"content" db:"content_preview"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	WorkspaceID string     `json:"-" db:"-"`
}

// Webhook is an outbound event subscription. SecretHash stores the HMAC
// key material itself; the column name is historical and the signer
// reads this value back verbatim.
type Webhook struct {
	ID              string     `json:"id" db:"id"`
	WorkspaceID     string     `json:"workspace_id" db:"workspace_id"`
	URL             string     `json:"url" db:"url"`
	Events          []string   `json:"events" db:"events"`
	ScopeType       ScopeType  `json:"scope_type" db:"scope_type"`
	ScopePath       string     `json:"scope_path,omitempty" db:"scope_path"`
	Recursive       bool       `json:"recursive" db:"recursive"`
	SecretHash      string     `json:"-" db:"secret_hash"`
	FailureCount    int        `json:"failure_count" db:"failure_count"`
	DisabledAt      *time.Time `json:"disabled_at,omitempty" db:"disabled_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// DeliveryStatus is the outcome bucket of one webhook delivery attempt.
type DeliveryStatus string

const (
	DeliveryOK      DeliveryStatus = "ok"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryTimeout DeliveryStatus = "timeout"
	DeliveryError   DeliveryStatus = "error"
)

// String returns the string value of the DeliveryStatus.
func (s DeliveryStatus) String() string { return string(s) }

// WebhookDelivery is the immutable audit record of one outbound attempt.
// Rows older than seven days are purged by the reaper.
type WebhookDelivery struct {
	ID           string         `json:"id" db:"id"`
	WebhookID    string         `json:"webhook_id" db:"webhook_id"`
	Event        string         `json:"event" db:"event"`
	Status       DeliveryStatus `json:"status" db:"status"`
	ResponseCode *int           `json:"response_code,omitempty" db:"response_code"`
	DurationMs   int64          `json:"duration_ms" db:"duration_ms"`
	Error        *string        `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// APIKey is a server-to-server credential presented as
// "Authorization: Bearer sk_(live|test)_...". Like capability keys, only
// the hash and an identifying prefix are stored.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Prefix      string     `json:"prefix" db:"prefix"`
	KeyHash     string     `json:"-" db:"key_hash"`
	Scopes      []string   `json:"scopes" db:"scopes"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// HasScope reports whether the API key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

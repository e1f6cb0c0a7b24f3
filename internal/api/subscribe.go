/*
Markpad is a collaborative markdown workspace service.
Copyright (C) 2025 Markpad Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"markpad/internal/store"
	"markpad/internal/wstoken"
	"markpad/pkg/capability"
	"markpad/pkg/workspace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscription auth is the single-use token, not the Origin header;
	// tokens are minted per capability key and expire in an hour.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSubscribe mints a single-use WebSocket token bound to the
// authorizing capability key. The folder variant narrows the event
// stream to a path prefix.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, tier, key string, folder bool) {
	scope := ""
	recursive := true
	if folder {
		scope = strings.Trim(r.URL.Query().Get("path"), "/")
		if scope == "" {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "query parameter path is required")
			return
		}
		if v := r.URL.Query().Get("recursive"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "recursive must be a boolean")
				return
			}
			recursive = b
		}
	}

	record := s.authorize(w, r, tier, key, workspace.PermissionRead, scope)
	if record == nil {
		return
	}

	// Tokens carry the narrower of the key's own scope and the requested
	// folder scope; the key scope already passed the evaluator above.
	tokenScope := scope
	if tokenScope == "" && record.ScopeType != workspace.ScopeWorkspace {
		tokenScope = record.ScopePath
	}

	token, payload, err := s.tokens.Issue(record.WorkspaceID, record.Permission.String(), record.KeyHash, tokenScope)
	if err != nil {
		s.logf("issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not issue token")
		return
	}

	data := map[string]any{
		"wsUrl":     s.wsURL(r),
		"token":     token,
		"expiresAt": time.Unix(payload.Exp, 0).UTC().Format(time.RFC3339),
		"events":    wstoken.TierEvents(record.Permission.String()),
		"keyTier":   record.Permission.String(),
	}
	if folder {
		data["scope"] = "/" + scope
		data["recursive"] = recursive
	}
	writeData(w, http.StatusOK, data)
}

// wsURL derives the upgrade URL from the configured public base, or the
// request host when no base is configured.
func (s *Server) wsURL(r *http.Request) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		return scheme + "://" + r.Host + "/ws"
	}
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// handleWS verifies and consumes the subscription token, then upgrades.
// Rejections happen before the upgrade so the client sees a plain HTTP
// status; post-upgrade failures use WebSocket close codes instead.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "token is required")
		return
	}

	payload, err := s.tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, wstoken.Code(err), "token rejected")
		return
	}

	// The token binds to the exact key record; revocation since issue
	// must close the door even though the signature still verifies.
	record, err := s.store.GetCapabilityKeyByHash(r.Context(), payload.KeyHash)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "token rejected")
		return
	}
	if err != nil {
		s.logf("ws key lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "key lookup failed")
		return
	}
	if record.RevokedAt != nil {
		writeError(w, http.StatusGone, "KEY_REVOKED", "Key has been revoked")
		return
	}

	if err := s.tokens.Consume(payload); err != nil {
		writeError(w, http.StatusUnauthorized, wstoken.Code(err), "token rejected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logf("ws upgrade: %v", err)
		return
	}
	s.hub.Add(conn, payload)
}

// capabilityCheckView is the metadata exposed by the check endpoints.
func capabilityCheckView(k *workspace.CapabilityKey, now time.Time) map[string]any {
	valid := k.RevokedAt == nil && (k.ExpiresAt == nil || k.ExpiresAt.After(now))
	v := map[string]any{
		"valid":      valid,
		"permission": k.Permission.String(),
		"scopeType":  k.ScopeType.String(),
	}
	if k.ScopePath != "" {
		v["scopePath"] = k.ScopePath
	}
	if k.RevokedAt != nil {
		v["revoked"] = true
	}
	if k.ExpiresAt != nil {
		v["expiresAt"] = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleCapabilityCheck validates a plaintext key presented in the
// body. Heavily rate limited; this is the one endpoint that confirms
// whether a key exists, which is why admission treats it like
// bootstrap.
func (s *Server) handleCapabilityCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidJSON(w)
		return
	}
	if !capability.IsFormatValid(req.Key) {
		writeError(w, http.StatusBadRequest, "INVALID_KEY", "key format not recognized")
		return
	}

	record, err := s.store.GetCapabilityKeyByHash(r.Context(), capability.HashKey(req.Key))
	if errors.Is(err, store.ErrNotFound) {
		writeData(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	if err != nil {
		s.logf("capability check: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "key lookup failed")
		return
	}
	writeData(w, http.StatusOK, capabilityCheckView(record, s.now()))
}

// handleScopedCapabilityCheck reports the authorizing key's own
// standing, for clients that hold a capability URL and want to know
// what it grants without trial and error.
func (s *Server) handleScopedCapabilityCheck(w http.ResponseWriter, r *http.Request, tier, key string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionRead, "")
	if record == nil {
		return
	}
	writeData(w, http.StatusOK, capabilityCheckView(record, s.now()))
}

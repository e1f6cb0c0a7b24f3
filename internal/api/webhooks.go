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
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"markpad/internal/store"
	"markpad/pkg/capability"
	"markpad/pkg/workspace"
)

func webhookView(wh *workspace.Webhook) map[string]any {
	v := map[string]any{
		"id":           wh.ID,
		"url":          wh.URL,
		"events":       wh.Events,
		"scopeType":    wh.ScopeType.String(),
		"recursive":    wh.Recursive,
		"failureCount": wh.FailureCount,
		"createdAt":    wh.CreatedAt.UTC().Format(time.RFC3339),
	}
	if wh.ScopePath != "" {
		v["scopePath"] = wh.ScopePath
	}
	if wh.DisabledAt != nil {
		v["disabledAt"] = wh.DisabledAt.UTC().Format(time.RFC3339)
	}
	if wh.LastTriggeredAt != nil {
		v["lastTriggeredAt"] = wh.LastTriggeredAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleWebhooks dispatches the webhook management routes. All of them
// require a write-tier key; webhooks can exfiltrate workspace activity,
// so read and append keys never see them.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request, tier, key, rest string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionWrite, "")
	if record == nil {
		return
	}
	s.dispatchWebhooks(w, r, record.WorkspaceID, rest)
}

var apiKeyRe = regexp.MustCompile(`^sk_(live|test)_[A-Za-z0-9]{20,}$`)

// handleWorkspaceWebhooks is the server-to-server variant authenticated
// by an sk_ API key with the write scope. Every rejection is the same
// 401 so a probing caller learns nothing about which check failed.
func (s *Server) handleWorkspaceWebhooks(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	rest := r.PathValue("rest")

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !apiKeyRe.MatchString(token) {
		writeError(w, http.StatusUnauthorized, "INVALID_KEY", "API key rejected")
		return
	}
	apiKey, err := s.store.GetAPIKeyByHash(r.Context(), capability.HashKey(token))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "INVALID_KEY", "API key rejected")
		return
	}
	if err != nil {
		s.logf("api key lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "key lookup failed")
		return
	}
	if apiKey.WorkspaceID != workspaceID || !apiKey.HasScope("write") {
		writeError(w, http.StatusUnauthorized, "INVALID_KEY", "API key rejected")
		return
	}

	s.dispatchWebhooks(w, r, workspaceID, rest)
}

func (s *Server) dispatchWebhooks(w http.ResponseWriter, r *http.Request, workspaceID, rest string) {
	switch {
	case rest == "" && r.Method == http.MethodPost:
		s.createWebhook(w, r, workspaceID)
	case rest == "" && r.Method == http.MethodGet:
		s.listWebhooks(w, r, workspaceID)
	case rest != "" && strings.HasSuffix(rest, "/enable") && r.Method == http.MethodPost:
		s.enableWebhook(w, r, workspaceID, strings.TrimSuffix(rest, "/enable"))
	case rest != "" && !strings.Contains(rest, "/") && r.Method == http.MethodGet:
		s.getWebhook(w, r, workspaceID, rest)
	case rest != "" && !strings.Contains(rest, "/") && r.Method == http.MethodDelete:
		s.deleteWebhook(w, r, workspaceID, rest)
	default:
		writeNotFound(w)
	}
}

// createWebhook registers an endpoint. The URL passes the synchronous
// SSRF gate here; DNS resolution is re-checked on every delivery. The
// signing secret appears in this response only.
func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		URL       string   `json:"url"`
		Events    []string `json:"events"`
		ScopeType string   `json:"scopeType,omitempty"`
		ScopePath string   `json:"scopePath,omitempty"`
		Recursive *bool    `json:"recursive,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidJSON(w)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "events must not be empty")
		return
	}
	if blocked, reason := s.ssrf.IsURLBlocked(req.URL); blocked {
		writeError(w, http.StatusBadRequest, "INVALID_WEBHOOK_URL", reason)
		return
	}

	scopeType := workspace.ScopeWorkspace
	if req.ScopeType != "" {
		scopeType = workspace.ScopeType(req.ScopeType)
		if !scopeType.Valid() {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope type")
			return
		}
	}
	// An empty folder scope means the workspace root; only file scope
	// needs a concrete path.
	scopePath := strings.Trim(req.ScopePath, "/")
	if scopeType == workspace.ScopeFile && scopePath == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "scopePath is required for file scope")
		return
	}
	recursive := true
	if req.Recursive != nil {
		recursive = *req.Recursive
	}

	secretSuffix, err := capability.GenerateKey(capability.DefaultKeyLength)
	if err != nil {
		s.logf("webhook secret: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create webhook")
		return
	}
	secret := "whsec_" + secretSuffix

	wh := &workspace.Webhook{
		ID:          "wh_" + uuid.NewString(),
		WorkspaceID: workspaceID,
		URL:         req.URL,
		Events:      req.Events,
		ScopeType:   scopeType,
		ScopePath:   scopePath,
		Recursive:   recursive,
		SecretHash:  secret,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertWebhook(r.Context(), wh); err != nil {
		s.logf("insert webhook: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create webhook")
		return
	}

	view := webhookView(wh)
	view["secret"] = secret
	writeData(w, http.StatusCreated, view)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request, workspaceID string) {
	list, err := s.store.ListWebhooks(r.Context(), workspaceID)
	if err != nil {
		s.logf("list webhooks: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not list webhooks")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, wh := range list {
		out = append(out, webhookView(wh))
	}
	writeData(w, http.StatusOK, map[string]any{"webhooks": out})
}

// ownedWebhook loads a webhook and checks it belongs to the caller's
// workspace. A foreign or deleted id is indistinguishable from a
// missing one.
func (s *Server) ownedWebhook(w http.ResponseWriter, r *http.Request, workspaceID, id string) *workspace.Webhook {
	wh, err := s.store.GetWebhook(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return nil
	}
	if err != nil {
		s.logf("get webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not load webhook")
		return nil
	}
	if wh.WorkspaceID != workspaceID || wh.DeletedAt != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return nil
	}
	return wh
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request, workspaceID, id string) {
	wh := s.ownedWebhook(w, r, workspaceID, id)
	if wh == nil {
		return
	}
	deliveries, err := s.store.ListWebhookDeliveries(r.Context(), wh.ID, 20)
	if err != nil {
		s.logf("list deliveries %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not load deliveries")
		return
	}
	recent := make([]map[string]any, 0, len(deliveries))
	for _, d := range deliveries {
		dv := map[string]any{
			"event":      d.Event,
			"status":     d.Status.String(),
			"durationMs": d.DurationMs,
			"createdAt":  d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if d.ResponseCode != nil {
			dv["responseCode"] = *d.ResponseCode
		}
		if d.Error != nil {
			dv["error"] = *d.Error
		}
		recent = append(recent, dv)
	}
	view := webhookView(wh)
	view["recentDeliveries"] = recent
	writeData(w, http.StatusOK, view)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request, workspaceID, id string) {
	wh := s.ownedWebhook(w, r, workspaceID, id)
	if wh == nil {
		return
	}
	if err := s.store.SoftDeleteWebhook(r.Context(), wh.ID, s.now().UTC()); err != nil {
		s.logf("delete webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not delete webhook")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": wh.ID, "deleted": true})
}

// enableWebhook clears the failure breaker so a previously disabled
// endpoint receives deliveries again.
func (s *Server) enableWebhook(w http.ResponseWriter, r *http.Request, workspaceID, id string) {
	wh := s.ownedWebhook(w, r, workspaceID, id)
	if wh == nil {
		return
	}
	if err := s.store.EnableWebhook(r.Context(), wh.ID); err != nil {
		s.logf("enable webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not enable webhook")
		return
	}
	wh.FailureCount = 0
	wh.DisabledAt = nil
	writeData(w, http.StatusOK, webhookView(wh))
}

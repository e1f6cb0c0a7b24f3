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

// Package api wires the HTTP surface: bootstrap, capability-URL routes
// for files and appends, subscriptions, webhooks, and the WebSocket
// upgrade endpoint. Admission (rate limiting) runs in front of every
// route; authorization happens here via the capability evaluator.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"markpad/internal/admission"
	"markpad/internal/auth"
	"markpad/internal/config"
	"markpad/internal/events"
	"markpad/internal/metrics"
	"markpad/internal/store"
	"markpad/internal/webhook"
	"markpad/internal/ws"
	"markpad/internal/wstoken"
	"markpad/pkg/capability"
	"markpad/pkg/workspace"
)

// Server holds the handler dependencies.
type Server struct {
	store  *store.Store
	tokens *wstoken.Service
	bus    *events.Bus
	hub    *ws.Hub
	ssrf   webhook.SSRFPolicy
	cfg    config.Config
	logger *log.Logger
	now    func() time.Time
}

// NewServer builds the API server.
func NewServer(st *store.Store, tokens *wstoken.Service, bus *events.Bus, hub *ws.Hub, ssrf webhook.SSRFPolicy, cfg config.Config, logger *log.Logger) *Server {
	return &Server{
		store:  st,
		tokens: tokens,
		bus:    bus,
		hub:    hub,
		ssrf:   ssrf,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Routes builds the full handler chain with admission in front.
func (s *Server) Routes(adm *admission.Middleware) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /bootstrap", s.handleBootstrap)
	mux.HandleFunc("POST /capabilities/check", s.handleCapabilityCheck)
	mux.HandleFunc("GET /ws", s.handleWS)

	// Server-to-server webhook management with an sk_ API key.
	mux.HandleFunc("/workspaces/{id}/webhooks", s.handleWorkspaceWebhooks)
	mux.HandleFunc("/workspaces/{id}/webhooks/{rest...}", s.handleWorkspaceWebhooks)

	// Capability-URL routes: /{tier}/{key}[/resource...].
	mux.HandleFunc("/{tier}/{key}", s.handleTier)
	mux.HandleFunc("/{tier}/{key}/{rest...}", s.handleTier)

	return adm.Wrap(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBootstrap creates a workspace and one capability key per tier.
// The plaintext keys appear in this response only; the store keeps
// hashes.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidJSON(w)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "Untitled workspace"
	}

	ctx := r.Context()
	now := s.now().UTC()
	wsp := &workspace.Workspace{
		ID:             uuid.NewString(),
		Name:           req.Name,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.InsertWorkspace(ctx, wsp); err != nil {
		s.logf("bootstrap: insert workspace: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create workspace")
		return
	}

	urls := make(map[string]string, 3)
	for tier, perm := range map[string]workspace.Permission{
		"r": workspace.PermissionRead,
		"a": workspace.PermissionAppend,
		"w": workspace.PermissionWrite,
	} {
		plaintext, err := capability.GenerateKey(capability.DefaultKeyLength)
		if err != nil {
			s.logf("bootstrap: generate key: %v", err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create keys")
			return
		}
		k := &workspace.CapabilityKey{
			ID:          uuid.NewString(),
			WorkspaceID: wsp.ID,
			Prefix:      capability.Prefix(plaintext),
			KeyHash:     capability.HashKey(plaintext),
			Permission:  perm,
			ScopeType:   workspace.ScopeWorkspace,
			CreatedAt:   now,
		}
		if err := s.store.InsertCapabilityKey(ctx, k); err != nil {
			s.logf("bootstrap: insert key: %v", err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create keys")
			return
		}
		urls[tierName(tier)] = "/" + tier + "/" + plaintext
	}

	writeData(w, http.StatusCreated, map[string]any{
		"workspaceId": wsp.ID,
		"name":        wsp.Name,
		"urls":        urls,
	})
}

func tierName(tier string) string {
	switch tier {
	case "r":
		return "read"
	case "a":
		return "append"
	case "w":
		return "write"
	}
	return tier
}

// authorize resolves and evaluates the capability key for a tiered
// route. On failure it writes the rejection and returns nil.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, tier, key string, required workspace.Permission, path string) *workspace.CapabilityKey {
	if !capability.IsFormatValid(key) {
		writeNotFound(w)
		return nil
	}
	record, err := s.store.GetCapabilityKeyByHash(r.Context(), capability.HashKey(key))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logf("key lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "key lookup failed")
		return nil
	}

	d := auth.Evaluate(record, tier, required, path, s.now())
	if !d.Allowed {
		writeDecision(w, d)
		return nil
	}
	// Any admitted request counts as workspace activity.
	_ = s.store.TouchWorkspace(r.Context(), record.WorkspaceID, s.now().UTC())
	return record
}

// handleTier dispatches /{tier}/{key}[/rest] routes after authorizing
// the key for the concrete resource.
func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")
	key := r.PathValue("key")
	rest := r.PathValue("rest")

	if auth.TierPermission(tier) == workspace.Permission("") {
		writeNotFound(w)
		return
	}

	switch {
	case rest == "":
		if r.Method != http.MethodGet {
			writeNotFound(w)
			return
		}
		s.handleWorkspaceOverview(w, r, tier, key)

	case rest == "search":
		if r.Method != http.MethodGet {
			writeNotFound(w)
			return
		}
		s.handleSearch(w, r, tier, key)

	case rest == "ops/subscribe" || rest == "ops/folders/subscribe":
		if r.Method != http.MethodGet {
			writeNotFound(w)
			return
		}
		s.handleSubscribe(w, r, tier, key, rest == "ops/folders/subscribe")

	case rest == "capabilities/check":
		if r.Method != http.MethodPost {
			writeNotFound(w)
			return
		}
		s.handleScopedCapabilityCheck(w, r, tier, key)

	case rest == "webhooks" || strings.HasPrefix(rest, "webhooks/"):
		s.handleWebhooks(w, r, tier, key, strings.TrimPrefix(strings.TrimPrefix(rest, "webhooks"), "/"))

	case strings.HasPrefix(rest, "files/"):
		s.handleFiles(w, r, tier, key, strings.TrimPrefix(rest, "files/"))

	default:
		writeNotFound(w)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[api] "+format, args...)
	}
}

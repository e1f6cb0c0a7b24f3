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

package admission

import (
	"encoding/json"
	"log"
	"net/http"

	"markpad/internal/ipresolver"
	"markpad/internal/metrics"
	"markpad/internal/ratelimit"
)

// Config configures the admission middleware.
type Config struct {
	// Engine is the shared rate-limit engine.
	Engine *ratelimit.Engine

	// Policy controls client-IP derivation for anonymous identifiers.
	Policy ipresolver.Policy

	// RequireTrustedIP makes bootstrap and capability_check unavailable
	// (503) when the client IP resolves to unknown. Without it an
	// attacker behind an untrusted proxy shares one "unknown" bucket.
	RequireTrustedIP bool

	// CustomLimits overrides the engine's per-operation budgets.
	// Mainly used by tests.
	CustomLimits map[string]ratelimit.Limit

	// Logger for admission events.
	Logger *log.Logger
}

// Middleware enforces rate limits before any route handler runs.
type Middleware struct {
	cfg Config
}

// New creates an admission middleware.
func New(cfg Config) *Middleware {
	return &Middleware{cfg: cfg}
}

// Wrap returns a handler that admits or rejects requests before next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		operation := Classify(r.Method, r.URL.Path)
		identifier, kind := Identifier(r, m.cfg.Policy)

		if kind == "ip" && identifier == ipresolver.Unknown && m.cfg.RequireTrustedIP &&
			(operation == ratelimit.OpBootstrap || operation == ratelimit.OpCapabilityCheck) {
			m.logf("no trusted client ip for anonymous %s request", operation)
			metrics.ObserveAdmission(operation, "unavailable")
			writeJSON(w, http.StatusServiceUnavailable, errorPayload("SERVER_ERROR",
				"Client IP could not be determined. Configure TRUST_PROXY_HEADERS for your proxy setup."))
			return
		}

		var custom *ratelimit.Limit
		if l, ok := m.cfg.CustomLimits[operation]; ok {
			custom = &l
		}

		res, err := m.cfg.Engine.Check(r.Context(), identifier, operation, custom)
		if err != nil {
			// Fail open: an unavailable limiter should not take the
			// service down with it.
			m.logf("rate limit check failed for op=%s: %v", operation, err)
			next.ServeHTTP(w, r)
			return
		}

		ratelimit.SetHeaders(w, res)
		if !res.Allowed {
			m.logf("rate limit exceeded op=%s id=%s", operation, identifier)
			metrics.ObserveAdmission(operation, "denied")
			writeJSON(w, http.StatusTooManyRequests, ratelimit.BuildErrorBody(res))
			return
		}

		metrics.ObserveAdmission(operation, "allowed")
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) logf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf("[admission] "+format, args...)
	}
}

type errorBody struct {
	OK    bool       `json:"ok"`
	Error errorInner `json:"error"`
}

type errorInner struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(code, message string) errorBody {
	return errorBody{Error: errorInner{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

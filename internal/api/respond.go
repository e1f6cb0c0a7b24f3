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
	"encoding/json"
	"net/http"

	"markpad/internal/auth"
)

// Centralized response helpers: every handler goes through these so
// headers and error envelopes stay uniform across the surface.

type errorBody struct {
	OK    bool       `json:"ok"`
	Error errorInner `json:"error"`
}

type errorInner struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorInner{Code: code, Message: message}})
}

// writeNotFound is the uniform capability rejection. Every path that
// cannot admit a capability URL funnels through here so the 404 body
// stays byte-identical regardless of the internal cause.
func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Key not found")
}

// writeDecision surfaces an evaluator rejection unchanged.
func writeDecision(w http.ResponseWriter, d auth.Decision) {
	writeError(w, d.Status, d.Code, d.Message)
}

func writeInvalidJSON(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be valid JSON")
}

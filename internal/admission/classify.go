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

// Package admission is the pre-handler phase every request flows
// through: it classifies the operation from method and path, selects a
// rate-limit identifier (API key, then capability key, then trusted
// client IP), and consults the rate-limit engine. It does not
// authenticate keys; authorization is the route handler's job.
package admission

import (
	"net/http"
	"regexp"
	"strings"

	"markpad/internal/ipresolver"
	"markpad/internal/ratelimit"
	"markpad/pkg/capability"
)

var apiKeyRe = regexp.MustCompile(`^sk_(live|test)_[A-Za-z0-9]{20,}$`)

// Classify maps an HTTP method and path to an operation type. The most
// specific rule wins; anything unmatched is a read.
func Classify(method, path string) string {
	segs := splitPath(path)
	n := len(segs)

	if method == http.MethodPost {
		if n == 1 && segs[0] == "bootstrap" {
			return ratelimit.OpBootstrap
		}
		if n >= 2 && segs[n-2] == "capabilities" && segs[n-1] == "check" {
			return ratelimit.OpCapabilityCheck
		}
		if n >= 3 && segs[0] == "w" && segs[n-1] == "webhooks" {
			return ratelimit.OpWebhookCreate
		}
		if n >= 3 && segs[0] == "workspaces" && segs[n-1] == "webhooks" {
			return ratelimit.OpWebhookCreate
		}
		if n >= 3 && segs[0] == "a" && segs[n-1] == "bulk" {
			return ratelimit.OpBulk
		}
	}

	if method == http.MethodGet {
		if n >= 3 && isTier(segs[0]) && segs[n-1] == "subscribe" &&
			(segs[n-2] == "ops" || (n >= 4 && segs[n-2] == "folders" && segs[n-3] == "ops")) {
			return ratelimit.OpSubscribe
		}
		if n >= 3 && segs[0] == "r" && segs[n-1] == "search" {
			return ratelimit.OpSearch
		}
		if n == 3 && segs[0] == "api" && segs[1] == "v1" && segs[2] == "search" {
			return ratelimit.OpSearch
		}
	}

	if segs != nil && segs[0] == "w" &&
		(method == http.MethodPost || method == http.MethodPut || method == http.MethodDelete) {
		return ratelimit.OpWrite
	}
	if segs != nil && segs[0] == "a" && method == http.MethodPost {
		return ratelimit.OpAppend
	}
	return ratelimit.OpRead
}

// Exempt reports whether the path bypasses admission entirely.
func Exempt(path string) bool {
	return path == "/health" || path == "/openapi.json" ||
		path == "/docs" || strings.HasPrefix(path, "/docs/")
}

// Identifier selects the rate-limit identifier for a request, in order
// of preference: API key, capability key in the path, client IP.
// The returned kind is "api_key", "capability_key", or "ip".
func Identifier(r *http.Request, policy ipresolver.Policy) (id, kind string) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if apiKeyRe.MatchString(token) {
			return token[:16], "api_key"
		}
	}
	if key := pathKey(r.URL.Path); key != "" {
		if len(key) > 6 {
			key = key[:6]
		}
		return key, "capability_key"
	}
	return ipresolver.Resolve(r, policy), "ip"
}

// pathKey extracts a capability-key-looking segment from a tiered path.
func pathKey(path string) string {
	segs := splitPath(path)
	if len(segs) >= 2 && isTier(segs[0]) && capability.IsFormatValid(segs[1]) {
		return segs[1]
	}
	return ""
}

func isTier(s string) bool {
	return s == "r" || s == "a" || s == "w"
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

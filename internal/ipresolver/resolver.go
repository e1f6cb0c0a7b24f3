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

// Package ipresolver derives one canonical client IP per request from a
// configured proxy-header policy. It never guesses: every header it
// consults must be explicitly trusted by the policy, and anything it
// cannot verify resolves to the sentinel "unknown".
package ipresolver

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// Unknown is the sentinel returned when no trustworthy client IP can be
// derived. Rate limiting keys on it; it must never be parseable as an IP.
const Unknown = "unknown"

// Policy controls which proxy headers are trusted. The zero value trusts
// nothing and resolves every request to Unknown.
type Policy struct {
	// TrustProxyHeaders enables X-Real-IP and X-Forwarded-For.
	TrustProxyHeaders bool

	// TrustSingleXForwardedFor accepts a one-hop X-Forwarded-For chain.
	// A single hop is client-controlled unless the edge proxy is known
	// to always append, so this is off by default.
	TrustSingleXForwardedFor bool

	// SharedSecret, when set, must be presented by the proxy in
	// SharedSecretHeader before any header is trusted.
	SharedSecret       string
	SharedSecretHeader string
}

// Resolve derives the client IP for r under the policy. It fails closed:
// any missing, unparseable, or untrusted input yields Unknown.
func Resolve(r *http.Request, p Policy) string {
	if p.SharedSecret != "" {
		header := p.SharedSecretHeader
		if header == "" {
			header = "X-Proxy-Secret"
		}
		got := r.Header.Get(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.SharedSecret)) != 1 {
			return Unknown
		}
	}

	// Edge headers set by the CDN itself are trusted ahead of the
	// generic proxy chain.
	if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	if !p.TrustProxyHeaders {
		return Unknown
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := splitHops(xff)
		switch {
		case len(hops) > 1:
			// The last hop was appended by the nearest trusted proxy.
			// The first hop is client-controlled and would let a
			// caller reset any IP-keyed limiter per request.
			if ip := parseIP(hops[len(hops)-1]); ip != "" {
				return ip
			}
		case len(hops) == 1 && p.TrustSingleXForwardedFor:
			if ip := parseIP(hops[0]); ip != "" {
				return ip
			}
		}
	}

	return Unknown
}

func splitHops(xff string) []string {
	parts := strings.Split(xff, ",")
	hops := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hops = append(hops, p)
		}
	}
	return hops
}

// parseIP accepts plain, bracketed, and host:port forms of IPv4 and
// IPv6 addresses. Returns "" when the value is not an IP.
func parseIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// [::1]:443 or 1.2.3.4:443
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	// fe80::1%eth0
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		raw = raw[:i]
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	return ip.String()
}

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

package ipresolver

import (
	"net/http/httptest"
	"testing"
)

func TestResolve(t *testing.T) {
	trusting := Policy{TrustProxyHeaders: true}

	tests := []struct {
		name    string
		policy  Policy
		headers map[string]string
		want    string
	}{
		{
			name:    "no headers no trust",
			policy:  Policy{},
			headers: nil,
			want:    Unknown,
		},
		{
			name:    "xff ignored when proxy headers untrusted",
			policy:  Policy{},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.77"},
			want:    Unknown,
		},
		{
			name:    "cf connecting ip trusted without proxy headers",
			policy:  Policy{},
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.9"},
			want:    "203.0.113.9",
		},
		{
			name:    "x real ip",
			policy:  trusting,
			headers: map[string]string{"X-Real-IP": "203.0.113.10"},
			want:    "203.0.113.10",
		},
		{
			name:    "multi hop chain returns last hop",
			policy:  trusting,
			headers: map[string]string{"X-Forwarded-For": "198.51.100.77, 203.0.113.50, 10.0.0.5"},
			want:    "10.0.0.5",
		},
		{
			name:    "single hop rejected by default",
			policy:  trusting,
			headers: map[string]string{"X-Forwarded-For": "198.51.100.77"},
			want:    Unknown,
		},
		{
			name:    "single hop accepted when opted in",
			policy:  Policy{TrustProxyHeaders: true, TrustSingleXForwardedFor: true},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.77"},
			want:    "198.51.100.77",
		},
		{
			name:    "garbage last hop fails closed",
			policy:  trusting,
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, not-an-ip"},
			want:    Unknown,
		},
		{
			name:    "bracketed ipv6 with port",
			policy:  trusting,
			headers: map[string]string{"X-Real-IP": "[2001:db8::1]:443"},
			want:    "2001:db8::1",
		},
		{
			name:    "zone suffix stripped",
			policy:  trusting,
			headers: map[string]string{"X-Real-IP": "fe80::1%eth0"},
			want:    "fe80::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/test", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := Resolve(r, tt.policy); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSharedSecretGate(t *testing.T) {
	p := Policy{
		TrustProxyHeaders:  true,
		SharedSecret:       "s3cret",
		SharedSecretHeader: "X-Proxy-Auth",
	}

	r := httptest.NewRequest("GET", "/test", nil)
	r.Header.Set("X-Real-IP", "203.0.113.10")
	if got := Resolve(r, p); got != Unknown {
		t.Errorf("missing secret should resolve to unknown, got %q", got)
	}

	r.Header.Set("X-Proxy-Auth", "wrong")
	if got := Resolve(r, p); got != Unknown {
		t.Errorf("wrong secret should resolve to unknown, got %q", got)
	}

	r.Header.Set("X-Proxy-Auth", "s3cret")
	if got := Resolve(r, p); got != "203.0.113.10" {
		t.Errorf("correct secret should unlock headers, got %q", got)
	}

	// Even CF-Connecting-IP stays locked behind the secret.
	r2 := httptest.NewRequest("GET", "/test", nil)
	r2.Header.Set("CF-Connecting-IP", "203.0.113.9")
	if got := Resolve(r2, p); got != Unknown {
		t.Errorf("edge header without secret should be unknown, got %q", got)
	}
}

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

package config

import (
	"os"
	"strconv"
)

// Config holds the service configuration sourced from the environment.
type Config struct {
	// Environment is "production", "development", or "test".
	Environment string

	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// DBPath is the SQLite database file path.
	DBPath string

	// PublicBaseURL is the externally visible base URL, used to build
	// wss:// subscription URLs.
	PublicBaseURL string

	// IP resolver policy.
	TrustProxyHeaders        bool
	TrustSingleXForwardedFor bool
	TrustedProxySharedSecret string
	TrustedProxySecretHeader string

	// RequireTrustedClientIP makes bootstrap and capability-check
	// unavailable when the client IP cannot be trusted.
	RequireTrustedClientIP bool

	// SSRF relaxations, for tests only.
	AllowHTTPWebhooks   bool
	IntegrationTestMode bool

	// DisableBackgroundJobs turns the scheduler off (tests).
	DisableBackgroundJobs bool
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Environment: "development",
		ListenAddr:  ":8080",
		DBPath:      "markpad.db",
	}
}

// LoadFromEnv overlays environment variables onto the defaults.
// Boolean variables accept anything strconv.ParseBool does; malformed
// values are treated as unset.
func LoadFromEnv() Config {
	cfg := Default()

	if v := os.Getenv("MP_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("MP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MP_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}

	cfg.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS")
	cfg.TrustSingleXForwardedFor = envBool("TRUST_SINGLE_X_FORWARDED_FOR")
	cfg.TrustedProxySharedSecret = os.Getenv("TRUSTED_PROXY_SHARED_SECRET")
	cfg.TrustedProxySecretHeader = os.Getenv("TRUSTED_PROXY_SHARED_SECRET_HEADER")
	cfg.RequireTrustedClientIP = envBool("REQUIRE_TRUSTED_CLIENT_IP_FOR_ANONYMOUS_RATE_LIMITS")
	cfg.AllowHTTPWebhooks = envBool("ALLOW_HTTP_WEBHOOKS")
	cfg.IntegrationTestMode = envBool("INTEGRATION_TEST_MODE")
	cfg.DisableBackgroundJobs = envBool("DISABLE_BACKGROUND_JOBS")

	return cfg
}

// Production reports whether the service runs with production
// hardening (fatal on missing secrets, no SSRF relaxations).
func (c Config) Production() bool {
	return c.Environment == "production"
}

func envBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

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

// Package capability implements generation, hashing, and format
// validation of capability-key secrets. The plaintext key is the bearer
// credential embedded in a URL path; only its hash is ever persisted.
package capability

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// alphabet is the 62-character set keys are drawn from. URL-safe
	// without percent-encoding.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// DefaultKeyLength is the plaintext length used for new keys.
	DefaultKeyLength = 22

	// PrefixLength is how many leading characters are stored alongside
	// the hash for identification and logging. Never used to authorize.
	PrefixLength = 6
)

var (
	plainKeyRe  = regexp.MustCompile(`^[A-Za-z0-9]{22,}$`)
	scopedKeyRe = regexp.MustCompile(`^[a-z0-9]+_[A-Za-z0-9]{20,}$`)
)

// GenerateKey returns an n-character random string over the key
// alphabet using a cryptographically secure source. n below
// DefaultKeyLength is rejected so generated keys always pass
// IsFormatValid.
func GenerateKey(n int) (string, error) {
	if n < DefaultKeyLength {
		return "", fmt.Errorf("key length %d below minimum %d", n, DefaultKeyLength)
	}
	// Bytes at or above the largest multiple of the alphabet size are
	// discarded so every character is equally likely.
	const limit = 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// HashKey returns the deterministic hash of a plaintext key as lowercase
// hex. BLAKE2b-256 keeps the output space at 256 bits while staying
// cheap enough to run on every request.
func HashKey(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the identification prefix of a plaintext key. For
// scoped keys the leading "<tag>_" is included so log lines stay
// recognizable.
func Prefix(plaintext string) string {
	if i := strings.IndexByte(plaintext, '_'); i >= 0 && i+1 < len(plaintext) {
		end := i + 1 + PrefixLength
		if end > len(plaintext) {
			end = len(plaintext)
		}
		return plaintext[:end]
	}
	if len(plaintext) <= PrefixLength {
		return plaintext
	}
	return plaintext[:PrefixLength]
}

// IsFormatValid reports whether s looks like a capability key: either a
// bare alphanumeric secret of at least 22 characters, or the scoped form
// "<tag>_<secret>" with a 20+ character suffix. Format validity says
// nothing about whether the key exists.
func IsFormatValid(s string) bool {
	if s == "" {
		return false
	}
	return plainKeyRe.MatchString(s) || scopedKeyRe.MatchString(s)
}

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

package capability

import (
	"strings"
	"testing"
)

func TestGenerateKey_LengthAndAlphabet(t *testing.T) {
	key, err := GenerateKey(DefaultKeyLength)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key) != DefaultKeyLength {
		t.Errorf("expected length %d, got %d", DefaultKeyLength, len(key))
	}
	for _, r := range key {
		if !strings.ContainsRune(alphabet, r) {
			t.Errorf("character %q outside key alphabet", r)
		}
	}
	if !IsFormatValid(key) {
		t.Errorf("generated key %q fails format validation", key)
	}
}

func TestGenerateKey_UniformDistribution(t *testing.T) {
	// With plain byte-mod sampling the first 256%62 characters of the
	// alphabet would show up 25% more often than the rest. Count
	// character frequencies over a large sample; under rejection
	// sampling every count sits far inside the tolerance band, while
	// the biased characters would land around 2500.
	counts := make(map[byte]int, len(alphabet))
	const keys = 2000
	for i := 0; i < keys; i++ {
		key, err := GenerateKey(len(alphabet))
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		for j := 0; j < len(key); j++ {
			counts[key[j]]++
		}
	}
	// keys * len(alphabet) samples spread over len(alphabet) characters.
	expected := keys
	for i := 0; i < len(alphabet); i++ {
		c := counts[alphabet[i]]
		if c < expected*85/100 || c > expected*115/100 {
			t.Errorf("character %q count %d outside [%d, %d]", alphabet[i], c, expected*85/100, expected*115/100)
		}
	}
}

func TestGenerateKey_TooShort(t *testing.T) {
	if _, err := GenerateKey(8); err == nil {
		t.Error("expected error for short key length")
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey(DefaultKeyLength)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key generated: %s", key)
		}
		seen[key] = true
	}
}

func TestHashKey_DeterministicAnd256Bit(t *testing.T) {
	h1 := HashKey("wsR8k2mP9qL3nR7mQ2pN4x")
	h2 := HashKey("wsR8k2mP9qL3nR7mQ2pN4x")
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars (256 bits), got %d", len(h1))
	}
	if h1 == HashKey("wsR8k2mP9qL3nR7mQ2pN4y") {
		t.Error("distinct inputs produced the same hash")
	}
}

func TestPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wsR8k2mP9qL3nR7mQ2pN4x", "wsR8k2"},
		{"a_Zx9mQ2pN4xR8k2mP9qL3", "a_Zx9mQ2"},
		{"short", "short"},
	}
	for _, tt := range tests {
		if got := Prefix(tt.in); got != tt.want {
			t.Errorf("Prefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsFormatValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"wsR8k2mP9qL3nR7mQ2pN4x", true},          // 22 alnum
		{"wsR8k2mP9qL3nR7mQ2pN4xExtraChars", true}, // longer is fine
		{"a_Zx9mQ2pN4xR8k2mP9qL3", true},          // scoped form
		{"", false},
		{"tooShort", false},
		{"wsR8k2mP9qL3nR7mQ2pN4", false},  // 21 chars
		{"a_short", false},                // scoped suffix too short
		{"has spaces in it but long", false},
		{"wsR8k2mP9qL3nR7mQ2pN4!", false}, // punctuation
	}
	for _, tt := range tests {
		if got := IsFormatValid(tt.in); got != tt.want {
			t.Errorf("IsFormatValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

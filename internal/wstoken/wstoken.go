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

// Package wstoken issues and verifies short-lived signed tokens for
// WebSocket subscriptions. Tokens are compact HS256 JWTs bound to a
// capability key, scope, and event tier, and are single-use: the first
// successful upgrade consumes the nonce. The consumed-nonce set is
// process-local; a restart clears it and the token expiry bounds the
// resulting exposure.
package wstoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TTL is how long an issued token stays valid.
const TTL = 60 * time.Minute

// WebSocket close codes for post-upgrade rejection.
const (
	CloseTokenExpired = 4001
	CloseTokenInvalid = 4002
	CloseKeyRevoked   = 4003
)

var (
	ErrInvalid     = errors.New("token invalid")
	ErrExpired     = errors.New("token expired")
	ErrAlreadyUsed = errors.New("token already used")
)

// Code maps a verification error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrAlreadyUsed):
		return "TOKEN_ALREADY_USED"
	default:
		return "TOKEN_INVALID"
	}
}

// Payload is the signed claim set of a subscription token.
type Payload struct {
	WorkspaceID string `json:"workspaceId"`
	KeyTier     string `json:"keyTier"`
	KeyHash     string `json:"keyHash"`
	Exp         int64  `json:"exp"`
	Scope       string `json:"scope,omitempty"`
	Nonce       string `json:"nonce"`
}

// Service signs, verifies, and single-use-consumes subscription tokens.
type Service struct {
	secret []byte

	mu   sync.Mutex
	used map[string]int64 // nonce -> exp, pruned lazily

	now func() time.Time
}

// New builds a token service with the given HMAC secret.
func New(secret []byte) *Service {
	return &Service{
		secret: secret,
		used:   make(map[string]int64),
		now:    time.Now,
	}
}

// NewFromEnv sources the secret from MP_JWT_SECRET (base64). In
// production a missing or undecodable secret is a startup error; in
// other environments an ephemeral secret is generated, so a restart
// invalidates all outstanding tokens.
func NewFromEnv(getenv func(string) string, production bool) (*Service, error) {
	raw := getenv("MP_JWT_SECRET")
	if raw == "" {
		if production {
			return nil, errors.New("MP_JWT_SECRET must be set in production")
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ephemeral secret: %w", err)
		}
		return New(secret), nil
	}
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if production {
			return nil, fmt.Errorf("MP_JWT_SECRET is not valid base64: %w", err)
		}
		// Tolerate a raw (non-base64) secret outside production.
		secret = []byte(raw)
	}
	return New(secret), nil
}

// Issue signs a token for the given capability key binding. The nonce
// and expiry are filled in; the payload is returned alongside the
// compact token for the subscribe response.
func (s *Service) Issue(workspaceID, keyTier, keyHash, scope string) (string, Payload, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", Payload{}, fmt.Errorf("generate nonce: %w", err)
	}
	p := Payload{
		WorkspaceID: workspaceID,
		KeyTier:     keyTier,
		KeyHash:     keyHash,
		Exp:         s.now().Add(TTL).Unix(),
		Scope:       scope,
		Nonce:       base64.RawURLEncoding.EncodeToString(nonce),
	}
	token, err := s.sign(p)
	if err != nil {
		return "", Payload{}, err
	}
	return token, p, nil
}

func (s *Service) sign(p Payload) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	signed := header + "." + payload

	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(signed))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signed + "." + sig, nil
}

// Verify checks structure, signature, and expiry. It does not consume
// the nonce; call Consume after the upgrade is otherwise accepted.
func (s *Service) Verify(token string) (Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Payload{}, ErrInvalid
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Payload{}, ErrInvalid
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || !strings.EqualFold(hdr.Alg, "HS256") {
		return Payload{}, ErrInvalid
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Payload{}, ErrInvalid
	}
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if subtle.ConstantTimeCompare(sig, mac.Sum(nil)) != 1 {
		return Payload{}, ErrInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Payload{}, ErrInvalid
	}
	var p Payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return Payload{}, ErrInvalid
	}
	if p.Exp <= s.now().Unix() {
		return Payload{}, ErrExpired
	}
	return p, nil
}

// Consume marks the nonce as used. A second call for the same nonce
// returns ErrAlreadyUsed.
func (s *Service) Consume(p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	for nonce, exp := range s.used {
		if exp <= now {
			delete(s.used, nonce)
		}
	}
	if _, seen := s.used[p.Nonce]; seen {
		return ErrAlreadyUsed
	}
	s.used[p.Nonce] = p.Exp
	return nil
}

// Reset clears the consumed-nonce set. Intended for tests.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = make(map[string]int64)
}

// TierEvents returns the event names visible to a permission tier.
// Higher tiers see a superset of lower ones.
func TierEvents(tier string) []string {
	read := []string{"append", "file.created", "file.deleted", "file.updated"}
	appendTier := append(append([]string{}, read...),
		"task.created", "task.blocked", "claim.expired", "heartbeat")
	write := append(append([]string{}, appendTier...),
		"webhook.failed", "settings.changed")

	switch tier {
	case "write":
		return write
	case "append":
		return appendTier
	default:
		return read
	}
}

// TierAllows reports whether an event is visible to a tier.
func TierAllows(tier, event string) bool {
	for _, e := range TierEvents(tier) {
		if e == event {
			return true
		}
	}
	return false
}

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

// Package webhook delivers domain events to registered webhook URLs.
// Each delivery is HMAC-signed, SSRF-checked with fresh DNS, recorded
// as an immutable audit row, and counted toward the consecutive-failure
// breaker that disables the webhook after five failures in a row.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"markpad/internal/events"
	"markpad/internal/metrics"
	"markpad/internal/store"
	"markpad/pkg/workspace"
)

// DisableAfterFailures is the consecutive-failure breaker threshold.
const DisableAfterFailures = 5

// DeliveryTimeout bounds one outbound attempt.
const DeliveryTimeout = 10 * time.Second

// Trigger subscribes to the event bus and fans matching events out to
// webhooks. Deliveries run on their own goroutines so publishers never
// block; ordering across deliveries is not guaranteed and consumers
// must rely on the payload timestamp.
type Trigger struct {
	store  *store.Store
	policy SSRFPolicy
	client *http.Client
	logger *log.Logger
	bus    *events.Bus

	wg  sync.WaitGroup
	now func() time.Time
}

// NewTrigger builds a trigger over the shared store. bus is used to
// surface webhook.failed events to WebSocket subscribers; it may be nil
// in tests.
func NewTrigger(s *store.Store, policy SSRFPolicy, bus *events.Bus, logger *log.Logger) *Trigger {
	return &Trigger{
		store:  s,
		policy: policy,
		client: &http.Client{Timeout: DeliveryTimeout},
		logger: logger,
		bus:    bus,
		now:    time.Now,
	}
}

// Register subscribes the trigger to the bus.
func (t *Trigger) Register(bus *events.Bus) {
	bus.Subscribe(t.Handle)
}

// Handle enumerates matching webhooks for one event and enqueues a
// delivery per match. Events in the webhook category are not delivered
// to webhooks themselves: a webhook subscribed to "*" reacting to its
// own failures would loop.
func (t *Trigger) Handle(e events.Event) {
	if strings.HasPrefix(e.Name, "webhook.") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hooks, err := t.store.ListActiveWebhooks(ctx, e.WorkspaceID)
	if err != nil {
		t.logf("list webhooks for workspace=%s: %v", e.WorkspaceID, err)
		return
	}
	for _, w := range hooks {
		if !SubscriptionMatches(w.Events, e.Name) || !ScopeMatches(w, e.FilePath) {
			continue
		}
		hook := w
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.deliver(hook, e)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Used by shutdown
// and tests.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// SubscriptionMatches reports whether an events list covers event e.
// "*" matches everything; a bare category like "file" matches "file.*".
func SubscriptionMatches(subs []string, e string) bool {
	category := e
	if i := strings.IndexByte(e, '.'); i >= 0 {
		category = e[:i]
	}
	for _, s := range subs {
		if s == "*" || s == e || s == category {
			return true
		}
	}
	return false
}

// ScopeMatches applies the webhook's path scope to the event's file
// path. Folder scopes distinguish recursive from direct children.
func ScopeMatches(w *workspace.Webhook, path string) bool {
	switch w.ScopeType {
	case workspace.ScopeWorkspace:
		return true
	case workspace.ScopeFile:
		return path == w.ScopePath
	case workspace.ScopeFolder:
		scope := strings.TrimSuffix(w.ScopePath, "/")
		if scope == "" {
			// Workspace root. Non-recursive means top-level files only.
			if w.Recursive {
				return true
			}
			return !strings.Contains(strings.TrimPrefix(path, "/"), "/")
		}
		if !strings.HasPrefix(path, scope+"/") {
			return false
		}
		if w.Recursive {
			return true
		}
		tail := strings.TrimPrefix(path, scope+"/")
		return !strings.Contains(tail, "/")
	}
	return false
}

// payload is the outbound request body.
type payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (t *Trigger) deliver(w *workspace.Webhook, e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()

	start := t.now()
	rec := &workspace.WebhookDelivery{
		ID:        "dl_" + uuid.NewString(),
		WebhookID: w.ID,
		Event:     e.Name,
		CreatedAt: start.UTC(),
	}

	// Re-validate with fresh DNS on every attempt; a rebind between
	// attempts must not reach the private network.
	if safe, reason := t.policy.ValidateURL(ctx, w.URL); !safe {
		msg := "SSRF protection: " + reason
		rec.Status = workspace.DeliveryError
		rec.Error = &msg
		t.record(rec, w, false)
		return
	}

	body, err := json.Marshal(payload{
		Event:     e.Name,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Data:      e.Data,
	})
	if err != nil {
		msg := "payload marshal failed: " + err.Error()
		rec.Status = workspace.DeliveryError
		rec.Error = &msg
		t.record(rec, w, false)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		msg := "request build failed: " + err.Error()
		rec.Status = workspace.DeliveryError
		rec.Error = &msg
		t.record(rec, w, false)
		return
	}
	ts := strconv.FormatInt(start.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", w.ID)
	req.Header.Set("X-MP-Timestamp", ts)
	req.Header.Set("X-MP-Signature", "sha256="+Sign(w.SecretHash, ts, body))

	resp, err := t.client.Do(req)
	rec.DurationMs = t.now().Sub(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
		if isTimeout(err) {
			rec.Status = workspace.DeliveryTimeout
		} else {
			rec.Status = workspace.DeliveryFailed
		}
		t.record(rec, w, false)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	rec.ResponseCode = &resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Status = workspace.DeliveryOK
		t.record(rec, w, true)
		return
	}
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	rec.Error = &msg
	rec.Status = workspace.DeliveryFailed
	t.record(rec, w, false)
}

// record persists the delivery row and updates the failure breaker.
func (t *Trigger) record(rec *workspace.WebhookDelivery, w *workspace.Webhook, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics.ObserveWebhookDelivery(rec.Status.String(), time.Duration(rec.DurationMs)*time.Millisecond)
	if err := t.store.InsertWebhookDelivery(ctx, rec); err != nil {
		t.logf("record delivery webhook=%s: %v", w.ID, err)
	}

	if ok {
		if err := t.store.RecordWebhookSuccess(ctx, w.ID, t.now().UTC()); err != nil {
			t.logf("record success webhook=%s: %v", w.ID, err)
		}
		return
	}

	count, err := t.store.RecordWebhookFailure(ctx, w.ID, DisableAfterFailures, t.now().UTC())
	if err != nil {
		t.logf("record failure webhook=%s: %v", w.ID, err)
		return
	}
	t.logf("delivery failed webhook=%s status=%s consecutive=%d", w.ID, rec.Status, count)
	if t.bus != nil {
		t.bus.Publish(events.Event{
			Name:        "webhook.failed",
			WorkspaceID: w.WorkspaceID,
			Data: map[string]any{
				"webhookId":    w.ID,
				"status":       rec.Status,
				"failureCount": count,
				"disabled":     count >= DisableAfterFailures,
			},
		})
	}
}

// Sign computes the delivery signature over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded")
}

func (t *Trigger) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf("[webhook] "+format, args...)
	}
}

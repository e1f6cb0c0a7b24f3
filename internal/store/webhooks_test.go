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

package store

import (
	"context"
	"testing"
	"time"

	"markpad/pkg/workspace"
)

func mustWebhook(t *testing.T, s *Store, wsID string) *workspace.Webhook {
	t.Helper()
	w := &workspace.Webhook{
		ID:          "wh_1",
		WorkspaceID: wsID,
		URL:         "https://example.com/hook",
		Events:      []string{"*"},
		ScopeType:   workspace.ScopeWorkspace,
		SecretHash:  "whsec_abc",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertWebhook(context.Background(), w); err != nil {
		t.Fatalf("InsertWebhook failed: %v", err)
	}
	return w
}

func TestWebhookFailureBreakerDisablesAtFive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)
	w := mustWebhook(t, s, ws.ID)

	for i := 1; i <= 4; i++ {
		n, err := s.RecordWebhookFailure(ctx, w.ID, 5, time.Now().UTC())
		if err != nil {
			t.Fatalf("RecordWebhookFailure %d failed: %v", i, err)
		}
		if n != i {
			t.Errorf("expected count %d, got %d", i, n)
		}
	}
	got, _ := s.GetWebhook(ctx, w.ID)
	if got.DisabledAt != nil {
		t.Fatal("webhook disabled before fifth failure")
	}

	if _, err := s.RecordWebhookFailure(ctx, w.ID, 5, time.Now().UTC()); err != nil {
		t.Fatalf("fifth RecordWebhookFailure failed: %v", err)
	}
	got, _ = s.GetWebhook(ctx, w.ID)
	if got.DisabledAt == nil {
		t.Fatal("webhook not disabled after fifth consecutive failure")
	}

	// Disabled webhooks drop out of the active list.
	active, err := s.ListActiveWebhooks(ctx, ws.ID)
	if err != nil {
		t.Fatalf("ListActiveWebhooks failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("disabled webhook still listed as active: %d", len(active))
	}
	// But still shows in the full list for re-enablement.
	all, _ := s.ListWebhooks(ctx, ws.ID)
	if len(all) != 1 {
		t.Errorf("expected 1 webhook in full list, got %d", len(all))
	}

	if err := s.EnableWebhook(ctx, w.ID); err != nil {
		t.Fatalf("EnableWebhook failed: %v", err)
	}
	got, _ = s.GetWebhook(ctx, w.ID)
	if got.DisabledAt != nil || got.FailureCount != 0 {
		t.Errorf("enable did not reset state: disabled=%v failures=%d", got.DisabledAt, got.FailureCount)
	}
}

func TestWebhookSuccessResetsFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)
	w := mustWebhook(t, s, ws.ID)

	for i := 0; i < 3; i++ {
		if _, err := s.RecordWebhookFailure(ctx, w.ID, 5, time.Now().UTC()); err != nil {
			t.Fatalf("RecordWebhookFailure failed: %v", err)
		}
	}
	if err := s.RecordWebhookSuccess(ctx, w.ID, time.Now().UTC()); err != nil {
		t.Fatalf("RecordWebhookSuccess failed: %v", err)
	}
	got, _ := s.GetWebhook(ctx, w.ID)
	if got.FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", got.FailureCount)
	}
	if got.LastTriggeredAt == nil {
		t.Error("expected last_triggered_at to be set")
	}
}

func TestDeliveryRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := mustWorkspace(t, s)
	w := mustWebhook(t, s, ws.ID)

	code := 200
	old := &workspace.WebhookDelivery{
		ID:           "dl_old",
		WebhookID:    w.ID,
		Event:        "file.updated",
		Status:       workspace.DeliveryOK,
		ResponseCode: &code,
		DurationMs:   42,
		CreatedAt:    time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	fresh := &workspace.WebhookDelivery{
		ID:        "dl_new",
		WebhookID: w.ID,
		Event:     "file.updated",
		Status:    workspace.DeliveryFailed,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertWebhookDelivery(ctx, old); err != nil {
		t.Fatalf("InsertWebhookDelivery old failed: %v", err)
	}
	if err := s.InsertWebhookDelivery(ctx, fresh); err != nil {
		t.Fatalf("InsertWebhookDelivery fresh failed: %v", err)
	}

	n, err := s.DeleteWebhookDeliveriesBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteWebhookDeliveriesBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged delivery, got %d", n)
	}
	left, err := s.ListWebhookDeliveries(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("ListWebhookDeliveries failed: %v", err)
	}
	if len(left) != 1 || left[0].ID != "dl_new" {
		t.Errorf("unexpected surviving deliveries: %+v", left)
	}
}

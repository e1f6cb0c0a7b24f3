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

package events

import (
	"sync"
	"testing"
)

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBus()

	var got []string
	b.Subscribe(func(e Event) {
		got = append(got, e.Name)
	})

	for _, name := range []string{"file.created", "file.updated", "append", "file.deleted"} {
		b.Publish(Event{Name: name, WorkspaceID: "ws-1"})
	}

	want := []string{"file.created", "file.updated", "append", "file.deleted"}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()

	var first, second int
	b.Subscribe(func(Event) { first++ })
	b.Subscribe(func(Event) { second++ })

	b.Publish(Event{Name: "file.created", WorkspaceID: "ws-1"})
	b.Publish(Event{Name: "file.deleted", WorkspaceID: "ws-1"})

	if first != 2 || second != 2 {
		t.Errorf("subscriber counts: first=%d second=%d, want 2 each", first, second)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe(func(e Event) { got = e })

	b.Publish(Event{Name: "file.created", WorkspaceID: "ws-1"})
	if got.Timestamp.IsZero() {
		t.Error("zero timestamp should be stamped at publish")
	}
}

func TestConcurrentPublishersDoNotRace(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Publish(Event{Name: "append", WorkspaceID: "ws-1"})
			}
		}()
	}
	wg.Wait()

	if count != 200 {
		t.Errorf("delivered %d events, want 200", count)
	}
}

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

// Package events is the in-process publish/subscribe bus for domain
// events. Publication is synchronous: subscribers run on the
// publisher's goroutine in registration order, which preserves
// per-workspace event ordering for every subscriber. Subscribers that
// need to do slow work (webhook delivery, WS sends) must hand off to
// their own goroutines.
package events

import (
	"sync"
	"time"

	"markpad/internal/metrics"
)

// Event is one domain event. Name is "<category>.<name>" (the bare
// "append" event is the one exception). FilePath is set when the event
// concerns a file and drives webhook scope filtering.
type Event struct {
	Name        string
	WorkspaceID string
	FilePath    string
	Timestamp   time.Time
	Data        map[string]any
}

// Handler receives published events. It must not block.
type Handler func(Event)

// Bus fans events out to registered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. Subscribers are expected to register
// at startup; there is no unsubscribe.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers the event to every subscriber in registration
// order. A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	metrics.ObserveEvent(e.Name)

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, h := range subs {
		h(e)
	}
}

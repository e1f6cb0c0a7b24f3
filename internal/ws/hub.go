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

// Package ws fans domain events out to WebSocket subscribers. Each
// subscriber is bound to one workspace and an event tier; events the
// tier cannot see are filtered before the send. Event order per
// workspace follows bus publication order because the hub enqueues on
// the publisher's goroutine.
package ws

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"markpad/internal/events"
	"markpad/internal/metrics"
	"markpad/internal/wstoken"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// sendBuffer bounds the per-client queue; a subscriber that falls
	// this far behind is disconnected rather than allowed to stall
	// every other workspace subscriber.
	sendBuffer = 64
)

// Client is one connected subscriber.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	workspaceID string
	tier        string
	scope       string
	keyHash     string

	hub  *Hub
	once sync.Once
}

// Hub tracks connected subscribers per workspace.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // workspaceID -> clients
	logger  *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register subscribes the hub to the event bus.
func (h *Hub) Register(bus *events.Bus) {
	bus.Subscribe(h.Broadcast)
}

// wireEvent is the frame sent to subscribers.
type wireEvent struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broadcast enqueues the event to every subscriber of its workspace
// whose tier and scope admit it. Slow subscribers are dropped.
func (h *Hub) Broadcast(e events.Event) {
	h.mu.RLock()
	subs := h.clients[e.WorkspaceID]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	frame, err := json.Marshal(wireEvent{
		Event:     e.Name,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Data:      e.Data,
	})
	if err != nil {
		h.logf("marshal event %s: %v", e.Name, err)
		return
	}

	for _, c := range targets {
		if !wstoken.TierAllows(c.tier, e.Name) {
			continue
		}
		if !scopeAdmits(c.scope, e.FilePath) {
			continue
		}
		select {
		case c.send <- frame:
		case <-c.done:
		default:
			h.logf("dropping slow subscriber workspace=%s", c.workspaceID)
			c.Close(websocket.CloseGoingAway, "subscriber too slow")
		}
	}
}

// scopeAdmits applies a folder-subscription scope to an event path.
// An empty scope admits everything; file-less events pass through.
func scopeAdmits(scope, path string) bool {
	if scope == "" || path == "" {
		return true
	}
	scope = strings.TrimSuffix(scope, "/")
	return path == scope || strings.HasPrefix(path, scope+"/")
}

// Add registers an upgraded connection under its token binding and
// starts the read and write pumps.
func (h *Hub) Add(conn *websocket.Conn, p wstoken.Payload) *Client {
	c := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		workspaceID: p.WorkspaceID,
		tier:        p.KeyTier,
		scope:       p.Scope,
		keyHash:     p.KeyHash,
		hub:         h,
	}

	h.mu.Lock()
	if h.clients[c.workspaceID] == nil {
		h.clients[c.workspaceID] = make(map[*Client]struct{})
	}
	h.clients[c.workspaceID][c] = struct{}{}
	h.mu.Unlock()

	metrics.WSConnectionOpened()
	go c.writePump()
	go c.readPump()
	return c
}

// CloseByKeyHash disconnects every subscriber bound to a capability
// key, used when the key is revoked mid-session.
func (h *Hub) CloseByKeyHash(keyHash string) {
	h.mu.RLock()
	var victims []*Client
	for _, subs := range h.clients {
		for c := range subs {
			if c.keyHash == keyHash {
				victims = append(victims, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range victims {
		c.Close(wstoken.CloseKeyRevoked, "key revoked")
	}
}

// Close sends a close frame and tears the client down. Safe to call
// more than once.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
		close(c.done)

		c.hub.mu.Lock()
		if subs := c.hub.clients[c.workspaceID]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(c.hub.clients, c.workspaceID)
			}
		}
		c.hub.mu.Unlock()
		metrics.WSConnectionClosed()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// readPump discards inbound frames; the subscription is one-way. It
// keeps the connection's read side alive for pong handling.
func (c *Client) readPump() {
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf("[ws] "+format, args...)
	}
}

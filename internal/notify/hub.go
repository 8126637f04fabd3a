// Package notify implements the user-facing real-time plane: a per-user
// pub/sub hub that pushes lifecycle events to connected WebSocket clients
// over GET /api/v1/ws. Delivery is best-effort — no persistence, no replay;
// a client that was offline simply missed the event and reads current state
// from the REST API on reconnect.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/types"
)

// Envelope is the frame sent to clients. Data carries the event payload
// plus task_id/agent_id when the event concerns one.
//
// JSON example:
//
//	{"type":"task.completed","timestamp":"...","data":{"task_id":"018f...","title":"..."}}
type Envelope struct {
	Type      types.EventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      map[string]any  `json:"data,omitempty"`
}

// Hub routes published events to the WebSocket clients of the addressed
// user.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialized
// through one goroutine — the Run loop — via channels. Publish is the one
// exception: it holds a read-lock only long enough to snapshot the target
// set, then sends outside the lock so a slow client never stalls the loop.
type Hub struct {
	// clients is the set of all connected clients; users indexes them by
	// user ID. Both maps are always updated together.
	clients map[*Client]struct{}
	users   map[uuid.UUID]map[*Client]struct{}

	// mu protects clients and users during Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits; no further frames are delivered.
	stopped chan struct{}

	logger *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		users:      make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		logger:     logger.Named("notify"),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled, closing every connected
// client on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*Client]struct{})
			}
			h.users[client.userID][client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.users[client.userID], client)
				if len(h.users[client.userID]) == 0 {
					delete(h.users, client.userID)
				}
				// Signals the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.users = make(map[uuid.UUID]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// HandleEvent implements events.Subscriber.
func (h *Hub) HandleEvent(_ context.Context, ev events.Event) {
	h.Publish(ev)
}

// Publish sends ev to every client of the addressed user. Safe to call from
// any goroutine. Clients whose send buffer is full are disconnected so a
// slow consumer never backs up the rest of the plane.
func (h *Hub) Publish(ev events.Event) {
	h.mu.RLock()
	var targets []*Client
	for c := range h.users[ev.UserID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	env := Envelope{
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev.Payload(),
	}
	for _, c := range targets {
		select {
		case c.send <- env:
		default:
			// Buffer full — the client cannot keep up. Drop it.
			metrics.NotificationsDropped.Inc()
			h.logger.Warn("dropping slow notification client",
				zap.String("user_id", ev.UserID.String()))
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub. Called by the upgrade handler
// once the client is initialized.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub. Called by the client's readPump
// when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ events.Subscriber = (*Hub)(nil)

// Package ws fans out whitelisted bus events to WebSocket observers.
// One hub per process; broadcast is concurrent with per-client error
// isolation: a failing client is disconnected without affecting the
// rest.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quorumhq/quorum/pkg/bus"
)

// DefaultWhitelist is the event set forwarded to clients when the
// caller does not narrow it.
var DefaultWhitelist = []bus.Type{
	bus.TypeBackgroundTaskCreated,
	bus.TypeBackgroundTaskStarted,
	bus.TypeBackgroundTaskStep,
	bus.TypeBackgroundTaskCheckpoint,
	bus.TypeBackgroundTaskCompleted,
	bus.TypeBackgroundTaskFailed,
	bus.TypeBackgroundTaskCancelled,
	bus.TypeBackgroundTaskPaused,
	bus.TypeBackgroundTaskResumed,
	bus.TypeScheduledActionTriggered,
	bus.TypeScheduledActionCompleted,
	bus.TypeScheduledActionFailed,
	bus.TypeScheduledActionExpired,
	bus.TypePipelineRunStarted,
	bus.TypePipelineRunSucceeded,
	bus.TypePipelineRunFailed,
	bus.TypePipelineRunCancelled,
	bus.TypePipelineRunTimedOut,
	bus.TypeMemoryCreated,
	bus.TypeMemoryShared,
	bus.TypeCircleCreated,
	bus.TypeCircleMemberAdded,
}

// Hub tracks connected observers and broadcasts event envelopes.
type Hub struct {
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	subs []*bus.Subscription

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	broadcasts       atomic.Int64
}

// Client is one connected observer.
//
// writeMu serializes writes: broadcast goroutines and the read loop's
// pong replies may target the same connection concurrently.
type Client struct {
	ID   string
	conn *websocket.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	MessagesSent      int64 `json:"messages_sent"`
	Broadcasts        int64 `json:"broadcasts"`
}

// New creates a hub.
func New(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		writeTimeout: writeTimeout,
		clients:      make(map[string]*Client),
	}
}

// AttachBus subscribes the hub to the whitelisted event types. Events
// are serialized once and broadcast to every client.
func (h *Hub) AttachBus(eventBus *bus.Bus, whitelist []bus.Type) {
	if whitelist == nil {
		whitelist = DefaultWhitelist
	}
	for _, t := range whitelist {
		h.subs = append(h.subs, eventBus.Subscribe(t, func(_ context.Context, e bus.Event) error {
			payload, err := json.Marshal(e)
			if err != nil {
				return err
			}
			h.Broadcast(payload)
			return nil
		}, nil))
	}
}

// DetachBus drops the hub's bus subscriptions.
func (h *Hub) DetachBus(eventBus *bus.Bus) {
	for _, sub := range h.subs {
		eventBus.Unsubscribe(sub)
	}
	h.subs = nil
}

// HandleConnection registers the connection and runs its read loop.
// Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Client{
		ID:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.totalConnections.Add(1)
	defer h.disconnect(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})
	slog.Debug("WebSocket client connected", "connection_id", c.ID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}

		if msg.Type == "ping" {
			h.sendJSON(c, map[string]any{
				"type":      "pong",
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

// Broadcast sends the payload to every connected client concurrently.
// A client whose send fails is disconnected; the others are unaffected.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.broadcasts.Add(1)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := h.send(c, payload); err != nil {
				slog.Warn("Dropping WebSocket client after failed send",
					"connection_id", c.ID, "error", err)
				h.disconnect(c)
				return
			}
			h.messagesSent.Add(1)
		}(c)
	}
	wg.Wait()
}

// ActiveConnections returns the current client count.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections: h.ActiveConnections(),
		TotalConnections:  h.totalConnections.Load(),
		MessagesSent:      h.messagesSent.Load(),
		Broadcasts:        h.broadcasts.Load(),
	}
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.disconnect(c)
	}
	slog.Info("WebSocket hub shut down", "dropped", len(clients))
}

// disconnect removes the client and closes its connection. Idempotent.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !present {
		return
	}

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("WebSocket client disconnected", "connection_id", c.ID)
}

func (h *Hub) sendJSON(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := h.send(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

// send writes raw bytes with the write timeout applied.
func (h *Hub) send(c *Client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

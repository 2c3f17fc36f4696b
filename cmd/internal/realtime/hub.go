package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	ErrBackpressure      = errors.New("realtime: send queue full")
)

// Hub is the table of live connections on this node. It is the transport side
// of fanout: Emit addresses exactly one connection.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	live prometheus.Gauge
	now  func() time.Time
}

// HubOption configures Hub behavior.
type HubOption func(*Hub)

// WithConnectionGauge tracks the number of registered connections.
func WithConnectionGauge(g prometheus.Gauge) HubOption {
	return func(h *Hub) { h.live = g }
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:     log,
		clients: make(map[string]*Client),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register adds c. A second registration under the same id replaces the first.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c.ConnectionID]
	h.clients[c.ConnectionID] = c
	h.mu.Unlock()

	if !existed && h.live != nil {
		h.live.Inc()
	}
}

// Unregister removes the connection. Unknown ids are ignored.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	_, existed := h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()

	if existed && h.live != nil {
		h.live.Dec()
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit wraps payload in an envelope and enqueues it on the connection without
// blocking. A slow client gets ErrBackpressure; the event is dropped for it only.
func (h *Hub) Emit(ctx context.Context, connectionID, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	env, err := newEnvelope(event, json.RawMessage(payload), h.now())
	if err != nil {
		return err
	}
	if !c.enqueue(env) {
		return ErrBackpressure
	}
	return nil
}

package progress

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Hub bridges the Redis progress channels to connected SSE clients. Each
// client subscribes to one tenant; slow clients are skipped, not blocked on.
type Hub struct {
	client  *redis.Client
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{
		client:  client,
		clients: make(map[string]map[chan []byte]struct{}),
	}
}

// Register adds an SSE client for a tenant and returns its event channel.
func (h *Hub) Register(tenantID string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, 16)
	if h.clients[tenantID] == nil {
		h.clients[tenantID] = make(map[chan []byte]struct{})
	}
	h.clients[tenantID][ch] = struct{}{}
	logrus.WithField("tenant", tenantID).Debug("progress client registered")
	return ch
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(tenantID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[tenantID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.clients, tenantID)
		}
	}
}

// Run consumes the Redis progress channels until context cancellation. The
// pattern subscription covers every tenant; routing happens per message.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.client.PSubscribe(ctx, ChannelFor("*"))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.broadcast(tenantFromChannel(msg.Channel), []byte(msg.Payload))
		}
	}
}

// Broadcast delivers an event payload directly, bypassing Redis. Used by
// tests and by single-process deployments.
func (h *Hub) Broadcast(tenantID string, payload []byte) {
	h.broadcast(tenantID, payload)
}

func (h *Hub) broadcast(tenantID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients[tenantID] {
		select {
		case ch <- payload:
		default:
			// Client buffer full; drop rather than stall the hub.
		}
	}
}

func tenantFromChannel(channel string) string {
	const prefix = "progress:"
	if len(channel) > len(prefix) {
		return channel[len(prefix):]
	}
	return ""
}

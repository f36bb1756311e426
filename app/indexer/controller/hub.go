package controller

import (
	"context"
	"sync"

	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

const clientBuffer = 256

// Hub fans watermark advances out to websocket clients. It is a committer
// notifier; a client that falls behind drops events rather than stall commits.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan ServerMessage
	subs *subscriptions
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

func (h *Hub) register() *hubClient {
	c := &hubClient{send: make(chan ServerMessage, clientBuffer), subs: newSubscriptions()}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unregister removes c and closes its send channel.
func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) PublishWatermark(_ context.Context, ev types.WatermarkAdvanced) error {
	msg := ServerMessage{Type: types.WatermarkAdvancedEvent, Payload: ev}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subs.has(ev.Pipeline) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
	return nil
}

type subscriptions struct {
	mu        sync.RWMutex
	pipelines map[string]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{pipelines: make(map[string]bool)}
}

func (s *subscriptions) add(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[name] = true
}

func (s *subscriptions) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, name)
}

// has reports whether name is subscribed; "*" matches every pipeline.
func (s *subscriptions) has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipelines["*"] || s.pipelines[name]
}

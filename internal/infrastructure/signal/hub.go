package signal

import (
	"encoding/json"
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"go.uber.org/zap"
)

// Hub tracks live connections and implements ports.Broadcaster on top of
// their outbound queues.
type Hub struct {
	mu     sync.RWMutex
	conns  map[domain.ConnectionID]*connection
	byUser map[domain.UserID]map[domain.ConnectionID]*connection

	logger *zap.SugaredLogger
}

var _ ports.Broadcaster = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		conns:  make(map[domain.ConnectionID]*connection),
		byUser: make(map[domain.UserID]map[domain.ConnectionID]*connection),
		logger: logger,
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	set, ok := h.byUser[c.identity.UserID]
	if !ok {
		set = make(map[domain.ConnectionID]*connection)
		h.byUser[c.identity.UserID] = set
	}
	set[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if set, ok := h.byUser[c.identity.UserID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byUser, c.identity.UserID)
		}
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) SendToConnections(ids []domain.ConnectionID, event ports.Event) {
	h.mu.RLock()
	targets := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

func (h *Hub) SendToUser(userID domain.UserID, event ports.Event) {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

func (h *Hub) SendToAll(event ports.Event) {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

// deliver encodes the event once and queues it on every target.
func (h *Hub) deliver(targets []*connection, event ports.Event) {
	if len(targets) == 0 {
		return
	}
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorw("failed to encode event", "type", event.Type, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

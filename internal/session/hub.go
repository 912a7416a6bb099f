package session

import (
	"sync"

	"go.uber.org/zap"

	"codeblocks/internal/metrics"
	"codeblocks/internal/models"
)

// Notifier is what the coordinator needs from the transport.
type Notifier interface {
	SendTo(connID string, frame models.WSFrame)
	Broadcast(roomID string, frame models.WSFrame)
	Subscribe(roomID, connID string)
	Unsubscribe(roomID, connID string)
}

// Hub tracks live clients and the broadcast group of every room on this
// process.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
}

var _ Notifier = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.LiveConnections.Inc()
}

// Unregister drops the client from the registry and every broadcast group,
// then closes its send queue.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	for roomID, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.LiveConnections.Dec()
		c.Close()
	}
}

func (h *Hub) Get(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// IsLive reports whether connID is an open connection on this process.
func (h *Hub) IsLive(connID string) bool {
	_, ok := h.Get(connID)
	return ok
}

func (h *Hub) Subscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[connID] = c
}

func (h *Hub) Unsubscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Members returns the number of local subscribers of a room.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) SendTo(connID string, frame models.WSFrame) {
	c, ok := h.Get(connID)
	if !ok {
		return
	}
	if !c.Send(frame) {
		metrics.DeliveryFailures.Inc()
		h.log.Warn("dropped frame", zap.String("conn", connID), zap.String("type", frame.Type))
	}
}

// Broadcast sends to every local subscriber of the room. A recipient that
// cannot take the frame is skipped.
func (h *Hub) Broadcast(roomID string, frame models.WSFrame) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(frame) {
			metrics.DeliveryFailures.Inc()
			h.log.Warn("dropped broadcast frame",
				zap.String("room", roomID),
				zap.String("conn", c.ID),
				zap.String("type", frame.Type))
		}
	}
}

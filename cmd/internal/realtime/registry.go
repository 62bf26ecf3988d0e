// Package realtime contains the room connection registry, broadcast fan-out,
// the message pipeline, unread tracking and the websocket gateway.
package realtime

import (
	"log/slog"
	"sync"

	"huddle/cmd/internal/telemetry"
)

// Registry indexes live connections by room and by identity.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent readers.
// - Readers get snapshots; a connection added or removed mid-broadcast never corrupts iteration.
// - Empty room and identity entries are dropped so idle rooms do not accumulate.
type Registry struct {
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	identities map[string]map[*Client]struct{}
	conns      int
}

// Stats is a point-in-time registry size.
type Stats struct {
	Rooms       int `json:"rooms"`
	Identities  int `json:"identities"`
	Connections int `json:"connections"`
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		metrics:    metrics,
		rooms:      make(map[string]map[*Client]struct{}),
		identities: make(map[string]map[*Client]struct{}),
	}
}

// Register adds c to its room and identity sets. Registering twice is a no-op.
func (r *Registry) Register(c *Client) {
	if r == nil || c == nil || c.RoomID == "" || c.UserID == "" {
		return
	}

	r.mu.Lock()
	room := r.rooms[c.RoomID]
	if room == nil {
		room = make(map[*Client]struct{})
		r.rooms[c.RoomID] = room
	}
	if _, exists := room[c]; exists {
		r.mu.Unlock()
		return
	}
	room[c] = struct{}{}

	ident := r.identities[c.UserID]
	if ident == nil {
		ident = make(map[*Client]struct{})
		r.identities[c.UserID] = ident
	}
	ident[c] = struct{}{}
	r.conns++
	stats := r.statsLocked()
	r.mu.Unlock()

	r.metrics.SetRegistryStats(stats.Rooms, stats.Connections)
	r.log.Info("registry.register", "conn_id", c.ID, "room_id", c.RoomID, "user_id", c.UserID, "room_conns", len(room))
}

// Unregister removes c from both sets. It reports whether c was registered.
// Safe to call on an already-unregistered connection.
func (r *Registry) Unregister(c *Client) bool {
	if r == nil || c == nil {
		return false
	}

	r.mu.Lock()
	room, ok := r.rooms[c.RoomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := room[c]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, c.RoomID)
	}
	if ident := r.identities[c.UserID]; ident != nil {
		delete(ident, c)
		if len(ident) == 0 {
			delete(r.identities, c.UserID)
		}
	}
	r.conns--
	stats := r.statsLocked()
	r.mu.Unlock()

	r.metrics.SetRegistryStats(stats.Rooms, stats.Connections)
	r.log.Info("registry.unregister", "conn_id", c.ID, "room_id", c.RoomID, "user_id", c.UserID)
	return true
}

// ConnectionsInRoom returns a snapshot of the room's live connections.
func (r *Registry) ConnectionsInRoom(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[roomID])
}

// ConnectionsForIdentity returns a snapshot of every connection held by userID.
func (r *Registry) ConnectionsForIdentity(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.identities[userID])
}

// ConnectionsForIdentityInRoom returns userID's connections bound to roomID.
func (r *Registry) ConnectionsForIdentityInRoom(roomID, userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, 2)
	for c := range r.identities[userID] {
		if c.RoomID == roomID {
			out = append(out, c)
		}
	}
	return out
}

// HasRoom reports whether the room has a registry entry.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Stats returns the registry's current size.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	return Stats{Rooms: len(r.rooms), Identities: len(r.identities), Connections: r.conns}
}

// Evict unregisters each client and kicks it with code + reason. It returns how many were evicted.
func (r *Registry) Evict(clients []*Client, code int, reason string) int {
	n := 0
	for _, c := range clients {
		if r.Unregister(c) {
			n++
		}
		c.Kick(code, reason)
	}
	return n
}

// CloseAll kicks every live connection. Used at shutdown.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	all := make([]*Client, 0, r.conns)
	for _, room := range r.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	return r.Evict(all, code, reason)
}

func snapshot(set map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

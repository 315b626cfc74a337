package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrRegistryFull is returned when the configured connection cap is reached.
var ErrRegistryFull = errors.New("connection registry full")

// Registry is the authoritative id → connection mapping. Every live
// connection is registered here and looked up by id everywhere else.
type Registry struct {
	mu             sync.RWMutex
	connections    map[string]*Connection
	byPlayer       map[string]map[string]*Connection
	maxConnections int
	closed         bool
}

// NewRegistry creates a registry capped at maxConnections live connections.
// A cap of zero or less means unlimited.
func NewRegistry(maxConnections int) *Registry {
	return &Registry{
		connections:    make(map[string]*Connection),
		byPlayer:       make(map[string]map[string]*Connection),
		maxConnections: maxConnections,
	}
}

// Register adds a connection and returns its id.
func (r *Registry) Register(conn *Connection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errors.New("registry is closed to new registrations")
	}
	if r.maxConnections > 0 && len(r.connections) >= r.maxConnections {
		return "", ErrRegistryFull
	}

	r.connections[conn.ID] = conn
	if r.byPlayer[conn.PlayerID] == nil {
		r.byPlayer[conn.PlayerID] = make(map[string]*Connection)
	}
	r.byPlayer[conn.PlayerID][conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Str("device", string(conn.Device)).
		Int("total_connections", len(r.connections)).
		Msg("connection registered")

	return conn.ID, nil
}

// Lookup resolves a connection id to its live connection.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

// Unregister removes a connection. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return
	}
	delete(r.connections, id)
	if conns := r.byPlayer[conn.PlayerID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byPlayer, conn.PlayerID)
		}
	}

	log.Debug().
		Str("connection_id", id).
		Str("player_id", conn.PlayerID).
		Int("total_connections", len(r.connections)).
		Msg("connection unregistered")
}

// ByPlayer returns all live connections for a player id.
func (r *Registry) ByPlayer(playerID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byPlayer[playerID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// SubscribedTo returns all live connections subscribed to a channel.
func (r *Registry) SubscribedTo(channel string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.connections {
		if c.SubscribedTo(channel) {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseRegistrations stops accepting new connections; part of the server
// drain sequence.
func (r *Registry) CloseRegistrations() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Stats summarizes the registry for the stats endpoint.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalConnections: len(r.connections),
		UniquePlayers:    len(r.byPlayer),
		ByDevice:         make(map[string]int),
	}
	for _, c := range r.connections {
		stats.ByDevice[string(c.Device)]++
		stats.QueuedMessages += c.QueueLen()
	}
	return stats
}

// RegistryStats is the JSON shape served by the stats endpoint.
type RegistryStats struct {
	TotalConnections int            `json:"total_connections"`
	UniquePlayers    int            `json:"unique_players"`
	QueuedMessages   int            `json:"queued_messages"`
	ByDevice         map[string]int `json:"by_device"`
}

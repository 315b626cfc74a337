package client

import (
	"reflect"
	"sync"
	"time"
)

// Mirror is the client-side cached copy of last-known-synced state. Local
// writes that actually change a value accumulate in a pending-delta set
// drained by the sync engine.
type Mirror struct {
	mu       sync.Mutex
	values   map[string]any
	pending  map[string]any
	version  uint64
	syncedAt time.Time
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		values:  make(map[string]any),
		pending: make(map[string]any),
	}
}

// SetLocal updates a key only if the value structurally changed, recording
// the change as pending. Returns whether a change was recorded.
func (m *Mirror) SetLocal(key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.values[key]; ok && reflect.DeepEqual(current, value) {
		return false
	}
	m.values[key] = value
	m.pending[key] = value
	return true
}

// Get reads a single key.
func (m *Mirror) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// TakePending drains and returns the pending-delta set; nil when empty.
func (m *Mirror) TakePending() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	out := m.pending
	m.pending = make(map[string]any)
	return out
}

// PendingCount reports how many keys await syncing.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ApplyRemote merges server-originated changes without marking them
// pending.
func (m *Mirror) ApplyRemote(changes map[string]any, version uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range changes {
		m.values[k] = v
	}
	if version > m.version {
		m.version = version
	}
	m.syncedAt = now
}

// ReplaceAll swaps the mirror wholesale with the server's authoritative
// state, discarding any pending local changes. This is the resync path:
// last write wins and the server wrote last.
func (m *Mirror) ReplaceAll(values map[string]any, version uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]any, len(values))
	for k, v := range values {
		m.values[k] = v
	}
	m.pending = make(map[string]any)
	m.version = version
	m.syncedAt = now
}

// Version returns the last synced server version.
func (m *Mirror) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Snapshot returns a copy of all mirrored values.
func (m *Mirror) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// ConnState is the client connection state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateReconnecting
	StateConnected
	StateGaveUp
)

func (s ConnState) String() string {
	switch s {
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	default:
		return "disconnected"
	}
}

// BackoffConfig bounds reconnection attempts.
type BackoffConfig struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
	// QueueCapacity bounds the offline message queue.
	QueueCapacity int
}

// DefaultBackoffConfig returns the reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:       500 * time.Millisecond,
		Factor:        1.5,
		Max:           30 * time.Second,
		MaxAttempts:   10,
		QueueCapacity: 256,
	}
}

// ReconnectManager drives the Disconnected → Reconnecting → Connected
// state machine with capped exponential backoff, queueing outbound
// messages while offline. It gives up explicitly after the attempt
// ceiling rather than retrying forever.
type ReconnectManager struct {
	clock  clockwork.Clock
	config BackoffConfig
	state  atomic.Int32

	// dial re-establishes the transport; onReconnected flushes the queue
	// and requests a resync; onState surfaces transitions to the host app.
	dial          func(ctx context.Context) error
	onReconnected func()
	onState       func(ConnState)

	queue *offlineQueue

	mu        sync.Mutex
	cancel    context.CancelFunc
	reconning bool
}

// NewReconnectManager builds a manager; callbacks may be nil.
func NewReconnectManager(clock clockwork.Clock, config BackoffConfig, dial func(ctx context.Context) error, onReconnected func(), onState func(ConnState)) *ReconnectManager {
	m := &ReconnectManager{
		clock:         clock,
		config:        config,
		dial:          dial,
		onReconnected: onReconnected,
		onState:       onState,
		queue:         newOfflineQueue(config.QueueCapacity),
	}
	m.state.Store(int32(StateDisconnected))
	return m
}

// State returns the current connection state.
func (m *ReconnectManager) State() ConnState {
	return ConnState(m.state.Load())
}

func (m *ReconnectManager) setState(s ConnState) {
	if m.state.Swap(int32(s)) == int32(s) {
		return
	}
	log.Info().Str("state", s.String()).Msg("connection state changed")
	if m.onState != nil {
		m.onState(s)
	}
}

// MarkConnected records a successful initial connection.
func (m *ReconnectManager) MarkConnected() {
	m.setState(StateConnected)
}

// HandleDisconnect transitions to Disconnected and starts the backoff
// loop. Repeated calls while a reconnect is already in flight are no-ops.
func (m *ReconnectManager) HandleDisconnect(ctx context.Context) {
	if m.State() == StateGaveUp {
		return
	}

	m.mu.Lock()
	if m.reconning {
		m.mu.Unlock()
		return
	}
	m.reconning = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(StateDisconnected)
	go m.reconnectLoop(loopCtx)
}

func (m *ReconnectManager) reconnectLoop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.reconning = false
		m.mu.Unlock()
	}()

	m.setState(StateReconnecting)
	delay := m.config.Initial

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.clock.After(delay):
		}

		log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect attempt")
		if err := m.dial(ctx); err == nil {
			m.setState(StateConnected)
			if m.onReconnected != nil {
				m.onReconnected()
			}
			return
		} else {
			log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}

		delay = time.Duration(float64(delay) * m.config.Factor)
		if delay > m.config.Max {
			delay = m.config.Max
		}
	}

	log.Warn().Int("attempts", m.config.MaxAttempts).Msg("reconnect attempts exhausted, giving up")
	m.setState(StateGaveUp)
}

// Stop cancels any pending reconnect wait. Idempotent and safe from the
// shutdown path while a backoff wait is mid-flight.
func (m *ReconnectManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue buffers a message while offline.
func (m *ReconnectManager) Enqueue(msg *protocol.Message) {
	m.queue.push(msg)
}

// DrainQueue removes and returns every queued message in enqueue order.
func (m *ReconnectManager) DrainQueue() []*protocol.Message {
	return m.queue.drain()
}

// Requeue puts drained messages back at the front of the queue in their
// original order, ahead of anything enqueued since the drain.
func (m *ReconnectManager) Requeue(msgs []*protocol.Message) {
	m.queue.pushFront(msgs)
}

// QueueLen reports the number of queued messages.
func (m *ReconnectManager) QueueLen() int { return m.queue.len() }

// offlineQueue is a bounded FIFO. Overflow drops the oldest non-critical
// message; critical messages are never dropped.
type offlineQueue struct {
	mu       sync.Mutex
	items    []*protocol.Message
	capacity int
}

func newOfflineQueue(capacity int) *offlineQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &offlineQueue{capacity: capacity}
}

func (q *offlineQueue) push(msg *protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		dropped := false
		for i, it := range q.items {
			if it.Priority != protocol.PriorityCritical {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && msg.Priority != protocol.PriorityCritical {
			log.Debug().Str("type", string(msg.Type)).Msg("offline queue full of critical messages, dropping new message")
			return
		}
	}
	q.items = append(q.items, msg)
}

// pushFront restores messages ahead of the current contents. Restored
// messages already passed the capacity check when first pushed, so they
// are never dropped here.
func (q *offlineQueue) pushFront(msgs []*protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append(make([]*protocol.Message, 0, len(msgs)+len(q.items)), msgs...), q.items...)
}

func (q *offlineQueue) drain() []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

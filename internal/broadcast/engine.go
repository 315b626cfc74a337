package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
	"github.com/mcdev12/arena/internal/registry"
)

// Config controls fan-out behavior and mobile degradation.
type Config struct {
	// CompressionEnabled gates payload compression globally.
	CompressionEnabled bool
	// AdaptiveCompression forces compression on mobile connections past
	// the bandwidth threshold even if they negotiated it off.
	AdaptiveCompression bool
	// BandwidthThrottling demotes non-critical priorities for mobile
	// connections past the bandwidth threshold.
	BandwidthThrottling bool
	// MobileBandwidthThreshold is the cumulative byte count after which a
	// mobile connection is considered heavy.
	MobileBandwidthThreshold int64
	// OfflineQueueEnabled buffers messages for unwritable transports.
	OfflineQueueEnabled bool
	// MobilePriorityDelivery doubles the flush batch for mobile
	// connections so backlogged mobile sessions drain ahead of desktop
	// peers on the same tick.
	MobilePriorityDelivery bool
	// FlushInterval is the cadence of the queued-message flush loop.
	FlushInterval time.Duration
	// FlushBatchSize bounds queued messages moved per connection per tick.
	FlushBatchSize int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CompressionEnabled:       true,
		AdaptiveCompression:      true,
		BandwidthThrottling:      true,
		MobileBandwidthThreshold: 512 * 1024,
		OfflineQueueEnabled:      true,
		MobilePriorityDelivery:   true,
		FlushInterval:            250 * time.Millisecond,
		FlushBatchSize:           16,
	}
}

// Engine routes outbound messages to their target connections, applying
// per-connection mobile optimization before transmission.
type Engine struct {
	registry *registry.Registry
	clock    clockwork.Clock
	config   Config
	draining atomic.Bool

	mu        sync.Mutex
	throttled map[string]bool
}

// NewEngine creates a broadcast engine over the given registry.
func NewEngine(reg *registry.Registry, clock clockwork.Clock, config Config) *Engine {
	return &Engine{
		registry:  reg,
		clock:     clock,
		config:    config,
		throttled: make(map[string]bool),
	}
}

// Send resolves the message's target set and delivers to each connection.
// A failure on one connection never affects delivery to the others.
func (e *Engine) Send(msg *protocol.Message) {
	targets := e.resolveTargets(msg)
	for _, conn := range targets {
		e.deliver(conn, msg)
	}
	log.Debug().
		Str("type", string(msg.Type)).
		Str("priority", string(msg.Priority)).
		Int("targets", len(targets)).
		Msg("message fanned out")
}

// resolveTargets picks explicit players first, then challenge subscribers,
// then all live connections.
func (e *Engine) resolveTargets(msg *protocol.Message) []*registry.Connection {
	if len(msg.TargetPlayers) > 0 {
		var out []*registry.Connection
		for _, pid := range msg.TargetPlayers {
			out = append(out, e.registry.ByPlayer(pid)...)
		}
		return out
	}
	if len(msg.TargetChallenges) > 0 {
		seen := make(map[string]struct{})
		var out []*registry.Connection
		for _, cid := range msg.TargetChallenges {
			for _, conn := range e.registry.SubscribedTo(cid) {
				if _, dup := seen[conn.ID]; dup {
					continue
				}
				seen[conn.ID] = struct{}{}
				out = append(out, conn)
			}
		}
		return out
	}
	return e.registry.All()
}

// deliver applies mobile optimization to a per-connection copy of the
// message and writes it, queueing when the transport is unwritable.
func (e *Engine) deliver(conn *registry.Connection, msg *protocol.Message) {
	m := *msg
	e.optimize(conn, &m)

	if e.config.CompressionEnabled && conn.CompressionEnabled() {
		if err := protocol.CompressPayload(&m); err != nil {
			log.Error().Err(err).Str("connection_id", conn.ID).Msg("payload compression failed, sending uncompressed")
			m = *msg
		}
	}

	data, err := m.Encode()
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Str("type", string(m.Type)).Msg("encode for delivery failed")
		return
	}

	if conn.TrySend(data) {
		return
	}
	if e.draining.Load() {
		if m.Priority == protocol.PriorityCritical {
			log.Warn().Str("connection_id", conn.ID).Str("type", string(m.Type)).Msg("critical message dropped during shutdown drain")
		}
		return
	}
	if !e.config.OfflineQueueEnabled {
		if m.Priority == protocol.PriorityCritical {
			log.Warn().Str("connection_id", conn.ID).Str("type", string(m.Type)).Msg("critical message dropped, offline queue disabled")
		}
		return
	}
	conn.Enqueue(data, m.Priority, e.clock.Now())
}

// optimize demotes priority and forces compression for heavy mobile
// connections. Critical priority is never demoted.
func (e *Engine) optimize(conn *registry.Connection, m *protocol.Message) {
	if !conn.Device.IsMobile() {
		return
	}
	used := conn.BandwidthUsed()
	if used <= e.config.MobileBandwidthThreshold {
		return
	}

	if e.config.BandwidthThrottling && m.Priority != protocol.PriorityCritical {
		m.Priority = m.Priority.Demote()
	}
	if e.config.AdaptiveCompression {
		conn.SetCompression(true)
	}
	e.notifyThrottled(conn, used)
}

// notifyThrottled tells a connection once that its delivery is degraded.
func (e *Engine) notifyThrottled(conn *registry.Connection, used int64) {
	e.mu.Lock()
	already := e.throttled[conn.ID]
	e.throttled[conn.ID] = true
	e.mu.Unlock()
	if already {
		return
	}

	msg, err := protocol.NewMessage(protocol.TypeBandwidthOptimization, protocol.PriorityLow, protocol.BandwidthOptimizationPayload{
		Active:         true,
		BytesUsed:      used,
		ThresholdBytes: e.config.MobileBandwidthThreshold,
	})
	if err != nil {
		return
	}
	if data, err := msg.Encode(); err == nil {
		conn.TrySend(data)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Int64("bytes_used", used).
		Msg("mobile bandwidth throttling engaged")
}

// Run drives the periodic flush of queued messages until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.flush()
		}
	}
}

// flush moves up to FlushBatchSize queued messages per connection onto
// writable transports.
func (e *Engine) flush() {
	for _, conn := range e.registry.All() {
		if conn.QueueLen() == 0 {
			continue
		}
		batch := e.config.FlushBatchSize
		if e.config.MobilePriorityDelivery && conn.Device.IsMobile() {
			batch *= 2
		}
		moved := conn.FlushQueued(batch)
		if moved > 0 {
			log.Debug().
				Str("connection_id", conn.ID).
				Int("flushed", moved).
				Int("remaining", conn.QueueLen()).
				Msg("flushed queued messages")
		}
	}
}

// SetDraining switches the engine into shutdown drain: unwritable
// transports no longer queue new messages.
func (e *Engine) SetDraining(on bool) { e.draining.Store(on) }

// Forget clears per-connection throttle bookkeeping; called on unregister.
func (e *Engine) Forget(connectionID string) {
	e.mu.Lock()
	delete(e.throttled, connectionID)
	e.mu.Unlock()
}

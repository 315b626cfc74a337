package registry

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// MonitorConfig controls heartbeat sweeps.
type MonitorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// ReducedHeartbeatMobile doubles the effective timeout for mobile-class
	// connections so backgrounded apps are not evicted prematurely.
	ReducedHeartbeatMobile bool
}

// Monitor sweeps the registry on a fixed interval, evicting connections
// whose last heartbeat is older than the timeout and probing the rest.
type Monitor struct {
	registry *Registry
	clock    clockwork.Clock
	config   MonitorConfig

	onEvict func(*Connection)
	probe   func(*Connection) error
	seq     uint64
}

// NewMonitor creates a heartbeat monitor. onEvict runs for every evicted
// connection after it has been unregistered; nil is allowed.
func NewMonitor(reg *Registry, clock clockwork.Clock, config MonitorConfig, onEvict func(*Connection)) *Monitor {
	m := &Monitor{
		registry: reg,
		clock:    clock,
		config:   config,
		onEvict:  onEvict,
	}
	m.probe = m.sendProbe
	return m
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.config.Interval).
		Dur("timeout", m.config.Timeout).
		Msg("heartbeat monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat monitor stopped")
			return ctx.Err()
		case <-ticker.Chan():
			m.sweep(m.clock.Now())
		}
	}
}

// sweep checks every registered connection exactly once. Eviction and
// probing are per-connection; one broken transport never stalls the rest.
func (m *Monitor) sweep(now time.Time) {
	for _, conn := range m.registry.All() {
		silence := now.Sub(conn.LastHeartbeat())
		if silence > m.effectiveTimeout(conn) {
			m.evict(conn, silence)
			continue
		}
		if err := m.probe(conn); err != nil {
			// The read pump notices the dead transport; the next sweep evicts.
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Msg("heartbeat probe failed")
		}
	}
}

func (m *Monitor) effectiveTimeout(conn *Connection) time.Duration {
	if m.config.ReducedHeartbeatMobile && conn.Device.IsMobile() {
		return m.config.Timeout * 2
	}
	return m.config.Timeout
}

func (m *Monitor) evict(conn *Connection, silence time.Duration) {
	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Dur("silent_for", silence).
		Msg("evicting silent connection")

	m.registry.Unregister(conn.ID)
	if m.onEvict != nil {
		m.onEvict(conn)
	}
	if err := conn.Close(websocket.ClosePolicyViolation, "heartbeat timeout"); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("close after eviction failed")
	}
}

// sendProbe ships an application-level heartbeat plus a transport ping.
func (m *Monitor) sendProbe(conn *Connection) error {
	m.seq++
	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.PriorityHigh, protocol.HeartbeatPayload{
		Seq:    m.seq,
		SentAt: m.clock.Now(),
	})
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	conn.TrySend(data)
	return conn.Ping(m.clock.Now().Add(time.Second))
}

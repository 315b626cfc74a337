package registry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/arena/internal/protocol"
)

// Transport is the minimal write surface a Connection needs from the
// underlying socket. *websocket.Conn satisfies it; tests substitute fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is one live client session. It is owned exclusively by the
// Registry; other components hold its id and look it up.
type Connection struct {
	ID       string
	PlayerID string
	Device   protocol.DeviceClass

	transport Transport
	send      chan []byte
	queue     *OutboundQueue

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	lastHeartbeat time.Time
	connectedAt   time.Time

	// sendMu serializes TrySend against Close so the send channel is never
	// written after it closes.
	sendMu sync.RWMutex

	compression atomic.Bool
	bandwidth   atomic.Int64
	closed      atomic.Bool
}

// NewConnection builds a connection around an accepted transport. Mobile
// class devices get compression enabled by default.
func NewConnection(id, playerID string, device protocol.DeviceClass, transport Transport, now time.Time, sendBuffer, queueCapacity int) *Connection {
	c := &Connection{
		ID:            id,
		PlayerID:      playerID,
		Device:        device,
		transport:     transport,
		send:          make(chan []byte, sendBuffer),
		queue:         NewOutboundQueue(queueCapacity),
		subscriptions: make(map[string]struct{}),
		lastHeartbeat: now,
		connectedAt:   now,
	}
	if device.IsMobile() {
		c.compression.Store(true)
	}
	return c
}

// Send is the channel drained by the connection's write pump.
func (c *Connection) Send() <-chan []byte { return c.send }

// TrySend hands data to the write pump without blocking. It reports false
// when the connection is closed or the send buffer is full.
func (c *Connection) TrySend(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		c.bandwidth.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// Enqueue buffers data for later delivery once the transport is writable
// again. Delegates drop policy to the bounded outbound queue.
func (c *Connection) Enqueue(data []byte, priority protocol.Priority, now time.Time) {
	c.queue.Push(QueuedMessage{Data: data, Priority: priority, EnqueuedAt: now})
}

// FlushQueued moves up to max queued messages onto the send channel,
// stopping early if the send buffer fills again. Returns how many moved.
func (c *Connection) FlushQueued(max int) int {
	moved := 0
	for moved < max {
		qm, ok := c.queue.Peek()
		if !ok {
			break
		}
		if !c.TrySend(qm.Data) {
			break
		}
		c.queue.Pop()
		moved++
	}
	return moved
}

// QueueLen reports how many messages are waiting for the transport.
func (c *Connection) QueueLen() int { return c.queue.Len() }

// Subscribe adds a channel (challenge id or player id) to this connection.
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a channel subscription.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// SubscribedTo reports whether the connection subscribed to a channel.
func (c *Connection) SubscribedTo(channel string) bool {
	c.mu.RLock()
	_, ok := c.subscriptions[channel]
	c.mu.RUnlock()
	return ok
}

// Subscriptions returns a copy of the subscription set.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// Touch records liveness at the given instant.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent liveness instant.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// ConnectedAt returns when the connection was registered.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// CompressionEnabled reports whether payloads to this connection should be
// compressed.
func (c *Connection) CompressionEnabled() bool { return c.compression.Load() }

// SetCompression toggles payload compression for this connection.
func (c *Connection) SetCompression(on bool) { c.compression.Store(on) }

// BandwidthUsed returns the cumulative bytes handed to the write pump.
func (c *Connection) BandwidthUsed() int64 { return c.bandwidth.Load() }

// Ping writes a transport-level ping control frame.
func (c *Connection) Ping(deadline time.Time) error {
	return c.transport.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close shuts the connection down with a close frame. Safe to call more
// than once; only the first call acts.
func (c *Connection) Close(code int, reason string) error {
	c.sendMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.sendMu.Unlock()
		return nil
	}
	close(c.send)
	c.sendMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.transport.Close()
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

// WriteDirect writes bytes straight to the transport, bypassing the send
// channel. Only the write pump goroutine may call this.
func (c *Connection) WriteDirect(data []byte, deadline time.Time) error {
	if wc, ok := c.transport.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = wc.SetWriteDeadline(deadline)
	}
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// InferDeviceClass guesses the device class from a User-Agent header.
// Unknown agents default to desktop.
func InferDeviceClass(userAgent string) protocol.DeviceClass {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return protocol.DeviceTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return protocol.DeviceMobile
	default:
		return protocol.DeviceDesktop
	}
}

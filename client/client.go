// Package client is the SDK for connecting to an arena gateway: it keeps
// a local state mirror, batches deltas on an adaptive cadence, reconnects
// with capped backoff, and resyncs wholesale after any divergence.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// Callbacks surface server events to the host application. Every field is
// optional; payloads are typed per message variant.
type Callbacks struct {
	OnStateUpdate func(p *protocol.GameStateUpdatePayload)
	OnDelta       func(p *protocol.DeltaUpdatePayload)
	OnLeaderboard func(p *protocol.LeaderboardUpdatePayload)
	OnParticipant func(t protocol.MessageType, p *protocol.ParticipantPayload)
	OnAchievement func(p *protocol.AchievementPayload)
	OnResync      func(version uint64)
	OnServerError func(p *protocol.ErrorPayload)
	OnConnState   func(s ConnState)
}

// Config configures a client.
type Config struct {
	// ServerURL is the gateway base, e.g. "ws://localhost:8080".
	ServerURL   string
	ChallengeID string
	PlayerID    string
	UserAgent   string

	Backoff BackoffConfig
	Quality QualityConfig

	Callbacks Callbacks
}

// Client is one player's connection to a challenge.
type Client struct {
	config  Config
	clock   clockwork.Clock
	mirror  *Mirror
	quality *QualityController
	syncer  *SyncEngine
	manager *ReconnectManager

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New builds a client. Call Connect to go live.
func New(config Config, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Client{
		config:  config,
		clock:   clock,
		mirror:  NewMirror(),
		quality: NewQualityController(config.Quality),
	}
	c.syncer = NewSyncEngine(c.mirror, c.quality, clock, config.ChallengeID, config.PlayerID, c.Send)
	c.manager = NewReconnectManager(clock, config.Backoff, c.redial, c.afterReconnect, config.Callbacks.OnConnState)
	return c
}

// Mirror exposes the local state mirror.
func (c *Client) Mirror() *Mirror { return c.mirror }

// State returns the connection state.
func (c *Client) State() ConnState { return c.manager.State() }

// SetLocal records a local state change; it ships with the next sync tick.
func (c *Client) SetLocal(key string, value any) bool {
	return c.mirror.SetLocal(key, value)
}

// Connect dials the gateway and starts the sync, heartbeat and read
// loops. The loops stop when Close is called.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		cancel()
		return err
	}
	c.manager.MarkConnected()

	go func() {
		if err := c.syncer.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error().Err(err).Msg("sync engine stopped")
		}
	}()
	go c.heartbeatLoop(runCtx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/ws/challenge"
	q := u.Query()
	q.Set("challenge_id", c.config.ChallengeID)
	q.Set("player_id", c.config.PlayerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.config.UserAgent != "" {
		header.Set("User-Agent", c.config.UserAgent)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readPump(ctx, ws)
	log.Info().Str("url", u.String()).Msg("connected to arena gateway")
	return nil
}

// redial is the reconnect manager's dial hook.
func (c *Client) redial(ctx context.Context) error {
	return c.dial(ctx)
}

// afterReconnect flushes the offline queue in original order, then asks
// for a full resync instead of trusting possibly-stale queued deltas to
// catch the mirror up.
func (c *Client) afterReconnect() {
	queued := c.manager.DrainQueue()
	for i, msg := range queued {
		if err := c.write(msg); err != nil {
			// Put the unwritten tail back at the front of the queue so the
			// next flush resumes where this one failed.
			log.Warn().Err(err).Str("type", string(msg.Type)).Int("requeued", len(queued)-i).Msg("offline queue flush write failed")
			c.manager.Requeue(queued[i:])
			c.triggerReconnect()
			return
		}
	}
	if len(queued) > 0 {
		log.Info().Int("count", len(queued)).Msg("offline queue flushed")
	}
	c.RequestResync()
}

// RequestResync asks the server for its authoritative full state.
func (c *Client) RequestResync() {
	msg, err := protocol.NewMessage(protocol.TypeSyncRequest, protocol.PriorityCritical, protocol.SyncRequestPayload{
		ChallengeID: c.config.ChallengeID,
		PlayerID:    c.config.PlayerID,
		HaveVersion: c.mirror.Version(),
	})
	if err != nil {
		log.Error().Err(err).Msg("build sync request failed")
		return
	}
	c.Send(msg)
}

// SendAction ships a player action immediately (not batched: actions are
// discrete events, deltas are continuous state).
func (c *Client) SendAction(action string, points float64, fields map[string]any) error {
	msg, err := protocol.NewMessage(protocol.TypePlayerAction, protocol.PriorityHigh, protocol.PlayerActionPayload{
		ChallengeID: c.config.ChallengeID,
		PlayerID:    c.config.PlayerID,
		Action:      action,
		Points:      points,
		Fields:      fields,
		OccurredAt:  c.clock.Now(),
	})
	if err != nil {
		return err
	}
	c.Send(msg)
	return nil
}

// Send delivers a message, queueing it while disconnected rather than
// failing.
func (c *Client) Send(msg *protocol.Message) {
	if c.manager.State() != StateConnected {
		c.manager.Enqueue(msg)
		return
	}
	if err := c.write(msg); err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type)).Msg("send failed, queueing and reconnecting")
		c.manager.Enqueue(msg)
		c.triggerReconnect()
	}
}

func (c *Client) write(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) triggerReconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	// Backoff waits are cancelled through the manager's Stop, so the loop
	// outlives the dead socket's context.
	c.manager.HandleDisconnect(context.Background())
}

// readPump consumes server messages until the socket dies, then hands off
// to the reconnect manager.
func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("read failed, reconnecting")
			c.triggerReconnect()
			return
		}
		c.handle(data)
	}
}

// handle decodes one inbound message and dispatches it to the typed
// callbacks.
func (c *Client) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed server message")
		return
	}
	if err := protocol.DecompressPayload(msg); err != nil {
		log.Warn().Err(err).Msg("dropping undecompressable server message")
		return
	}
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping invalid server payload")
		return
	}

	cb := c.config.Callbacks
	switch p := payload.(type) {
	case *protocol.HeartbeatPayload:
		if p.Echo {
			c.quality.Sample(c.clock.Now().Sub(p.SentAt))
		} else {
			// Server probe: echo it back so the server sees liveness.
			reply, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.PriorityHigh, protocol.HeartbeatPayload{
				Seq: p.Seq, SentAt: p.SentAt, Echo: true,
			})
			if err == nil {
				c.Send(reply)
			}
		}

	case *protocol.SyncResponsePayload:
		c.applyResync(p)
		if cb.OnResync != nil {
			cb.OnResync(p.Version)
		}

	case *protocol.DeltaUpdatePayload:
		if p.PlayerID != c.config.PlayerID {
			c.mirror.ApplyRemote(prefixed(p.PlayerID, p.Changes), 0, c.clock.Now())
		}
		if cb.OnDelta != nil {
			cb.OnDelta(p)
		}

	case *protocol.GameStateUpdatePayload:
		c.mirror.ApplyRemote(map[string]any{"phase": string(p.Phase)}, p.Version, c.clock.Now())
		if cb.OnStateUpdate != nil {
			cb.OnStateUpdate(p)
		}

	case *protocol.LeaderboardUpdatePayload:
		if cb.OnLeaderboard != nil {
			cb.OnLeaderboard(p)
		}

	case *protocol.ParticipantPayload:
		if cb.OnParticipant != nil {
			cb.OnParticipant(msg.Type, p)
		}

	case *protocol.AchievementPayload:
		if cb.OnAchievement != nil {
			cb.OnAchievement(p)
		}

	case *protocol.ErrorPayload:
		log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server error")
		if cb.OnServerError != nil {
			cb.OnServerError(p)
		}

	case *protocol.ConnectionStatusPayload:
		log.Info().Str("status", p.Status).Str("reason", p.Reason).Msg("server connection status")

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("unhandled server message")
	}
}

// applyResync replaces the mirror wholesale with the server state. Pending
// local changes are discarded: the server is authoritative.
func (c *Client) applyResync(p *protocol.SyncResponsePayload) {
	var state map[string]any
	if err := json.Unmarshal(p.State, &state); err != nil {
		log.Error().Err(err).Msg("unmarshal resync state failed")
		return
	}
	dropped := c.mirror.PendingCount()
	c.mirror.ReplaceAll(state, p.Version, c.clock.Now())
	c.syncer.ResetVersion()
	log.Info().
		Uint64("version", p.Version).
		Int("dropped_pending", dropped).
		Msg("mirror replaced with server state")
}

// heartbeatLoop probes RTT on the quality controller's sample cadence.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.config.Quality.SampleInterval
	if interval <= 0 {
		interval = DefaultQualityConfig().SampleInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if c.manager.State() != StateConnected {
				continue
			}
			seq++
			msg, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.PriorityHigh, protocol.HeartbeatPayload{
				Seq:    seq,
				SentAt: c.clock.Now(),
			})
			if err == nil {
				c.Send(msg)
			}
		}
	}
}

// Close disconnects and cancels any in-flight reconnect. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.manager.Stop()
		c.mu.Lock()
		cancel := c.cancel
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if ws != nil {
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
			_ = ws.Close()
		}
		log.Info().Msg("client closed")
	})
}

// prefixed namespaces another player's delta keys inside the mirror.
func prefixed(playerID string, changes map[string]any) map[string]any {
	out := make(map[string]any, len(changes))
	for k, v := range changes {
		out[playerID+"."+k] = v
	}
	return out
}

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/broadcast"
	"github.com/mcdev12/arena/internal/challenge"
	"github.com/mcdev12/arena/internal/protocol"
	"github.com/mcdev12/arena/internal/registry"
)

// IdentityVerifier resolves an incoming upgrade request to an
// authenticated player. Authentication itself is an external collaborator;
// the gateway only consumes its verdict.
type IdentityVerifier interface {
	Verify(r *http.Request) (playerID string, device protocol.DeviceClass, err error)
}

// QueryIdentityVerifier trusts a player_id query parameter and infers the
// device class from the User-Agent. Development use only.
type QueryIdentityVerifier struct{}

var ErrUnauthenticated = errors.New("unauthenticated")

func (QueryIdentityVerifier) Verify(r *http.Request) (string, protocol.DeviceClass, error) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		return "", "", ErrUnauthenticated
	}
	return playerID, registry.InferDeviceClass(r.Header.Get("User-Agent")), nil
}

// HandlerConfig holds per-connection transport settings.
type HandlerConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	QueueCapacity   int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHandlerConfig returns transport defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBuffer:      256,
		QueueCapacity:   512,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Handler upgrades HTTP requests to WebSocket sessions and dispatches
// inbound messages to the challenge store.
type Handler struct {
	registry *registry.Registry
	store    *challenge.Store
	engine   *broadcast.Engine
	verifier IdentityVerifier
	clock    clockwork.Clock
	config   HandlerConfig
	upgrader websocket.Upgrader

	// accepting is consulted before upgrading; the service flips it off
	// when draining.
	accepting func() bool
}

// NewHandler creates the WebSocket handler.
func NewHandler(reg *registry.Registry, store *challenge.Store, engine *broadcast.Engine, verifier IdentityVerifier, clock clockwork.Clock, config HandlerConfig) *Handler {
	return &Handler{
		registry: reg,
		store:    store,
		engine:   engine,
		verifier: verifier,
		clock:    clock,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		accepting: func() bool { return true },
	}
}

// SetAccepting installs the service's gate on new connections.
func (h *Handler) SetAccepting(fn func() bool) { h.accepting = fn }

// HandleChallengeConnection upgrades a request and joins the player to the
// requested challenge.
func (h *Handler) HandleChallengeConnection(w http.ResponseWriter, r *http.Request) {
	if !h.accepting() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	challengeID := r.URL.Query().Get("challenge_id")
	if challengeID == "" {
		http.Error(w, "challenge_id is required", http.StatusBadRequest)
		return
	}

	playerID, device, err := h.verifier.Verify(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := registry.NewConnection(uuid.New().String(), playerID, device, ws, h.clock.Now(), h.config.SendBuffer, h.config.QueueCapacity)
	if _, err := h.registry.Register(conn); err != nil {
		log.Warn().Err(err).Str("player_id", playerID).Msg("connection rejected")
		_ = conn.Close(websocket.CloseTryAgainLater, "server at capacity")
		return
	}
	conn.Subscribe(challengeID)
	conn.Subscribe(playerID)

	if err := h.store.Join(r.Context(), challengeID, playerID, device); err != nil {
		log.Error().Err(err).Str("challenge_id", challengeID).Str("player_id", playerID).Msg("join failed")
		h.registry.Unregister(conn.ID)
		_ = conn.Close(websocket.CloseInternalServerErr, "join failed")
		return
	}

	go h.writePump(conn, ws)
	go h.readPump(conn, ws)

	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", playerID).
		Str("challenge_id", challengeID).
		Str("device", string(device)).
		Msg("WebSocket connection established")
}

// writePump drains the connection's send channel onto the socket. It exits
// when the channel closes or a write fails.
func (h *Handler) writePump(conn *registry.Connection, ws *websocket.Conn) {
	for data := range conn.Send() {
		if err := conn.WriteDirect(data, time.Now().Add(h.config.WriteTimeout)); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("write failed")
			h.teardown(conn)
			// Drain remaining sends so enqueuers never block.
			for range conn.Send() {
			}
			return
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump reads, validates and dispatches inbound messages. Malformed
// messages get a typed error back; the connection stays open.
func (h *Handler) readPump(conn *registry.Connection, ws *websocket.Conn) {
	defer h.teardown(conn)

	ws.SetReadLimit(h.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		conn.Touch(h.clock.Now())
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("unexpected WebSocket close")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		conn.Touch(h.clock.Now())

		msg, err := protocol.Decode(data)
		if err != nil {
			h.replyError(conn, "malformed_message", err)
			continue
		}
		if err := protocol.DecompressPayload(msg); err != nil {
			h.replyError(conn, "malformed_payload", err)
			continue
		}
		h.dispatch(conn, msg)
	}
}

// dispatch routes a validated inbound message.
func (h *Handler) dispatch(conn *registry.Connection, msg *protocol.Message) {
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		h.replyError(conn, "invalid_payload", err)
		return
	}

	ctx := context.Background()
	switch p := payload.(type) {
	case *protocol.HeartbeatPayload:
		if !p.Echo {
			h.reply(conn, protocol.TypeHeartbeat, protocol.PriorityHigh, protocol.HeartbeatPayload{
				Seq:    p.Seq,
				SentAt: p.SentAt,
				Echo:   true,
			})
		}

	case *protocol.PlayerActionPayload:
		if p.PlayerID != conn.PlayerID {
			h.replyError(conn, "forbidden", errors.New("action player does not match connection identity"))
			return
		}
		err := h.store.ApplyAction(ctx, p.ChallengeID, p.PlayerID, challenge.Action{
			Type:       p.Action,
			Points:     p.Points,
			Fields:     p.Fields,
			OccurredAt: p.OccurredAt,
		})
		if err != nil {
			h.replyError(conn, "action_rejected", err)
		}

	case *protocol.DeltaUpdatePayload:
		if p.PlayerID != conn.PlayerID {
			h.replyError(conn, "forbidden", errors.New("delta player does not match connection identity"))
			return
		}
		resync, err := h.store.ApplyDelta(ctx, p)
		if err != nil {
			h.replyError(conn, "delta_rejected", err)
			return
		}
		if resync {
			h.sendResync(conn, p.ChallengeID)
		}

	case *protocol.SyncRequestPayload:
		h.sendResync(conn, p.ChallengeID)

	case *protocol.ConnectionStatusPayload:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("status", p.Status).
			Msg("client connection status")

	default:
		h.replyError(conn, "unsupported_type", errors.New("message type not accepted from clients"))
	}
}

// sendResync ships the authoritative full state to one connection and
// restarts that player's delta versioning so syncing resumes afterwards.
func (h *Handler) sendResync(conn *registry.Connection, challengeID string) {
	payload, err := h.store.SyncResponseFor(challengeID, conn.PlayerID)
	if err != nil {
		h.replyError(conn, "sync_failed", err)
		return
	}
	h.reply(conn, protocol.TypeSyncResponse, protocol.PriorityCritical, payload)
	log.Info().
		Str("connection_id", conn.ID).
		Str("challenge_id", challengeID).
		Uint64("version", payload.Version).
		Msg("full state resync sent")
}

// reply sends a message directly to one connection, queueing on a full
// send buffer.
func (h *Handler) reply(conn *registry.Connection, t protocol.MessageType, priority protocol.Priority, payload any) {
	msg, err := protocol.NewMessage(t, priority, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("build reply failed")
		return
	}
	data, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("encode reply failed")
		return
	}
	if !conn.TrySend(data) {
		conn.Enqueue(data, priority, h.clock.Now())
	}
}

func (h *Handler) replyError(conn *registry.Connection, code string, err error) {
	log.Debug().Err(err).Str("connection_id", conn.ID).Str("code", code).Msg("rejecting client message")
	h.reply(conn, protocol.TypeError, protocol.PriorityHigh, protocol.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
}

// teardown runs once per connection on any exit path: unregister, mark the
// player disconnected in every subscribed challenge, close the socket.
func (h *Handler) teardown(conn *registry.Connection) {
	if conn.Closed() {
		return
	}
	h.registry.Unregister(conn.ID)
	h.engine.Forget(conn.ID)

	var challenges []string
	for _, ch := range conn.Subscriptions() {
		if ch != conn.PlayerID {
			challenges = append(challenges, ch)
		}
	}
	h.store.MarkDisconnected(conn.PlayerID, challenges)

	_ = conn.Close(websocket.CloseNormalClosure, "")
	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Msg("connection torn down")
}

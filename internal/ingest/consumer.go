// Package ingest consumes externally-produced events (achievements,
// challenge lifecycle changes from other services) off NATS JetStream and
// fans them out to connected clients through the broadcast engine.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// Config holds the JetStream consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the JetStream consumer defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "ARENA_EVENTS",
		ConsumerName:  "arena-gateway",
		SubjectFilter: "arena.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Broadcaster is the fan-out sink for converted events.
type Broadcaster interface {
	Send(msg *protocol.Message)
}

// Consumer is a durable JetStream consumer feeding the broadcast engine.
type Consumer struct {
	broadcaster Broadcaster
	nc          *nats.Conn
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	config      Config
}

// envelope is the wire shape external services publish.
type envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	ChallengeID string          `json:"challenge_id,omitempty"`
	PlayerID    string          `json:"player_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// NewConsumer connects to NATS and ensures the durable consumer exists.
func NewConsumer(b Broadcaster, config Config) (*Consumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Consumer{broadcaster: b, nc: nc, js: js, config: config}
	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          c.config.ConsumerName,
			Durable:       c.config.ConsumerName,
			Description:   "arena gateway event consumer",
			FilterSubject: c.config.SubjectFilter,
			DeliverPolicy: jetstream.DeliverNewPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    c.config.MaxDeliver,
			AckWait:       c.config.AckWait,
			MaxAckPending: c.config.MaxAckPending,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("created JetStream consumer")
	}
	c.consumer = consumer
	return nil
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("subject", c.config.SubjectFilter).
		Msg("event ingest started")

	msgCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()
	defer c.nc.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event ingest stopped")
			return ctx.Err()
		case msg := <-msgCh:
			if err := c.process(msg); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process ingest event")
				_ = msg.Nak()
			} else {
				_ = msg.Ack()
			}
		}
	}
}

func (c *Consumer) process(msg jetstream.Msg) error {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	out, err := convertEvent(&env)
	if err != nil {
		return err
	}
	c.broadcaster.Send(out)

	log.Debug().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("challenge_id", env.ChallengeID).
		Msg("ingest event broadcast")
	return nil
}

// convertEvent maps an external envelope onto a wire message. Unknown
// event types are rejected so the message is redelivered nowhere.
func convertEvent(env *envelope) (*protocol.Message, error) {
	var (
		t        protocol.MessageType
		priority protocol.Priority
	)
	switch env.EventType {
	case "challenge_started":
		t, priority = protocol.TypeChallengeStarted, protocol.PriorityHigh
	case "challenge_updated":
		t, priority = protocol.TypeChallengeUpdated, protocol.PriorityNormal
	case "challenge_completed":
		t, priority = protocol.TypeChallengeCompleted, protocol.PriorityCritical
	case "achievement_unlocked":
		t, priority = protocol.TypeAchievementUnlocked, protocol.PriorityHigh
	default:
		return nil, fmt.Errorf("unknown ingest event type: %s", env.EventType)
	}

	msg := &protocol.Message{
		ID:        env.EventID,
		Type:      t,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Priority:  priority,
	}
	if env.ChallengeID != "" {
		msg.TargetChallenges = []string{env.ChallengeID}
	}
	if env.PlayerID != "" && env.ChallengeID == "" {
		msg.TargetPlayers = []string{env.PlayerID}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

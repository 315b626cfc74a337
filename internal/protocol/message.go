package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the variant carried in a message envelope.
type MessageType string

const (
	// Challenge lifecycle
	TypeChallengeStarted   MessageType = "challenge_started"
	TypeChallengeUpdated   MessageType = "challenge_updated"
	TypeChallengeCompleted MessageType = "challenge_completed"
	TypeParticipantJoined  MessageType = "participant_joined"
	TypeParticipantLeft    MessageType = "participant_left"

	// Game state
	TypeGameStateUpdate MessageType = "game_state_update"
	TypePlayerAction    MessageType = "player_action"
	TypeScoreUpdate     MessageType = "score_update"

	// Social
	TypeLeaderboardUpdate   MessageType = "leaderboard_update"
	TypeAchievementUnlocked MessageType = "achievement_unlocked"

	// System
	TypeHeartbeat        MessageType = "heartbeat"
	TypeConnectionStatus MessageType = "connection_status"
	TypeError            MessageType = "error"

	// Mobile
	TypeMobileSync            MessageType = "mobile_sync"
	TypeOfflineQueue          MessageType = "offline_queue"
	TypeBandwidthOptimization MessageType = "bandwidth_optimization"

	// State synchronization
	TypeDeltaUpdate  MessageType = "delta_update"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
)

var knownTypes = map[MessageType]struct{}{
	TypeChallengeStarted:      {},
	TypeChallengeUpdated:      {},
	TypeChallengeCompleted:    {},
	TypeParticipantJoined:     {},
	TypeParticipantLeft:       {},
	TypeGameStateUpdate:       {},
	TypePlayerAction:          {},
	TypeScoreUpdate:           {},
	TypeLeaderboardUpdate:     {},
	TypeAchievementUnlocked:   {},
	TypeHeartbeat:             {},
	TypeConnectionStatus:      {},
	TypeError:                 {},
	TypeMobileSync:            {},
	TypeOfflineQueue:          {},
	TypeBandwidthOptimization: {},
	TypeDeltaUpdate:           {},
	TypeSyncRequest:           {},
	TypeSyncResponse:          {},
}

// Priority orders message delivery and drives queue drop decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority, higher is more urgent.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Demote lowers a priority by one level. Critical never demotes.
func (p Priority) Demote() Priority {
	switch p {
	case PriorityCritical:
		return PriorityCritical
	case PriorityHigh:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// DeviceClass categorizes the client device for mobile-aware delivery.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// IsMobile reports whether the device class gets mobile optimizations.
func (d DeviceClass) IsMobile() bool {
	return d == DeviceMobile || d == DeviceTablet
}

// Metadata carries per-message delivery hints.
type Metadata struct {
	DeviceClass        DeviceClass `json:"device_class,omitempty"`
	EstimatedLatencyMS int64       `json:"estimated_latency_ms,omitempty"`
	ConnectionQuality  string      `json:"connection_quality,omitempty"`
	RetryCount         int         `json:"retry_count,omitempty"`
}

// Message is the transport-agnostic wire envelope.
type Message struct {
	ID               string          `json:"id"`
	Type             MessageType     `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Priority         Priority        `json:"priority"`
	TargetPlayers    []string        `json:"target_players,omitempty"`
	TargetChallenges []string        `json:"target_challenges,omitempty"`
	Compressed       bool            `json:"compressed,omitempty"`
	Metadata         *Metadata       `json:"metadata,omitempty"`
}

var (
	ErrMissingID        = errors.New("message id is required")
	ErrMissingTimestamp = errors.New("message timestamp is required")
	ErrUnknownType      = errors.New("unknown message type")
)

// Validate checks the envelope fields required of every inbound message.
// Payload validation happens per-type in DecodePayload.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// NewMessage builds an envelope with a fresh id and the given typed payload.
func NewMessage(t MessageType, priority Priority, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	}, nil
}

// Encode marshals the envelope for transmission.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses an envelope off the wire and validates it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a challenge.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseActive     Phase = "active"
	PhaseCompleting Phase = "completing"
	PhaseFinished   Phase = "finished"
)

// ParticipantStatus tracks a participant's liveness within a challenge.
type ParticipantStatus string

const (
	StatusActive       ParticipantStatus = "active"
	StatusIdle         ParticipantStatus = "idle"
	StatusDisconnected ParticipantStatus = "disconnected"
	StatusCompleted    ParticipantStatus = "completed"
)

// Trend records the direction of a leaderboard entry's last score change.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// LeaderboardEntry is one ranked row of a challenge leaderboard.
type LeaderboardEntry struct {
	PlayerID   string    `json:"player_id"`
	Score      float64   `json:"score"`
	Rank       int       `json:"rank"`
	Trend      Trend     `json:"trend"`
	AchievedAt time.Time `json:"achieved_at"`
}

// PlayerActionPayload is a client-originated game action.
type PlayerActionPayload struct {
	ChallengeID string         `json:"challenge_id"`
	PlayerID    string         `json:"player_id"`
	Action      string         `json:"action"`
	Points      float64        `json:"points,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// ScoreUpdatePayload announces a single participant's new score.
type ScoreUpdatePayload struct {
	ChallengeID string  `json:"challenge_id"`
	PlayerID    string  `json:"player_id"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// GameStateUpdatePayload carries a serialized challenge state at a version.
type GameStateUpdatePayload struct {
	ChallengeID string          `json:"challenge_id"`
	Version     uint64          `json:"version"`
	Phase       Phase           `json:"phase"`
	State       json.RawMessage `json:"state"`
}

// LeaderboardUpdatePayload carries the full ordered leaderboard.
type LeaderboardUpdatePayload struct {
	ChallengeID string             `json:"challenge_id"`
	Version     uint64             `json:"version"`
	Entries     []LeaderboardEntry `json:"entries"`
}

// ParticipantPayload announces a join or leave.
type ParticipantPayload struct {
	ChallengeID string      `json:"challenge_id"`
	PlayerID    string      `json:"player_id"`
	DeviceClass DeviceClass `json:"device_class,omitempty"`
}

// AchievementPayload announces an externally-computed achievement unlock.
type AchievementPayload struct {
	PlayerID    string    `json:"player_id"`
	Achievement string    `json:"achievement"`
	UnlockedAt  time.Time `json:"unlocked_at"`
}

// HeartbeatPayload is a liveness probe. Clients echo Seq and SentAt so the
// server side stamp can be used for round-trip measurement.
type HeartbeatPayload struct {
	Seq    uint64    `json:"seq"`
	SentAt time.Time `json:"sent_at"`
	Echo   bool      `json:"echo,omitempty"`
}

// ConnectionStatusPayload reports a connection lifecycle transition.
type ConnectionStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is a typed error sent to a client; the connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeltaUpdatePayload is a batched set of changed state fields for one
// participant, stamped with the client's local version.
type DeltaUpdatePayload struct {
	ChallengeID string         `json:"challenge_id"`
	PlayerID    string         `json:"player_id"`
	Version     uint64         `json:"version"`
	Changes     map[string]any `json:"changes"`
	Quality     int            `json:"quality"`
}

// SyncRequestPayload asks the server for an authoritative full state.
type SyncRequestPayload struct {
	ChallengeID string `json:"challenge_id"`
	PlayerID    string `json:"player_id"`
	HaveVersion uint64 `json:"have_version"`
}

// SyncResponsePayload is the server's complete challenge state; the client
// replaces its mirror wholesale with it.
type SyncResponsePayload struct {
	ChallengeID string          `json:"challenge_id"`
	Version     uint64          `json:"version"`
	State       json.RawMessage `json:"state"`
	ServerTime  time.Time       `json:"server_time"`
}

// OfflineQueuePayload summarizes messages replayed after a reconnect.
type OfflineQueuePayload struct {
	Count       int       `json:"count"`
	OldestSince time.Time `json:"oldest_since,omitempty"`
}

// BandwidthOptimizationPayload tells a client its delivery is being degraded.
type BandwidthOptimizationPayload struct {
	Active         bool  `json:"active"`
	BytesUsed      int64 `json:"bytes_used"`
	ThresholdBytes int64 `json:"threshold_bytes"`
}

var ErrEmptyPayload = errors.New("empty payload")

// DecodePayload parses and validates a message's payload into its typed
// struct. This is the single place dynamic payload bytes become typed
// values; handlers past this point never see raw JSON.
func DecodePayload(m *Message) (any, error) {
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("%s: %w", m.Type, ErrEmptyPayload)
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
		}
		return v, nil
	}

	switch m.Type {
	case TypePlayerAction:
		v, err := decode(&PlayerActionPayload{})
		if err != nil {
			return nil, err
		}
		p := v.(*PlayerActionPayload)
		if p.ChallengeID == "" || p.PlayerID == "" || p.Action == "" {
			return nil, fmt.Errorf("player_action: challenge_id, player_id and action are required")
		}
		return p, nil

	case TypeDeltaUpdate, TypeMobileSync:
		v, err := decode(&DeltaUpdatePayload{})
		if err != nil {
			return nil, err
		}
		p := v.(*DeltaUpdatePayload)
		if p.ChallengeID == "" || p.PlayerID == "" {
			return nil, fmt.Errorf("delta_update: challenge_id and player_id are required")
		}
		if len(p.Changes) == 0 {
			return nil, fmt.Errorf("delta_update: changes must not be empty")
		}
		return p, nil

	case TypeSyncRequest:
		v, err := decode(&SyncRequestPayload{})
		if err != nil {
			return nil, err
		}
		p := v.(*SyncRequestPayload)
		if p.ChallengeID == "" {
			return nil, fmt.Errorf("sync_request: challenge_id is required")
		}
		return p, nil

	case TypeSyncResponse:
		return decode(&SyncResponsePayload{})
	case TypeHeartbeat:
		return decode(&HeartbeatPayload{})
	case TypeConnectionStatus:
		return decode(&ConnectionStatusPayload{})
	case TypeError:
		return decode(&ErrorPayload{})
	case TypeScoreUpdate:
		return decode(&ScoreUpdatePayload{})
	case TypeGameStateUpdate, TypeChallengeStarted, TypeChallengeUpdated, TypeChallengeCompleted:
		return decode(&GameStateUpdatePayload{})
	case TypeLeaderboardUpdate:
		return decode(&LeaderboardUpdatePayload{})
	case TypeParticipantJoined, TypeParticipantLeft:
		return decode(&ParticipantPayload{})
	case TypeAchievementUnlocked:
		return decode(&AchievementPayload{})
	case TypeOfflineQueue:
		return decode(&OfflineQueuePayload{})
	case TypeBandwidthOptimization:
		return decode(&BandwidthOptimizationPayload{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

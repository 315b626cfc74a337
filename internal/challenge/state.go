package challenge

import (
	"time"

	"github.com/mcdev12/arena/internal/protocol"
)

// ConnectionQuality is the server's estimate of a participant's network.
type ConnectionQuality string

const (
	QualityGood     ConnectionQuality = "good"
	QualityDegraded ConnectionQuality = "degraded"
	QualityPoor     ConnectionQuality = "poor"
	QualityOffline  ConnectionQuality = "offline"
)

// ParticipantState is one player's live state within a challenge.
type ParticipantState struct {
	PlayerID     string                     `json:"player_id"`
	Status       protocol.ParticipantStatus `json:"status"`
	Progress     float64                    `json:"progress"`
	Score        float64                    `json:"score"`
	LastActivity time.Time                  `json:"last_activity"`
	Device       protocol.DeviceClass       `json:"device_class"`
	Quality      ConnectionQuality          `json:"quality"`
	// Fields holds free-form synced game state (position, cursor, etc.)
	// patched by delta updates.
	Fields map[string]any `json:"fields,omitempty"`
	// ScoreUpdatedAt is when the current score was first achieved; equal
	// scores rank earliest-achieved first.
	ScoreUpdatedAt time.Time `json:"score_updated_at"`
	// lastDeltaVersion is the highest client delta version applied; a
	// lower or equal incoming version means the client is out of sync.
	lastDeltaVersion uint64
}

// ChallengeState is the authoritative state of one challenge.
type ChallengeState struct {
	ChallengeID  string                       `json:"challenge_id"`
	Participants map[string]*ParticipantState `json:"participants"`
	Phase        protocol.Phase               `json:"phase"`
	Version      uint64                       `json:"version"`
	Leaderboard  []protocol.LeaderboardEntry  `json:"leaderboard"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the store's critical
// section.
func (s *ChallengeState) Clone() *ChallengeState {
	out := &ChallengeState{
		ChallengeID: s.ChallengeID,
		Phase:       s.Phase,
		Version:     s.Version,
		UpdatedAt:   s.UpdatedAt,
	}
	out.Participants = make(map[string]*ParticipantState, len(s.Participants))
	for id, p := range s.Participants {
		out.Participants[id] = p.clone()
	}
	out.Leaderboard = make([]protocol.LeaderboardEntry, len(s.Leaderboard))
	copy(out.Leaderboard, s.Leaderboard)
	return out
}

func (p *ParticipantState) clone() *ParticipantState {
	cp := *p
	if p.Fields != nil {
		cp.Fields = make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

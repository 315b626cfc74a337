package challenge

import (
	"fmt"
	"time"

	"github.com/mcdev12/arena/internal/protocol"
)

// applyChanges patches a participant with a delta's changed fields.
// The reserved keys score, progress and status map onto the typed fields;
// everything else lands in the free-form field map. The same code path
// runs inside the store's critical section and during snapshot replay so
// that replaying a delta sequence reproduces the canonical state.
func applyChanges(p *ParticipantState, changes map[string]any, now time.Time) error {
	for key, value := range changes {
		switch key {
		case "score":
			f, ok := toFloat(value)
			if !ok {
				return fmt.Errorf("delta field %q: expected number, got %T", key, value)
			}
			if f != p.Score {
				p.Score = f
				p.ScoreUpdatedAt = now
			}
		case "progress":
			f, ok := toFloat(value)
			if !ok {
				return fmt.Errorf("delta field %q: expected number, got %T", key, value)
			}
			p.Progress = f
		case "status":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("delta field %q: expected string, got %T", key, value)
			}
			p.Status = protocol.ParticipantStatus(s)
		default:
			if p.Fields == nil {
				p.Fields = make(map[string]any)
			}
			p.Fields[key] = value
		}
	}
	p.LastActivity = now
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ReplayDeltas applies an ordered delta sequence to a base snapshot and
// returns the resulting state. Each delta bumps the state version by one,
// mirroring what the store does live; used for conflict diagnosis.
func ReplayDeltas(base *ChallengeState, deltas []protocol.DeltaUpdatePayload, now time.Time) (*ChallengeState, error) {
	state := base.Clone()
	for i, d := range deltas {
		p, ok := state.Participants[d.PlayerID]
		if !ok {
			return nil, fmt.Errorf("delta %d: unknown participant %s", i, d.PlayerID)
		}
		if err := applyChanges(p, d.Changes, now); err != nil {
			return nil, fmt.Errorf("delta %d: %w", i, err)
		}
		if _, scored := d.Changes["score"]; scored {
			recomputeLeaderboard(state)
		}
		state.Version++
		state.UpdatedAt = now
	}
	return state, nil
}

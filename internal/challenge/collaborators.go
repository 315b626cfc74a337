package challenge

import (
	"context"

	"github.com/rs/zerolog/log"
)

// AdditiveScorer is the built-in ScoreComputer: action points add onto the
// current score. Production deployments inject the real scoring service.
type AdditiveScorer struct{}

func (AdditiveScorer) Compute(_ context.Context, _, _ string, action Action, current float64) (float64, error) {
	return current + action.Points, nil
}

// LogArchiver is the built-in Archiver: it only logs the finished state.
// Production deployments inject the real persistence collaborator.
type LogArchiver struct{}

func (LogArchiver) Archive(_ context.Context, state *ChallengeState) error {
	log.Info().
		Str("challenge_id", state.ChallengeID).
		Uint64("version", state.Version).
		Int("participants", len(state.Participants)).
		Msg("challenge finished, handing off for archival")
	return nil
}

package client

import (
	"context"
	"math"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// criticalFields are always synced regardless of quality level.
var criticalFields = map[string]struct{}{
	"score":    {},
	"progress": {},
	"status":   {},
	"phase":    {},
}

// highFrequencyPrefixes mark fields droppable under degraded quality.
var highFrequencyPrefixes = []string{"position", "cursor", "velocity", "pointer"}

// SyncEngine drains the mirror's pending-delta set into one delta message
// per tick. Batching, not per-field messages, is the primary defense
// against mobile network overhead.
type SyncEngine struct {
	mirror  *Mirror
	quality *QualityController
	clock   clockwork.Clock
	send    func(*protocol.Message)

	challengeID string
	playerID    string
	version     atomic.Uint64
}

// NewSyncEngine wires the delta sync engine. send must never block.
func NewSyncEngine(mirror *Mirror, quality *QualityController, clock clockwork.Clock, challengeID, playerID string, send func(*protocol.Message)) *SyncEngine {
	return &SyncEngine{
		mirror:      mirror,
		quality:     quality,
		clock:       clock,
		send:        send,
		challengeID: challengeID,
		playerID:    playerID,
	}
}

// Run ticks until the context is cancelled. Ticks never overlap: each one
// fully drains the pending set before the timer is rearmed, and the
// interval is re-read each tick so quality adaptation takes effect.
func (e *SyncEngine) Run(ctx context.Context) error {
	timer := e.clock.NewTimer(e.quality.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			e.tick()
			timer.Reset(e.quality.Interval())
		}
	}
}

// tick builds and transmits at most one delta message.
func (e *SyncEngine) tick() {
	changes := e.mirror.TakePending()
	if len(changes) == 0 {
		return
	}

	q := e.quality.Quality()
	filtered := filterForQuality(changes, q)
	if len(filtered) == 0 {
		return
	}

	version := e.version.Add(1)
	msg, err := protocol.NewMessage(protocol.TypeDeltaUpdate, protocol.PriorityNormal, protocol.DeltaUpdatePayload{
		ChallengeID: e.challengeID,
		PlayerID:    e.playerID,
		Version:     version,
		Changes:     filtered,
		Quality:     int(q),
	})
	if err != nil {
		log.Error().Err(err).Msg("build delta update failed")
		return
	}
	e.send(msg)
}

// Version returns the last transmitted local delta version.
func (e *SyncEngine) Version() uint64 { return e.version.Load() }

// ResetVersion restarts local versioning after a full resync.
func (e *SyncEngine) ResetVersion() { e.version.Store(0) }

// filterForQuality drops high-frequency fields under degraded quality and
// reduces numeric precision. Critical fields always survive untouched in
// identity, only rounded in precision.
func filterForQuality(changes map[string]any, q Quality) map[string]any {
	out := make(map[string]any, len(changes))
	for key, value := range changes {
		if _, critical := criticalFields[key]; !critical {
			switch {
			case q == QualityMinimal:
				continue
			case q <= QualityLow && isHighFrequency(key):
				continue
			}
		}
		out[key] = reducePrecision(value, q)
	}
	return out
}

func isHighFrequency(key string) bool {
	for _, prefix := range highFrequencyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// reducePrecision rounds numeric values: full keeps everything, medium
// rounds to 2 decimals, low to 1, minimal to integers.
func reducePrecision(value any, q Quality) any {
	f, ok := value.(float64)
	if !ok {
		return value
	}
	switch q {
	case QualityFull:
		return f
	case QualityMedium:
		return math.Round(f*100) / 100
	case QualityLow:
		return math.Round(f*10) / 10
	default:
		return math.Round(f)
	}
}

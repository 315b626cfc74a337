package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

var (
	ErrUnknownChallenge   = errors.New("unknown challenge")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrChallengeFinished  = errors.New("challenge already finished")
)

// Broadcaster fans messages out to subscribed connections. Implemented by
// the broadcast engine; the store never touches connections directly.
type Broadcaster interface {
	Send(msg *protocol.Message)
}

// ScoreComputer turns an action into a participant's new score. Scoring
// rules live outside this service.
type ScoreComputer interface {
	Compute(ctx context.Context, challengeID, playerID string, action Action, current float64) (float64, error)
}

// Archiver persists a finished challenge. Durable storage lives outside
// this service.
type Archiver interface {
	Archive(ctx context.Context, state *ChallengeState) error
}

// Action is a participant's game action as dispatched by the gateway.
type Action struct {
	Type       string
	Points     float64
	Fields     map[string]any
	OccurredAt time.Time
}

// Scoring reports whether the action carries points and therefore triggers
// score computation and a leaderboard recompute.
func (a Action) Scoring() bool { return a.Points != 0 }

// Config controls store retention.
type Config struct {
	// SnapshotHistory bounds the per-challenge snapshot ring.
	SnapshotHistory int
	// FinishedGrace is how long a finished challenge stays queryable
	// before eviction.
	FinishedGrace time.Duration
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotHistory: 32,
		FinishedGrace:   5 * time.Minute,
	}
}

// Store holds the authoritative in-memory state of all active challenges.
// Mutations on one challenge serialize behind its entry mutex; different
// challenges mutate concurrently.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	clock       clockwork.Clock
	broadcaster Broadcaster
	scores      ScoreComputer
	archiver    Archiver
	config      Config
}

type entry struct {
	mu      sync.Mutex
	state   *ChallengeState
	history *snapshotRing
}

// NewStore wires a store with its external collaborators. broadcaster may
// be set later via SetBroadcaster to break construction cycles.
func NewStore(clock clockwork.Clock, scores ScoreComputer, archiver Archiver, config Config) *Store {
	return &Store{
		entries:  make(map[string]*entry),
		clock:    clock,
		scores:   scores,
		archiver: archiver,
		config:   config,
	}
}

// SetBroadcaster attaches the fan-out sink. Must be called before traffic.
func (s *Store) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

func (s *Store) entryFor(challengeID string, create bool) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[challengeID]
	s.mu.RUnlock()
	if ok || !create {
		return e, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[challengeID]; ok {
		return e, true
	}
	e = &entry{
		state: &ChallengeState{
			ChallengeID:  challengeID,
			Participants: make(map[string]*ParticipantState),
			Phase:        protocol.PhaseWaiting,
			UpdatedAt:    s.clock.Now(),
		},
		history: newSnapshotRing(s.config.SnapshotHistory),
	}
	s.entries[challengeID] = e
	log.Info().Str("challenge_id", challengeID).Msg("challenge created")
	return e, true
}

// Join adds a player to a challenge, creating it in the waiting phase on
// first join.
func (s *Store) Join(ctx context.Context, challengeID, playerID string, device protocol.DeviceClass) error {
	e, _ := s.entryFor(challengeID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Phase == protocol.PhaseFinished {
		return ErrChallengeFinished
	}

	now := s.clock.Now()
	if p, ok := e.state.Participants[playerID]; ok {
		// Rejoin after a drop: revive the existing participant and restart
		// delta versioning, since a reconnecting client starts from v1.
		p.Status = protocol.StatusActive
		p.Quality = QualityGood
		p.Device = device
		p.LastActivity = now
		p.lastDeltaVersion = 0
	} else {
		e.state.Participants[playerID] = &ParticipantState{
			PlayerID:     playerID,
			Status:       protocol.StatusActive,
			Device:       device,
			Quality:      QualityGood,
			LastActivity: now,
		}
	}
	s.commitLocked(e, now)

	s.send(protocol.TypeParticipantJoined, protocol.PriorityHigh, []string{challengeID}, protocol.ParticipantPayload{
		ChallengeID: challengeID,
		PlayerID:    playerID,
		DeviceClass: device,
	})
	s.broadcastStateLocked(e, protocol.TypeGameStateUpdate, protocol.PriorityNormal)
	return nil
}

// Leave removes a player from a challenge.
func (s *Store) Leave(ctx context.Context, challengeID, playerID string) error {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.state.Participants[playerID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}
	delete(e.state.Participants, playerID)
	recomputeLeaderboard(e.state)
	s.commitLocked(e, s.clock.Now())

	s.send(protocol.TypeParticipantLeft, protocol.PriorityHigh, []string{challengeID}, protocol.ParticipantPayload{
		ChallengeID: challengeID,
		PlayerID:    playerID,
	})
	return nil
}

// ApplyAction applies a player's action inside the challenge's critical
// section. The first action on a waiting challenge activates it; scoring
// actions recompute the leaderboard and fan out both a state update and a
// leaderboard update.
func (s *Store) ApplyAction(ctx context.Context, challengeID, playerID string, action Action) error {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Phase == protocol.PhaseFinished {
		return ErrChallengeFinished
	}
	p, ok := e.state.Participants[playerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}

	now := s.clock.Now()
	started := false
	if e.state.Phase == protocol.PhaseWaiting {
		e.state.Phase = protocol.PhaseActive
		started = true
	}

	p.Status = protocol.StatusActive
	p.LastActivity = now
	for k, v := range action.Fields {
		if p.Fields == nil {
			p.Fields = make(map[string]any)
		}
		p.Fields[k] = v
	}

	scored := false
	if action.Scoring() {
		score, err := s.scores.Compute(ctx, challengeID, playerID, action, p.Score)
		if err != nil {
			return fmt.Errorf("compute score: %w", err)
		}
		if score != p.Score {
			p.Score = score
			p.ScoreUpdatedAt = now
			scored = true
		}
	}
	if scored {
		recomputeLeaderboard(e.state)
	}
	s.commitLocked(e, now)

	if started {
		s.broadcastStateLocked(e, protocol.TypeChallengeStarted, protocol.PriorityHigh)
	}
	s.broadcastStateLocked(e, protocol.TypeGameStateUpdate, protocol.PriorityNormal)
	if scored {
		s.send(protocol.TypeLeaderboardUpdate, protocol.PriorityHigh, []string{challengeID}, protocol.LeaderboardUpdatePayload{
			ChallengeID: challengeID,
			Version:     e.state.Version,
			Entries:     e.state.Leaderboard,
		})
	}
	return nil
}

// ApplyDelta applies a client delta batch. A version at or below the last
// applied one means the client diverged; the caller must trigger a full
// resync instead of applying the stale delta.
func (s *Store) ApplyDelta(ctx context.Context, delta *protocol.DeltaUpdatePayload) (resync bool, err error) {
	e, ok := s.entryFor(delta.ChallengeID, false)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownChallenge, delta.ChallengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.state.Participants[delta.PlayerID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, delta.PlayerID)
	}
	if delta.Version <= p.lastDeltaVersion {
		log.Warn().
			Str("challenge_id", delta.ChallengeID).
			Str("player_id", delta.PlayerID).
			Uint64("delta_version", delta.Version).
			Uint64("last_applied", p.lastDeltaVersion).
			Msg("out-of-order delta, requesting resync")
		return true, nil
	}

	now := s.clock.Now()
	if err := applyChanges(p, delta.Changes, now); err != nil {
		return false, err
	}
	p.lastDeltaVersion = delta.Version
	started := false
	if e.state.Phase == protocol.PhaseWaiting {
		e.state.Phase = protocol.PhaseActive
		started = true
	}
	if _, scoring := delta.Changes["score"]; scoring {
		recomputeLeaderboard(e.state)
	}
	s.commitLocked(e, now)

	if started {
		s.broadcastStateLocked(e, protocol.TypeChallengeStarted, protocol.PriorityHigh)
	}
	// Fan the delta out as-is; subscribers patch their mirrors without a
	// full state payload.
	s.send(protocol.TypeDeltaUpdate, protocol.PriorityNormal, []string{delta.ChallengeID}, *delta)
	if _, scoring := delta.Changes["score"]; scoring {
		s.send(protocol.TypeLeaderboardUpdate, protocol.PriorityHigh, []string{delta.ChallengeID}, protocol.LeaderboardUpdatePayload{
			ChallengeID: delta.ChallengeID,
			Version:     e.state.Version,
			Entries:     e.state.Leaderboard,
		})
	}
	return false, nil
}

// CompleteParticipant marks a player done. When every participant is
// completed or disconnected the challenge finishes: it is archived and
// evicted after the grace period.
func (s *Store) CompleteParticipant(ctx context.Context, challengeID, playerID string) error {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.state.Participants[playerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}
	now := s.clock.Now()
	p.Status = protocol.StatusCompleted
	p.LastActivity = now

	allDone := true
	for _, part := range e.state.Participants {
		if part.Status != protocol.StatusCompleted && part.Status != protocol.StatusDisconnected {
			allDone = false
			break
		}
	}
	if allDone && e.state.Phase != protocol.PhaseFinished {
		e.state.Phase = protocol.PhaseCompleting
		s.commitLocked(e, now)
		s.finishLocked(ctx, e)
	} else {
		s.commitLocked(e, now)
	}
	s.broadcastStateLocked(e, protocol.TypeGameStateUpdate, protocol.PriorityHigh)
	return nil
}

// finishLocked transitions completing → finished, archives, and schedules
// eviction after the grace period. Caller holds the entry lock.
func (s *Store) finishLocked(ctx context.Context, e *entry) {
	e.state.Phase = protocol.PhaseFinished
	s.commitLocked(e, s.clock.Now())

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, e.state.Clone()); err != nil {
			log.Error().Err(err).Str("challenge_id", e.state.ChallengeID).Msg("archive finished challenge failed")
		}
	}
	s.broadcastStateLocked(e, protocol.TypeChallengeCompleted, protocol.PriorityCritical)

	challengeID := e.state.ChallengeID
	s.clock.AfterFunc(s.config.FinishedGrace, func() {
		s.mu.Lock()
		delete(s.entries, challengeID)
		s.mu.Unlock()
		log.Info().Str("challenge_id", challengeID).Msg("finished challenge evicted after grace period")
	})
}

// MarkDisconnected transitions a player to disconnected/offline in every
// given challenge. Called on heartbeat eviction and socket close.
func (s *Store) MarkDisconnected(playerID string, challengeIDs []string) {
	for _, id := range challengeIDs {
		e, ok := s.entryFor(id, false)
		if !ok {
			continue
		}
		e.mu.Lock()
		if p, ok := e.state.Participants[playerID]; ok && p.Status != protocol.StatusCompleted {
			p.Status = protocol.StatusDisconnected
			p.Quality = QualityOffline
			s.commitLocked(e, s.clock.Now())
			s.broadcastStateLocked(e, protocol.TypeGameStateUpdate, protocol.PriorityNormal)
		}
		e.mu.Unlock()
	}
}

// State returns a consistent copy of a challenge's state.
func (s *Store) State(challengeID string) (*ChallengeState, error) {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// SyncResponse builds the authoritative full-state payload for a resync.
func (s *Store) SyncResponse(challengeID string) (*protocol.SyncResponsePayload, error) {
	state, err := s.State(challengeID)
	if err != nil {
		return nil, err
	}
	return s.buildSyncPayload(state)
}

// SyncResponseFor builds the resync payload for one participant and
// restarts their delta versioning. The client resets its own counter after
// applying the full state, so the server must accept its next v1 delta
// instead of judging it stale.
func (s *Store) SyncResponseFor(challengeID, playerID string) (*protocol.SyncResponsePayload, error) {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	if p, ok := e.state.Participants[playerID]; ok {
		p.lastDeltaVersion = 0
	}
	state := e.state.Clone()
	e.mu.Unlock()
	return s.buildSyncPayload(state)
}

func (s *Store) buildSyncPayload(state *ChallengeState) (*protocol.SyncResponsePayload, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state for sync: %w", err)
	}
	return &protocol.SyncResponsePayload{
		ChallengeID: state.ChallengeID,
		Version:     state.Version,
		State:       raw,
		ServerTime:  s.clock.Now(),
	}, nil
}

// Snapshots returns the retained snapshot history for a challenge.
func (s *Store) Snapshots(challengeID string) ([]StateSnapshot, error) {
	e, ok := s.entryFor(challengeID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StateSnapshot, len(e.history.snaps))
	copy(out, e.history.snaps)
	return out, nil
}

// ActiveChallenges lists ids of challenges currently held in memory.
func (s *Store) ActiveChallenges() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// commitLocked bumps the version, stamps the update time and records a
// snapshot. Caller holds the entry lock.
func (s *Store) commitLocked(e *entry, now time.Time) {
	e.state.Version++
	e.state.UpdatedAt = now
	e.history.push(StateSnapshot{
		State:   e.state.Clone(),
		Version: e.state.Version,
		TakenAt: now,
	})
}

// broadcastStateLocked fans out the current state. Caller holds the entry
// lock; the payload is built from a clone so the engine never sees live
// mutable state.
func (s *Store) broadcastStateLocked(e *entry, t protocol.MessageType, priority protocol.Priority) {
	raw, err := json.Marshal(e.state.Clone())
	if err != nil {
		log.Error().Err(err).Str("challenge_id", e.state.ChallengeID).Msg("marshal state for broadcast failed")
		return
	}
	s.send(t, priority, []string{e.state.ChallengeID}, protocol.GameStateUpdatePayload{
		ChallengeID: e.state.ChallengeID,
		Version:     e.state.Version,
		Phase:       e.state.Phase,
		State:       raw,
	})
}

func (s *Store) send(t protocol.MessageType, priority protocol.Priority, challenges []string, payload any) {
	if s.broadcaster == nil {
		return
	}
	msg, err := protocol.NewMessage(t, priority, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("build broadcast message failed")
		return
	}
	msg.TargetChallenges = challenges
	s.broadcaster.Send(msg)
}

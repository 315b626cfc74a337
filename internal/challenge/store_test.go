package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/internal/protocol"
)

// captureBroadcaster records every fanned-out message for assertions.
type captureBroadcaster struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (b *captureBroadcaster) Send(msg *protocol.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *captureBroadcaster) ofType(t protocol.MessageType) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Message
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (b *captureBroadcaster) reset() {
	b.mu.Lock()
	b.msgs = nil
	b.mu.Unlock()
}

type captureArchiver struct {
	mu       sync.Mutex
	archived []*ChallengeState
}

func (a *captureArchiver) Archive(_ context.Context, state *ChallengeState) error {
	a.mu.Lock()
	a.archived = append(a.archived, state)
	a.mu.Unlock()
	return nil
}

func newTestStore(t *testing.T) (*Store, *captureBroadcaster, *captureArchiver, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bc := &captureBroadcaster{}
	arch := &captureArchiver{}
	s := NewStore(clock, AdditiveScorer{}, arch, Config{SnapshotHistory: 4, FinishedGrace: time.Minute})
	s.SetBroadcaster(bc)
	return s, bc, arch, clock
}

func TestJoinCreatesWaitingChallenge(t *testing.T) {
	s, bc, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseWaiting, state.Phase)
	assert.Equal(t, uint64(1), state.Version)
	require.Contains(t, state.Participants, "alice")
	assert.Equal(t, protocol.StatusActive, state.Participants["alice"].Status)

	joins := bc.ofType(protocol.TypeParticipantJoined)
	require.Len(t, joins, 1)
	assert.Equal(t, []string{"c1"}, joins[0].TargetChallenges)
	assert.NotEmpty(t, bc.ofType(protocol.TypeGameStateUpdate))
}

func TestFirstActionActivatesChallenge(t *testing.T) {
	s, bc, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	bc.reset()

	err := s.ApplyAction(ctx, "c1", "alice", Action{Type: "checkpoint", Points: 10, OccurredAt: clock.Now()})
	require.NoError(t, err)

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseActive, state.Phase)
	assert.Equal(t, 10.0, state.Participants["alice"].Score)

	require.Len(t, bc.ofType(protocol.TypeChallengeStarted), 1)
	require.Len(t, bc.ofType(protocol.TypeLeaderboardUpdate), 1)
}

func TestScoringActionsRecomputeLeaderboard(t *testing.T) {
	s, bc, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.Join(ctx, "c1", "bob", protocol.DeviceDesktop))

	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 100, OccurredAt: clock.Now()}))
	require.NoError(t, s.ApplyAction(ctx, "c1", "bob", Action{Type: "score", Points: 150, OccurredAt: clock.Now()}))
	bc.reset()
	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 60, OccurredAt: clock.Now()}))

	state, err := s.State("c1")
	require.NoError(t, err)
	require.Len(t, state.Leaderboard, 2)
	assert.Equal(t, "alice", state.Leaderboard[0].PlayerID)
	assert.Equal(t, 160.0, state.Leaderboard[0].Score)
	assert.Equal(t, protocol.TrendRising, state.Leaderboard[0].Trend)

	updates := bc.ofType(protocol.TypeLeaderboardUpdate)
	require.Len(t, updates, 1)
	var payload protocol.LeaderboardUpdatePayload
	require.NoError(t, json.Unmarshal(updates[0].Payload, &payload))
	assert.Equal(t, state.Version, payload.Version)
	assert.Equal(t, "alice", payload.Entries[0].PlayerID)
}

func TestNonScoringActionSkipsLeaderboard(t *testing.T) {
	s, bc, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	bc.reset()

	err := s.ApplyAction(ctx, "c1", "alice", Action{
		Type:       "move",
		Fields:     map[string]any{"zone": "north"},
		OccurredAt: clock.Now(),
	})
	require.NoError(t, err)

	assert.Empty(t, bc.ofType(protocol.TypeLeaderboardUpdate))
	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, "north", state.Participants["alice"].Fields["zone"])
}

func TestActionOnUnknownChallengeOrParticipant(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()

	err := s.ApplyAction(ctx, "nope", "alice", Action{Type: "x", OccurredAt: clock.Now()})
	assert.ErrorIs(t, err, ErrUnknownChallenge)

	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	err = s.ApplyAction(ctx, "c1", "ghost", Action{Type: "x", OccurredAt: clock.Now()})
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestVersionIncrementsPerMutation(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	before, err := s.State("c1")
	require.NoError(t, err)
	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "a", Points: 1, OccurredAt: clock.Now()}))
	after, err := s.State("c1")
	require.NoError(t, err)

	assert.Equal(t, before.Version+1, after.Version)
}

func TestApplyDeltaPatchesAndFansOut(t *testing.T) {
	s, bc, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	bc.reset()

	resync, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1",
		PlayerID:    "alice",
		Version:     1,
		Changes:     map[string]any{"score": 25.0, "position_x": 4.5},
	})
	require.NoError(t, err)
	assert.False(t, resync)

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, state.Participants["alice"].Score)
	assert.Equal(t, 4.5, state.Participants["alice"].Fields["position_x"])
	assert.Equal(t, protocol.PhaseActive, state.Phase)

	require.Len(t, bc.ofType(protocol.TypeDeltaUpdate), 1)
	require.Len(t, bc.ofType(protocol.TypeLeaderboardUpdate), 1)
}

func TestStaleDeltaRequestsResync(t *testing.T) {
	s, bc, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	_, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 5,
		Changes: map[string]any{"progress": 0.5},
	})
	require.NoError(t, err)
	bc.reset()

	// Same version again: stale, nothing applied.
	resync, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 5,
		Changes: map[string]any{"progress": 0.9},
	})
	require.NoError(t, err)
	assert.True(t, resync)
	assert.Empty(t, bc.ofType(protocol.TypeDeltaUpdate))

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, state.Participants["alice"].Progress)
}

func TestResyncRestartsDeltaVersioning(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	for v := uint64(1); v <= 3; v++ {
		resync, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
			ChallengeID: "c1", PlayerID: "alice", Version: v,
			Changes: map[string]any{"progress": float64(v) / 10},
		})
		require.NoError(t, err)
		require.False(t, resync)
	}

	// Serving a resync restarts the participant's versioning, so the
	// client's post-resync v1 delta is applied, not judged stale.
	payload, err := s.SyncResponseFor("c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", payload.ChallengeID)

	resync, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 1,
		Changes: map[string]any{"progress": 0.8},
	})
	require.NoError(t, err)
	assert.False(t, resync)

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, state.Participants["alice"].Progress)
}

func TestRejoinRestartsDeltaVersioning(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceMobile))

	_, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 7,
		Changes: map[string]any{"progress": 0.7},
	})
	require.NoError(t, err)

	s.MarkDisconnected("alice", []string{"c1"})
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceMobile))

	resync, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 1,
		Changes: map[string]any{"progress": 0.9},
	})
	require.NoError(t, err)
	assert.False(t, resync)
}

func TestFirstDeltaBroadcastsChallengeStarted(t *testing.T) {
	s, bc, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	bc.reset()

	_, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 1,
		Changes: map[string]any{"progress": 0.1},
	})
	require.NoError(t, err)

	require.Len(t, bc.ofType(protocol.TypeChallengeStarted), 1)

	// Only the activating delta announces the start.
	bc.reset()
	_, err = s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 2,
		Changes: map[string]any{"progress": 0.2},
	})
	require.NoError(t, err)
	assert.Empty(t, bc.ofType(protocol.TypeChallengeStarted))
}

func TestDeltaTypeMismatchRejected(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	_, err := s.ApplyDelta(ctx, &protocol.DeltaUpdatePayload{
		ChallengeID: "c1", PlayerID: "alice", Version: 1,
		Changes: map[string]any{"score": "not a number"},
	})
	assert.Error(t, err)
}

func TestCompleteAllParticipantsFinishesAndArchives(t *testing.T) {
	s, bc, arch, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.Join(ctx, "c1", "bob", protocol.DeviceDesktop))
	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 10, OccurredAt: clock.Now()}))

	require.NoError(t, s.CompleteParticipant(ctx, "c1", "alice"))
	state, err := s.State("c1")
	require.NoError(t, err)
	assert.NotEqual(t, protocol.PhaseFinished, state.Phase, "one participant still playing")

	bc.reset()
	require.NoError(t, s.CompleteParticipant(ctx, "c1", "bob"))
	state, err = s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseFinished, state.Phase)

	require.Len(t, arch.archived, 1)
	assert.Equal(t, "c1", arch.archived[0].ChallengeID)

	completed := bc.ofType(protocol.TypeChallengeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, protocol.PriorityCritical, completed[0].Priority)

	// Still queryable during the grace period, gone after.
	_, err = s.State("c1")
	assert.NoError(t, err)
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, err := s.State("c1")
		return errors.Is(err, ErrUnknownChallenge)
	}, time.Second, 10*time.Millisecond)
}

func TestJoinFinishedChallengeRejected(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.CompleteParticipant(ctx, "c1", "alice"))

	err := s.Join(ctx, "c1", "bob", protocol.DeviceDesktop)
	assert.ErrorIs(t, err, ErrChallengeFinished)
}

func TestDisconnectedParticipantDoesNotBlockCompletion(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.Join(ctx, "c1", "bob", protocol.DeviceMobile))
	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 10, OccurredAt: clock.Now()}))

	s.MarkDisconnected("bob", []string{"c1"})
	require.NoError(t, s.CompleteParticipant(ctx, "c1", "alice"))

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseFinished, state.Phase)
}

func TestMarkDisconnected(t *testing.T) {
	s, bc, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceMobile))
	bc.reset()

	s.MarkDisconnected("alice", []string{"c1", "missing"})

	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusDisconnected, state.Participants["alice"].Status)
	assert.Equal(t, QualityOffline, state.Participants["alice"].Quality)
	assert.NotEmpty(t, bc.ofType(protocol.TypeGameStateUpdate))
}

func TestRejoinRevivesDisconnectedParticipant(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceMobile))
	s.MarkDisconnected("alice", []string{"c1"})

	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusActive, state.Participants["alice"].Status)
	assert.Equal(t, QualityGood, state.Participants["alice"].Quality)
	assert.Equal(t, protocol.DeviceDesktop, state.Participants["alice"].Device)
}

func TestSnapshotHistoryIsBounded(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 1, OccurredAt: clock.Now()}))
	}

	snaps, err := s.Snapshots("c1")
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
	// Latest snapshot matches the live version.
	state, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, state.Version, snaps[len(snaps)-1].Version)
}

func TestSyncResponseCarriesFullState(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 42, OccurredAt: clock.Now()}))

	resp, err := s.SyncResponse("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ChallengeID)

	var state ChallengeState
	require.NoError(t, json.Unmarshal(resp.State, &state))
	assert.Equal(t, resp.Version, state.Version)
	assert.Equal(t, 42.0, state.Participants["alice"].Score)
}

func TestReplayDeltasMatchesLiveApplication(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))

	base, err := s.State("c1")
	require.NoError(t, err)

	deltas := []protocol.DeltaUpdatePayload{
		{ChallengeID: "c1", PlayerID: "alice", Version: 1, Changes: map[string]any{"position_x": 1.0}},
		{ChallengeID: "c1", PlayerID: "alice", Version: 2, Changes: map[string]any{"score": 30.0}},
		{ChallengeID: "c1", PlayerID: "alice", Version: 3, Changes: map[string]any{"progress": 0.8}},
	}
	for i := range deltas {
		_, err := s.ApplyDelta(ctx, &deltas[i])
		require.NoError(t, err)
	}

	replayed, err := ReplayDeltas(base, deltas, clock.Now())
	require.NoError(t, err)

	live, err := s.State("c1")
	require.NoError(t, err)
	assert.Equal(t, live.Version, replayed.Version)
	assert.Equal(t, live.Participants["alice"].Score, replayed.Participants["alice"].Score)
	assert.Equal(t, live.Participants["alice"].Progress, replayed.Participants["alice"].Progress)
	assert.Equal(t, live.Participants["alice"].Fields, replayed.Participants["alice"].Fields)
	assert.Equal(t, live.Leaderboard, replayed.Leaderboard)
}

func TestConcurrentActionsOnDifferentChallenges(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, "c1", "alice", protocol.DeviceDesktop))
	require.NoError(t, s.Join(ctx, "c2", "bob", protocol.DeviceDesktop))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.ApplyAction(ctx, "c1", "alice", Action{Type: "score", Points: 1, OccurredAt: clock.Now()})
		}()
		go func() {
			defer wg.Done()
			_ = s.ApplyAction(ctx, "c2", "bob", Action{Type: "score", Points: 1, OccurredAt: clock.Now()})
		}()
	}
	wg.Wait()

	for _, id := range []string{"c1", "c2"} {
		state, err := s.State(id)
		require.NoError(t, err)
		var total float64
		for _, p := range state.Participants {
			total += p.Score
		}
		assert.Equal(t, 20.0, total, id)
	}
}

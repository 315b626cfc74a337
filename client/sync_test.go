package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/internal/protocol"
)

type sendCapture struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (c *sendCapture) send(msg *protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *sendCapture) all() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func newTestSyncEngine(t *testing.T) (*SyncEngine, *Mirror, *QualityController, *sendCapture) {
	t.Helper()
	mirror := NewMirror()
	quality := NewQualityController(DefaultQualityConfig())
	sink := &sendCapture{}
	engine := NewSyncEngine(mirror, quality, clockwork.NewFakeClock(), "c1", "alice", sink.send)
	return engine, mirror, quality, sink
}

func deltaPayload(t *testing.T, msg *protocol.Message) protocol.DeltaUpdatePayload {
	t.Helper()
	var p protocol.DeltaUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

func TestTickBatchesAllPendingIntoOneMessage(t *testing.T) {
	engine, mirror, _, sink := newTestSyncEngine(t)

	mirror.SetLocal("position_x", 1.0)
	mirror.SetLocal("position_y", 2.0)
	mirror.SetLocal("score", 10.0)
	engine.tick()

	msgs := sink.all()
	require.Len(t, msgs, 1, "one message per tick regardless of changed fields")
	p := deltaPayload(t, msgs[0])
	assert.Equal(t, "c1", p.ChallengeID)
	assert.Equal(t, "alice", p.PlayerID)
	assert.Equal(t, uint64(1), p.Version)
	assert.Len(t, p.Changes, 3)
}

func TestTickWithNothingPendingSendsNothing(t *testing.T) {
	engine, _, _, sink := newTestSyncEngine(t)
	engine.tick()
	assert.Empty(t, sink.all())
}

func TestVersionIncrementsPerTransmittedDelta(t *testing.T) {
	engine, mirror, _, sink := newTestSyncEngine(t)

	mirror.SetLocal("a", 1.0)
	engine.tick()
	mirror.SetLocal("a", 2.0)
	engine.tick()

	msgs := sink.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), deltaPayload(t, msgs[0]).Version)
	assert.Equal(t, uint64(2), deltaPayload(t, msgs[1]).Version)

	engine.ResetVersion()
	mirror.SetLocal("a", 3.0)
	engine.tick()
	assert.Equal(t, uint64(1), deltaPayload(t, sink.all()[2]).Version)
}

func TestMinimalQualityKeepsOnlyCriticalFields(t *testing.T) {
	engine, mirror, quality, sink := newTestSyncEngine(t)
	for i := 0; i < 3; i++ {
		quality.Sample(time.Second)
	}
	require.Equal(t, QualityMinimal, quality.Quality())

	mirror.SetLocal("position_x", 1.234)
	mirror.SetLocal("cosmetic", "hat")
	mirror.SetLocal("score", 10.6)
	engine.tick()

	msgs := sink.all()
	require.Len(t, msgs, 1)
	p := deltaPayload(t, msgs[0])
	assert.Equal(t, map[string]any{"score": 11.0}, p.Changes)
}

func TestLowQualityDropsHighFrequencyFields(t *testing.T) {
	engine, mirror, quality, sink := newTestSyncEngine(t)
	quality.Sample(time.Second)
	quality.Sample(time.Second)
	require.Equal(t, QualityLow, quality.Quality())

	mirror.SetLocal("position_x", 1.26)
	mirror.SetLocal("velocity_y", 3.0)
	mirror.SetLocal("zone", "north")
	mirror.SetLocal("progress", 0.55)
	engine.tick()

	p := deltaPayload(t, sink.all()[0])
	assert.NotContains(t, p.Changes, "position_x")
	assert.NotContains(t, p.Changes, "velocity_y")
	assert.Equal(t, "north", p.Changes["zone"])
	// Low quality rounds to one decimal.
	assert.Equal(t, 0.6, p.Changes["progress"])
}

func TestOnlyDroppedFieldsMeansNoMessage(t *testing.T) {
	engine, mirror, quality, sink := newTestSyncEngine(t)
	for i := 0; i < 3; i++ {
		quality.Sample(time.Second)
	}

	mirror.SetLocal("position_x", 1.0)
	engine.tick()
	assert.Empty(t, sink.all())
}

func TestReducePrecision(t *testing.T) {
	assert.Equal(t, 1.2345, reducePrecision(1.2345, QualityFull))
	assert.Equal(t, 1.23, reducePrecision(1.2345, QualityMedium))
	assert.Equal(t, 1.2, reducePrecision(1.2345, QualityLow))
	assert.Equal(t, 1.0, reducePrecision(1.2345, QualityMinimal))
	assert.Equal(t, "text", reducePrecision("text", QualityMinimal))
}

func TestRunTicksOnTheQualityInterval(t *testing.T) {
	mirror := NewMirror()
	quality := NewQualityController(DefaultQualityConfig())
	clock := clockwork.NewFakeClock()
	got := make(chan *protocol.Message, 4)
	engine := NewSyncEngine(mirror, quality, clock, "c1", "alice", func(m *protocol.Message) {
		got <- m
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	mirror.SetLocal("score", 1.0)
	clock.BlockUntil(1)
	clock.Advance(quality.Interval())

	select {
	case msg := <-got:
		assert.Equal(t, protocol.TypeDeltaUpdate, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a delta on the first tick")
	}

	cancel()
	<-done
}

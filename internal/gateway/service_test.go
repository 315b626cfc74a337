package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/internal/broadcast"
	"github.com/mcdev12/arena/internal/challenge"
	"github.com/mcdev12/arena/internal/config"
	"github.com/mcdev12/arena/internal/registry"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := registry.NewRegistry(0)
	store := challenge.NewStore(clock, challenge.AdditiveScorer{}, challenge.LogArchiver{}, challenge.DefaultConfig())
	engine := broadcast.NewEngine(reg, clock, broadcast.DefaultConfig())
	store.SetBroadcaster(engine)
	monitor := registry.NewMonitor(reg, clock, registry.MonitorConfig{
		Interval: config.Default().HeartbeatInterval(),
		Timeout:  config.Default().ConnectionTimeout(),
	}, nil)
	handler := NewHandler(reg, store, engine, QueryIdentityVerifier{}, clock, DefaultHandlerConfig())
	return NewService(config.Default(), reg, store, engine, monitor, handler, nil, clock)
}

func TestServiceStateMachine(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, StateStarting, svc.State())

	// Starting cannot drain.
	assert.Error(t, svc.transition(StateDraining))

	require.NoError(t, svc.transition(StateRunning))
	assert.Equal(t, StateRunning, svc.State())

	// Running cannot jump straight to stopped or back to starting.
	assert.Error(t, svc.transition(StateStopped))
	assert.Error(t, svc.transition(StateStarting))

	require.NoError(t, svc.transition(StateDraining))
	assert.Error(t, svc.transition(StateRunning), "draining never resumes")
	require.NoError(t, svc.transition(StateStopped))

	// Stopped is terminal.
	assert.Error(t, svc.transition(StateRunning))
	assert.Error(t, svc.transition(StateDraining))
}

func TestHandlerRejectsUpgradesUntilRunning(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest("GET", "/ws/challenge?challenge_id=c1&player_id=alice", nil)
	rec := httptest.NewRecorder()
	svc.handler.HandleChallengeConnection(rec, req)
	assert.Equal(t, 503, rec.Code, "starting service refuses upgrades")

	require.NoError(t, svc.transition(StateRunning))
	require.NoError(t, svc.transition(StateDraining))
	rec = httptest.NewRecorder()
	svc.handler.HandleChallengeConnection(rec, req)
	assert.Equal(t, 503, rec.Code, "draining service refuses upgrades")
}

func TestHealthEndpointTracksState(t *testing.T) {
	svc := newTestService(t)
	api := newStateAPI(svc.store, svc.registry, svc)

	rec := httptest.NewRecorder()
	api.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")

	require.NoError(t, svc.transition(StateRunning))
	rec = httptest.NewRecorder()
	api.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
}

func TestExtractChallengeID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/challenges/c1/state", "c1"},
		{"/api/challenges/abc-123/state", "abc-123"},
		{"/api/challenges//state", ""},
		{"/api/challenges/c1", ""},
		{"/api/challenges/c1/other", ""},
		{"/api/challenges/c1/extra/state", ""},
		{"/other/c1/state", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractChallengeID(tt.path), tt.path)
	}
}

package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/internal/protocol"
)

func TestConvertEvent(t *testing.T) {
	now := time.Now().UTC()
	env := &envelope{
		EventID:     "evt-1",
		EventType:   "challenge_completed",
		ChallengeID: "c1",
		Timestamp:   now,
		Payload:     json.RawMessage(`{"challenge_id":"c1"}`),
	}

	msg, err := convertEvent(env)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, protocol.TypeChallengeCompleted, msg.Type)
	assert.Equal(t, protocol.PriorityCritical, msg.Priority)
	assert.Equal(t, []string{"c1"}, msg.TargetChallenges)
	assert.Empty(t, msg.TargetPlayers)
	assert.True(t, msg.Timestamp.Equal(now))
	assert.NoError(t, msg.Validate())
}

func TestConvertEventPlayerTargeting(t *testing.T) {
	env := &envelope{
		EventID:   "evt-2",
		EventType: "achievement_unlocked",
		PlayerID:  "alice",
		Payload:   json.RawMessage(`{"player_id":"alice","achievement":"first_win"}`),
	}

	msg, err := convertEvent(env)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAchievementUnlocked, msg.Type)
	assert.Equal(t, []string{"alice"}, msg.TargetPlayers)
	assert.False(t, msg.Timestamp.IsZero(), "missing timestamps are stamped")
}

func TestConvertEventPriorities(t *testing.T) {
	tests := []struct {
		eventType string
		wantType  protocol.MessageType
		wantPrio  protocol.Priority
	}{
		{"challenge_started", protocol.TypeChallengeStarted, protocol.PriorityHigh},
		{"challenge_updated", protocol.TypeChallengeUpdated, protocol.PriorityNormal},
		{"challenge_completed", protocol.TypeChallengeCompleted, protocol.PriorityCritical},
		{"achievement_unlocked", protocol.TypeAchievementUnlocked, protocol.PriorityHigh},
	}
	for _, tt := range tests {
		msg, err := convertEvent(&envelope{EventID: "e", EventType: tt.eventType, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err, tt.eventType)
		assert.Equal(t, tt.wantType, msg.Type)
		assert.Equal(t, tt.wantPrio, msg.Priority)
	}
}

func TestConvertEventUnknownTypeRejected(t *testing.T) {
	_, err := convertEvent(&envelope{EventID: "e", EventType: "mystery"})
	assert.Error(t, err)
}

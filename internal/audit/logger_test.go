package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
)

func record(scoreValue int, paused bool) *store.VerificationRecord {
	rec := &store.VerificationRecord{
		ConversationID: "c1",
		ParticipantIDs: [2]string{"u1", "u2"},
		CurrentScore:   score.Snapshot{Score: scoreValue, Status: score.StatusUncertain},
	}
	if paused {
		rec.Pause("reason", time.Now())
	}
	return rec
}

func TestTransition(t *testing.T) {
	e := Transition(store.AuditAutoPause, store.ActorSystem, record(50, false), record(20, true))

	assert.Equal(t, "c1", e.ConversationID)
	assert.Equal(t, store.ActorSystem, e.Actor)
	assert.Equal(t, store.AuditAutoPause, e.Action)
	require.NotNil(t, e.ScoreBefore)
	require.NotNil(t, e.ScoreAfter)
	assert.Equal(t, 50, *e.ScoreBefore)
	assert.Equal(t, 20, *e.ScoreAfter)
	assert.False(t, e.PausedBefore)
	assert.True(t, e.PausedAfter)
}

func TestTransition_NoBefore(t *testing.T) {
	e := Transition(store.AuditMonitoringStarted, store.ActorSystem, nil, record(50, false))
	assert.Nil(t, e.ScoreBefore)
	require.NotNil(t, e.ScoreAfter)
	assert.Equal(t, "c1", e.ConversationID)
}

func TestLogger_AppendAndList(t *testing.T) {
	l := New(store.NewMockStore(), nil)
	ctx := t.Context()

	require.NoError(t, l.Append(ctx, Transition(store.AuditMonitoringStarted, store.ActorSystem, nil, record(50, false))))
	e := WithDetail(Transition(store.AuditManualResume, "u2", record(85, true), record(85, false)), "note", "ok")
	require.NoError(t, l.Append(ctx, e))
	assert.False(t, e.Timestamp.IsZero())

	entries, err := l.ForConversation(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditManualResume, entries[0].Action)
	assert.Equal(t, "u2", entries[0].Actor)
	assert.Equal(t, "ok", entries[0].Detail["note"])
}

type failingSink struct{ store.AuditStore }

func (failingSink) AppendAudit(context.Context, *store.AuditEntry) error {
	return errors.New("disk full")
}

func TestLogger_SinkFailureIsLoggedInFull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	l := New(failingSink{}, logger)

	err := l.Append(t.Context(), Transition(store.AuditAutoPause, store.ActorSystem, record(50, false), record(10, true)))
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "audit sink failed")
	assert.Contains(t, out, `"action":"auto_pause"`)
	assert.Contains(t, out, `"score_after":10`)
	assert.Contains(t, out, `"conversation_id":"c1"`)
}

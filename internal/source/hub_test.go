package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

func setupHub(t *testing.T) (*Hub, *store.MockStore, *transport.Gate) {
	t.Helper()
	s := store.NewMockStore()
	now := time.Now().UTC()
	require.NoError(t, s.CreateRecord(t.Context(), &store.VerificationRecord{
		ConversationID:   "c1",
		ParticipantIDs:   [2]string{"u1", "u2"},
		CurrentScore:     score.Initial(now),
		MonitoringActive: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	gate := transport.NewGate(nil)
	h := NewHub(s, s, gate, nil)
	t.Cleanup(h.Close)
	return h, s, gate
}

func recv(t *testing.T, ch <-chan store.Message) store.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return store.Message{}
}

func TestHub_IngestPersistsAndPublishesInOrder(t *testing.T) {
	h, s, _ := setupHub(t)
	ctx := t.Context()

	ch, cancel := h.Subscribe(ctx, "c1")
	defer cancel()

	for _, text := range []string{"hi", "hello", "how are you"} {
		_, err := h.Ingest(ctx, store.Message{ConversationID: "c1", SenderID: "u1", Content: text})
		require.NoError(t, err)
	}

	assert.Equal(t, "hi", recv(t, ch).Content)
	assert.Equal(t, "hello", recv(t, ch).Content)
	assert.Equal(t, "how are you", recv(t, ch).Content)

	n, err := s.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHub_IngestFillsIDAndTimestamp(t *testing.T) {
	h, _, _ := setupHub(t)

	msg, err := h.Ingest(t.Context(), store.Message{ConversationID: "c1", SenderID: "u2", Content: "yo"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestHub_RejectsNonParticipant(t *testing.T) {
	h, _, _ := setupHub(t)
	_, err := h.Ingest(t.Context(), store.Message{ConversationID: "c1", SenderID: "mallory", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestHub_RejectsUnknownConversation(t *testing.T) {
	h, _, _ := setupHub(t)
	_, err := h.Ingest(t.Context(), store.Message{ConversationID: "nope", SenderID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHub_RejectsEmptyContent(t *testing.T) {
	h, _, _ := setupHub(t)
	_, err := h.Ingest(t.Context(), store.Message{ConversationID: "c1", SenderID: "u1", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHub_RejectsWhenGateClosed(t *testing.T) {
	h, s, gate := setupHub(t)
	ctx := t.Context()

	require.NoError(t, gate.SetSendingAllowed(ctx, "c1", false))
	_, err := h.Ingest(ctx, store.Message{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, transport.ErrSendingPaused)

	n, err := s.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHub_RejectsWhenRecordPaused(t *testing.T) {
	h, s, _ := setupHub(t)
	ctx := t.Context()

	rec, err := s.GetRecord(ctx, "c1")
	require.NoError(t, err)
	rec.Pause("refusal", time.Now())
	require.NoError(t, s.SaveRecord(ctx, rec, nil))

	_, err = h.Ingest(ctx, store.Message{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, transport.ErrSendingPaused)
}

func TestHub_RejectsWhenMonitoringStopped(t *testing.T) {
	h, s, _ := setupHub(t)
	ctx := t.Context()

	rec, err := s.GetRecord(ctx, "c1")
	require.NoError(t, err)
	rec.MonitoringActive = false
	require.NoError(t, s.SaveRecord(ctx, rec, nil))

	_, err = h.Ingest(ctx, store.Message{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestHub_DropsDuplicates(t *testing.T) {
	h, s, _ := setupHub(t)
	ctx := t.Context()

	msg := store.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi"}
	_, err := h.Ingest(ctx, msg)
	require.NoError(t, err)
	_, err = h.Ingest(ctx, msg)
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := s.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHub_SubscribeCancel(t *testing.T) {
	h, _, _ := setupHub(t)

	ch, cancel := h.Subscribe(t.Context(), "c1")
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

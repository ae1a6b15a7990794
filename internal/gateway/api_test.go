// ABOUTME: Tests for the HTTP API handlers against a real supervisor and in-memory store
// ABOUTME: Covers routing, error mapping, auth, and the SSE and websocket streams

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consent-gateway/internal/audit"
	"github.com/2389/consent-gateway/internal/auth"
	"github.com/2389/consent-gateway/internal/monitor"
	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/source"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

type queued struct {
	snap score.Snapshot
	err  error
}

// queueAnalyzer returns per-conversation scripted results, falling back to
// an uncertain snapshot over the stored message count.
type queueAnalyzer struct {
	mu       sync.Mutex
	results  map[string][]queued
	messages store.MessageStore
}

func (q *queueAnalyzer) push(conversationID string, snap score.Snapshot, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[conversationID] = append(q.results[conversationID], queued{snap: snap, err: err})
}

func (q *queueAnalyzer) Evaluate(ctx context.Context, conversationID string) (score.Snapshot, error) {
	q.mu.Lock()
	if pending := q.results[conversationID]; len(pending) > 0 {
		q.results[conversationID] = pending[1:]
		q.mu.Unlock()
		return pending[0].snap, pending[0].err
	}
	q.mu.Unlock()

	n, err := q.messages.CountMessages(ctx, conversationID)
	if err != nil {
		return score.Snapshot{}, err
	}
	return score.Snapshot{
		Score:                    60,
		Status:                   score.StatusUncertain,
		Confidence:               0.5,
		MessageCountAtEvaluation: n,
		EvaluatedAt:              time.Now().UTC(),
	}, nil
}

type testEnv struct {
	server   *httptest.Server
	sup      *monitor.Supervisor
	analyzer *queueAnalyzer
}

func newTestEnv(t *testing.T, verifier auth.TokenVerifier) *testEnv {
	t.Helper()
	st := store.NewMockStore()
	gate := transport.NewGate(nil)
	hub := source.NewHub(st, st, gate, nil)
	az := &queueAnalyzer{results: make(map[string][]queued), messages: st}
	auditLog := audit.New(st, nil)

	sup, err := monitor.New(monitor.Deps{
		Store:     st,
		Source:    hub,
		Analyzer:  az,
		Transport: gate,
		Audit:     auditLog,
	}, monitor.DefaultConfig(), nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewAPI(sup, hub, auditLog, verifier, nil).Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		// Closing the supervisor ends open event streams first.
		sup.Close()
		srv.Close()
		hub.Close()
	})
	return &testEnv{server: srv, sup: sup, analyzer: az}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.server.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) start(t *testing.T, conversationID string, a, b string) {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: conversationID, Participants: []string{a, b}}, "")
	require.Equal(t, http.StatusOK, status, string(body))
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func snapshot(n, s int, status score.Status) score.Snapshot {
	return score.Snapshot{
		Score:                    s,
		Status:                   status,
		Confidence:               0.9,
		Reasoning:                "scripted",
		MessageCountAtEvaluation: n,
		EvaluatedAt:              time.Now().UTC(),
	}
}

func TestAPI_StartAndGetState(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c1", Participants: []string{"u1", "u2"}}, "")
	require.Equal(t, http.StatusOK, status)
	rec := decode[store.VerificationRecord](t, body)
	assert.Equal(t, "c1", rec.ConversationID)
	assert.Equal(t, [2]string{"u1", "u2"}, rec.ParticipantIDs)
	assert.False(t, rec.IsPaused)
	assert.True(t, rec.MonitoringActive)

	status, body = env.do(t, http.MethodGet, "/api/conversations/c1", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "c1", decode[store.VerificationRecord](t, body).ConversationID)

	status, _ = env.do(t, http.MethodGet, "/api/conversations/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c2", Participants: []string{"u1", "u1"}}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "participants")

	status, _ = env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c2", Participants: []string{"u1"}}, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/conversations", map[string]any{"bogus": true}, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_PauseAndResumeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")

	env.analyzer.push("c1", snapshot(0, 20, score.StatusNonConsent), nil)
	status, body := env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	require.Equal(t, http.StatusOK, status, string(body))
	rec := decode[store.VerificationRecord](t, body)
	assert.True(t, rec.IsPaused)
	require.NotNil(t, rec.PauseReason)

	// Too early to resume
	status, body = env.do(t, http.MethodPost, "/api/conversations/c1/resume", ResumeRequest{UserID: "u2"}, "")
	assert.Equal(t, http.StatusConflict, status)
	resp := decode[ResumeResponse](t, body)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Record)
	assert.True(t, resp.Record.IsPaused)

	env.analyzer.push("c1", snapshot(0, 90, score.StatusConsent), nil)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	require.Equal(t, http.StatusOK, status)

	// Strangers can't resume
	status, body = env.do(t, http.MethodPost, "/api/conversations/c1/resume", ResumeRequest{UserID: "mallory"}, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, decode[ResumeResponse](t, body).Success)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/resume", nil, "")
	assert.Equal(t, http.StatusBadRequest, status, "user_id required without auth")

	status, body = env.do(t, http.MethodPost, "/api/conversations/c1/resume", ResumeRequest{UserID: "u1"}, "")
	require.Equal(t, http.StatusOK, status, string(body))
	resp = decode[ResumeResponse](t, body)
	assert.True(t, resp.Success)
	assert.False(t, resp.Record.IsPaused)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/missing/resume", ResumeRequest{UserID: "u1"}, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_RefreshErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")

	env.analyzer.push("c1", score.Snapshot{}, errors.New("classifier offline"))
	status, body := env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	errResp := decode[errorResponse](t, body)
	assert.Contains(t, errResp.Error, "classifier offline")
	require.NotNil(t, errResp.Record, "unchanged record is returned")
	assert.Equal(t, "c1", errResp.Record.ConversationID)

	env.analyzer.push("c1", snapshot(0, 140, score.StatusConsent), nil)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	assert.Equal(t, http.StatusBadGateway, status)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/missing/refresh", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_IngestMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")
	env.start(t, "c2", "u3", "u4")

	status, body := env.do(t, http.MethodPost, "/api/conversations/c1/messages",
		IngestRequest{ID: "m1", SenderID: "u1", Content: "hi there"}, "")
	require.Equal(t, http.StatusAccepted, status, string(body))
	msg := decode[store.Message](t, body)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.False(t, msg.CreatedAt.IsZero())

	tests := []struct {
		name   string
		path   string
		req    IngestRequest
		status int
	}{
		{"duplicate", "/api/conversations/c1/messages", IngestRequest{ID: "m1", SenderID: "u1", Content: "again"}, http.StatusConflict},
		{"not a participant", "/api/conversations/c1/messages", IngestRequest{SenderID: "u3", Content: "hey"}, http.StatusForbidden},
		{"empty content", "/api/conversations/c1/messages", IngestRequest{SenderID: "u1"}, http.StatusBadRequest},
		{"missing sender", "/api/conversations/c1/messages", IngestRequest{Content: "hey"}, http.StatusBadRequest},
		{"unknown conversation", "/api/conversations/nope/messages", IngestRequest{SenderID: "u1", Content: "hey"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, tt.req, "")
			assert.Equal(t, tt.status, status, string(body))
		})
	}

	// A paused conversation refuses messages
	env.analyzer.push("c2", snapshot(0, 10, score.StatusNonConsent), nil)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c2/refresh", nil, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c2/messages",
		IngestRequest{SenderID: "u3", Content: "still there?"}, "")
	assert.Equal(t, http.StatusLocked, status)
}

func TestAPI_StopMonitoring(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")

	status, _ := env.do(t, http.MethodDelete, "/api/conversations/c1", nil, "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body := env.do(t, http.MethodGet, "/api/conversations/c1", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[store.VerificationRecord](t, body).MonitoringActive)

	status, _ = env.do(t, http.MethodDelete, "/api/conversations/c1", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/messages",
		IngestRequest{SenderID: "u1", Content: "hello"}, "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_AuditTrail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")
	env.analyzer.push("c1", snapshot(0, 5, score.StatusNonConsent), nil)
	status, _ := env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	require.Equal(t, http.StatusOK, status)

	type auditResponse struct {
		Entries []store.AuditEntry `json:"entries"`
	}

	status, body := env.do(t, http.MethodGet, "/api/conversations/c1/audit", nil, "")
	require.Equal(t, http.StatusOK, status)
	entries := decode[auditResponse](t, body).Entries
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditAutoPause, entries[0].Action, "newest first")
	assert.Equal(t, store.AuditMonitoringStarted, entries[1].Action)

	status, body = env.do(t, http.MethodGet, "/api/conversations/c1/audit?limit=1", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[auditResponse](t, body).Entries, 1)

	status, body = env.do(t, http.MethodGet, "/api/conversations/c1/audit?action=monitoring_started", nil, "")
	require.Equal(t, http.StatusOK, status)
	entries = decode[auditResponse](t, body).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActorSystem, entries[0].Actor)

	status, _ = env.do(t, http.MethodGet, "/api/conversations/c1/audit?limit=many", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_WithAuth(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("api-test-secret"))
	env := newTestEnv(t, verifier)

	alice, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	mallory, err := verifier.Generate("mallory", time.Hour)
	require.NoError(t, err)

	status, _ := env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c1", Participants: []string{"alice", "bob"}}, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c1", Participants: []string{"alice", "bob"}}, alice)
	require.Equal(t, http.StatusOK, status)

	// The sender comes from the token
	status, body := env.do(t, http.MethodPost, "/api/conversations/c1/messages",
		IngestRequest{Content: "hi bob"}, alice)
	require.Equal(t, http.StatusAccepted, status, string(body))
	assert.Equal(t, "alice", decode[store.Message](t, body).SenderID)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/messages",
		IngestRequest{SenderID: "bob", Content: "impersonating"}, alice)
	assert.Equal(t, http.StatusForbidden, status)

	// The body user_id is ignored when authenticated
	waitForMessageEvaluation(t, env, "c1")
	env.analyzer.push("c1", snapshot(1, 10, score.StatusNonConsent), nil)
	env.analyzer.push("c1", snapshot(1, 95, score.StatusConsent), nil)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, alice)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, alice)
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/api/conversations/c1/resume", ResumeRequest{UserID: "alice"}, mallory)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodPost, "/api/conversations/c1/resume", nil, alice)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.True(t, decode[ResumeResponse](t, body).Success)

	// A valid token for someone outside the conversation grants nothing
	outsider := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/conversations/c1"},
		{http.MethodGet, "/api/conversations/c1/audit"},
		{http.MethodGet, "/api/conversations/c1/events"},
		{http.MethodGet, "/api/conversations/c1/ws"},
		{http.MethodPost, "/api/conversations/c1/refresh"},
		{http.MethodDelete, "/api/conversations/c1"},
	}
	for _, tc := range outsider {
		status, body := env.do(t, tc.method, tc.path, nil, mallory)
		assert.Equal(t, http.StatusForbidden, status, "%s %s", tc.method, tc.path)
		assert.Contains(t, string(body), "not a participant")
	}

	status, _ = env.do(t, http.MethodPost, "/api/conversations",
		StartRequest{ConversationID: "c2", Participants: []string{"alice", "bob"}}, mallory)
	assert.Equal(t, http.StatusForbidden, status)
	_, err = env.sup.GetState(t.Context(), "c2")
	assert.ErrorIs(t, err, monitor.ErrNotFound)

	// Monitoring survived the outsider's stop attempt
	status, body = env.do(t, http.MethodPost, "/api/conversations/c1/messages",
		IngestRequest{Content: "still here"}, alice)
	assert.Equal(t, http.StatusAccepted, status, string(body))

	status, body = env.do(t, http.MethodGet, "/api/conversations/c1/audit", nil, alice)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(body), string(store.AuditMonitoringStopped))
}

// waitForMessageEvaluation waits until the record reflects every ingested
// message, so scripted results aren't consumed by the message trigger.
func waitForMessageEvaluation(t *testing.T, env *testEnv, conversationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := env.sup.GetState(t.Context(), conversationID)
		return err == nil && len(rec.History) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAPI_SSEStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/conversations/c1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	next := func() string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended early")
				if strings.HasPrefix(line, "event: ") {
					return strings.TrimPrefix(line, "event: ")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for SSE event")
			}
		}
	}

	assert.Equal(t, "state", next())

	env.analyzer.push("c1", snapshot(0, 15, score.StatusNonConsent), nil)
	status, _ := env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(monitor.EventPaused), next())

	status, _ = env.do(t, http.MethodGet, "/api/conversations/missing/events", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_WebSocketStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, "c1", "u1", "u2")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/conversations/c1/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, "state", first.Type)

	env.analyzer.push("c1", snapshot(0, 70, score.StatusUncertain), nil)
	status, _ := env.do(t, http.MethodPost, "/api/conversations/c1/refresh", nil, "")
	require.Equal(t, http.StatusOK, status)

	ev := read()
	assert.Equal(t, string(monitor.EventEvaluated), ev.Type)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c1", data["conversation_id"])

	_, _, err = websocket.DefaultDialer.DialContext(t.Context(),
		"ws"+strings.TrimPrefix(env.server.URL, "http")+"/api/conversations/missing/ws", nil)
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{monitor.ErrInvalidParticipants, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", monitor.ErrNotFound), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{monitor.ErrUnauthorized, http.StatusForbidden},
		{source.ErrNotParticipant, http.StatusForbidden},
		{monitor.ErrScoreTooLow, http.StatusConflict},
		{source.ErrDuplicate, http.StatusConflict},
		{transport.ErrSendingPaused, http.StatusLocked},
		{score.ErrInvalidSnapshot, http.StatusBadGateway},
		{monitor.ErrAnalyzerUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

// ABOUTME: HTTP client analyzer that delegates scoring to a remote classifier
// ABOUTME: Posts recent messages as JSON and decodes a ScoreSnapshot

package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
)

// maxResponseSize bounds the classifier response body.
const maxResponseSize = 1 << 20

// evaluateRequest is the body posted to the classifier.
type evaluateRequest struct {
	ConversationID string           `json:"conversation_id"`
	MessageCount   int              `json:"message_count"`
	Messages       []*store.Message `json:"messages"`
}

// evaluateResponse is the classifier's answer. Score and confidence are
// pointers so an omitted field is distinguishable from zero.
type evaluateResponse struct {
	Score                    *int         `json:"score"`
	Status                   score.Status `json:"status"`
	Confidence               *float64     `json:"confidence"`
	Reasoning                string       `json:"reasoning"`
	MessageCountAtEvaluation int          `json:"message_count_at_evaluation"`
	EvaluatedAt              time.Time    `json:"evaluated_at"`
}

// HTTP is an Analyzer backed by a remote classifier endpoint.
type HTTP struct {
	url      string
	client   *http.Client
	messages store.MessageStore
	window   int
}

// NewHTTP creates an HTTP analyzer posting to url. A nil client uses a
// client with a 30s timeout; callers usually bound Evaluate with ctx.
func NewHTTP(url string, messages store.MessageStore, client *http.Client, window int) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &HTTP{url: url, client: client, messages: messages, window: window}
}

// Evaluate implements Analyzer. Non-2xx responses and undecodable bodies
// are errors. A response without score or confidence is rejected with
// score.ErrInvalidSnapshot. A missing evaluated_at or message count is
// filled in locally.
func (h *HTTP) Evaluate(ctx context.Context, conversationID string) (score.Snapshot, error) {
	total, err := h.messages.CountMessages(ctx, conversationID)
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("counting messages: %w", err)
	}
	msgs, err := h.messages.ListMessages(ctx, conversationID, h.window)
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("listing messages: %w", err)
	}

	body, err := json.Marshal(evaluateRequest{
		ConversationID: conversationID,
		MessageCount:   total,
		Messages:       msgs,
	})
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("calling classifier: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return score.Snapshot{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out evaluateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return score.Snapshot{}, fmt.Errorf("decoding classifier response: %w", err)
	}
	if out.Score == nil {
		return score.Snapshot{}, fmt.Errorf("%w: classifier response has no score", score.ErrInvalidSnapshot)
	}
	if out.Confidence == nil {
		return score.Snapshot{}, fmt.Errorf("%w: classifier response has no confidence", score.ErrInvalidSnapshot)
	}

	snap := score.Snapshot{
		Score:                    *out.Score,
		Status:                   out.Status,
		Confidence:               *out.Confidence,
		Reasoning:                out.Reasoning,
		MessageCountAtEvaluation: out.MessageCountAtEvaluation,
		EvaluatedAt:              out.EvaluatedAt,
	}
	if snap.EvaluatedAt.IsZero() {
		snap.EvaluatedAt = time.Now().UTC()
	}
	if snap.MessageCountAtEvaluation == 0 {
		snap.MessageCountAtEvaluation = total
	}
	return snap, nil
}

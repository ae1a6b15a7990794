// ABOUTME: Audit logger for consent gating decisions
// ABOUTME: Appends to the audit store and mirrors each entry to slog

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/consent-gateway/internal/store"
)

// Filter selects audit entries; see store.AuditFilter.
type Filter = store.AuditFilter

// Logger writes audit entries. It is safe for concurrent use by any number
// of monitors.
type Logger struct {
	sink   store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger over sink. Pass nil logger for default.
func New(sink store.AuditStore, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		sink:   sink,
		logger: logger.With("component", "audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append writes e to the audit store. When the store rejects it the entry
// is logged in full at error level and the error is returned.
func (l *Logger) Append(ctx context.Context, e *store.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if err := l.sink.AppendAudit(ctx, e); err != nil {
		l.logger.Error("audit sink failed",
			"error", err,
			"conversation_id", e.ConversationID,
			"actor", e.Actor,
			"action", e.Action,
			"timestamp", e.Timestamp,
			"score_before", derefInt(e.ScoreBefore),
			"score_after", derefInt(e.ScoreAfter),
			"paused_before", e.PausedBefore,
			"paused_after", e.PausedAfter,
			"detail", e.Detail,
		)
		return fmt.Errorf("appending audit entry: %w", err)
	}

	l.logger.Info("audit",
		"id", e.ID,
		"conversation_id", e.ConversationID,
		"actor", e.Actor,
		"action", e.Action,
		"paused_after", e.PausedAfter,
	)
	return nil
}

// List returns entries matching f, newest first.
func (l *Logger) List(ctx context.Context, f Filter) ([]store.AuditEntry, error) {
	entries, err := l.sink.ListAudit(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// ForConversation lists the newest limit entries of one conversation.
func (l *Logger) ForConversation(ctx context.Context, conversationID string, limit int) ([]store.AuditEntry, error) {
	return l.List(ctx, Filter{ConversationID: &conversationID, Limit: limit})
}

// Transition builds an entry describing a change from before to after.
// Either record may be nil when there is no prior or resulting state.
func Transition(action store.AuditAction, actor string, before, after *store.VerificationRecord) *store.AuditEntry {
	e := &store.AuditEntry{
		Actor:  actor,
		Action: action,
	}
	if before != nil {
		e.ConversationID = before.ConversationID
		s := before.CurrentScore.Score
		e.ScoreBefore = &s
		e.PausedBefore = before.IsPaused
	}
	if after != nil {
		e.ConversationID = after.ConversationID
		s := after.CurrentScore.Score
		e.ScoreAfter = &s
		e.PausedAfter = after.IsPaused
	}
	return e
}

// WithDetail sets a detail key on e and returns it.
func WithDetail(e *store.AuditEntry, key string, value any) *store.AuditEntry {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

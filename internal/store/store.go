// ABOUTME: Store interfaces and data types for consent-gateway persistence
// ABOUTME: Defines VerificationRecord, Message, and the record/message/audit store contracts

package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/2389/consent-gateway/internal/score"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRecord is returned when a record already exists for a conversation
var ErrDuplicateRecord = errors.New("verification record already exists")

// ErrDuplicateMessage is returned when a message ID has already been stored
var ErrDuplicateMessage = errors.New("message already exists")

// ErrMessageCountDecreased is returned when a save would move a record's
// message count backwards.
var ErrMessageCountDecreased = errors.New("message count cannot decrease")

// DefaultHistoryLimit is the number of snapshots retained per record when no
// explicit limit is configured.
const DefaultHistoryLimit = 100

// VerificationRecord is the consent state of one monitored conversation.
// PauseReason and PausedAt are set if and only if IsPaused is true.
type VerificationRecord struct {
	ConversationID   string           `json:"conversation_id"`
	ParticipantIDs   [2]string        `json:"participant_ids"`
	CurrentScore     score.Snapshot   `json:"current_score"`
	IsPaused         bool             `json:"is_paused"`
	PauseReason      *string          `json:"pause_reason,omitempty"`
	PausedAt         *time.Time       `json:"paused_at,omitempty"`
	MessageCount     int              `json:"message_count"`
	History          []score.Snapshot `json:"history"`
	MonitoringActive bool             `json:"monitoring_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the record's two participants.
func (r *VerificationRecord) HasParticipant(userID string) bool {
	return userID != "" && (r.ParticipantIDs[0] == userID || r.ParticipantIDs[1] == userID)
}

// Pause marks the record paused with the given reason.
func (r *VerificationRecord) Pause(reason string, at time.Time) {
	r.IsPaused = true
	r.PauseReason = &reason
	r.PausedAt = &at
}

// Unpause clears the pause state.
func (r *VerificationRecord) Unpause() {
	r.IsPaused = false
	r.PauseReason = nil
	r.PausedAt = nil
}

// Clone returns a deep copy so callers can't mutate stored state.
func (r *VerificationRecord) Clone() *VerificationRecord {
	c := *r
	if r.PauseReason != nil {
		reason := *r.PauseReason
		c.PauseReason = &reason
	}
	if r.PausedAt != nil {
		at := *r.PausedAt
		c.PausedAt = &at
	}
	c.History = slices.Clone(r.History)
	return &c
}

// Message is a single chat message delivered through the message source.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordStore persists verification records and their score history.
type RecordStore interface {
	// CreateRecord inserts a new record. Returns ErrDuplicateRecord if one exists.
	CreateRecord(ctx context.Context, rec *VerificationRecord) error
	// GetRecord returns the record with its retained history, oldest first.
	GetRecord(ctx context.Context, conversationID string) (*VerificationRecord, error)
	// SaveRecord updates the record and, when appended is non-nil, appends it to
	// the history in the same transaction. History beyond the retention limit is
	// pruned oldest first.
	SaveRecord(ctx context.Context, rec *VerificationRecord, appended *score.Snapshot) error
	// ListActiveRecords returns records whose monitoring is active.
	ListActiveRecords(ctx context.Context) ([]*VerificationRecord, error)
}

// MessageStore persists conversation messages for analyzers.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the most recent limit messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines every persistence concern of the gateway.
type Store interface {
	RecordStore
	MessageStore
	AuditStore
	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	historyLimit int
}

// WithHistoryLimit sets how many snapshots are retained per record.
// Values <= 0 select DefaultHistoryLimit.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

func buildOptions(opts []Option) options {
	o := options{historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.historyLimit <= 0 {
		o.historyLimit = DefaultHistoryLimit
	}
	return o
}

// trimHistory keeps the newest limit snapshots.
func trimHistory(h []score.Snapshot, limit int) []score.Snapshot {
	if len(h) <= limit {
		return h
	}
	return slices.Clone(h[len(h)-limit:])
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

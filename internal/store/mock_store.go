// ABOUTME: In-memory Store implementation for tests and the "memory" driver
// ABOUTME: Mirrors SQLiteStore semantics without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/consent-gateway/internal/score"
)

// MockStore is an in-memory Store implementation.
type MockStore struct {
	mu           sync.RWMutex
	records      map[string]*VerificationRecord // keyed by conversation ID
	messages     map[string][]*Message          // keyed by conversation ID
	messageIDs   map[string]struct{}
	audit        []AuditEntry // append order
	historyLimit int
}

// NewMockStore creates a new MockStore.
func NewMockStore(opts ...Option) *MockStore {
	o := buildOptions(opts)
	return &MockStore{
		records:      make(map[string]*VerificationRecord),
		messages:     make(map[string][]*Message),
		messageIDs:   make(map[string]struct{}),
		historyLimit: o.historyLimit,
	}
}

// CreateRecord stores a new record.
func (m *MockStore) CreateRecord(ctx context.Context, rec *VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ConversationID]; ok {
		return ErrDuplicateRecord
	}
	m.records[rec.ConversationID] = rec.Clone()
	return nil
}

// GetRecord returns a copy of the record.
func (m *MockStore) GetRecord(ctx context.Context, conversationID string) (*VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	c := rec.Clone()
	if c.History == nil {
		c.History = []score.Snapshot{}
	}
	return c, nil
}

// SaveRecord replaces the record state and appends to history.
func (m *MockStore) SaveRecord(ctx context.Context, rec *VerificationRecord, appended *score.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if rec.MessageCount < stored.MessageCount {
		return fmt.Errorf("%w: %d < %d", ErrMessageCountDecreased, rec.MessageCount, stored.MessageCount)
	}

	// History is owned by the store; the caller's copy is ignored.
	history := stored.History
	next := rec.Clone()
	if appended != nil {
		history = trimHistory(append(history, *appended), m.historyLimit)
	}
	next.History = history
	m.records[rec.ConversationID] = next
	return nil
}

// ListActiveRecords returns records with monitoring active, oldest first.
func (m *MockStore) ListActiveRecords(ctx context.Context) ([]*VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*VerificationRecord
	for _, rec := range m.records {
		if rec.MonitoringActive {
			c := rec.Clone()
			c.History = nil
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveMessage appends a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.messageIDs[msg.ID]; dup {
		return ErrDuplicateMessage
	}
	c := *msg
	m.messageIDs[msg.ID] = struct{}{}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &c)
	return nil
}

// ListMessages returns the last limit messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	all := m.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, 0, len(all))
	for _, msg := range all {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

// CountMessages returns the number of stored messages.
func (m *MockStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID]), nil
}

// AppendAudit appends an audit entry.
func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAudit returns matching entries, newest first.
func (m *MockStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if f.matches(&m.audit[i]) {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*BoltStore)(nil)
)

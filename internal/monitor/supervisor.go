// ABOUTME: Monitoring supervisor: lifecycle of per-conversation monitors and the public API
// ABOUTME: StartMonitoring, GetState, Refresh, Resume, StopMonitoring, Subscribe, Restore

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/consent-gateway/internal/analyzer"
	"github.com/2389/consent-gateway/internal/audit"
	"github.com/2389/consent-gateway/internal/pubsub"
	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

// MessageSource streams a conversation's messages in order.
type MessageSource interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan store.Message, func())
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Store     store.RecordStore
	Source    MessageSource
	Analyzer  analyzer.Analyzer
	Transport transport.Transport
	Audit     *audit.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// Supervisor manages the monitors of all active conversations.
type Supervisor struct {
	store     store.RecordStore
	source    MessageSource
	analyzer  analyzer.Analyzer
	transport transport.Transport
	audit     *audit.Logger
	events    *pubsub.Broadcaster[StateEvent]
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	monitors map[string]*Monitor
	closed   bool
}

// New creates a Supervisor. Pass nil logger for default.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if deps.Store == nil || deps.Source == nil || deps.Analyzer == nil || deps.Transport == nil || deps.Audit == nil {
		return nil, errors.New("monitor: store, source, analyzer, transport and audit are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:     deps.Store,
		source:    deps.Source,
		analyzer:  deps.Analyzer,
		transport: deps.Transport,
		audit:     deps.Audit,
		events:    pubsub.New[StateEvent](logger, pubsub.WithName("state-events")),
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		monitors:  make(map[string]*Monitor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartMonitoring begins monitoring a conversation between two participants.
// It is idempotent: for a conversation that already has a record, the
// existing record is returned unchanged (monitoring is restarted if it had
// been stopped).
func (s *Supervisor) StartMonitoring(ctx context.Context, conversationID, participantA, participantB string) (*store.VerificationRecord, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidParticipants)
	}
	if participantA == "" || participantB == "" || participantA == participantB {
		return nil, ErrInvalidParticipants
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrMonitorStopped
	}

	if _, running := s.monitors[conversationID]; running {
		return s.GetState(ctx, conversationID)
	}

	rec, err := s.store.GetRecord(ctx, conversationID)
	switch {
	case err == nil:
		if !rec.MonitoringActive {
			rec.MonitoringActive = true
			rec.UpdatedAt = s.now()
			if err := s.store.SaveRecord(ctx, rec, nil); err != nil {
				return nil, fmt.Errorf("reactivating record: %w", err)
			}
			s.appendAudit(ctx, audit.Transition(store.AuditMonitoringStarted, store.ActorSystem, nil, rec))
		}
	case errors.Is(err, store.ErrNotFound):
		now := s.now()
		rec = &store.VerificationRecord{
			ConversationID:   conversationID,
			ParticipantIDs:   [2]string{participantA, participantB},
			CurrentScore:     score.Initial(now),
			History:          []score.Snapshot{},
			MonitoringActive: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.store.CreateRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("creating record: %w", err)
		}
		s.appendAudit(ctx, audit.Transition(store.AuditMonitoringStarted, store.ActorSystem, nil, rec))
	default:
		return nil, fmt.Errorf("loading record: %w", err)
	}

	s.startLocked(ctx, rec)
	s.publish(EventStarted, rec, "")
	return rec, nil
}

// startLocked launches a monitor for rec. Paused records get their
// transport block re-applied. Must be called with mu held.
func (s *Supervisor) startLocked(ctx context.Context, rec *store.VerificationRecord) {
	if rec.IsPaused {
		if err := s.transport.SetSendingAllowed(ctx, rec.ConversationID, false); err != nil {
			s.logger.Error("failed to re-apply pause to transport",
				"conversation_id", rec.ConversationID, "error", err)
		}
	}
	m := newMonitor(s, rec.ConversationID)
	m.start(s.ctx)
	s.monitors[rec.ConversationID] = m
}

// GetState returns the current record of a conversation.
func (s *Supervisor) GetState(ctx context.Context, conversationID string) (*store.VerificationRecord, error) {
	rec, err := s.store.GetRecord(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	return rec, nil
}

// Refresh forces an evaluation now, serialized with message-triggered ones.
// On analyzer failure the unchanged record is returned with
// ErrAnalyzerUnavailable; on an invalid snapshot with score.ErrInvalidSnapshot.
func (s *Supervisor) Refresh(ctx context.Context, conversationID string) (*store.VerificationRecord, error) {
	m, err := s.monitor(conversationID)
	if err != nil {
		return nil, err
	}
	return m.do(ctx, request{kind: requestRefresh})
}

// Resume lifts a pause at a participant's request. It succeeds when the
// requester is a participant and the current snapshot meets the resume
// threshold with consent. Otherwise the unchanged record is returned with
// ErrUnauthorized or ErrScoreTooLow.
func (s *Supervisor) Resume(ctx context.Context, conversationID, userID string) (*store.VerificationRecord, error) {
	m, err := s.monitor(conversationID)
	if err != nil {
		return nil, err
	}
	return m.do(ctx, request{kind: requestResume, userID: userID})
}

// StopMonitoring tears down a conversation's monitor. The record is kept
// with monitoring marked inactive. The supervisor lock is held until the
// record is written, so a concurrent StartMonitoring cannot run a new
// monitor against the record being deactivated.
func (s *Supervisor) StopMonitoring(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, running := s.monitors[conversationID]
	if running {
		delete(s.monitors, conversationID)
		m.stop()
	}

	// Read after the monitor has exited so its last commit is included.
	rec, err := s.store.GetRecord(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return fmt.Errorf("loading record: %w", err)
	}
	if !running && !rec.MonitoringActive {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	before := rec.Clone()
	rec.MonitoringActive = false
	rec.UpdatedAt = s.now()
	if err := s.store.SaveRecord(ctx, rec, nil); err != nil {
		return fmt.Errorf("saving record: %w", err)
	}
	s.appendAudit(ctx, audit.Transition(store.AuditMonitoringStopped, store.ActorSystem, before, rec))
	s.publish(EventStopped, rec, "")
	return nil
}

// Subscribe streams state events for a conversation until ctx is cancelled
// or the returned cancel func is called.
func (s *Supervisor) Subscribe(ctx context.Context, conversationID string) (<-chan StateEvent, func()) {
	ch, subID := s.events.Subscribe(ctx, conversationID)
	return ch, func() { s.events.Unsubscribe(conversationID, subID) }
}

// Restore starts monitors for every record with monitoring active. It is
// called once at boot. Returns the number of monitors started.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	records, err := s.store.ListActiveRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrMonitorStopped
	}

	started := 0
	for _, rec := range records {
		if _, running := s.monitors[rec.ConversationID]; running {
			continue
		}
		s.startLocked(ctx, rec)
		started++
	}
	s.logger.Info("restored monitors", "count", started)
	return started, nil
}

// Active returns the number of running monitors.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Close stops every monitor and closes event subscriptions. Records keep
// monitoring active so Restore picks them up on next boot.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	monitors := s.monitors
	s.monitors = make(map[string]*Monitor)
	s.mu.Unlock()

	s.cancel()
	for _, m := range monitors {
		<-m.done
	}
	s.events.Close()
	s.logger.Info("supervisor closed", "monitors", len(monitors))
}

func (s *Supervisor) monitor(conversationID string) (*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return m, nil
}

func (s *Supervisor) publish(t EventType, rec *store.VerificationRecord, detail string) {
	s.events.Publish(rec.ConversationID, StateEvent{
		Type:           t,
		ConversationID: rec.ConversationID,
		Record:         rec.Clone(),
		Detail:         detail,
		At:             s.now(),
	}, "")
}

// appendAudit writes e. Sink failures are already logged in full by the
// audit logger and don't fail the operation.
func (s *Supervisor) appendAudit(ctx context.Context, e *store.AuditEntry) {
	_ = s.audit.Append(ctx, e)
}

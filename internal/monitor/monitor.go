// ABOUTME: Per-conversation monitor goroutine, the single writer of its record
// ABOUTME: Serializes message-triggered evaluations, Refresh, and Resume on one loop

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/consent-gateway/internal/audit"
	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
)

type requestKind int

const (
	requestRefresh requestKind = iota
	requestResume
)

type request struct {
	kind   requestKind
	userID string
	reply  chan result
}

type result struct {
	rec *store.VerificationRecord
	err error
}

// Monitor evaluates one conversation. All of its state is owned by the run
// goroutine.
type Monitor struct {
	conversationID string
	sup            *Supervisor
	messages       <-chan store.Message
	unsubscribe    func()
	requests       chan request
	cancel         context.CancelFunc
	done           chan struct{}
	logger         *slog.Logger

	// failure streak, touched only by run
	failures  int
	lastError error
	degraded  bool
}

func newMonitor(sup *Supervisor, conversationID string) *Monitor {
	return &Monitor{
		conversationID: conversationID,
		sup:            sup,
		requests:       make(chan request),
		done:           make(chan struct{}),
		logger:         sup.logger.With("conversation_id", conversationID),
	}
}

// start subscribes to the message source before returning, so no message
// ingested after StartMonitoring is missed, then launches the loop.
func (m *Monitor) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.messages, m.unsubscribe = m.sup.source.Subscribe(ctx, m.conversationID)
	go m.run(ctx)
}

// stop cancels the loop and waits for it to exit. A decision that was being
// committed finishes first.
func (m *Monitor) stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.unsubscribe()

	m.logger.Info("monitor started")
	defer m.logger.Info("monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.messages:
			if !ok {
				return
			}
			m.logger.Debug("evaluating after message", "message_id", msg.ID)
			// Failures are logged and recorded inside evaluate.
			_, _ = m.evaluate(ctx)
		case req := <-m.requests:
			var res result
			switch req.kind {
			case requestRefresh:
				res.rec, res.err = m.evaluate(ctx)
			case requestResume:
				res.rec, res.err = m.resume(ctx, req.userID)
			}
			req.reply <- res
		}
	}
}

// do runs req on the monitor loop and waits for its result.
func (m *Monitor) do(ctx context.Context, req request) (*store.VerificationRecord, error) {
	req.reply = make(chan result, 1)
	select {
	case m.requests <- req:
	case <-m.done:
		return nil, ErrMonitorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evaluate runs one analyzer pass and commits its outcome.
func (m *Monitor) evaluate(ctx context.Context) (*store.VerificationRecord, error) {
	actx, cancel := context.WithTimeout(ctx, m.sup.cfg.AnalyzerTimeout)
	snap, err := m.sup.analyzer.Evaluate(actx, m.conversationID)
	cancel()

	// Stopped while the analyzer ran: abandon without writing.
	if ctx.Err() != nil {
		return nil, ErrMonitorStopped
	}
	// From here the decision is committed as a whole.
	wctx := context.WithoutCancel(ctx)

	rec, getErr := m.sup.store.GetRecord(wctx, m.conversationID)
	if getErr != nil {
		m.logger.Error("failed to load record", "error", getErr)
		return nil, fmt.Errorf("loading record: %w", getErr)
	}

	if errors.Is(err, score.ErrInvalidSnapshot) {
		m.logger.Warn("discarding invalid snapshot", "error", err)
		return rec, err
	}
	if err != nil {
		return m.analyzerFailed(wctx, rec, err)
	}

	if err := snap.Validate(); err != nil {
		m.logger.Warn("discarding invalid snapshot", "error", err, "score", snap.Score, "confidence", snap.Confidence)
		return rec, err
	}
	if snap.MessageCountAtEvaluation < rec.MessageCount {
		err := fmt.Errorf("%w: message count %d below recorded %d",
			score.ErrInvalidSnapshot, snap.MessageCountAtEvaluation, rec.MessageCount)
		m.logger.Warn("discarding invalid snapshot", "error", err)
		return rec, err
	}

	escalate := false
	if snap.Status == score.StatusInsufficientData {
		// Low-information results extend a streak that a failure started.
		if m.failures > 0 {
			m.failures++
			escalate = m.reachedThreshold()
		}
	} else {
		m.resetStreak()
	}

	rec, err = m.commit(wctx, rec, snap)
	if err != nil {
		return nil, err
	}
	if escalate {
		m.escalate(wctx, rec)
	}
	return rec, nil
}

// commit applies snap to rec through the gating policy, persists the record
// with the snapshot appended to history, and performs the side effects of a
// pause transition.
func (m *Monitor) commit(ctx context.Context, rec *store.VerificationRecord, snap score.Snapshot) (*store.VerificationRecord, error) {
	sup := m.sup
	before := rec.Clone()
	decision := sup.cfg.Policy.Decide(rec, snap)
	now := sup.now()

	rec.CurrentScore = snap
	rec.MessageCount = snap.MessageCountAtEvaluation
	rec.UpdatedAt = now
	paused := decision.Transitioned(rec.IsPaused)
	if paused {
		rec.Pause(decision.Reason, now)
	}

	if err := sup.store.SaveRecord(ctx, rec, &snap); err != nil {
		m.logger.Error("failed to save record", "error", err)
		return nil, fmt.Errorf("saving record: %w", err)
	}

	m.logger.Debug("snapshot applied",
		"score", snap.Score,
		"status", snap.Status,
		"risk", decision.Risk.String(),
		"is_paused", rec.IsPaused,
	)

	if sup.cfg.RecordSnapshots {
		e := audit.Transition(store.AuditSnapshot, store.ActorSystem, before, rec)
		audit.WithDetail(e, "status", string(snap.Status))
		audit.WithDetail(e, "confidence", snap.Confidence)
		audit.WithDetail(e, "message_count", snap.MessageCountAtEvaluation)
		_ = sup.audit.Append(ctx, e)
	}

	if !paused {
		sup.publish(EventEvaluated, rec, "")
		return rec, nil
	}

	m.logger.Warn("conversation auto-paused",
		"score", snap.Score,
		"status", snap.Status,
		"reason", decision.Reason,
	)
	e := audit.Transition(store.AuditAutoPause, store.ActorSystem, before, rec)
	audit.WithDetail(e, "reason", decision.Reason)
	audit.WithDetail(e, "status", string(snap.Status))
	audit.WithDetail(e, "risk", decision.Risk.String())
	if err := sup.transport.SetSendingAllowed(ctx, m.conversationID, false); err != nil {
		m.logger.Error("failed to block sending", "error", err)
		audit.WithDetail(e, "transport_error", err.Error())
	}
	_ = sup.audit.Append(ctx, e)
	sup.publish(EventPaused, rec, decision.Reason)
	return rec, nil
}

// analyzerFailed records one analyzer failure. The record is unchanged
// unless the failure completes a streak, in which case a synthetic
// insufficient_data snapshot is committed and the streak escalated.
func (m *Monitor) analyzerFailed(ctx context.Context, rec *store.VerificationRecord, cause error) (*store.VerificationRecord, error) {
	m.failures++
	m.lastError = cause
	m.logger.Warn("analyzer call failed", "error", cause, "consecutive_failures", m.failures)

	err := fmt.Errorf("%w: %w", ErrAnalyzerUnavailable, cause)
	if !m.reachedThreshold() {
		return rec, err
	}

	synthetic := score.Snapshot{
		Score:                    rec.CurrentScore.Score,
		Status:                   score.StatusInsufficientData,
		Confidence:               0,
		Reasoning:                fmt.Sprintf("analyzer unavailable after %d consecutive failures", m.failures),
		MessageCountAtEvaluation: rec.MessageCount,
		EvaluatedAt:              m.sup.now(),
	}
	updated, commitErr := m.commit(ctx, rec.Clone(), synthetic)
	if commitErr != nil {
		return rec, errors.Join(err, commitErr)
	}
	m.escalate(ctx, updated)
	return updated, err
}

// reachedThreshold reports whether the streak has just become degraded.
func (m *Monitor) reachedThreshold() bool {
	return !m.degraded && m.failures >= m.sup.cfg.FailureThreshold
}

// escalate writes the single degraded_monitoring entry of the current streak.
func (m *Monitor) escalate(ctx context.Context, rec *store.VerificationRecord) {
	m.degraded = true
	lastErr := ""
	if m.lastError != nil {
		lastErr = m.lastError.Error()
	}
	m.logger.Error("consent monitoring degraded",
		"consecutive_failures", m.failures,
		"last_error", lastErr,
		"is_paused", rec.IsPaused,
	)

	e := audit.Transition(store.AuditDegradedMonitoring, store.ActorSystem, rec, rec)
	audit.WithDetail(e, "consecutive_failures", m.failures)
	if lastErr != "" {
		audit.WithDetail(e, "last_error", lastErr)
	}
	_ = m.sup.audit.Append(ctx, e)
	m.sup.publish(EventDegraded, rec, lastErr)
}

func (m *Monitor) resetStreak() {
	if m.degraded {
		m.logger.Info("consent monitoring recovered", "consecutive_failures", m.failures)
	}
	m.failures = 0
	m.lastError = nil
	m.degraded = false
}

// resume handles a manual resume request.
func (m *Monitor) resume(ctx context.Context, userID string) (*store.VerificationRecord, error) {
	sup := m.sup
	ctx = context.WithoutCancel(ctx)

	rec, err := sup.store.GetRecord(ctx, m.conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}

	if !rec.HasParticipant(userID) {
		m.logger.Warn("resume denied", "user_id", userID, "reason", "not a participant")
		m.denyResume(ctx, rec, userID, "unauthorized")
		return rec, ErrUnauthorized
	}
	if !sup.cfg.Policy.CanResume(rec.CurrentScore) {
		m.logger.Info("resume denied", "user_id", userID, "reason", "score too low",
			"score", rec.CurrentScore.Score, "status", rec.CurrentScore.Status)
		m.denyResume(ctx, rec, userID, "score_too_low")
		return rec, fmt.Errorf("%w: score %d with status %s, need %d with %s",
			ErrScoreTooLow, rec.CurrentScore.Score, rec.CurrentScore.Status,
			sup.cfg.Policy.ResumeThreshold, score.StatusConsent)
	}
	if !rec.IsPaused {
		return rec, nil
	}

	before := rec.Clone()
	rec.Unpause()
	rec.UpdatedAt = sup.now()
	if err := sup.store.SaveRecord(ctx, rec, nil); err != nil {
		m.logger.Error("failed to save record", "error", err)
		return before, fmt.Errorf("saving record: %w", err)
	}

	e := audit.Transition(store.AuditManualResume, userID, before, rec)
	if err := sup.transport.SetSendingAllowed(ctx, m.conversationID, true); err != nil {
		m.logger.Error("failed to re-allow sending", "error", err)
		audit.WithDetail(e, "transport_error", err.Error())
	}
	_ = sup.audit.Append(ctx, e)

	m.logger.Info("conversation resumed", "user_id", userID, "score", rec.CurrentScore.Score)
	sup.publish(EventResumed, rec, userID)
	return rec, nil
}

func (m *Monitor) denyResume(ctx context.Context, rec *store.VerificationRecord, userID, reason string) {
	e := audit.Transition(store.AuditResumeDenied, userID, rec, rec)
	audit.WithDetail(e, "reason", reason)
	_ = m.sup.audit.Append(ctx, e)
}

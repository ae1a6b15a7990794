// ABOUTME: Audit log entity and store methods for consent-monitoring decisions
// ABOUTME: Records who paused or resumed which conversation, and the score around it

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditMonitoringStarted  AuditAction = "monitoring_started"
	AuditSnapshot           AuditAction = "snapshot"
	AuditAutoPause          AuditAction = "auto_pause"
	AuditManualResume       AuditAction = "manual_resume"
	AuditResumeDenied       AuditAction = "resume_denied"
	AuditDegradedMonitoring AuditAction = "degraded_monitoring"
	AuditMonitoringStopped  AuditAction = "monitoring_stopped"
)

// ActorSystem is the actor recorded for engine-initiated actions.
const ActorSystem = "system"

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditMonitoringStarted,
	AuditSnapshot,
	AuditAutoPause,
	AuditManualResume,
	AuditResumeDenied,
	AuditDegradedMonitoring,
	AuditMonitoringStopped,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID             string         `json:"id"`              // UUID v4
	ConversationID string         `json:"conversation_id"` // monitored conversation
	Actor          string         `json:"actor"`           // ActorSystem or the requesting user
	Action         AuditAction    `json:"action"`
	Timestamp      time.Time      `json:"timestamp"`
	ScoreBefore    *int           `json:"score_before,omitempty"`
	ScoreAfter     *int           `json:"score_after,omitempty"`
	PausedBefore   bool           `json:"paused_before"`
	PausedAfter    bool           `json:"paused_after"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	ConversationID *string
	Action         *AuditAction
	Actor          *string
	Since          *time.Time
	Until          *time.Time
	Limit          int // max results (default 100, max 1000)
}

// prepareAuditEntry fills in ID and Timestamp when unset.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// matches reports whether the entry passes the filter. Used by the
// non-SQL backends.
func (f AuditFilter) matches(e *AuditEntry) bool {
	if f.ConversationID != nil && e.ConversationID != *f.ConversationID {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.Actor != nil && e.Actor != *f.Actor {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// AppendAudit appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, conversation_id, actor, action, ts, score_before, score_after, paused_before, paused_after, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConversationID,
		e.Actor,
		e.Action,
		formatTime(e.Timestamp),
		e.ScoreBefore,
		e.ScoreAfter,
		e.PausedBefore,
		e.PausedAfter,
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"conversation_id", e.ConversationID,
	)
	return nil
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.ConversationID,
		&e.Actor,
		&actionStr,
		&tsStr,
		&e.ScoreBefore,
		&e.ScoreAfter,
		&e.PausedBefore,
		&e.PausedAfter,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, conversation_id, actor, action, ts, score_before, score_after, paused_before, paused_after, detail_json
	FROM audit_log
	WHERE (? IS NULL OR conversation_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	ORDER BY seq DESC
	LIMIT ?
`

// ListAudit returns audit entries matching the filter criteria.
// Results are returned newest first (append order, descending).
func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit)

	var actionStr, sinceStr, untilStr *string
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}
	if f.Since != nil {
		v := formatTime(*f.Since)
		sinceStr = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		untilStr = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		f.ConversationID, f.ConversationID,
		actionStr, actionStr,
		f.Actor, f.Actor,
		sinceStr, sinceStr,
		untilStr, untilStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

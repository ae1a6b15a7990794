// ABOUTME: SQLite persistence for verification records and their score history
// ABOUTME: Saves record state and appends history in a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/consent-gateway/internal/score"
)

const recordColumns = `
	conversation_id, participant_a, participant_b,
	current_score, current_status, current_confidence, current_reasoning, current_count, current_at,
	is_paused, pause_reason, paused_at, message_count, monitoring_active, created_at, updated_at
`

// CreateRecord inserts a new verification record.
// Returns ErrDuplicateRecord if the conversation already has one.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *VerificationRecord) error {
	query := `INSERT INTO verification_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cur := rec.CurrentScore
	_, err := s.db.ExecContext(ctx, query,
		rec.ConversationID,
		rec.ParticipantIDs[0],
		rec.ParticipantIDs[1],
		cur.Score,
		string(cur.Status),
		cur.Confidence,
		cur.Reasoning,
		cur.MessageCountAtEvaluation,
		formatTime(cur.EvaluatedAt),
		rec.IsPaused,
		rec.PauseReason,
		nullableTime(rec.PausedAt),
		rec.MessageCount,
		rec.MonitoringActive,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Distinguish a duplicate key from a CHECK failure
			if _, getErr := s.GetRecord(ctx, rec.ConversationID); getErr == nil {
				return ErrDuplicateRecord
			}
		}
		return fmt.Errorf("inserting verification record: %w", err)
	}

	s.logger.Debug("created verification record", "conversation_id", rec.ConversationID)
	return nil
}

// scanRecord scans a verification_records row.
func scanRecord(scanner interface{ Scan(dest ...any) error }) (*VerificationRecord, error) {
	var rec VerificationRecord
	var status, currentAt, createdAt, updatedAt string
	var pausedAt *string

	err := scanner.Scan(
		&rec.ConversationID,
		&rec.ParticipantIDs[0],
		&rec.ParticipantIDs[1],
		&rec.CurrentScore.Score,
		&status,
		&rec.CurrentScore.Confidence,
		&rec.CurrentScore.Reasoning,
		&rec.CurrentScore.MessageCountAtEvaluation,
		&currentAt,
		&rec.IsPaused,
		&rec.PauseReason,
		&pausedAt,
		&rec.MessageCount,
		&rec.MonitoringActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CurrentScore.Status = score.Status(status)
	if rec.CurrentScore.EvaluatedAt, err = parseTime(currentAt); err != nil {
		return nil, fmt.Errorf("parsing current_at: %w", err)
	}
	if pausedAt != nil {
		t, err := parseTime(*pausedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing paused_at: %w", err)
		}
		rec.PausedAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// GetRecord retrieves a record and its retained history.
// Returns ErrNotFound if the conversation has no record.
func (s *SQLiteStore) GetRecord(ctx context.Context, conversationID string) (*VerificationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM verification_records WHERE conversation_id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying verification record: %w", err)
	}

	rec.History, err = s.loadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// loadHistory returns the retained snapshots for a conversation, oldest first.
func (s *SQLiteStore) loadHistory(ctx context.Context, conversationID string) ([]score.Snapshot, error) {
	query := `
		SELECT score, status, confidence, reasoning, message_count, evaluated_at
		FROM score_history
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying score history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := []score.Snapshot{}
	for rows.Next() {
		var snap score.Snapshot
		var status, evaluatedAt string
		if err := rows.Scan(&snap.Score, &status, &snap.Confidence, &snap.Reasoning, &snap.MessageCountAtEvaluation, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("scanning score history: %w", err)
		}
		snap.Status = score.Status(status)
		if snap.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
			return nil, fmt.Errorf("parsing evaluated_at: %w", err)
		}
		history = append(history, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating score history: %w", err)
	}
	return history, nil
}

// SaveRecord writes the record's mutable state and optionally appends a
// snapshot to its history, pruning history beyond the retention limit.
// Returns ErrNotFound if the record doesn't exist and ErrMessageCountDecreased
// if the save would lower the stored message count.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *VerificationRecord, appended *score.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedCount int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM verification_records WHERE conversation_id = ?`,
		rec.ConversationID,
	).Scan(&storedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading message count: %w", err)
	}
	if rec.MessageCount < storedCount {
		return fmt.Errorf("%w: %d < %d", ErrMessageCountDecreased, rec.MessageCount, storedCount)
	}

	cur := rec.CurrentScore
	_, err = tx.ExecContext(ctx, `
		UPDATE verification_records
		SET current_score = ?, current_status = ?, current_confidence = ?, current_reasoning = ?,
			current_count = ?, current_at = ?, is_paused = ?, pause_reason = ?, paused_at = ?,
			message_count = ?, monitoring_active = ?, updated_at = ?
		WHERE conversation_id = ?
	`,
		cur.Score,
		string(cur.Status),
		cur.Confidence,
		cur.Reasoning,
		cur.MessageCountAtEvaluation,
		formatTime(cur.EvaluatedAt),
		rec.IsPaused,
		rec.PauseReason,
		nullableTime(rec.PausedAt),
		rec.MessageCount,
		rec.MonitoringActive,
		formatTime(rec.UpdatedAt),
		rec.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("updating verification record: %w", err)
	}

	if appended != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO score_history (conversation_id, score, status, confidence, reasoning, message_count, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ConversationID,
			appended.Score,
			string(appended.Status),
			appended.Confidence,
			appended.Reasoning,
			appended.MessageCountAtEvaluation,
			formatTime(appended.EvaluatedAt),
		)
		if err != nil {
			return fmt.Errorf("appending score history: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM score_history
			WHERE conversation_id = ?
			  AND seq NOT IN (
				SELECT seq FROM score_history WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
			  )
		`, rec.ConversationID, rec.ConversationID, s.historyLimit)
		if err != nil {
			return fmt.Errorf("pruning score history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record save: %w", err)
	}

	s.logger.Debug("saved verification record",
		"conversation_id", rec.ConversationID,
		"is_paused", rec.IsPaused,
		"score", cur.Score,
		"appended", appended != nil,
	)
	return nil
}

// ListActiveRecords returns every record with monitoring_active set, without history.
func (s *SQLiteStore) ListActiveRecords(ctx context.Context) ([]*VerificationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM verification_records WHERE monitoring_active = 1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*VerificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active records: %w", err)
	}
	return records, nil
}

// ABOUTME: ScoreSnapshot value type emitted by consent analyzers
// ABOUTME: Validates score/confidence domains and the status enum

package score

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSnapshot is returned when an analyzer result violates the
// snapshot invariants. Invalid snapshots are discarded, never clamped.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// Status is the analyzer's categorical verdict.
type Status string

const (
	StatusConsent          Status = "consent"
	StatusNonConsent       Status = "non_consent"
	StatusUncertain        Status = "uncertain"
	StatusInsufficientData Status = "insufficient_data"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConsent, StatusNonConsent, StatusUncertain, StatusInsufficientData:
		return true
	default:
		return false
	}
}

// Snapshot is a single analyzer evaluation of a conversation.
type Snapshot struct {
	Score                    int       `json:"score"`
	Status                   Status    `json:"status"`
	Confidence               float64   `json:"confidence"`
	Reasoning                string    `json:"reasoning"`
	MessageCountAtEvaluation int       `json:"message_count_at_evaluation"`
	EvaluatedAt              time.Time `json:"evaluated_at"`
}

// Validate checks the snapshot against the data model invariants.
// The returned error wraps ErrInvalidSnapshot.
func (s Snapshot) Validate() error {
	if s.Score < MinScore || s.Score > MaxScore {
		return fmt.Errorf("%w: score %d outside [%d,%d]", ErrInvalidSnapshot, s.Score, MinScore, MaxScore)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSnapshot, s.Confidence)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSnapshot, s.Status)
	}
	if s.MessageCountAtEvaluation < 0 {
		return fmt.Errorf("%w: negative message count %d", ErrInvalidSnapshot, s.MessageCountAtEvaluation)
	}
	return nil
}

// Initial is the snapshot a freshly created record starts from: no messages
// have been evaluated yet.
func Initial(now time.Time) Snapshot {
	return Snapshot{
		Score:       50,
		Status:      StatusInsufficientData,
		Confidence:  0,
		Reasoning:   "no messages evaluated yet",
		EvaluatedAt: now,
	}
}

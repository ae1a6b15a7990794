// ABOUTME: Pure gating state machine for consent monitoring
// ABOUTME: Classifies snapshots by risk and decides pause transitions with hysteresis

package gating

import (
	"errors"
	"fmt"

	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
)

// Default thresholds.
const (
	DefaultPauseThreshold  = 30
	DefaultResumeThreshold = 80
)

// ErrInvalidPolicy is returned when a Policy's thresholds are unusable.
var ErrInvalidPolicy = errors.New("invalid gating policy")

// Risk is the classification of a single snapshot.
type Risk int

const (
	// RiskInformational snapshots carry too little signal to act on.
	RiskInformational Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskInformational:
		return "informational"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("Risk(%d)", int(r))
	}
}

// Policy holds the pause and resume thresholds.
type Policy struct {
	PauseThreshold  int
	ResumeThreshold int
}

// DefaultPolicy returns the 30/80 policy.
func DefaultPolicy() Policy {
	return Policy{
		PauseThreshold:  DefaultPauseThreshold,
		ResumeThreshold: DefaultResumeThreshold,
	}
}

// Validate requires both thresholds in the score domain with pause strictly
// below resume, so a hysteresis band always exists.
func (p Policy) Validate() error {
	if p.PauseThreshold < score.MinScore || p.PauseThreshold > score.MaxScore {
		return fmt.Errorf("%w: pause threshold %d outside [0,100]", ErrInvalidPolicy, p.PauseThreshold)
	}
	if p.ResumeThreshold < score.MinScore || p.ResumeThreshold > score.MaxScore {
		return fmt.Errorf("%w: resume threshold %d outside [0,100]", ErrInvalidPolicy, p.ResumeThreshold)
	}
	if p.PauseThreshold >= p.ResumeThreshold {
		return fmt.Errorf("%w: pause threshold %d must be below resume threshold %d",
			ErrInvalidPolicy, p.PauseThreshold, p.ResumeThreshold)
	}
	return nil
}

// Classify maps a snapshot to a risk level.
//
// insufficient_data is always informational, whatever its score. Otherwise
// non_consent or a score at or below the pause threshold is high risk, and
// consent at or above the resume threshold is low risk. Everything else,
// including any uncertain snapshot, is medium.
func (p Policy) Classify(s score.Snapshot) Risk {
	switch {
	case s.Status == score.StatusInsufficientData:
		return RiskInformational
	case s.Status == score.StatusNonConsent || s.Score <= p.PauseThreshold:
		return RiskHigh
	case s.Status == score.StatusConsent && s.Score >= p.ResumeThreshold:
		return RiskLow
	default:
		return RiskMedium
	}
}

// Decision is the outcome of applying a snapshot to a record.
type Decision struct {
	Paused bool
	// Reason is set only when the decision newly pauses the conversation.
	Reason string
	Risk   Risk
}

// Transitioned reports whether the decision moves wasPaused to paused.
func (d Decision) Transitioned(wasPaused bool) bool {
	return d.Paused && !wasPaused
}

// Decide computes the next pause state for rec given snap. A paused record
// stays paused regardless of the snapshot.
func (p Policy) Decide(rec *store.VerificationRecord, snap score.Snapshot) Decision {
	risk := p.Classify(snap)
	if rec.IsPaused {
		return Decision{Paused: true, Risk: risk}
	}
	if risk != RiskHigh {
		return Decision{Paused: false, Risk: risk}
	}
	return Decision{Paused: true, Reason: pauseReason(p, snap), Risk: risk}
}

// pauseReason is the snapshot's reasoning, or a generated explanation when
// the analyzer gave none.
func pauseReason(p Policy, snap score.Snapshot) string {
	if snap.Reasoning != "" {
		return snap.Reasoning
	}
	if snap.Status == score.StatusNonConsent {
		return "analyzer reported non_consent"
	}
	return fmt.Sprintf("consent score %d at or below pause threshold %d", snap.Score, p.PauseThreshold)
}

// CanResume reports whether the current snapshot permits a manual resume.
func (p Policy) CanResume(current score.Snapshot) bool {
	return current.Status == score.StatusConsent && current.Score >= p.ResumeThreshold
}

// Decide applies the default policy.
func Decide(rec *store.VerificationRecord, snap score.Snapshot) Decision {
	return DefaultPolicy().Decide(rec, snap)
}

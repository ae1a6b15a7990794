package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/consent-gateway/internal/gating"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultFailureThreshold = 3
	DefaultAnalyzerTimeout  = 10 * time.Second
)

// Config tunes monitoring behavior.
type Config struct {
	Policy gating.Policy
	// FailureThreshold is the streak length escalated as degraded monitoring.
	FailureThreshold int
	// AnalyzerTimeout bounds each analyzer call.
	AnalyzerTimeout time.Duration
	// RecordSnapshots writes a snapshot audit entry for every evaluation.
	RecordSnapshots bool
}

// DefaultConfig returns the default monitoring configuration.
func DefaultConfig() Config {
	return Config{
		Policy:           gating.DefaultPolicy(),
		FailureThreshold: DefaultFailureThreshold,
		AnalyzerTimeout:  DefaultAnalyzerTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Policy == (gating.Policy{}) {
		c.Policy = gating.DefaultPolicy()
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.AnalyzerTimeout <= 0 {
		c.AnalyzerTimeout = DefaultAnalyzerTimeout
	}
	return c
}

func (c Config) validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}
	if c.FailureThreshold < 1 {
		return errors.New("monitor config: failure threshold must be at least 1")
	}
	return nil
}

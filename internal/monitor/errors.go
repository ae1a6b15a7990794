// ABOUTME: Sentinel errors returned by the monitoring supervisor
// ABOUTME: Callers match them with errors.Is and treat denials as displayable results

package monitor

import "errors"

var (
	// ErrInvalidParticipants is returned when StartMonitoring gets an empty
	// or repeated participant ID.
	ErrInvalidParticipants = errors.New("conversation needs two distinct, non-empty participants")

	// ErrNotFound is returned for conversations with no record, or no
	// active monitoring where an operation requires it.
	ErrNotFound = errors.New("conversation not monitored")

	// ErrUnauthorized is returned when a non-participant asks to resume.
	ErrUnauthorized = errors.New("requester is not a participant")

	// ErrScoreTooLow is returned when the current snapshot doesn't permit a resume.
	ErrScoreTooLow = errors.New("consent score too low to resume")

	// ErrAnalyzerUnavailable is returned by Refresh when the analyzer call
	// failed. The record is unchanged; try again later.
	ErrAnalyzerUnavailable = errors.New("score analyzer unavailable")

	// ErrMonitorStopped is returned when a request reaches a monitor that is
	// shutting down.
	ErrMonitorStopped = errors.New("monitor stopped")
)

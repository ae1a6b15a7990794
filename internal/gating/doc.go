// Package gating decides when a monitored conversation is paused.
//
// Decide is pure: given the current record and a new snapshot it returns
// the next pause state without performing I/O. Thresholds are asymmetric
// (pause at or below 30 or on non_consent, resume only at or above 80 with
// consent) and a paused conversation is never unpaused by Decide. Only an
// explicit resume, checked with CanResume, lifts a pause.
package gating

// Package monitor runs consent monitoring for conversations.
//
// A Supervisor owns one Monitor goroutine per monitored conversation. The
// Monitor is the only writer of its conversation's VerificationRecord:
// message-triggered evaluations, Refresh and Resume are all executed on
// its loop, one at a time, so no two decisions for the same conversation
// can interleave. Reads (GetState) go straight to the store.
//
// Each evaluation calls the Analyzer, validates the snapshot, applies the
// gating policy and commits the record and its history entry in one store
// write. A false to true pause transition then blocks the Chat Transport
// and is written to the audit trail. Pauses are only lifted by Resume.
//
// Analyzer failures keep the previous state. A streak of failures reaching
// Config.FailureThreshold is escalated once as degraded_monitoring.
package monitor

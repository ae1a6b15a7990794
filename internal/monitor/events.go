// ABOUTME: State change events published by the supervisor per conversation
// ABOUTME: Consumed by SSE and websocket clients instead of polling

package monitor

import (
	"time"

	"github.com/2389/consent-gateway/internal/store"
)

// EventType names a state change.
type EventType string

const (
	EventStarted   EventType = "started"
	EventEvaluated EventType = "evaluated"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventDegraded  EventType = "degraded"
	EventStopped   EventType = "stopped"
)

// StateEvent reports a change to a conversation's record. Record is the
// state after the change.
type StateEvent struct {
	Type           EventType                 `json:"type"`
	ConversationID string                    `json:"conversation_id"`
	Record         *store.VerificationRecord `json:"record"`
	Detail         string                    `json:"detail,omitempty"`
	At             time.Time                 `json:"at"`
}

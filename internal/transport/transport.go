// ABOUTME: Chat transport contract plus the in-memory send gate and fan-out transport
// ABOUTME: The gate is what the message source checks before accepting a message

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSendingPaused is returned when a message is sent to a conversation
// whose sending is currently blocked.
var ErrSendingPaused = errors.New("sending paused for conversation")

// Transport is the outbound chat delivery path.
type Transport interface {
	// SetSendingAllowed blocks or re-allows sends for a conversation.
	SetSendingAllowed(ctx context.Context, conversationID string, allowed bool) error
}

// Gate is an in-memory record of which conversations are blocked.
// Conversations it has never seen are allowed.
type Gate struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	logger  *slog.Logger
}

// NewGate creates an empty gate. Pass nil logger for default.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		blocked: make(map[string]struct{}),
		logger:  logger.With("component", "gate"),
	}
}

// SetSendingAllowed implements Transport.
func (g *Gate) SetSendingAllowed(_ context.Context, conversationID string, allowed bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if allowed {
		delete(g.blocked, conversationID)
	} else {
		g.blocked[conversationID] = struct{}{}
	}
	g.logger.Debug("sending state changed", "conversation_id", conversationID, "allowed", allowed)
	return nil
}

// IsSendingAllowed reports whether conversationID currently accepts messages.
func (g *Gate) IsSendingAllowed(conversationID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, blocked := g.blocked[conversationID]
	return !blocked
}

// Multi applies every decision to all of its transports in order.
type Multi []Transport

// SetSendingAllowed calls each transport and joins their errors. A failing
// transport does not stop the rest.
func (m Multi) SetSendingAllowed(ctx context.Context, conversationID string, allowed bool) error {
	var errs []error
	for _, t := range m {
		if err := t.SetSendingAllowed(ctx, conversationID, allowed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Transport = (*Gate)(nil)
	_ Transport = Multi(nil)
	_ Transport = (*Matrix)(nil)
)

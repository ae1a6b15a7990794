// ABOUTME: Score Analyzer contract consumed by conversation monitors
// ABOUTME: Includes a function adapter and shared defaults

package analyzer

import (
	"context"

	"github.com/2389/consent-gateway/internal/score"
)

// Defaults for message-based analyzers.
const (
	DefaultMinMessages = 3
	DefaultWindow      = 50
)

// Analyzer evaluates a conversation.
type Analyzer interface {
	Evaluate(ctx context.Context, conversationID string) (score.Snapshot, error)
}

// Func adapts a function to Analyzer.
type Func func(ctx context.Context, conversationID string) (score.Snapshot, error)

// Evaluate implements Analyzer.
func (f Func) Evaluate(ctx context.Context, conversationID string) (score.Snapshot, error) {
	return f(ctx, conversationID)
}

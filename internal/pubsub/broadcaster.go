// ABOUTME: Generic in-memory fan-out broadcaster keyed by conversation ID
// ABOUTME: Used for message delivery to monitors and state events to API clients

package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// Option configures a Broadcaster.
type Option func(*config)

type config struct {
	bufferSize int
	name       string
}

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithName labels the broadcaster in log output.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// Broadcaster provides in-memory pub/sub of values of type T.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T // key -> subID -> ch
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New[T any](logger *slog.Logger, opts ...Option) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config{bufferSize: DefaultBufferSize, name: "broadcaster"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]chan T),
		bufferSize:  cfg.bufferSize,
		logger:      logger.With("component", cfg.name),
	}
}

// Subscribe registers a subscriber for values published on key.
// Returns the receive channel and a subscription ID for Unsubscribe.
// The subscription is removed and its channel closed when ctx is cancelled.
// Subscribing to a closed broadcaster returns an already closed channel.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan T)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends v to every subscriber of key except excludeSubID (if non-empty).
// Returns the number of subscribers that received it.
func (b *Broadcaster[T]) Publish(key string, v T, excludeSubID string) int {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, ch := range b.subscribers[key] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- v:
			delivered++
		default:
			b.logger.Warn("dropped value for slow subscriber", "key", key, "sub_id", id)
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscribers for key.
func (b *Broadcaster[T]) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions receive a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

// ABOUTME: Message source hub that ingests, persists, and fans out chat messages
// ABOUTME: Rejects non-participants, gated conversations, and redelivered messages

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consent-gateway/internal/dedupe"
	"github.com/2389/consent-gateway/internal/pubsub"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

// Errors returned by Ingest.
var (
	ErrNotParticipant = errors.New("sender is not a participant of the conversation")
	ErrDuplicate      = errors.New("message already ingested")
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrNotMonitored   = errors.New("conversation is not being monitored")
)

// subscriberBuffer is large enough that a monitor busy in an analyzer call
// does not miss messages during ordinary bursts.
const subscriberBuffer = 1024

// SendGate reports whether a conversation currently accepts messages.
type SendGate interface {
	IsSendingAllowed(conversationID string) bool
}

// Hub ingests messages and fans them out per conversation.
type Hub struct {
	records  store.RecordStore
	messages store.MessageStore
	gate     SendGate
	seen     *dedupe.Cache
	bus      *pubsub.Broadcaster[store.Message]
	logger   *slog.Logger
	now      func() time.Time

	// publishMu keeps publish order equal to storage order.
	publishMu sync.Mutex
}

// NewHub creates a hub. gate may be nil, in which case every conversation
// accepts messages.
func NewHub(records store.RecordStore, messages store.MessageStore, gate SendGate, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		records:  records,
		messages: messages,
		gate:     gate,
		seen:     dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		bus:      pubsub.New[store.Message](logger, pubsub.WithBufferSize(subscriberBuffer), pubsub.WithName("message-bus")),
		logger:   logger.With("component", "source"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest accepts one message. The message ID is generated when empty and
// CreatedAt defaults to now. The stored message is returned.
func (h *Hub) Ingest(ctx context.Context, msg store.Message) (*store.Message, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return nil, ErrEmptyMessage
	}

	rec, err := h.records.GetRecord(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	if !rec.HasParticipant(msg.SenderID) {
		return nil, ErrNotParticipant
	}
	if !rec.MonitoringActive {
		return nil, ErrNotMonitored
	}
	if rec.IsPaused || (h.gate != nil && !h.gate.IsSendingAllowed(msg.ConversationID)) {
		return nil, transport.ErrSendingPaused
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = h.now()
	}

	key := dedupe.Key(msg.ConversationID, msg.ID)
	if !h.seen.Claim(key) {
		return nil, ErrDuplicate
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	if err := h.messages.SaveMessage(ctx, &msg); err != nil {
		h.seen.Release(key)
		if errors.Is(err, store.ErrDuplicateMessage) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("saving message: %w", err)
	}

	delivered := h.bus.Publish(msg.ConversationID, msg, "")
	h.logger.Debug("message ingested",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"subscribers", delivered,
	)
	return &msg, nil
}

// Subscribe streams messages ingested for conversationID after the call, in
// ingest order. The channel closes when ctx is cancelled, cancel is called,
// or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan store.Message, func()) {
	ch, subID := h.bus.Subscribe(ctx, conversationID)
	return ch, func() { h.bus.Unsubscribe(conversationID, subID) }
}

// Close closes every subscription and stops the dedupe sweeper.
func (h *Hub) Close() {
	h.bus.Close()
	h.seen.Close()
}

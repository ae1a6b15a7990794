// ABOUTME: Matrix chat transport that gates rooms through power levels
// ABOUTME: Paused rooms require power level 50 to post; a notice explains the change

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Power levels applied to events_default.
const (
	PausedEventsDefault  = 50
	ResumedEventsDefault = 0
)

// networkTimeout bounds each Matrix API call.
const networkTimeout = 10 * time.Second

// Notices posted to the room on each transition.
const (
	pausedNotice  = "Messaging in this conversation has been paused pending consent verification. A participant can resume once consent is clearly re-established."
	resumedNotice = "Messaging in this conversation has been resumed."
)

// roomAPI is the room state the transport reads and writes.
type roomAPI interface {
	PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
	SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error
	Notice(ctx context.Context, roomID id.RoomID, text string) error
}

// mautrixRooms implements roomAPI on a mautrix client.
type mautrixRooms struct {
	client *mautrix.Client
}

func (r mautrixRooms) PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	var levels event.PowerLevelsEventContent
	if err := r.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &levels); err != nil {
		return nil, err
	}
	return &levels, nil
}

func (r mautrixRooms) SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	_, err := r.client.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", levels)
	return err
}

func (r mautrixRooms) Notice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := r.client.SendNotice(ctx, roomID, text)
	return err
}

// MatrixConfig configures the Matrix transport.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms maps conversation IDs to Matrix room IDs. Conversation IDs that
	// are themselves room IDs (leading '!') need no entry.
	Rooms map[string]string
}

// Matrix gates Matrix rooms by raising the power level needed to post.
type Matrix struct {
	client roomAPI
	rooms  map[string]id.RoomID
	logger *slog.Logger
}

// NewMatrix creates a Matrix transport from config.
func NewMatrix(cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrix(mautrixRooms{client: client}, cfg.Rooms, logger), nil
}

func newMatrix(client roomAPI, rooms map[string]string, logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matrix{
		client: client,
		rooms:  make(map[string]id.RoomID, len(rooms)),
		logger: logger.With("component", "matrix-transport"),
	}
	for conv, room := range rooms {
		m.rooms[conv] = id.RoomID(room)
	}
	return m
}

// roomFor resolves the Matrix room for a conversation.
func (m *Matrix) roomFor(conversationID string) (id.RoomID, bool) {
	if room, ok := m.rooms[conversationID]; ok {
		return room, true
	}
	if strings.HasPrefix(conversationID, "!") {
		return id.RoomID(conversationID), true
	}
	return "", false
}

// SetSendingAllowed implements Transport. Conversations without a room are
// skipped.
func (m *Matrix) SetSendingAllowed(ctx context.Context, conversationID string, allowed bool) error {
	roomID, ok := m.roomFor(conversationID)
	if !ok {
		m.logger.Debug("no matrix room for conversation", "conversation_id", conversationID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	levels, err := m.client.PowerLevels(ctx, roomID)
	if err != nil {
		return fmt.Errorf("reading power levels for %s: %w", roomID, err)
	}

	want := PausedEventsDefault
	notice := pausedNotice
	if allowed {
		want = ResumedEventsDefault
		notice = resumedNotice
	}

	if levels.EventsDefault != want {
		levels.EventsDefault = want
		if err := m.client.SetPowerLevels(ctx, roomID, levels); err != nil {
			return fmt.Errorf("updating power levels for %s: %w", roomID, err)
		}
	}

	if err := m.client.Notice(ctx, roomID, notice); err != nil {
		// The gate is already applied, a missing notice is not fatal.
		m.logger.Warn("failed to send notice", "room", roomID.String(), "error", err)
	}

	m.logger.Info("matrix room gate updated",
		"conversation_id", conversationID,
		"room", roomID.String(),
		"allowed", allowed,
	)
	return nil
}

// ABOUTME: Push streams of monitor state events over SSE and websocket
// ABOUTME: Both start with the current record, then forward every StateEvent for the conversation

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	keepaliveInterval = 30 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// stateEventName is the SSE/websocket type of the initial snapshot.
const stateEventName = "state"

// wsMessage is the envelope written to websocket clients.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// writeSSEEvent writes a single SSE event to the response writer.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	rec, ok := a.authorize(w, r, conversationID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := a.supervisor.Subscribe(r.Context(), conversationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := a.writeSSEEvent(w, stateEventName, rec); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := a.writeSSEEvent(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	rec, ok := a.authorize(w, r, conversationID)
	if !ok {
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := a.supervisor.Subscribe(r.Context(), conversationID)
	defer cancel()

	// The read loop only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					a.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	write := func(msg wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	if err := write(wsMessage{Type: stateEventName, Data: rec}); err != nil {
		return
	}

	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := write(wsMessage{Type: string(ev.Type), Data: ev}); err != nil {
				return
			}
		}
	}
}

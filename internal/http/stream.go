package http

import (
	"net/http"
	"time"

	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/services"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

// Subscriber is the in-process event bus the stream reads from.
type Subscriber interface {
	Subscribe(buffer int) (<-chan models.Event, func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamEvents pushes the caller's notifications as JSON frames over a
// websocket until either side goes away. Events for other participants are
// never written.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	participantID := r.Header.Get(participantHeader)
	if participantID == "" {
		writeEngineError(w, services.ErrMissingParticipantID)
		return
	}
	if h.Events == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	events, cancel := h.Events.Subscribe(64)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The client sends nothing; reading only surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ParticipantID != participantID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

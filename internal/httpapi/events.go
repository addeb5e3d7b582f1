package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"loyalty-session/internal/auth"
)

const (
	eventsBuffer = 16
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams one Snapshot per state change, starting with the current
// one. Slow readers miss intermediate snapshots, never the latest.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("session_events_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer ws.Close()

	updates := make(chan auth.Snapshot, eventsBuffer)
	unsubscribe := h.controller.Subscribe(func(s auth.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.send(ws, h.controller.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snapshot := <-updates:
			if err := h.send(ws, snapshot); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(ws *websocket.Conn, snapshot auth.Snapshot) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(snapshot); err != nil {
		h.logger.Info("session_events_closed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

package hub

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades an HTTP request to a WebSocket subscription and hands
// the connection to the hub's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	sub := newSubscriber(uuid.New().String(), h, conn)

	// Both pumps are accounted for before the subscriber is visible, so
	// Stop cannot miss them.
	h.wg.Add(2)
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		h.wg.Done()
		h.wg.Done()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

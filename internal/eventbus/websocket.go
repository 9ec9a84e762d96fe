package eventbus

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"seo-agents/backend/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler upgrades the request to a websocket and streams the
// tenant's events as JSON until the client disconnects.
type StreamHandler struct {
	bus    *Bus
	logger *logging.Logger
}

// NewStreamHandler creates a StreamHandler on bus.
func NewStreamHandler(bus *Bus, logger *logging.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, logger: logger.Component("eventbus.ws")}
}

// Serve streams events for tenantID over the connection upgraded from r.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request, tenantID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", "error", err)
		return err
	}
	defer ws.Close()

	events, unsubscribe := h.bus.Subscribe(tenantID)
	defer unsubscribe()
	h.logger.Info("Websocket client connected", "tenant", tenantID)

	// The read pump only services control frames and notices disconnects.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			h.logger.Info("Websocket client disconnected", "tenant", tenantID)
			return nil
		case <-r.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Warn("Failed to write websocket event", "error", err)
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

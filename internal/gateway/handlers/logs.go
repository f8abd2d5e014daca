package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mrmushfiq/api-gateway/internal/gateway/broadcast"
	"go.uber.org/zap"
)

type LogStreamHandler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewLogStreamHandler(hub *broadcast.Hub, logger *zap.Logger) *LogStreamHandler {
	return &LogStreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the dashboard is served from a different origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleLogStream handles GET /ws/logs. Each proxied request is pushed to the
// client as one JSON log event.
func (h *LogStreamHandler) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Serve(conn)
}

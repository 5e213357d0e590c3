package handlers

import (
	"net/http"
	"time"

	"github.com/amerfu/sentinel/internal/services/billing"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// WSHandler fans billing events out to WebSocket subscribers.
type WSHandler struct {
	logger   *zap.Logger
	bus      *billing.Bus
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *zap.Logger, bus *billing.Bus) *WSHandler {
	return &WSHandler{
		logger: logger,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Events upgrades the connection and streams billing events until the
// client goes away. Each connection gets its own bus subscription, so a
// slow dashboard never blocks the meter.
func (h *WSHandler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	id, events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	h.logger.Info("WebSocket subscriber connected",
		zap.String("subscriber_id", id),
		zap.String("remote", r.RemoteAddr))

	// The read loop exists to service control frames (ping, pong, close)
	// and to notice disconnects; data frames from clients are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		conn.SetPingHandler(func(payload string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsWriteTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPongTimeout / 2)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed, dropping subscriber",
					zap.String("subscriber_id", id), zap.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			h.logger.Info("WebSocket subscriber disconnected",
				zap.String("subscriber_id", id))
			return
		}
	}
}

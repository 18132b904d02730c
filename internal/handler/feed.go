package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// adminFeed streams order events to a websocket client until either side
// closes the connection.
func (h *Handler) adminFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.lg.Debug("Feed upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := h.feed.Subscribe(feedBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	h.lg.Info("Feed subscriber connected", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			var e jx.Encoder
			ev.Encode(&e)
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, e.Bytes()); err != nil {
				h.lg.Debug("Feed write failed", zap.Error(err))
				return
			}
		}
	}
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kepler-edge-go/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// StreamStatus pushes a status snapshot every interval until the client
// goes away.
//
// @Summary Status stream
// @Description Websocket that pushes the /status snapshot periodically
// @Tags status
// @Router /ws/status [get]
func (h *StatusHandler) StreamStatus(interval time.Duration) gin.HandlerFunc {
	if interval <= 0 {
		interval = time.Second
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c).Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		logging.Info(c).Msg("Status stream client connected")

		push := time.NewTicker(interval)
		defer push.Stop()
		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		send := func() error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(h.Snapshot(ctx))
		}
		if err := send(); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-push.C:
				if err := send(); err != nil {
					logging.Debug(c).Err(err).Msg("Status stream client disconnected")
					return
				}
			}
		}
	}
}

package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamState pushes a CallState frame on every change of the caller's call
// until either side goes away.
func (h *handlers) streamState(c *gin.Context) {
	key := sessionKey(c)
	logger := log.With().Str("module", "adapters.http").Str("sid", string(key)).Logger()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	svc := h.calls.GetOrCreate(key)
	states, stop := svc.Watch()
	defer stop()

	gone := make(chan struct{})
	go h.readPump(conn, gone)

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	logger.Info().Msg("state stream opened")
	for {
		select {
		case <-gone:
			logger.Info().Msg("state stream closed by peer")
			return
		case st, ok := <-states:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "call closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				logger.Error().Err(err).Msg("state write error")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("state ping failed")
				return
			}
		}
	}
}

// readPump only watches for the peer: incoming frames are discarded.
func (h *handlers) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	idle := 2 * h.pingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const streamInterval = 2 * time.Second

// streamHandler pushes metrics snapshots over a websocket until the
// peer goes away. The connection is already authenticated by the time
// the upgrade happens.
func (g *Gateway) streamHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Warn("telemetry stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// read pump: surfaces close frames from the peer
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(g.collector.Snapshot()); err != nil {
				return
			}
		}
	}
}

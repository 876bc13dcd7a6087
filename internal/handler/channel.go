package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/notify"
)

const (
	streamBuffer   = 64
	streamPingWait = 30 * time.Second
	streamWriteTTL = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by middleware
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ChannelHandler streams notifications published to a named channel.
type ChannelHandler struct {
	hub        *notify.Hub
	drainState *lifecycle.DrainManager
}

func NewChannelHandler(hub *notify.Hub, drainState *lifecycle.DrainManager) *ChannelHandler {
	return &ChannelHandler{hub: hub, drainState: drainState}
}

func (h *ChannelHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/channels/:name/stream", h.Stream)
}

func (h *ChannelHandler) Stream(c *gin.Context) {
	if h.drainState != nil && h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
		return
	}
	name := c.Param("name")
	logger := logx.WithComponent(c.Request.Context(), "channel_stream").With("channel", name)

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	release := func() {}
	if h.drainState != nil {
		release = h.drainState.TrackStream()
	}
	defer release()

	sub := h.hub.Subscribe(name, streamBuffer)
	defer h.hub.Unsubscribe(sub)
	logger.Info("subscriber connected")

	// The client never sends data; reading only detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingWait)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteTTL))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTTL))
			if err := ws.WriteJSON(msg); err != nil {
				logger.Info("subscriber write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTTL)); err != nil {
				return
			}
		case <-closed:
			logger.Info("subscriber disconnected")
			return
		}
	}
}

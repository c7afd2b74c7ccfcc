package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// handleStream serves change events of one group as server-sent events.
func (h *httpHandler) handleStream(c *gin.Context) {
	group := currentGroup(c)
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, group.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "group_id": group.ID})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventContentChanged, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "group_id": group.ID})
			return true
		}
	})
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/session"
)

const (
	sseBuffer    = 32
	sseHeartbeat = 15 * time.Second
)

// handleEvents streams the caller's session lifecycle events.
func (s *Server) handleEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		if s.hub == nil {
			return
		}
		events, cancel := s.hub.Subscribe(sseBuffer)
		defer cancel()

		user := currentUser(c)
		ctx := c.Request.Context()
		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				if !session.Owns(ev.SessionID, user) {
					continue
				}
				writeSSE(c.Writer, ev.Name, ev)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

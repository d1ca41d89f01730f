package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/harborwatch/harborwatch/internal/models"
)

const heartbeatInterval = 30 * time.Second

// handleEventStream exposes the event bus read-only over SSE. Domain events
// are translated to the webhook DTO shape; heartbeats keep proxies from
// timing the stream out.
func (s *Server) handleEventStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	pattern := c.DefaultQuery("types", "*")

	stream := make(chan *models.Event, 64)
	unsubscribe := s.bus.On(pattern, func(ctx context.Context, event *models.Event) {
		select {
		case stream <- event:
		default: // slow client, drop
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case event := <-stream:
			dto := models.WebhookEvent{
				ID:        uuid.New(),
				Type:      event.Type,
				Timestamp: event.Timestamp,
				Data:      event.Data,
			}
			payload, err := json.Marshal(dto)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

// handleWebsocket serves one hub namespace. Clients may scope rooms with
// repeated ?room= parameters; the default is the all-room.
func (s *Server) handleWebsocket(namespace string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns := s.hub.Namespace(namespace)
		rooms := c.QueryArray("room")
		if err := ns.Serve(c.Writer, c.Request, rooms); err != nil {
			s.logger.Debug("Websocket session ended", map[string]interface{}{
				"namespace": namespace,
				"error":     err.Error(),
			})
		}
	}
}

package handlers

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
)

// StreamHandler pushes a job's progress events over a WebSocket until the
// job finishes.
type StreamHandler struct {
	dispatcher Dispatcher
	pingEvery  time.Duration
	log        *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(d Dispatcher, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		dispatcher: d,
		pingEvery:  30 * time.Second,
		log:        logger.With("component", "stream"),
	}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the
// WebSocket handshake.
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := h.dispatcher.Get(c.Params("id")); !ok {
		return errorJSON(c, fiber.StatusNotFound, "Job not found", "ERR_NOT_FOUND")
	}
	return c.Next()
}

// Handle streams events as JSON text messages.
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	rec, ok := h.dispatcher.Get(id)
	if !ok {
		return
	}
	h.log.Info("WebSocket connection established", "job_id", id)

	events := rec.Events()
	ticker := time.NewTicker(h.pingEvery)
	defer ticker.Stop()

	var last int64
	flush := func() bool {
		for _, ev := range events.Since(last) {
			if err := c.WriteJSON(ev); err != nil {
				h.log.Debug("WebSocket write error", "job_id", id, "error", err)
				return false
			}
			last = ev.Seq
		}
		return true
	}

	for {
		changed := events.Changed()
		if !flush() {
			return
		}
		select {
		case <-changed:
		case <-rec.Done():
			if flush() {
				h.sendFinal(c, rec)
			}
			return
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) sendFinal(c *websocket.Conn, rec *queue.JobRecord) {
	c.WriteJSON(rec.Snapshot())
	c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, rec.Status()))
}

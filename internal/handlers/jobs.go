package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/speaker-transcript/internal/joblock"
	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// Dispatcher is the part of queue.Dispatcher the HTTP layer uses.
type Dispatcher interface {
	Submit(ctx context.Context, req queue.Request) (*queue.JobRecord, error)
	Get(id string) (*queue.JobRecord, bool)
	List() []queue.JobSnapshot
	LockStatus() (joblock.State, error)
}

// JobsHandler serves job status, progress and transcripts.
type JobsHandler struct {
	dispatcher Dispatcher
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(d Dispatcher) *JobsHandler {
	return &JobsHandler{dispatcher: d}
}

// Status reports the shared job lock.
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	st, err := h.dispatcher.LockStatus()
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to read lock", "ERR_LOCK")
	}
	return c.JSON(lockBody(st))
}

// List returns the jobs this process remembers.
func (h *JobsHandler) List(c *fiber.Ctx) error {
	return c.JSON(h.dispatcher.List())
}

// Get returns one job.
func (h *JobsHandler) Get(c *fiber.Ctx) error {
	rec, ok := h.dispatcher.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "Job not found", "ERR_NOT_FOUND")
	}
	return c.JSON(rec.Snapshot())
}

// Events returns the events after ?since=N.
func (h *JobsHandler) Events(c *fiber.Ctx) error {
	rec, ok := h.dispatcher.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "Job not found", "ERR_NOT_FOUND")
	}
	since, err := strconv.ParseInt(c.Query("since", "0"), 10, 64)
	if err != nil || since < 0 {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid since parameter", "ERR_INVALID_SINCE")
	}

	events := rec.Events().Since(since)
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return c.JSON(fiber.Map{
		"job_id": rec.ID,
		"status": rec.Status(),
		"events": events,
		"next":   next,
	})
}

// Transcript returns the final text of a completed job.
func (h *JobsHandler) Transcript(c *fiber.Ctx) error {
	rec, ok := h.dispatcher.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "Job not found", "ERR_NOT_FOUND")
	}
	switch rec.Status() {
	case types.StatusCompleted:
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(rec.Result().Text)
	case types.StatusFailed:
		return errorJSON(c, fiber.StatusUnprocessableEntity, rec.Err(), "ERR_JOB_FAILED")
	default:
		return errorJSON(c, fiber.StatusConflict, "Transcript not ready", "ERR_NOT_READY")
	}
}

func lockBody(st joblock.State) fiber.Map {
	return fiber.Map{
		"is_busy":        st.IsBusy,
		"current_user":   st.Holder,
		"start_time":     st.StartTime,
		"estimated_time": st.EstimatedMinutes,
	}
}

// submit hands req to the dispatcher and maps a busy lock to 409.
func submit(c *fiber.Ctx, d Dispatcher, req queue.Request, message string) error {
	rec, err := d.Submit(context.Background(), req)
	if err != nil {
		if errors.Is(err, joblock.ErrBusy) {
			return busyJSON(c, d)
		}
		return errorJSON(c, fiber.StatusInternalServerError, err.Error(), "ERR_SUBMIT_FAILED")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":     rec.ID,
		"status":     "queued",
		"message":    message,
		"events_url": "/jobs/" + rec.ID + "/events",
	})
}

func busyJSON(c *fiber.Ctx, d Dispatcher) error {
	body := fiber.Map{
		"error": "System is busy processing another job",
		"code":  "ERR_BUSY",
	}
	if st, err := d.LockStatus(); err == nil {
		body["lock"] = lockBody(st)
	}
	return c.Status(fiber.StatusConflict).JSON(body)
}

// isBusy is a cheap pre-check so uploads are not stored for nothing. The
// authoritative check is the atomic acquire in Submit.
func isBusy(d Dispatcher) bool {
	st, err := d.LockStatus()
	return err == nil && st.IsBusy
}

func errorJSON(c *fiber.Ctx, status int, msg, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
		"code":  code,
	})
}

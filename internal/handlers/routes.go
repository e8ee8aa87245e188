package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Mount registers the job API on r.
func Mount(r fiber.Router, jobs *JobsHandler, upload *UploadHandler, gdrive *GDriveHandler, stream *StreamHandler) {
	r.Get("/status", jobs.Status)

	r.Post("/jobs", upload.Handle)
	r.Post("/jobs/gdrive", gdrive.Handle)
	r.Get("/jobs", jobs.List)
	r.Get("/jobs/:id", jobs.Get)
	r.Get("/jobs/:id/events", jobs.Events)
	r.Get("/jobs/:id/transcript", jobs.Transcript)

	r.Get("/ws/jobs/:id", stream.Upgrade, websocket.New(stream.Handle))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/codebuildervaibhav/speaker-transcript/internal/app"
	"github.com/codebuildervaibhav/speaker-transcript/internal/handlers"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logs go to stdout and to the buffer served by /logs
	logBuffer := NewLogBuffer(cfg.Log.BufferSize)
	logger := app.NewLogger(io.MultiWriter(os.Stdout, logBuffer), cfg.Log.Level)

	logger.Info("Initializing components...")
	a, err := app.New(context.Background(), cfg, nil, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	if st, err := a.Lock.Status(); err == nil && st.IsBusy {
		logger.Warn("job lock is held by another process", "holder", st.HolderID(), "lock", a.Lock.Path())
	}

	cleanupScheduler := a.CleanupScheduler()
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	// Create Fiber app
	server := fiber.New(fiber.Config{
		BodyLimit: cfg.Limits.MaxFileSizeMB * 1024 * 1024,
	})

	// Middleware
	server.Use(recover.New())
	server.Use(fiberlogger.New(fiberlogger.Config{Output: io.MultiWriter(os.Stdout, logBuffer)}))
	server.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	// Routes
	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
			"device":  a.Arbiter.Accelerator().Name(),
		})
	})

	// Get server logs
	server.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	d := a.Dispatcher
	handlers.Mount(server,
		handlers.NewJobsHandler(d),
		handlers.NewUploadHandler(d, cfg.Storage.UploadDir, cfg.Limits.MaxFileSizeMB, cfg.Lock.EstimatedMinutes, logger),
		handlers.NewGDriveHandler(d, cfg.Storage.UploadDir, cfg.Lock.EstimatedMinutes, nil, logger),
		handlers.NewStreamHandler(d, logger),
	)

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", "addr", addr)
	logger.Info("Endpoints: GET /status, POST /jobs, POST /jobs/gdrive, GET /jobs, GET /jobs/:id, " +
		"GET /jobs/:id/events, GET /jobs/:id/transcript, GET /ws/jobs/:id, GET /logs, GET /health")

	// Graceful shutdown
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go handleSignals(sigint, logger,
		func() error { return server.ShutdownWithTimeout(30 * time.Second) },
		func() {
			if rec, ok := d.Active(); ok {
				logger.Warn("abandoning running job", "job_id", rec.ID, "holder", rec.Holder)
				if _, err := a.Lock.ReleaseIf(rec.Holder); err != nil {
					logger.Error("failed to release job lock", "error", err)
				}
			}
			os.Exit(1)
		})

	if err := server.Listen(addr); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	// A running job still holds the job lock.
	logger.Info("waiting for running job to finish")
	d.Wait()
}

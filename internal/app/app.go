// Package app assembles the transcription pipeline from configuration. The
// HTTP server and the batch CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/codebuildervaibhav/speaker-transcript/internal/cleanup"
	"github.com/codebuildervaibhav/speaker-transcript/internal/config"
	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
	"github.com/codebuildervaibhav/speaker-transcript/internal/joblock"
	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
	"github.com/codebuildervaibhav/speaker-transcript/internal/storage"
	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
)

// App holds the long-lived components of one process.
type App struct {
	Config     *config.Config
	Arbiter    *device.Arbiter
	Lock       *joblock.Lock
	Worker     *queue.Worker
	Dispatcher *queue.Dispatcher
	Log        *slog.Logger
}

// NewLogger builds the text logger used by both binaries.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New wires every pipeline stage for cfg. runner may be nil to use real
// subprocesses.
func New(ctx context.Context, cfg *config.Config, runner transcription.CommandRunner, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cleanup.EnsureDirs(cfg.Storage.TempDir, cfg.Storage.UploadDir, cfg.Storage.OutputDir); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	acc := device.Detect(cfg.Device.Mode, cfg.Device.SMIPath)
	if cfg.Device.Mode == "cuda" && !acc.Available() {
		logger.Warn("CUDA requested but no GPU found, falling back to CPU")
	}
	arbiter := device.NewArbiter(acc, logger)

	lock, err := joblock.New(cfg.Lock.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open job lock: %w", err)
	}

	extractor := transcription.NewFFmpegExtractor(cfg.FFmpeg.Path, runner, logger)
	extractor.SampleRate = cfg.FFmpeg.SampleRate
	extractor.LowPassHz = cfg.FFmpeg.LowPassHz

	diarizer := transcription.NewCommandDiarizer(cfg.Diarization.Command, runner, logger)
	diarizer.MinDurationOff = cfg.Diarization.MinDurationOff
	diarizer.HFToken = cfg.Diarization.HFToken
	diarizer.HFHome = cfg.Diarization.HFHome

	model := transcription.NewWhisperModel(cfg.Whisper.Command, cfg.Whisper.Model, cfg.Whisper.Language,
		cfg.Storage.TempDir, runner, logger)
	transcriber := transcription.NewTranscriber(model, arbiter, cfg.Storage.TempDir, logger)
	transcriber.Fraction = cfg.Device.TranscriptionFraction
	transcriber.MaxSegment = cfg.Transcription.MaxSegmentSeconds

	worker := queue.NewWorker(cfg.Storage.TempDir, extractor, diarizer,
		transcription.NewWAVSplitter(logger), transcriber, arbiter, logger)
	worker.DiarizationFraction = cfg.Device.DiarizationFraction
	worker.Language = cfg.Whisper.Language

	publishers := []queue.Publisher{storage.NewLocalStorage(cfg.Storage.OutputDir)}
	if cfg.GoogleDrive.Enabled {
		drive, err := storage.NewDriveClient(ctx, cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile, cfg.GoogleDrive.FolderName)
		switch {
		case err == nil:
			publishers = append(publishers, drive)
			logger.Info("Google Drive integration enabled", "folder", cfg.GoogleDrive.FolderName)
		case errors.Is(err, storage.ErrNoToken):
			logger.Warn("Google Drive token missing, run 'transcribe drive-auth'; saving locally only")
		default:
			logger.Warn("Google Drive not available, saving locally only", "error", err)
		}
	}

	dispatcher := queue.NewDispatcher(worker, lock, queue.Options{
		EventBuffer:   cfg.Jobs.EventBuffer,
		EventHistory:  cfg.Jobs.EventHistory,
		MaxRecords:    cfg.Jobs.MaxRecords,
		KeepArtifacts: cfg.Storage.KeepArtifacts,
		Publishers:    publishers,
	}, logger)

	logger.Info("pipeline ready",
		"device", acc.Name(),
		"model", cfg.Whisper.Model,
		"language", cfg.Whisper.Language,
		"lock", lock.Path(),
		"publishers", len(publishers))

	return &App{
		Config:     cfg,
		Arbiter:    arbiter,
		Lock:       lock,
		Worker:     worker,
		Dispatcher: dispatcher,
		Log:        logger,
	}, nil
}

// InUse reports whether path belongs to the running job, so the cleanup
// sweep leaves it alone.
func (a *App) InUse(path string) bool {
	rec, ok := a.Dispatcher.Active()
	if !ok {
		return false
	}
	return path == rec.WorkDir() || path == rec.FilePath
}

// CleanupScheduler builds the stale-file sweeper over the upload and work
// directories.
func (a *App) CleanupScheduler() *cleanup.Scheduler {
	cfg := a.Config
	return cleanup.NewScheduler(
		[]string{cfg.Storage.UploadDir, cfg.Storage.TempDir},
		cfg.Cleanup.IntervalMinutes,
		cfg.Cleanup.MaxAgeHours,
		a.InUse,
		a.Log,
	)
}

// LoadConfig loads path, or the default location when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath
	}
	return config.Load(path)
}

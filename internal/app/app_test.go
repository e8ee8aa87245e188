package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/codebuildervaibhav/speaker-transcript/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Device.Mode = "cpu"
	cfg.Storage.TempDir = filepath.Join(dir, "work")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Storage.OutputDir = filepath.Join(dir, "outputs")
	cfg.Lock.Path = filepath.Join(dir, "system_lock.json")
	return cfg
}

func TestNewWiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.GoogleDrive.Enabled = true
	cfg.GoogleDrive.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")

	a, err := New(context.Background(), cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, dir := range []string{cfg.Storage.TempDir, cfg.Storage.UploadDir, cfg.Storage.OutputDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
	if got := a.Arbiter.Accelerator().Name(); got != "cpu" {
		t.Errorf("accelerator = %q, want cpu", got)
	}
	if a.Worker.DiarizationFraction != cfg.Device.DiarizationFraction {
		t.Errorf("DiarizationFraction = %v", a.Worker.DiarizationFraction)
	}
	st, err := a.Dispatcher.LockStatus()
	if err != nil || st.IsBusy {
		t.Fatalf("LockStatus() = %+v, %v", st, err)
	}
	if a.InUse(cfg.Storage.TempDir) {
		t.Error("InUse() true with no active job")
	}
	if n := a.CleanupScheduler().Sweep(); n != 0 {
		t.Errorf("Sweep() = %d on fresh directories", n)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultAppliesPipelineConstants(t *testing.T) {
	cfg := Default()
	if cfg.Device.DiarizationFraction != 0.6 {
		t.Fatalf("diarization fraction = %v, want 0.6", cfg.Device.DiarizationFraction)
	}
	if cfg.Device.TranscriptionFraction != 0.8 {
		t.Fatalf("transcription fraction = %v, want 0.8", cfg.Device.TranscriptionFraction)
	}
	if cfg.Transcription.MaxSegmentSeconds != 30 {
		t.Fatalf("max segment = %v, want 30", cfg.Transcription.MaxSegmentSeconds)
	}
	if cfg.FFmpeg.SampleRate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", cfg.FFmpeg.SampleRate)
	}
	if filepath.Base(cfg.Lock.Path) != "system_lock.json" {
		t.Fatalf("lock path = %q", cfg.Lock.Path)
	}
	if cfg.Device.Mode != "auto" {
		t.Fatalf("device mode = %q, want auto", cfg.Device.Mode)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), filepath.Join(t.TempDir(), "none.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
device:
  mode: CPU
  transcription_fraction: 0.5
whisper:
  language: en
  command: ["whisper"]
storage:
  keep_artifacts: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path, filepath.Join(dir, "none.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Device.Mode != "cpu" {
		t.Fatalf("device mode = %q, want cpu", cfg.Device.Mode)
	}
	if cfg.Device.TranscriptionFraction != 0.5 {
		t.Fatalf("transcription fraction = %v", cfg.Device.TranscriptionFraction)
	}
	if cfg.Device.DiarizationFraction != 0.6 {
		t.Fatalf("diarization fraction default lost: %v", cfg.Device.DiarizationFraction)
	}
	if cfg.Whisper.Language != "en" || len(cfg.Whisper.Command) != 1 {
		t.Fatalf("whisper = %+v", cfg.Whisper)
	}
	if !cfg.Storage.KeepArtifacts {
		t.Fatal("expected keep_artifacts")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fraction above one", func(c *Config) { c.Device.TranscriptionFraction = 1.5 }},
		{"negative fraction", func(c *Config) { c.Device.DiarizationFraction = -0.1 }},
		{"unknown device", func(c *Config) { c.Device.Mode = "tpu" }},
		{"negative estimate", func(c *Config) { c.Lock.EstimatedMinutes = -1 }},
		{"negative segment", func(c *Config) { c.Transcription.MaxSegmentSeconds = -30 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"HUGGING_FACE_HUB_TOKEN": "hf_secret",
		"VTT_DEVICE":             "cuda",
		"VTT_PORT":               "7000",
		"VTT_LANGUAGE":           " en ",
	}
	var cfg Config
	applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}, &cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Diarization.HFToken != "hf_secret" {
		t.Fatalf("hf token = %q", cfg.Diarization.HFToken)
	}
	if cfg.Device.Mode != "cuda" {
		t.Fatalf("device = %q", cfg.Device.Mode)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Whisper.Language != "en" {
		t.Fatalf("language = %q", cfg.Whisper.Language)
	}
}

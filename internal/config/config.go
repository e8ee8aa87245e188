package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server and CLI look for configuration.
const DefaultPath = "config/config.yaml"

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Log struct {
		Level      string `yaml:"level"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"log"`

	Storage struct {
		TempDir       string `yaml:"temp_dir"`
		UploadDir     string `yaml:"upload_dir"`
		OutputDir     string `yaml:"output_dir"`
		KeepArtifacts bool   `yaml:"keep_artifacts"`
	} `yaml:"storage"`

	Lock struct {
		Path             string  `yaml:"path"`
		EstimatedMinutes float64 `yaml:"estimated_minutes"`
	} `yaml:"lock"`

	Device struct {
		// Mode is "auto" (probe nvidia-smi), "cuda" or "cpu".
		Mode                  string  `yaml:"mode"`
		SMIPath               string  `yaml:"smi_path"`
		DiarizationFraction   float64 `yaml:"diarization_fraction"`
		TranscriptionFraction float64 `yaml:"transcription_fraction"`
	} `yaml:"device"`

	FFmpeg struct {
		Path       string `yaml:"path"`
		SampleRate int    `yaml:"sample_rate"`
		LowPassHz  int    `yaml:"lowpass_hz"`
	} `yaml:"ffmpeg"`

	Diarization struct {
		Command        []string `yaml:"command"`
		MinDurationOff float64  `yaml:"min_duration_off"`
		HFToken        string   `yaml:"hf_token"`
		HFHome         string   `yaml:"hf_home"`
	} `yaml:"diarization"`

	Whisper struct {
		Command  []string `yaml:"command"`
		Model    string   `yaml:"model"`
		Language string   `yaml:"language"`
	} `yaml:"whisper"`

	Transcription struct {
		MaxSegmentSeconds float64 `yaml:"max_segment_seconds"`
	} `yaml:"transcription"`

	Jobs struct {
		EventBuffer  int `yaml:"event_buffer"`
		EventHistory int `yaml:"event_history"`
		MaxRecords   int `yaml:"max_records"`
	} `yaml:"jobs"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		Enabled         bool   `yaml:"enabled"`
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Load reads the YAML file at path, loads .env files, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string, envFiles ...string) (*Config, error) {
	loadDotEnv(envFiles...)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(os.LookupEnv, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.BufferSize <= 0 {
		c.Log.BufferSize = 1000
	}

	if c.Storage.TempDir == "" {
		c.Storage.TempDir = filepath.Join(os.TempDir(), "video_processing", "output")
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = filepath.Join(os.TempDir(), "video_processing")
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "outputs"
	}

	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join(os.TempDir(), "system_lock.json")
	}
	if c.Lock.EstimatedMinutes == 0 {
		c.Lock.EstimatedMinutes = 5
	}
	if c.Lock.EstimatedMinutes < 0 {
		return fmt.Errorf("config: lock.estimated_minutes must be >= 0, got %v", c.Lock.EstimatedMinutes)
	}

	switch strings.ToLower(c.Device.Mode) {
	case "":
		c.Device.Mode = "auto"
	case "auto", "cuda", "cpu":
		c.Device.Mode = strings.ToLower(c.Device.Mode)
	default:
		return fmt.Errorf("config: device.mode must be auto, cuda or cpu, got %q", c.Device.Mode)
	}
	if c.Device.SMIPath == "" {
		c.Device.SMIPath = "nvidia-smi"
	}
	if c.Device.DiarizationFraction == 0 {
		c.Device.DiarizationFraction = 0.6
	}
	if c.Device.TranscriptionFraction == 0 {
		c.Device.TranscriptionFraction = 0.8
	}
	for name, f := range map[string]float64{
		"device.diarization_fraction":   c.Device.DiarizationFraction,
		"device.transcription_fraction": c.Device.TranscriptionFraction,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("config: %s must be in (0, 1], got %v", name, f)
		}
	}

	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = "ffmpeg"
	}
	if c.FFmpeg.SampleRate == 0 {
		c.FFmpeg.SampleRate = 16000
	}
	if c.FFmpeg.LowPassHz == 0 {
		c.FFmpeg.LowPassHz = 3000
	}

	if len(c.Diarization.Command) == 0 {
		c.Diarization.Command = []string{"python", "scripts/diarize.py"}
	}
	if c.Diarization.MinDurationOff == 0 {
		c.Diarization.MinDurationOff = 1.0
	}

	if len(c.Whisper.Command) == 0 {
		c.Whisper.Command = []string{"python", "-m", "whisper"}
	}
	if c.Whisper.Model == "" {
		c.Whisper.Model = "large-v3-turbo"
	}
	if c.Whisper.Language == "" {
		c.Whisper.Language = "thai"
	}

	if c.Transcription.MaxSegmentSeconds == 0 {
		c.Transcription.MaxSegmentSeconds = 30
	}
	if c.Transcription.MaxSegmentSeconds < 0 {
		return fmt.Errorf("config: transcription.max_segment_seconds must be > 0, got %v", c.Transcription.MaxSegmentSeconds)
	}

	if c.Jobs.EventBuffer <= 0 {
		c.Jobs.EventBuffer = 64
	}
	if c.Jobs.EventHistory <= 0 {
		c.Jobs.EventHistory = 500
	}
	if c.Jobs.MaxRecords <= 0 {
		c.Jobs.MaxRecords = 20
	}

	if c.Cleanup.IntervalMinutes <= 0 {
		c.Cleanup.IntervalMinutes = 30
	}
	if c.Cleanup.MaxAgeHours <= 0 {
		c.Cleanup.MaxAgeHours = 24
	}

	if c.GoogleDrive.CredentialsFile == "" {
		c.GoogleDrive.CredentialsFile = "config/credentials.json"
	}
	if c.GoogleDrive.TokenFile == "" {
		c.GoogleDrive.TokenFile = "config/token.json"
	}
	if c.GoogleDrive.FolderName == "" {
		c.GoogleDrive.FolderName = "Transcripts"
	}

	if c.Limits.MaxFileSizeMB <= 0 {
		c.Limits.MaxFileSizeMB = 1024
	}
	return nil
}

// loadDotEnv populates the process environment from .env files. Missing files
// are ignored; variables already set win.
func loadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) {
	overrideString(lookup, "HUGGING_FACE_HUB_TOKEN", &cfg.Diarization.HFToken)
	overrideString(lookup, "HF_HOME", &cfg.Diarization.HFHome)
	overrideString(lookup, "VTT_LOG_LEVEL", &cfg.Log.Level)
	overrideString(lookup, "VTT_TEMP_DIR", &cfg.Storage.TempDir)
	overrideString(lookup, "VTT_OUTPUT_DIR", &cfg.Storage.OutputDir)
	overrideString(lookup, "VTT_LOCK_PATH", &cfg.Lock.Path)
	overrideString(lookup, "VTT_DEVICE", &cfg.Device.Mode)
	overrideString(lookup, "VTT_LANGUAGE", &cfg.Whisper.Language)

	if raw, ok := lookup("VTT_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			cfg.Server.Port = port
		}
	}
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
)

// Model transcribes one audio file. Implementations run while the caller
// holds claim.
type Model interface {
	Transcribe(ctx context.Context, audioPath string, claim *device.Claim) (*ModelResult, error)
}

// ModelResult is the raw model output for one file.
type ModelResult struct {
	Text     string
	Language string
	Segments []WhisperSegment
}

// WhisperModel wraps Python's OpenAI Whisper CLI.
type WhisperModel struct {
	Command  []string
	Model    string
	Language string
	TempDir  string
	Runner   CommandRunner
	Log      *slog.Logger

	mu sync.Mutex
}

// NewWhisperModel creates a model invoked as command (for example
// "python -m whisper").
func NewWhisperModel(command []string, model, language, tempDir string, runner CommandRunner, logger *slog.Logger) *WhisperModel {
	if len(command) == 0 {
		command = []string{"python", "-m", "whisper"}
	}
	if model == "" {
		model = "small"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperModel{
		Command:  command,
		Model:    model,
		Language: language,
		TempDir:  tempDir,
		Runner:   runner,
		Log:      logger.With("component", "whisper", "model", model),
	}
}

// Transcribe runs whisper on audioPath and parses its JSON output.
func (w *WhisperModel) Transcribe(ctx context.Context, audioPath string, claim *device.Claim) (*ModelResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	outDir, err := os.MkdirTemp(w.TempDir, "whisper_output_")
	if err != nil {
		return nil, fmt.Errorf("create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	dev := "cpu"
	var env []string
	if claim != nil {
		dev = claim.Device()
		env = claim.Env()
	}
	fp16 := "False" // fp16 only pays off on GPU
	if dev == "cuda" {
		fp16 = "True"
	}

	args := append([]string{}, w.Command[1:]...)
	args = append(args,
		absAudioPath,
		"--model", w.Model,
		"--output_dir", outDir,
		"--output_format", "json",
		"--device", dev,
		"--fp16", fp16,
	)
	if w.Language != "" {
		args = append(args, "--language", w.Language)
	}

	w.Log.Debug("transcribing", "audio", audioPath, "device", dev)
	if _, err := w.Runner.Run(ctx, Command{Name: w.Command[0], Args: args, Env: env}); err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	var out WhisperOutput
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}

	return &ModelResult{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Segments: out.Segments,
	}, nil
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

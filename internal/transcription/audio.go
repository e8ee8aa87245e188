package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegExtractor pulls the speech band out of a video as mono 16-bit PCM.
type FFmpegExtractor struct {
	Path       string
	SampleRate int
	LowPassHz  int
	Runner     CommandRunner
	Log        *slog.Logger
}

// NewFFmpegExtractor returns an extractor with the pipeline defaults:
// 16 kHz mono and a 3 kHz low-pass filter.
func NewFFmpegExtractor(path string, runner CommandRunner, logger *slog.Logger) *FFmpegExtractor {
	if path == "" {
		path = "ffmpeg"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegExtractor{
		Path:       path,
		SampleRate: 16000,
		LowPassHz:  3000,
		Runner:     runner,
		Log:        logger.With("component", "ffmpeg"),
	}
}

// Extract converts videoPath into a WAV file at outPath.
func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath, outPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("video not readable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	args := []string{"-y", "-i", videoPath, "-vn"}
	if e.LowPassHz > 0 {
		args = append(args, "-af", fmt.Sprintf("lowpass=f=%d", e.LowPassHz))
	}
	args = append(args,
		"-ac", "1", // Mono
		"-ar", strconv.Itoa(e.SampleRate),
		"-c:a", "pcm_s16le", // 16-bit PCM
		outPath,
	)

	e.Log.Info("extracting audio", "video", videoPath, "output", outPath)
	if _, err := e.Runner.Run(ctx, Command{Name: e.Path, Args: args}); err != nil {
		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced an empty file: %s", outPath)
	}
	return nil
}

var supportedFormats = []string{
	".mp4", ".mkv", ".mov", ".avi", ".webm", ".m4v", ".flv", ".wmv",
	".mp3", ".wav", ".m4a", ".ogg", ".flac", ".aac",
}

// ValidateMediaFormat reports whether ffmpeg input with this extension is
// accepted for upload.
func ValidateMediaFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
)

// ErrInvalidAudio marks a clip that is empty or cannot be decoded.
var ErrInvalidAudio = errors.New("invalid audio")

// DefaultMaxSegmentSeconds is the longest stretch handed to the model at once.
const DefaultMaxSegmentSeconds = 30.0

// Transcriber turns one clip into text while holding the device.
type Transcriber struct {
	Model      Model
	Arbiter    *device.Arbiter
	Fraction   float64
	MaxSegment float64
	TempDir    string
	Log        *slog.Logger
}

// NewTranscriber returns a transcriber with the default 0.8 memory fraction
// and 30 second segments.
func NewTranscriber(model Model, arbiter *device.Arbiter, tempDir string, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		Model:      model,
		Arbiter:    arbiter,
		Fraction:   0.8,
		MaxSegment: DefaultMaxSegmentSeconds,
		TempDir:    tempDir,
		Log:        logger.With("component", "transcriber"),
	}
}

// TranscribeClip returns the raw text of the clip at path. Clips longer
// than MaxSegment are transcribed in pieces whose texts are joined by a
// single space. The device is held for the whole call.
func (t *Transcriber) TranscribeClip(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidAudio, filepath.Base(path))
	}
	src, err := readWAV(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidAudio, filepath.Base(path), err)
	}
	if src.frames() == 0 {
		return "", fmt.Errorf("%w: %s has no samples", ErrInvalidAudio, filepath.Base(path))
	}

	var text string
	err = t.Arbiter.With(ctx, t.Fraction, "transcriber", func(ctx context.Context, claim *device.Claim) error {
		maxSeg := t.MaxSegment
		if maxSeg <= 0 {
			maxSeg = DefaultMaxSegmentSeconds
		}
		if src.seconds() <= maxSeg {
			res, err := t.Model.Transcribe(ctx, path, claim)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(res.Text)
			return nil
		}

		var err error
		text, err = t.transcribeSegments(ctx, src, maxSeg, claim)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (t *Transcriber) transcribeSegments(ctx context.Context, src *pcmAudio, maxSeg float64, claim *device.Claim) (string, error) {
	dir, err := os.MkdirTemp(t.TempDir, "segments_")
	if err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	defer os.RemoveAll(dir)

	step := int(maxSeg * float64(src.sampleRate()))
	total := src.frames()
	var parts []string
	for i, from := 0, 0; from < total; i, from = i+1, from+step {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		to := from + step
		if to > total {
			to = total
		}

		seg := filepath.Join(dir, fmt.Sprintf("segment_%d.wav", i))
		if err := writeWAV(seg, src.slice(from, to), src.bitDepth); err != nil {
			return "", err
		}
		res, err := t.Model.Transcribe(ctx, seg, claim)
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", i, err)
		}
		if s := strings.TrimSpace(res.Text); s != "" {
			parts = append(parts, s)
		}
		os.Remove(seg)
	}

	t.Log.Debug("long clip transcribed in segments", "segments", len(parts))
	return strings.Join(parts, " "), nil
}

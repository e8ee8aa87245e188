package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// Clip is one exported per-turn audio file.
type Clip struct {
	Index   int
	Speaker string
	Path    string
	Start   float64
	End     float64
}

// ClipName returns the on-disk name of clip i.
func ClipName(index int, speaker string) string {
	return fmt.Sprintf("chunk_%d_%s.wav", index, speaker)
}

// ParseClipName recovers index and speaker from a clip file name. The
// speaker may itself contain underscores, as in "SPEAKER_00".
func ParseClipName(name string) (int, string, bool) {
	if !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ".wav") {
		return 0, "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".wav")
	idx, speaker, ok := strings.Cut(rest, "_")
	if !ok || speaker == "" {
		return 0, "", false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, speaker, true
}

// ListClips returns the clips found in dir ordered by numeric index.
// Files that do not follow the clip naming scheme are ignored.
func ListClips(dir string) ([]Clip, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var clips []Clip
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, speaker, ok := ParseClipName(e.Name())
		if !ok {
			continue
		}
		clips = append(clips, Clip{Index: idx, Speaker: speaker, Path: filepath.Join(dir, e.Name())})
	}
	SortClips(clips)
	return clips, nil
}

// SortClips orders clips by index.
func SortClips(clips []Clip) {
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].Index < clips[j].Index })
}

// WAVSplitter cuts a decoded WAV into one clip per diarization turn.
type WAVSplitter struct {
	Log *slog.Logger
}

// NewWAVSplitter returns a splitter logging through logger.
func NewWAVSplitter(logger *slog.Logger) *WAVSplitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSplitter{Log: logger.With("component", "splitter")}
}

// Split writes clip i for turns[i] into outDir. Turn bounds are clamped to
// the audio; a turn that ends up empty or fails to write is reported as a
// failure and the remaining turns are still exported. An error is returned
// only when the source audio cannot be read.
func (s *WAVSplitter) Split(ctx context.Context, audioPath string, turns []types.DiarizationTurn, outDir string) ([]Clip, []types.ClipFailure, error) {
	src, err := readWAV(audioPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load audio %s: %w", audioPath, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create chunk directory: %w", err)
	}

	var (
		clips    []Clip
		failures []types.ClipFailure
	)
	for i, t := range turns {
		if err := ctx.Err(); err != nil {
			return clips, failures, err
		}

		from, to := src.frameAt(t.Start), src.frameAt(t.End)
		if to <= from {
			failures = append(failures, types.ClipFailure{
				Index:   i,
				Speaker: t.Speaker,
				Error:   fmt.Sprintf("empty clip [%.1fs -> %.1fs]", t.Start, t.End),
			})
			s.Log.Warn("skipping empty clip", "index", i, "speaker", t.Speaker)
			continue
		}

		path := filepath.Join(outDir, ClipName(i, t.Speaker))
		if err := writeWAV(path, src.slice(from, to), src.bitDepth); err != nil {
			failures = append(failures, types.ClipFailure{Index: i, Speaker: t.Speaker, Error: err.Error()})
			s.Log.Warn("failed to export clip", "index", i, "speaker", t.Speaker, "error", err)
			continue
		}
		clips = append(clips, Clip{Index: i, Speaker: t.Speaker, Path: path, Start: t.Start, End: t.End})
	}

	s.Log.Info("audio split", "clips", len(clips), "failures", len(failures))
	return clips, failures, nil
}

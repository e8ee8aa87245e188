package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// Stage names used in errors and events.
const (
	StagePrepare    = "prepare"
	StageExtract    = "extract-audio"
	StageDiarize    = "diarize"
	StageSplit      = "split"
	StageTranscribe = "transcribe"
	StageAssemble   = "assemble"
)

// ErrStageFailure is matched by every StageError.
var ErrStageFailure = errors.New("stage failed")

// StageError is a failure that aborts the whole job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Is reports ErrStageFailure equivalence for errors.Is.
func (e *StageError) Is(target error) bool { return target == ErrStageFailure }

func stageErr(stage string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// Extractor converts a video into the pipeline's WAV format.
type Extractor interface {
	Extract(ctx context.Context, videoPath, outPath string) error
}

// Splitter cuts audio into one clip per turn.
type Splitter interface {
	Split(ctx context.Context, audioPath string, turns []types.DiarizationTurn, outDir string) ([]transcription.Clip, []types.ClipFailure, error)
}

// ClipTranscriber returns the raw text of one clip.
type ClipTranscriber interface {
	TranscribeClip(ctx context.Context, path string) (string, error)
}

// Worker sequences the pipeline stages for one job at a time. It owns the
// per-job directory layout under Root.
type Worker struct {
	Root                string
	Extractor           Extractor
	Diarizer            transcription.Diarizer
	Splitter            Splitter
	Transcriber         ClipTranscriber
	Arbiter             *device.Arbiter
	DiarizationFraction float64
	Language            string
	Log                 *slog.Logger
}

// NewWorker wires the stage collaborators together.
func NewWorker(root string, ex Extractor, d transcription.Diarizer, sp Splitter, tr ClipTranscriber, arb *device.Arbiter, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		Root:                root,
		Extractor:           ex,
		Diarizer:            d,
		Splitter:            sp,
		Transcriber:         tr,
		Arbiter:             arb,
		DiarizationFraction: 0.6,
		Log:                 logger.With("component", "worker"),
	}
}

// PrepareJob lays out a clean working directory for videoPath. Leftovers
// of an earlier run on the same video are removed.
func (w *Worker) PrepareJob(id, videoPath string) (*Job, error) {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	if base == "" || base == "." {
		return nil, &StageError{Stage: StagePrepare, Err: fmt.Errorf("cannot derive job name from %q", videoPath)}
	}

	dir := filepath.Join(w.Root, base)
	if err := os.RemoveAll(dir); err != nil {
		return nil, &StageError{Stage: StagePrepare, Err: err}
	}
	chunkDir := filepath.Join(dir, "chunk")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, &StageError{Stage: StagePrepare, Err: err}
	}

	return &Job{
		ID:         id,
		VideoPath:  videoPath,
		WorkDir:    dir,
		AudioPath:  filepath.Join(dir, base+".wav"),
		ReportPath: filepath.Join(dir, "output.txt"),
		ChunkDir:   chunkDir,
		Language:   w.Language,
	}, nil
}

// ExtractAudio writes the job's mono 16 kHz WAV.
func (w *Worker) ExtractAudio(ctx context.Context, job *Job) error {
	if err := w.Extractor.Extract(ctx, job.VideoPath, job.AudioPath); err != nil {
		return stageErr(StageExtract, err)
	}
	return nil
}

// Diarize detects speaker turns while holding the device and persists the
// report next to the audio.
func (w *Worker) Diarize(ctx context.Context, job *Job) error {
	var turns []types.DiarizationTurn
	err := w.Arbiter.With(ctx, w.DiarizationFraction, "diarizer", func(ctx context.Context, claim *device.Claim) error {
		var err error
		turns, err = w.Diarizer.Diarize(ctx, job.AudioPath, claim)
		return err
	})
	if err != nil {
		return stageErr(StageDiarize, err)
	}

	transcription.SortTurns(turns)
	if err := transcription.WriteReport(job.ReportPath, turns); err != nil {
		return stageErr(StageDiarize, err)
	}
	job.Turns = turns
	w.Log.Info("diarization report written", "job_id", job.ID, "turns", len(turns), "report", job.ReportPath)
	return nil
}

// Split exports one clip per turn listed in the job's report. Clips that
// cannot be exported are recorded as failures.
func (w *Worker) Split(ctx context.Context, job *Job) error {
	turns, err := transcription.ReadReport(job.ReportPath)
	if err != nil {
		return stageErr(StageSplit, fmt.Errorf("diarization report: %w", err))
	}

	clips, failures, err := w.Splitter.Split(ctx, job.AudioPath, turns, job.ChunkDir)
	if err != nil {
		return stageErr(StageSplit, err)
	}
	transcription.SortClips(clips)
	job.Clips = clips
	job.Failures = append(job.Failures, failures...)
	return nil
}

// ListClips returns the clips in dir in numeric index order.
func (w *Worker) ListClips(dir string) ([]transcription.Clip, error) {
	return transcription.ListClips(dir)
}

// TranscribeClip returns the cleaned text of one clip. The device is
// claimed and released inside the call.
func (w *Worker) TranscribeClip(ctx context.Context, clip transcription.Clip) (string, error) {
	raw, err := w.Transcriber.TranscribeClip(ctx, clip.Path)
	if err != nil {
		return "", err
	}
	return transcription.Clean(raw), nil
}

// Assemble joins the job's chunks in index order, one paragraph per chunk
// prefixed by its speaker. Chunks without text are left out.
func (w *Worker) Assemble(job *Job) string {
	chunks := append([]types.TranscriptChunk(nil), job.Chunks...)
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Text == "" {
			continue
		}
		parts = append(parts, c.Speaker+": "+c.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Process runs every stage of job in order and returns the final text.
// Stage failures abort the job; per-clip failures are recorded on the job
// and reported as warnings.
func (w *Worker) Process(ctx context.Context, job *Job, events *Events) (string, error) {
	log := w.Log.With("job_id", job.ID)

	emit(events, Event{Type: EventStage, Stage: StageExtract, Progress: 0.05, Message: "Extracting audio"})
	if err := w.ExtractAudio(ctx, job); err != nil {
		return "", err
	}

	emit(events, Event{Type: EventStage, Stage: StageDiarize, Progress: 0.15, Message: "Detecting speakers"})
	if err := w.Diarize(ctx, job); err != nil {
		return "", err
	}

	emit(events, Event{Type: EventStage, Stage: StageSplit, Progress: 0.35, Message: "Splitting audio by speaker"})
	if err := w.Split(ctx, job); err != nil {
		return "", err
	}
	for _, f := range job.Failures {
		warnClip(events, StageSplit, f)
	}

	n := len(job.Clips)
	emit(events, Event{Type: EventStage, Stage: StageTranscribe, Progress: 0.4, Message: fmt.Sprintf("Transcribing %d clips", n)})
	for i, clip := range job.Clips {
		if err := ctx.Err(); err != nil {
			return "", stageErr(StageTranscribe, err)
		}

		text, err := w.TranscribeClip(ctx, clip)
		if err != nil {
			if errors.Is(err, device.ErrDeviceBusy) || ctx.Err() != nil {
				return "", stageErr(StageTranscribe, err)
			}
			f := types.ClipFailure{Index: clip.Index, Speaker: clip.Speaker, Error: err.Error()}
			job.Failures = append(job.Failures, f)
			log.Warn("clip skipped", "index", clip.Index, "speaker", clip.Speaker, "error", err)
			warnClip(events, StageTranscribe, f)
			continue
		}

		job.Chunks = append(job.Chunks, types.TranscriptChunk{
			Index:   clip.Index,
			Speaker: clip.Speaker,
			Text:    text,
			Start:   clip.Start,
			End:     clip.End,
		})
		idx := clip.Index
		emit(events, Event{
			Type:      EventProgress,
			Stage:     StageTranscribe,
			Progress:  0.4 + 0.55*float64(i+1)/float64(n),
			Message:   fmt.Sprintf("Transcribed clip %d/%d", i+1, n),
			ClipIndex: &idx,
		})
	}

	emit(events, Event{Type: EventStage, Stage: StageAssemble, Progress: 0.98, Message: "Assembling transcript"})
	text := w.Assemble(job)
	log.Info("job processed", "chunks", len(job.Chunks), "failures", len(job.Failures))
	return text, nil
}

func warnClip(events *Events, stage string, f types.ClipFailure) {
	idx := f.Index
	emit(events, Event{
		Type:      EventWarning,
		Stage:     stage,
		Message:   fmt.Sprintf("clip %d (%s) skipped: %s", f.Index, f.Speaker, f.Error),
		ClipIndex: &idx,
	})
}

func emit(events *Events, ev Event) {
	if events != nil {
		events.Publish(ev)
	}
}

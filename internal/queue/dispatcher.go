package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/speaker-transcript/internal/joblock"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// Publisher names recognised when storing publish locations on a result.
const (
	PublisherLocal = "local"
	PublisherDrive = "gdrive"
)

// Publisher stores a finished transcript and returns where it went.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, name string, result *types.TranscriptionResult) (string, error)
}

// Options tunes a Dispatcher.
type Options struct {
	EventBuffer     int
	EventHistory    int
	MaxRecords      int
	KeepArtifacts   bool
	Publishers      []Publisher
	PublishAttempts int
}

// Dispatcher admits one job at a time through the cross-process job lock
// and runs it on its own goroutine.
type Dispatcher struct {
	worker *Worker
	lock   *joblock.Lock
	opts   Options
	log    *slog.Logger

	newID   func() string
	backoff func(attempt int) time.Duration

	mu    sync.Mutex
	jobs  map[string]*JobRecord
	order []string
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher for w gated by lock.
func NewDispatcher(w *Worker, lock *joblock.Lock, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.EventHistory <= 0 {
		opts.EventHistory = 500
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 20
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	return &Dispatcher{
		worker: w,
		lock:   lock,
		opts:   opts,
		log:    logger.With("component", "dispatcher"),
		newID:  func() string { return uuid.New().String() },
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second // Quadratic backoff
		},
		jobs: make(map[string]*JobRecord),
	}
}

// Submit claims the job lock and starts req in the background. It fails with
// joblock.ErrBusy when another job holds the lock.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*JobRecord, error) {
	rec, events, err := d.admit(req)
	if err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.execute(context.WithoutCancel(ctx), rec, req, events)
	}()
	return rec, nil
}

// Run admits req like Submit but executes it on the calling goroutine and
// returns the job error, if any. The record's event history is complete when
// Run returns.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*JobRecord, error) {
	rec, events, err := d.admit(req)
	if err != nil {
		return nil, err
	}
	err = d.execute(ctx, rec, req, events)
	<-rec.done
	return rec, err
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Get returns the record for id.
func (d *Dispatcher) Get(id string) (*JobRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.jobs[id]
	return rec, ok
}

// List returns snapshots of the retained jobs, newest first.
func (d *Dispatcher) List() []JobSnapshot {
	d.mu.Lock()
	recs := make([]*JobRecord, 0, len(d.order))
	for _, id := range d.order {
		recs = append(recs, d.jobs[id])
	}
	d.mu.Unlock()

	out := make([]JobSnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the running job of this process, if any.
func (d *Dispatcher) Active() (*JobRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if rec := d.jobs[id]; !rec.Finished() {
			return rec, true
		}
	}
	return nil, false
}

// LockStatus returns the shared job lock state.
func (d *Dispatcher) LockStatus() (joblock.State, error) {
	return d.lock.Status()
}

func (d *Dispatcher) admit(req Request) (*JobRecord, *Events, error) {
	if req.VideoPath == "" {
		return nil, nil, errors.New("video path is required")
	}
	id := d.newID()
	holder := req.Holder
	if holder == "" {
		holder = id
	}

	st, err := d.lock.TryAcquire(holder, req.EstimatedMinutes)
	if err != nil {
		if errors.Is(err, joblock.ErrBusy) {
			d.log.Info("job refused, system busy", "holder", st.HolderID(), "name", req.Name)
			return nil, nil, fmt.Errorf("%w: job held by %s", joblock.ErrBusy, st.HolderID())
		}
		return nil, nil, err
	}

	rec := NewJobRecord(id, req, holder, d.opts.EventHistory)
	d.register(rec)

	events := NewEvents(d.opts.EventBuffer)
	go func() {
		rec.events.Drain(events)
		close(rec.done)
	}()

	d.log.Info("job admitted", "job_id", id, "holder", holder, "source", req.Source, "name", req.Name)
	return rec, events, nil
}

func (d *Dispatcher) register(rec *JobRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.jobs[rec.ID] = rec
	d.order = append(d.order, rec.ID)
	for len(d.order) > d.opts.MaxRecords {
		evicted := false
		for i, id := range d.order {
			if d.jobs[id].Finished() {
				delete(d.jobs, id)
				d.order = append(d.order[:i], d.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// execute runs the job. Whatever happens inside, including a panic, the
// lock is released and the event stream closed on the way out.
func (d *Dispatcher) execute(ctx context.Context, rec *JobRecord, req Request, events *Events) (err error) {
	log := d.log.With("job_id", rec.ID)
	defer d.finish(rec, req, events)
	defer func() {
		if r := recover(); r != nil {
			log.Error("PANIC processing job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
			rec.fail(err)
			events.Publish(Event{Type: EventError, Message: err.Error()})
		}
	}()

	rec.start()
	job, err := d.worker.PrepareJob(rec.ID, req.VideoPath)
	if err != nil {
		d.failJob(rec, events, err)
		return err
	}
	rec.setWorkDir(job.WorkDir)

	text, err := d.worker.Process(ctx, job, events)
	rec.setFailures(job.Failures)
	if err != nil {
		d.failJob(rec, events, err)
		return err
	}

	result := buildResult(rec, job, text)
	d.publish(ctx, rec, result)
	rec.complete(result)

	events.Publish(Event{
		Type:       EventComplete,
		Stage:      StageAssemble,
		Progress:   1,
		Message:    "Transcription complete",
		Transcript: result.Text,
	})
	log.Info("job completed", "chunks", len(result.Chunks), "failures", len(result.Failures), "words", result.WordCount)
	return nil
}

func (d *Dispatcher) failJob(rec *JobRecord, events *Events, err error) {
	d.log.Error("job failed", "job_id", rec.ID, "error", err)
	rec.fail(err)
	stage := ""
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	events.Publish(Event{Type: EventError, Stage: stage, Message: err.Error()})
}

func (d *Dispatcher) finish(rec *JobRecord, req Request, events *Events) {
	log := d.log.With("job_id", rec.ID)

	released, err := d.lock.ReleaseIf(rec.Holder)
	switch {
	case err != nil:
		log.Error("failed to release job lock", "error", err)
	case !released:
		log.Warn("job lock taken over by another holder, left in place", "holder", rec.Holder)
	}
	if req.RemoveSource {
		cleanupTempFile(log, req.VideoPath)
	}
	if dir := rec.WorkDir(); dir != "" && !d.opts.KeepArtifacts {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove working directory", "dir", dir, "error", err)
		}
	}
	events.Close()
}

// publish stores the transcript with every publisher. Each publisher gets
// PublishAttempts tries; a publisher that keeps failing only logs a warning.
func (d *Dispatcher) publish(ctx context.Context, rec *JobRecord, result *types.TranscriptionResult) {
	log := d.log.With("job_id", rec.ID)
	for _, p := range d.opts.Publishers {
		var (
			location string
			err      error
		)
		for attempt := 1; attempt <= d.opts.PublishAttempts; attempt++ {
			location, err = p.Publish(ctx, rec.Name, result)
			if err == nil {
				break
			}
			log.Warn("publish attempt failed", "publisher", p.Name(), "attempt", attempt, "error", err)
			if attempt < d.opts.PublishAttempts {
				select {
				case <-time.After(d.backoff(attempt)):
				case <-ctx.Done():
				}
			}
		}
		if err != nil {
			log.Warn("publisher gave up", "publisher", p.Name(), "error", err)
			continue
		}

		switch p.Name() {
		case PublisherLocal:
			result.LocalPath = location
		case PublisherDrive:
			result.GDriveURL = location
		}
		log.Info("transcript published", "publisher", p.Name(), "location", location)
	}
}

func buildResult(rec *JobRecord, job *Job, text string) *types.TranscriptionResult {
	speakers := make([]string, 0)
	seen := make(map[string]bool)
	var duration float64
	for _, c := range job.Chunks {
		if !seen[c.Speaker] {
			seen[c.Speaker] = true
			speakers = append(speakers, c.Speaker)
		}
	}
	for _, t := range job.Turns {
		if t.End > duration {
			duration = t.End
		}
	}

	words := 0
	for _, c := range job.Chunks {
		words += len(strings.Fields(c.Text))
	}

	return &types.TranscriptionResult{
		JobID:       rec.ID,
		Name:        rec.Name,
		Text:        text,
		Language:    job.Language,
		Duration:    duration,
		Chunks:      job.Chunks,
		Failures:    job.Failures,
		Speakers:    speakers,
		WordCount:   words,
		ProcessedAt: time.Now(),
	}
}

// cleanupTempFile removes a temporary file
func cleanupTempFile(log *slog.Logger, filePath string) {
	if filePath == "" {
		return
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to cleanup temp file", "path", filePath, "error", err)
	}
}

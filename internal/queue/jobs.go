package queue

import (
	"sync"
	"time"

	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// Job is the on-disk state of one pipeline run. Stages fill it in order.
type Job struct {
	ID        string
	VideoPath string
	// WorkDir is <root>/<video base name>.
	WorkDir    string
	AudioPath  string
	ReportPath string
	ChunkDir   string

	Turns    []types.DiarizationTurn
	Clips    []transcription.Clip
	Chunks   []types.TranscriptChunk
	Failures []types.ClipFailure
	Language string
}

// Request asks the dispatcher to run one job.
type Request struct {
	Name      string
	Source    string
	VideoPath string
	// Holder is recorded in the job lock; a fresh id is used when empty.
	Holder           string
	EstimatedMinutes float64
	// RemoveSource deletes VideoPath once the job ends.
	RemoveSource bool
}

// JobRecord tracks one submitted job for the lifetime of the process.
type JobRecord struct {
	ID        string
	Name      string
	Source    string
	FilePath  string
	Holder    string
	CreatedAt time.Time

	events *EventLog
	done   chan struct{}

	mu         sync.RWMutex
	status     string
	err        string
	result     *types.TranscriptionResult
	failures   []types.ClipFailure
	workDir    string
	startedAt  time.Time
	finishedAt time.Time
}

// JobSnapshot is the JSON view of a JobRecord.
type JobSnapshot struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Source     string              `json:"source"`
	Holder     string              `json:"holder"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Failures   []types.ClipFailure `json:"failures,omitempty"`
	Events     int64               `json:"events"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	LocalPath  string              `json:"local_path,omitempty"`
	GDriveURL  string              `json:"gdrive_url,omitempty"`
}

// NewJobRecord creates a queued record with an event history of size history.
func NewJobRecord(id string, req Request, holder string, history int) *JobRecord {
	return &JobRecord{
		ID:        id,
		Name:      req.Name,
		Source:    req.Source,
		FilePath:  req.VideoPath,
		Holder:    holder,
		CreatedAt: time.Now(),
		events:    NewEventLog(history),
		done:      make(chan struct{}),
		status:    types.StatusQueued,
	}
}

// Events returns the job's event history.
func (r *JobRecord) Events() *EventLog { return r.events }

// Done is closed once the job has finished and every event is recorded.
func (r *JobRecord) Done() <-chan struct{} { return r.done }

// Status returns the current status constant.
func (r *JobRecord) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Err returns the job-level error message, if any.
func (r *JobRecord) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Result returns the transcript of a completed job.
func (r *JobRecord) Result() *types.TranscriptionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// WorkDir returns the job's working directory once it is known.
func (r *JobRecord) WorkDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workDir
}

// Finished reports whether the job reached a terminal status.
func (r *JobRecord) Finished() bool {
	s := r.Status()
	return s == types.StatusCompleted || s == types.StatusFailed
}

// Snapshot returns a copy safe to serialise.
func (r *JobRecord) Snapshot() JobSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := JobSnapshot{
		ID:        r.ID,
		Name:      r.Name,
		Source:    r.Source,
		Holder:    r.Holder,
		Status:    r.status,
		Error:     r.err,
		Failures:  append([]types.ClipFailure(nil), r.failures...),
		Events:    r.events.LastSeq(),
		CreatedAt: r.CreatedAt,
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		s.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		s.FinishedAt = &t
	}
	if r.result != nil {
		s.LocalPath = r.result.LocalPath
		s.GDriveURL = r.result.GDriveURL
	}
	return s
}

func (r *JobRecord) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = types.StatusProcessing
	r.startedAt = time.Now()
}

func (r *JobRecord) setWorkDir(dir string) {
	r.mu.Lock()
	r.workDir = dir
	r.mu.Unlock()
}

func (r *JobRecord) setFailures(f []types.ClipFailure) {
	r.mu.Lock()
	r.failures = append([]types.ClipFailure(nil), f...)
	r.mu.Unlock()
}

func (r *JobRecord) complete(result *types.TranscriptionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = types.StatusCompleted
	r.result = result
	r.finishedAt = time.Now()
}

func (r *JobRecord) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = types.StatusFailed
	r.err = err.Error()
	r.finishedAt = time.Now()
}

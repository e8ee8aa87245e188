package types

import "time"

// Job status constants
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Source type constants
const (
	SourceUpload = "upload"
	SourceGDrive = "gdrive"
	SourceCLI    = "cli"
)

// DiarizationTurn is one time-stamped stretch of speech attributed to a speaker.
// Turns may overlap when two people talk at once.
type DiarizationTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Duration returns the length of the turn in seconds (never negative).
func (t DiarizationTurn) Duration() float64 {
	if t.End <= t.Start {
		return 0
	}
	return t.End - t.Start
}

// TranscriptChunk is the cleaned text of one diarization turn.
type TranscriptChunk struct {
	Index   int     `json:"index"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// ClipFailure records a clip that could not be exported or transcribed.
type ClipFailure struct {
	Index   int    `json:"index"`
	Speaker string `json:"speaker"`
	Error   string `json:"error"`
}

// TranscriptionResult is the assembled output of one job
type TranscriptionResult struct {
	JobID       string            `json:"job_id"`
	Name        string            `json:"name"`
	Text        string            `json:"text"`
	Language    string            `json:"language"`
	Duration    float64           `json:"duration_seconds"`
	Chunks      []TranscriptChunk `json:"chunks"`
	Failures    []ClipFailure     `json:"failures,omitempty"`
	Speakers    []string          `json:"speakers"`
	WordCount   int               `json:"word_count"`
	ProcessedAt time.Time         `json:"processed_at"`
	LocalPath   string            `json:"local_path,omitempty"`
	GDriveURL   string            `json:"gdrive_url,omitempty"`
}

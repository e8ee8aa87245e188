package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// LocalStorage writes transcripts into a dated directory tree.
type LocalStorage struct {
	outputDir string
	now       func() time.Time
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
		now:       time.Now,
	}
}

// Name identifies the publisher.
func (ls *LocalStorage) Name() string { return "local" }

// Publish saves the transcript and returns its path.
func (ls *LocalStorage) Publish(ctx context.Context, name string, result *types.TranscriptionResult) (string, error) {
	return ls.SaveTranscript(name, result)
}

// SaveTranscript saves the transcript and metadata to local disk
func (ls *LocalStorage) SaveTranscript(requestName string, result *types.TranscriptionResult) (string, error) {
	// Create dated directory structure: outputs/2025/01/23/
	now := ls.now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	// 20250123_143022_board_meeting
	baseFilename := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(requestName))
	txtPath := filepath.Join(dateDir, baseFilename+".txt")
	metaPath := filepath.Join(dateDir, baseFilename+"_meta.json")

	if err := os.WriteFile(txtPath, []byte(result.Text), 0o644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %w", err)
	}

	metaJSON, err := json.MarshalIndent(newMetadata(requestName, result, txtPath), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	return txtPath, nil
}

// Metadata is the JSON sidecar stored next to every transcript.
type Metadata struct {
	JobID       string                  `json:"job_id"`
	RequestName string                  `json:"request_name"`
	Duration    float64                 `json:"duration_seconds"`
	WordCount   int                     `json:"word_count"`
	Language    string                  `json:"language"`
	Speakers    []string                `json:"speakers"`
	CreatedAt   time.Time               `json:"created_at"`
	Chunks      []types.TranscriptChunk `json:"chunks"`
	Failures    []types.ClipFailure     `json:"failures,omitempty"`
	LocalPath   string                  `json:"local_path,omitempty"`
}

func newMetadata(requestName string, result *types.TranscriptionResult, localPath string) Metadata {
	return Metadata{
		JobID:       result.JobID,
		RequestName: requestName,
		Duration:    result.Duration,
		WordCount:   result.WordCount,
		Language:    result.Language,
		Speakers:    result.Speakers,
		CreatedAt:   result.ProcessedAt,
		Chunks:      result.Chunks,
		Failures:    result.Failures,
		LocalPath:   localPath,
	}
}

// sanitizeFilename makes name safe to use as a single path element.
func sanitizeFilename(name string) string {
	result := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	result = strings.Trim(result, ".")
	if result == "" {
		result = "untitled"
	}
	if r := []rune(result); len(r) > 100 {
		result = string(r[:100]) // Limit length
	}
	return result
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

func sampleResult() *types.TranscriptionResult {
	return &types.TranscriptionResult{
		JobID:     "job-1",
		Text:      "SPEAKER_00: hello\n\nSPEAKER_01: hi",
		Language:  "thai",
		Duration:  12.5,
		WordCount: 2,
		Speakers:  []string{"SPEAKER_00", "SPEAKER_01"},
		Chunks: []types.TranscriptChunk{
			{Index: 0, Speaker: "SPEAKER_00", Text: "hello"},
			{Index: 1, Speaker: "SPEAKER_01", Text: "hi"},
		},
	}
}

func TestLocalStoragePublish(t *testing.T) {
	dir := t.TempDir()
	ls := NewLocalStorage(dir)
	ls.now = func() time.Time { return time.Date(2026, 4, 9, 14, 30, 22, 0, time.UTC) }

	path, err := ls.Publish(context.Background(), "board/meeting", sampleResult())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := filepath.Join(dir, "2026", "04", "09", "20260409_143022_board_meeting.txt")
	if path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}

	text, err := os.ReadFile(path)
	if err != nil || string(text) != sampleResult().Text {
		t.Fatalf("transcript = %q, %v", text, err)
	}

	raw, err := os.ReadFile(strings.TrimSuffix(path, ".txt") + "_meta.json")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("metadata json: %v", err)
	}
	if meta.JobID != "job-1" || len(meta.Chunks) != 2 || meta.LocalPath != path {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"plain":            "plain",
		"a/b\\c:d":         "a_b_c_d",
		"  ..hidden..  ":   "hidden",
		"":                 "untitled",
		"tab\tand\nnewline": "tabandnewline",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
	if got := sanitizeFilename(strings.Repeat("x", 150)); len(got) != 100 {
		t.Fatalf("long name length = %d", len(got))
	}
}

func TestFolderQueryEscapes(t *testing.T) {
	q := folderQuery("Bob's", "parent1")
	if !strings.Contains(q, `name='Bob\'s'`) || !strings.Contains(q, "'parent1' in parents") {
		t.Fatalf("query = %s", q)
	}
	if strings.Contains(folderQuery("root", ""), "in parents") {
		t.Fatal("top-level query should not name a parent")
	}
}

func TestDriveUploadCreatesDatedFolders(t *testing.T) {
	var (
		mu      sync.Mutex
		creates int
		uploads int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"files":[]}`)
		case http.MethodPost:
			creates++
			if strings.HasPrefix(r.URL.Path, "/upload/") {
				uploads++
			}
			fmt.Fprintf(w, `{"id":"f%d"}`, creates)
		default:
			http.Error(w, "unexpected", http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	svc, err := drive.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	if err != nil {
		t.Fatalf("drive.NewService: %v", err)
	}
	dc := NewDriveClientWithService(svc, "")

	url, err := dc.Publish(context.Background(), "meeting", sampleResult())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// root, year, month and day folders, then transcript and metadata
	if creates != 6 || uploads != 2 {
		t.Fatalf("creates = %d uploads = %d", creates, uploads)
	}
	if url != "https://drive.google.com/file/d/f5/view" {
		t.Fatalf("url = %s", url)
	}
	if dc.folderID != "f1" {
		t.Fatalf("root folder = %q", dc.folderID)
	}
}

func TestNewDriveClientWithoutToken(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	os.WriteFile(creds, []byte(`{"installed":{"client_id":"id","client_secret":"s","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["urn:ietf:wg:oauth:2.0:oob"]}}`), 0o644)

	_, err := NewDriveClient(context.Background(), creds, filepath.Join(dir, "token.json"), "Transcripts")
	if err != ErrNoToken {
		t.Fatalf("error = %v, want ErrNoToken", err)
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
	"github.com/codebuildervaibhav/speaker-transcript/internal/joblock"
	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gpu is an accelerator that is always present and does nothing.
type gpu struct{}

func (gpu) Available() bool                 { return true }
func (gpu) Name() string                    { return "cuda" }
func (gpu) EmptyCache() error               { return nil }
func (gpu) SetMemoryFraction(float64) error { return nil }
func (gpu) Synchronize() error              { return nil }
func (gpu) MemoryUsed() (uint64, error)     { return 0, nil }

// toneExtractor writes silence of the configured length as the job audio.
type toneExtractor struct {
	seconds int
	err     error
}

func (e *toneExtractor) Extract(ctx context.Context, videoPath, outPath string) error {
	if e.err != nil {
		return e.err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, e.seconds*16000),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type fakeDiarizer struct {
	turns []types.DiarizationTurn
	panic bool
	hook  func()
}

func (d *fakeDiarizer) Diarize(ctx context.Context, audioPath string, claim *device.Claim) ([]types.DiarizationTurn, error) {
	if d.hook != nil {
		d.hook()
	}
	if d.panic {
		panic("pipeline exploded")
	}
	return append([]types.DiarizationTurn(nil), d.turns...), nil
}

// clipTranscriber claims the device like the real transcriber and echoes
// the clip index with a stutter for cleanup to remove.
type clipTranscriber struct {
	arb     *device.Arbiter
	invalid map[int]bool
	err     error

	mu      sync.Mutex
	visited []int
}

func (c *clipTranscriber) TranscribeClip(ctx context.Context, path string) (string, error) {
	idx, _, _ := transcription.ParseClipName(filepath.Base(path))
	c.mu.Lock()
	c.visited = append(c.visited, idx)
	c.mu.Unlock()

	if c.invalid[idx] {
		return "", fmt.Errorf("%w: %s", transcription.ErrInvalidAudio, filepath.Base(path))
	}
	if c.err != nil {
		return "", c.err
	}
	var text string
	err := c.arb.With(ctx, 0.8, "transcriber", func(ctx context.Context, claim *device.Claim) error {
		text = fmt.Sprintf("hello hello clip%d", idx)
		return nil
	})
	return text, err
}

type recordingPublisher struct {
	name     string
	failures int
	calls    int
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(ctx context.Context, name string, result *types.TranscriptionResult) (string, error) {
	p.calls++
	if p.calls <= p.failures {
		return "", errors.New("temporarily unavailable")
	}
	return "/out/" + name + ".txt", nil
}

type harness struct {
	dir    string
	video  string
	lock   *joblock.Lock
	arb    *device.Arbiter
	ex     *toneExtractor
	diar   *fakeDiarizer
	tr     *clipTranscriber
	worker *Worker
}

func newHarness(t *testing.T, seconds int, turns []types.DiarizationTurn) *harness {
	t.Helper()
	dir := t.TempDir()
	log := quietLogger()

	lock, err := joblock.New(filepath.Join(dir, "system_lock.json"), log)
	if err != nil {
		t.Fatalf("joblock.New: %v", err)
	}
	video := filepath.Join(dir, "meeting.mp4")
	if err := os.WriteFile(video, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	arb := device.NewArbiter(gpu{}, log)
	h := &harness{
		dir:   dir,
		video: video,
		lock:  lock,
		arb:   arb,
		ex:    &toneExtractor{seconds: seconds},
		diar:  &fakeDiarizer{turns: turns},
		tr:    &clipTranscriber{arb: arb},
	}
	h.worker = NewWorker(filepath.Join(dir, "work"), h.ex, h.diar, transcription.NewWAVSplitter(log), h.tr, arb, log)
	return h
}

func (h *harness) dispatcher(opts Options) *Dispatcher {
	d := NewDispatcher(h.worker, h.lock, opts, quietLogger())
	d.backoff = func(int) time.Duration { return 0 }
	return d
}

func alternatingTurns(n int, length float64) []types.DiarizationTurn {
	turns := make([]types.DiarizationTurn, n)
	for i := range turns {
		speaker := "SPEAKER_00"
		if i%2 == 1 {
			speaker = "SPEAKER_01"
		}
		turns[i] = types.DiarizationTurn{Start: float64(i) * length, End: float64(i+1) * length, Speaker: speaker}
	}
	return turns
}

func assertLockFree(t *testing.T, lock *joblock.Lock) {
	t.Helper()
	busy, err := lock.IsBusy()
	if err != nil {
		t.Fatalf("IsBusy: %v", err)
	}
	if busy {
		t.Fatal("job lock is still held")
	}
}

func TestRunTwoSpeakerVideo(t *testing.T) {
	h := newHarness(t, 120, alternatingTurns(12, 10))
	pub := &recordingPublisher{name: PublisherLocal}
	d := h.dispatcher(Options{Publishers: []Publisher{pub}})

	assertLockFree(t, h.lock)
	rec, err := d.Run(context.Background(), Request{Name: "meeting", Source: types.SourceCLI, VideoPath: h.video})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertLockFree(t, h.lock)

	if rec.Status() != types.StatusCompleted {
		t.Fatalf("status = %s (%s)", rec.Status(), rec.Err())
	}
	res := rec.Result()
	paragraphs := strings.Split(res.Text, "\n\n")
	if len(paragraphs) != 12 {
		t.Fatalf("paragraphs = %d, want 12:\n%s", len(paragraphs), res.Text)
	}
	for i, p := range paragraphs {
		speaker := "SPEAKER_00"
		if i%2 == 1 {
			speaker = "SPEAKER_01"
		}
		if want := fmt.Sprintf("%s: hello clip%d", speaker, i); p != want {
			t.Fatalf("paragraph %d = %q, want %q", i, p, want)
		}
	}

	for i, idx := range h.tr.visited {
		if idx != i {
			t.Fatalf("visit order = %v, want ascending numeric", h.tr.visited)
		}
	}
	if len(res.Speakers) != 2 || res.LocalPath != "/out/meeting.txt" || res.WordCount != 24 {
		t.Fatalf("result = %+v", res)
	}
	if _, held := h.arb.Holder(); held {
		t.Fatal("device left claimed")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "work", "meeting")); !os.IsNotExist(err) {
		t.Fatalf("working directory not purged: %v", err)
	}

	<-rec.Done()
	evs := rec.Events().Since(0)
	if last := evs[len(evs)-1]; last.Type != EventComplete || last.Transcript != res.Text {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRunKeepsArtifacts(t *testing.T) {
	h := newHarness(t, 6, alternatingTurns(2, 3))
	d := h.dispatcher(Options{KeepArtifacts: true})

	if _, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	work := filepath.Join(h.dir, "work", "meeting")
	report, err := os.ReadFile(filepath.Join(work, "output.txt"))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	want := "Speaker Diarization Results:\n\n[0.0s -> 3.0s] SPEAKER_00\n[3.0s -> 6.0s] SPEAKER_01\n"
	if string(report) != want {
		t.Fatalf("report = %q", report)
	}
	clips, err := h.worker.ListClips(filepath.Join(work, "chunk"))
	if err != nil || len(clips) != 2 {
		t.Fatalf("clips = %v, %v", clips, err)
	}
	if _, err := os.Stat(filepath.Join(work, "meeting.wav")); err != nil {
		t.Fatalf("audio missing: %v", err)
	}
}

func TestRunInvalidClipIsSkipped(t *testing.T) {
	h := newHarness(t, 9, alternatingTurns(3, 3))
	h.tr.invalid = map[int]bool{1: true}
	d := h.dispatcher(Options{})

	rec, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	res := rec.Result()
	if res.Text != "SPEAKER_00: hello clip0\n\nSPEAKER_00: hello clip2" {
		t.Fatalf("text = %q", res.Text)
	}
	if len(res.Failures) != 1 || res.Failures[0].Index != 1 || res.Failures[0].Speaker != "SPEAKER_01" {
		t.Fatalf("failures = %+v", res.Failures)
	}

	<-rec.Done()
	var warned bool
	for _, ev := range rec.Events().Since(0) {
		if ev.Type == EventWarning && ev.ClipIndex != nil && *ev.ClipIndex == 1 {
			warned = true
		}
	}
	if !warned {
		t.Fatal("no warning event for clip 1")
	}
}

func TestRunReturnsWithCompleteEventHistory(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t, 9, alternatingTurns(3, 3))
		h.tr.invalid = map[int]bool{1: true}
		d := h.dispatcher(Options{})

		rec, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		select {
		case <-rec.Done():
		default:
			t.Fatalf("run %d: record not done when Run returned", i)
		}

		evs := rec.Events().Since(0)
		var warned bool
		for _, ev := range evs {
			if ev.Type == EventWarning && ev.ClipIndex != nil && *ev.ClipIndex == 1 {
				warned = true
			}
		}
		if !warned {
			t.Fatalf("run %d: warning for clip 1 missing right after Run", i)
		}
		if last := evs[len(evs)-1]; last.Type != EventComplete {
			t.Fatalf("run %d: last event = %+v, want complete", i, last)
		}
	}
}

func TestRunLeavesLockTakenOverByAnotherHolder(t *testing.T) {
	h := newHarness(t, 6, alternatingTurns(2, 3))
	h.diar.hook = func() {
		// An operator force-releases the lock and another job claims it.
		if err := h.lock.Release(); err != nil {
			t.Error(err)
		}
		if _, err := h.lock.TryAcquire("night-batch", 30); err != nil {
			t.Error(err)
		}
	}
	d := h.dispatcher(Options{})

	if _, err := d.Run(context.Background(), Request{Name: "m", Holder: "alice", VideoPath: h.video}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	st, err := h.lock.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsBusy || st.HolderID() != "night-batch" {
		t.Fatalf("lock state = %+v, want held by night-batch", st)
	}
}

func TestRunStageFailureReleasesLock(t *testing.T) {
	h := newHarness(t, 5, nil)
	h.ex.err = errors.New("moov atom not found")
	d := h.dispatcher(Options{})

	rec, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
	if !errors.Is(err, ErrStageFailure) {
		t.Fatalf("error = %v, want ErrStageFailure", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageExtract {
		t.Fatalf("stage error = %+v", se)
	}
	if rec.Status() != types.StatusFailed {
		t.Fatalf("status = %s", rec.Status())
	}
	assertLockFree(t, h.lock)
}

func TestRunPanicReleasesLockAndDevice(t *testing.T) {
	h := newHarness(t, 5, nil)
	h.diar.panic = true
	d := h.dispatcher(Options{})

	rec, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
	if err == nil || !strings.Contains(err.Error(), "pipeline exploded") {
		t.Fatalf("error = %v", err)
	}
	if rec.Status() != types.StatusFailed {
		t.Fatalf("status = %s", rec.Status())
	}
	assertLockFree(t, h.lock)
	if _, held := h.arb.Holder(); held {
		t.Fatal("device still claimed after panic")
	}
}

func TestRunDeviceBusyAbortsJob(t *testing.T) {
	h := newHarness(t, 6, alternatingTurns(2, 3))
	h.tr.err = &device.BusyError{Holder: "other", Requester: "transcriber"}
	d := h.dispatcher(Options{})

	_, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
	if !errors.Is(err, ErrStageFailure) || !errors.Is(err, device.ErrDeviceBusy) {
		t.Fatalf("error = %v", err)
	}
	assertLockFree(t, h.lock)
}

func TestSubmitRefusedWhileBusy(t *testing.T) {
	h := newHarness(t, 5, nil)
	if err := h.lock.SetBusy("someone-else", 10); err != nil {
		t.Fatal(err)
	}
	d := h.dispatcher(Options{})

	if _, err := d.Submit(context.Background(), Request{Name: "m", VideoPath: h.video}); !errors.Is(err, joblock.ErrBusy) {
		t.Fatalf("Submit() error = %v, want ErrBusy", err)
	}
	st, _ := h.lock.Status()
	if st.HolderID() != "someone-else" {
		t.Fatalf("holder overwritten: %q", st.HolderID())
	}
}

func TestSubmitRunsInBackground(t *testing.T) {
	h := newHarness(t, 6, alternatingTurns(2, 3))
	d := h.dispatcher(Options{})

	rec, err := d.Submit(context.Background(), Request{Name: "m", VideoPath: h.video, Holder: "user-7", EstimatedMinutes: 2})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got, ok := d.Get(rec.ID); !ok || got != rec {
		t.Fatal("record not registered")
	}

	select {
	case <-rec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	d.Wait()

	if rec.Status() != types.StatusCompleted {
		t.Fatalf("status = %s (%s)", rec.Status(), rec.Err())
	}
	assertLockFree(t, h.lock)
	if snaps := d.List(); len(snaps) != 1 || snaps[0].Holder != "user-7" {
		t.Fatalf("list = %+v", snaps)
	}
}

func TestSplitWithoutReportFails(t *testing.T) {
	h := newHarness(t, 5, nil)
	job, err := h.worker.PrepareJob("j", h.video)
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	if err := h.worker.Split(context.Background(), job); !errors.Is(err, ErrStageFailure) {
		t.Fatalf("Split() error = %v, want ErrStageFailure", err)
	}
}

func TestPrepareJobPurgesOldDirectory(t *testing.T) {
	h := newHarness(t, 5, nil)
	stale := filepath.Join(h.dir, "work", "meeting", "chunk", "chunk_9_X.wav")
	os.MkdirAll(filepath.Dir(stale), 0o755)
	os.WriteFile(stale, []byte("old"), 0o644)

	job, err := h.worker.PrepareJob("j", h.video)
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	if job.AudioPath != filepath.Join(h.dir, "work", "meeting", "meeting.wav") {
		t.Fatalf("audio path = %s", job.AudioPath)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale clip survived")
	}
}

func TestAssembleOrdersByIndex(t *testing.T) {
	w := &Worker{}
	job := &Job{Chunks: []types.TranscriptChunk{
		{Index: 10, Speaker: "B", Text: "ten"},
		{Index: 2, Speaker: "A", Text: "two"},
		{Index: 0, Speaker: "A", Text: "zero"},
		{Index: 3, Speaker: "B", Text: ""},
	}}
	if got, want := w.Assemble(job), "A: zero\n\nA: two\n\nB: ten"; got != want {
		t.Fatalf("Assemble() = %q, want %q", got, want)
	}
}

func TestPublishRetries(t *testing.T) {
	h := newHarness(t, 3, alternatingTurns(1, 3))
	drive := &recordingPublisher{name: PublisherDrive, failures: 2}
	broken := &recordingPublisher{name: "broken", failures: 100}
	d := h.dispatcher(Options{Publishers: []Publisher{broken, drive}})

	rec, err := d.Run(context.Background(), Request{Name: "m", VideoPath: h.video})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if drive.calls != 3 || broken.calls != 3 {
		t.Fatalf("calls drive=%d broken=%d", drive.calls, broken.calls)
	}
	if rec.Result().GDriveURL != "/out/m.txt" {
		t.Fatalf("drive url = %q", rec.Result().GDriveURL)
	}
}

func TestEventsDropOldestWhenFull(t *testing.T) {
	q := NewEvents(2)
	for i := 1; i <= 3; i++ {
		q.Publish(Event{Type: EventProgress, Message: fmt.Sprint(i)})
	}
	q.Close()
	q.Publish(Event{Message: "after close"})

	var got []string
	for ev := range q.C() {
		got = append(got, ev.Message)
	}
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("events = %v, want [2 3]", got)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d", q.Dropped())
	}
}

func TestEventLogSince(t *testing.T) {
	l := NewEventLog(3)
	changed := l.Changed()
	for i := 0; i < 5; i++ {
		l.Append(Event{Message: fmt.Sprint(i)})
	}
	select {
	case <-changed:
	default:
		t.Fatal("Changed not signalled")
	}

	all := l.Since(0)
	if len(all) != 3 || all[0].Seq != 3 || all[2].Seq != 5 {
		t.Fatalf("retained = %+v", all)
	}
	if tail := l.Since(4); len(tail) != 1 || tail[0].Message != "4" {
		t.Fatalf("Since(4) = %+v", tail)
	}
	if l.LastSeq() != 5 {
		t.Fatalf("LastSeq = %d", l.LastSeq())
	}
}

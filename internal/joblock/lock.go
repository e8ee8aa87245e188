// Package joblock implements the advisory busy flag shared by every process
// that may start a transcription job. The state lives in one JSON file;
// every access runs under an OS file lock on a sidecar ".lock" file so that
// the state file itself can be replaced atomically.
package joblock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrBusy is returned by TryAcquire when another holder owns the lock.
var ErrBusy = errors.New("system busy")

// State is the persisted lock record.
type State struct {
	IsBusy           bool       `json:"is_busy"`
	Holder           *string    `json:"current_user"`
	StartTime        *time.Time `json:"start_time"`
	EstimatedMinutes *float64   `json:"estimated_time"`
}

// fileState mirrors State on disk. start_time is kept as text so that naive
// ISO timestamps written by other tools still parse.
type fileState struct {
	IsBusy           bool     `json:"is_busy"`
	Holder           *string  `json:"current_user"`
	StartTime        *string  `json:"start_time"`
	EstimatedMinutes *float64 `json:"estimated_time"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// HolderID returns the holder or an empty string.
func (s State) HolderID() string {
	if s.Holder == nil {
		return ""
	}
	return *s.Holder
}

// Lock is a handle on the shared lock file.
type Lock struct {
	path     string
	lockPath string
	now      func() time.Time
	log      *slog.Logger

	// mu serialises goroutines of this process; the file lock covers the rest.
	mu sync.Mutex
}

// New opens the lock at path and writes the default state if the file does
// not exist yet.
func New(path string, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("joblock: create directory: %w", err)
	}
	l := &Lock{
		path:     path,
		lockPath: path + ".lock",
		now:      time.Now,
		log:      logger.With("component", "joblock", "path", path),
	}

	err := l.withExclusive(func() error {
		if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
			return l.write(State{})
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the state file path.
func (l *Lock) Path() string { return l.path }

// Status returns the current state. A missing or unparsable file reads as
// the default, not-busy state.
func (l *Lock) Status() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fl := flock.New(l.lockPath)
	if err := fl.RLock(); err != nil {
		return State{}, fmt.Errorf("joblock: shared lock: %w", err)
	}
	defer fl.Unlock()

	return l.read(), nil
}

// IsBusy reports whether a job currently holds the lock.
func (l *Lock) IsBusy() (bool, error) {
	st, err := l.Status()
	if err != nil {
		return false, err
	}
	return st.IsBusy, nil
}

// SetBusy records holder as the owner, overwriting any previous holder.
// Prefer TryAcquire, which checks and sets in one step.
func (l *Lock) SetBusy(holder string, estimatedMinutes float64) error {
	return l.withExclusive(func() error {
		return l.write(l.busyState(holder, estimatedMinutes))
	})
}

// TryAcquire marks the lock busy for holder only if it is free, checking and
// writing under one exclusive file lock. When another holder owns it, the
// current state is returned together with ErrBusy.
func (l *Lock) TryAcquire(holder string, estimatedMinutes float64) (State, error) {
	var st State
	err := l.withExclusive(func() error {
		current := l.read()
		if current.IsBusy {
			st = current
			return ErrBusy
		}
		st = l.busyState(holder, estimatedMinutes)
		return l.write(st)
	})
	return st, err
}

// Release resets the lock to the full default state.
func (l *Lock) Release() error {
	return l.withExclusive(func() error {
		return l.write(State{})
	})
}

// ReleaseIf frees the lock only while holder still owns it. It reports
// whether the lock was released; a free lock or another holder is left
// untouched.
func (l *Lock) ReleaseIf(holder string) (bool, error) {
	var released bool
	err := l.withExclusive(func() error {
		current := l.read()
		if !current.IsBusy || current.HolderID() != holder {
			return nil
		}
		released = true
		return l.write(State{})
	})
	return released, err
}

func (l *Lock) busyState(holder string, estimatedMinutes float64) State {
	start := l.now().UTC()
	return State{
		IsBusy:           true,
		Holder:           &holder,
		StartTime:        &start,
		EstimatedMinutes: &estimatedMinutes,
	}
}

func (l *Lock) withExclusive(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fl := flock.New(l.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("joblock: exclusive lock: %w", err)
	}
	defer fl.Unlock()

	return fn()
}

// read must be called with the file lock held.
func (l *Lock) read() State {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("lock file unreadable, treating as free", "error", err)
		}
		return State{}
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		l.log.Warn("lock file corrupt, treating as free", "error", err)
		return State{}
	}
	if !fs.IsBusy {
		return State{}
	}

	st := State{
		IsBusy:           true,
		Holder:           fs.Holder,
		EstimatedMinutes: fs.EstimatedMinutes,
	}
	if fs.StartTime != nil {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, *fs.StartTime); err == nil {
				st.StartTime = &t
				break
			}
		}
	}
	return st
}

// write replaces the state file atomically; it must be called with the file
// lock held.
func (l *Lock) write(st State) error {
	fs := fileState{
		IsBusy:           st.IsBusy,
		Holder:           st.Holder,
		EstimatedMinutes: st.EstimatedMinutes,
	}
	if !st.IsBusy {
		fs = fileState{}
	}
	if st.IsBusy && st.StartTime != nil {
		s := st.StartTime.Format(time.RFC3339Nano)
		fs.StartTime = &s
	}

	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("joblock: encode state: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("joblock: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("joblock: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("joblock: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("joblock: close state: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("joblock: replace state: %w", err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Scheduler periodically removes stale job working directories and uploads
// that outlived their job, for example after a crash.
type Scheduler struct {
	dirs     []string
	interval time.Duration
	maxAge   time.Duration
	// inUse reports paths that belong to a running job.
	inUse func(path string) bool
	now   func() time.Time
	log   *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler over the top-level entries of dirs.
func NewScheduler(dirs []string, intervalMinutes, maxAgeHours int, inUse func(string) bool, logger *slog.Logger) *Scheduler {
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dirs:     dirs,
		interval: time.Duration(intervalMinutes) * time.Minute,
		maxAge:   time.Duration(maxAgeHours) * time.Hour,
		inUse:    inUse,
		now:      time.Now,
		log:      logger.With("component", "cleanup"),
		stopChan: make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval.
func (s *Scheduler) Start() {
	s.log.Info("running initial cleanup")
	s.Sweep()

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	s.log.Info("cleanup scheduler started", "interval", s.interval, "max_age", s.maxAge)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.log.Info("cleanup scheduler stopped")
	})
}

// Sweep removes every entry older than the maximum age and returns how many
// were deleted. A directory's age is the newest modification inside it.
func (s *Scheduler) Sweep() int {
	now := s.now()
	var deletedCount int
	var deletedSize int64

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Warn("cannot scan directory", "dir", dir, "error", err)
			}
			continue
		}

		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if s.inUse(path) || s.isDirInList(path) {
				continue
			}
			modTime, size, err := newestModTime(path)
			if err != nil {
				continue // Skip files we can't access
			}
			age := now.Sub(modTime)
			if age <= s.maxAge {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn("failed to delete stale entry", "path", path, "error", err)
				continue
			}
			deletedCount++
			deletedSize += size
			s.log.Info("deleted stale entry", "path", path, "age", age.Round(time.Hour), "size_kb", size/1024)
		}
	}

	if deletedCount > 0 {
		s.log.Info("cleanup complete", "deleted", deletedCount, "freed_mb", float64(deletedSize)/(1024*1024))
	}
	return deletedCount
}

// isDirInList keeps one scanned root from deleting another nested in it.
func (s *Scheduler) isDirInList(path string) bool {
	for _, d := range s.dirs {
		if filepath.Clean(d) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

func newestModTime(path string) (time.Time, int64, error) {
	var newest time.Time
	var size int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return newest, size, err
}

// EnsureDirs creates each directory if it doesn't exist.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

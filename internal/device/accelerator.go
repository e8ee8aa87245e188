package device

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Accelerator is the device-level surface the arbiter drives on every handoff.
type Accelerator interface {
	// Available reports whether an accelerator is present.
	Available() bool
	// Name is the device string handed to model processes ("cuda", "cpu").
	Name() string
	// EmptyCache releases memory cached on the device.
	EmptyCache() error
	// SetMemoryFraction caps the share of device memory the holder may reserve.
	SetMemoryFraction(fraction float64) error
	// Synchronize waits until outstanding device work has drained.
	Synchronize() error
	// MemoryUsed reports current device memory usage in bytes.
	MemoryUsed() (uint64, error)
}

// CPU is the accelerator of a host without a GPU. Every claim on it is a no-op.
type CPU struct{}

func (CPU) Available() bool                 { return false }
func (CPU) Name() string                    { return "cpu" }
func (CPU) EmptyCache() error               { return nil }
func (CPU) SetMemoryFraction(float64) error { return nil }
func (CPU) Synchronize() error              { return nil }
func (CPU) MemoryUsed() (uint64, error)     { return 0, nil }

// QueryFunc runs a command and returns its standard output.
type QueryFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execQuery(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SMI is a CUDA accelerator observed through nvidia-smi. Model inference runs
// in child processes, so the fraction cap is recorded here and forwarded to
// them through Claim.Env; cache and synchronisation are owned by those
// processes and exit with them.
type SMI struct {
	path    string
	query   QueryFunc
	timeout time.Duration

	mu        sync.Mutex
	available bool
	fraction  float64
}

// NewSMI probes nvidia-smi at path. A failed probe yields an SMI that reports
// itself unavailable.
func NewSMI(path string, query QueryFunc) *SMI {
	if path == "" {
		path = "nvidia-smi"
	}
	if query == nil {
		query = execQuery
	}
	s := &SMI{
		path:     path,
		query:    query,
		timeout:  10 * time.Second,
		fraction: 1.0,
	}
	_, err := s.run("--query-gpu=name", "--format=csv,noheader")
	s.available = err == nil
	return s
}

func (s *SMI) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	out, err := s.query(ctx, s.path, args...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.path, strings.Join(args, " "), err)
	}
	return out, nil
}

func (s *SMI) Available() bool { return s.available }

func (s *SMI) Name() string {
	if s.available {
		return "cuda"
	}
	return "cpu"
}

func (s *SMI) EmptyCache() error { return nil }

func (s *SMI) SetMemoryFraction(fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraction = fraction
	return nil
}

// MemoryFraction returns the cap most recently applied.
func (s *SMI) MemoryFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fraction
}

// Synchronize confirms the device still answers queries.
func (s *SMI) Synchronize() error {
	if !s.available {
		return nil
	}
	_, err := s.run("--query-gpu=utilization.gpu", "--format=csv,noheader,nounits")
	return err
}

// MemoryUsed sums memory.used across visible GPUs.
func (s *SMI) MemoryUsed() (uint64, error) {
	if !s.available {
		return 0, nil
	}
	out, err := s.run("--query-gpu=memory.used", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse memory.used %q: %w", line, err)
		}
		total += mib * 1024 * 1024
	}
	return total, nil
}

// Detect returns the accelerator for the configured mode: "cpu" forces the
// CPU path, "cuda" and "auto" probe nvidia-smi.
func Detect(mode, smiPath string) Accelerator {
	if strings.EqualFold(mode, "cpu") {
		return CPU{}
	}
	smi := NewSMI(smiPath, nil)
	if !smi.Available() {
		return CPU{}
	}
	return smi
}

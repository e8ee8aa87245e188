// Package device hands the single accelerator to one pipeline component at a
// time. Contention is a programming error in this pipeline, so a second
// acquire fails immediately instead of queueing.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
)

// ErrDeviceBusy is matched by every BusyError.
var ErrDeviceBusy = errors.New("device busy")

// BusyError names the component holding the device and the one that asked.
type BusyError struct {
	Holder    string
	Requester string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device already in use by %s when %s tried to acquire it", e.Holder, e.Requester)
}

// Is reports ErrDeviceBusy equivalence for errors.Is.
func (e *BusyError) Is(target error) bool {
	return target == ErrDeviceBusy
}

// Arbiter tracks the one outstanding device claim of this process.
type Arbiter struct {
	acc Accelerator
	log *slog.Logger

	mu     sync.Mutex
	holder string
	held   bool
}

// NewArbiter creates an unclaimed arbiter over acc.
func NewArbiter(acc Accelerator, logger *slog.Logger) *Arbiter {
	if acc == nil {
		acc = CPU{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		acc: acc,
		log: logger.With("component", "device.Arbiter", "device", acc.Name()),
	}
}

// Accelerator returns the backend the arbiter drives.
func (a *Arbiter) Accelerator() Accelerator { return a.acc }

// Holder returns the component currently holding the device, if any.
func (a *Arbiter) Holder() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder, a.held
}

// Acquire claims the device for component with the given memory cap. On a
// host without an accelerator the claim is a pass-through that always
// succeeds and is not tracked.
func (a *Arbiter) Acquire(fraction float64, component string) (*Claim, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("device: memory fraction must be in (0, 1], got %v", fraction)
	}
	if !a.acc.Available() {
		return &Claim{arbiter: a, component: component, fraction: fraction, noop: true}, nil
	}

	a.mu.Lock()
	if a.held {
		holder := a.holder
		a.mu.Unlock()
		return nil, &BusyError{Holder: holder, Requester: component}
	}
	a.held = true
	a.holder = component
	a.mu.Unlock()

	claim := &Claim{arbiter: a, component: component, fraction: fraction}
	if err := a.prepare(fraction); err != nil {
		a.reset(component)
		a.free()
		return nil, fmt.Errorf("device: prepare for %s: %w", component, err)
	}

	a.log.Info("device acquired",
		"holder", component,
		"memory_fraction", fraction,
		"memory_mb", a.memoryMB(),
	)
	return claim, nil
}

// With runs fn while holding a claim and releases it on every exit path,
// including a panic in fn.
func (a *Arbiter) With(ctx context.Context, fraction float64, component string, fn func(ctx context.Context, c *Claim) error) error {
	claim, err := a.Acquire(fraction, component)
	if err != nil {
		return err
	}
	defer claim.Release()
	return fn(ctx, claim)
}

func (a *Arbiter) prepare(fraction float64) error {
	if err := a.acc.EmptyCache(); err != nil {
		return err
	}
	collectGarbage()
	return a.acc.SetMemoryFraction(fraction)
}

// reset returns the device to a clean, uncapped state. Every step runs even
// when an earlier one fails.
func (a *Arbiter) reset(component string) {
	if err := a.acc.EmptyCache(); err != nil {
		a.log.Warn("empty cache failed", "holder", component, "error", err)
	}
	if err := a.acc.SetMemoryFraction(1.0); err != nil {
		a.log.Warn("restore memory fraction failed", "holder", component, "error", err)
	}
	collectGarbage()
	if err := a.acc.Synchronize(); err != nil {
		a.log.Warn("synchronize failed", "holder", component, "error", err)
	}
}

func (a *Arbiter) free() {
	a.mu.Lock()
	a.held = false
	a.holder = ""
	a.mu.Unlock()
}

func (a *Arbiter) memoryMB() string {
	used, err := a.acc.MemoryUsed()
	if err != nil {
		return "unknown"
	}
	return strconv.FormatFloat(float64(used)/(1024*1024), 'f', 2, 64)
}

func collectGarbage() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Claim is one component's ownership of the device.
type Claim struct {
	arbiter   *Arbiter
	component string
	fraction  float64
	noop      bool
	once      sync.Once
}

// Component returns the name the claim was acquired under.
func (c *Claim) Component() string { return c.component }

// MemoryFraction returns the memory cap of the claim.
func (c *Claim) MemoryFraction() float64 { return c.fraction }

// Device returns the device string for model processes.
func (c *Claim) Device() string { return c.arbiter.acc.Name() }

// Env returns environment entries that carry the claim into a model process.
func (c *Claim) Env() []string {
	if c.noop {
		return nil
	}
	return []string{
		"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True",
		"PYTORCH_CUDA_MEMORY_FRACTION=" + strconv.FormatFloat(c.fraction, 'f', 2, 64),
	}
}

// Release resets the device and frees the claim. Only the first call has an
// effect.
func (c *Claim) Release() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		if c.noop {
			return
		}
		a := c.arbiter
		a.reset(c.component)
		a.free()
		a.log.Info("device released",
			"holder", c.component,
			"memory_mb", a.memoryMB(),
		)
	})
}

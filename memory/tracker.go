// Package memory watches the numeric buffers held by the pipeline. It keeps a
// bounded history of usage snapshots, raises warning alerts, and runs an
// escalating cleanup when usage crosses the critical limits.
package memory

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/mlerr"
)

// UsageSource reports aggregate buffer usage.
type UsageSource interface {
	Usage() buffer.Usage
}

// Thresholds bound buffer usage. Usage is safe while both counts stay below
// the Max values; above the Warning values a gentle GC pass runs.
type Thresholds struct {
	MaxBuffers     int
	MaxBytes       int64
	WarningBuffers int
	WarningBytes   int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBuffers:     150,
		MaxBytes:       150 * 1024 * 1024,
		WarningBuffers: 100,
		WarningBytes:   100 * 1024 * 1024,
	}
}

// Options configures a Tracker. Zero values take the defaults.
type Options struct {
	Thresholds      Thresholds
	HistoryCapacity int
	CheckInterval   time.Duration
	AlertCooldown   time.Duration
	Logger          *zap.SugaredLogger

	// GC is the backend level garbage pass. Defaults to runtime.GC followed
	// by debug.FreeOSMemory.
	GC            func()
	// OnAlert receives warning alerts that pass the cooldown.
	OnAlert       func(Alert)
	// OnMemoryError receives the error when emergency cleanup fails.
	OnMemoryError func(error)
	Now           func() time.Time
}

// Snapshot is a point in time reading of buffer usage.
type Snapshot struct {
	Buffers   int       `json:"buffers"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
}

// Alert is emitted when usage crosses the warning thresholds.
type Alert struct {
	Snapshot Snapshot `json:"snapshot"`
	Level    string   `json:"level"`
}

// Trend is the usage delta between the oldest and newest history entries.
type Trend struct {
	Buffers int           `json:"buffers"`
	Bytes   int64         `json:"bytes"`
	Span    time.Duration `json:"spanNs"`
	Samples int           `json:"samples"`
}

type cleanupEntry struct {
	id   int
	name string
	fn   func() error
}

// Tracker observes a UsageSource. Construct one per session.
type Tracker struct {
	source UsageSource
	opts   Options
	log    *zap.SugaredLogger

	mu        sync.Mutex
	history   []Snapshot
	callbacks []cleanupEntry
	nextID    int
	lastAlert time.Time
	alerts    int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(source UsageSource, opts Options) *Tracker {
	def := DefaultThresholds()
	if opts.Thresholds.MaxBuffers <= 0 {
		opts.Thresholds.MaxBuffers = def.MaxBuffers
	}
	if opts.Thresholds.MaxBytes <= 0 {
		opts.Thresholds.MaxBytes = def.MaxBytes
	}
	if opts.Thresholds.WarningBuffers <= 0 {
		opts.Thresholds.WarningBuffers = def.WarningBuffers
	}
	if opts.Thresholds.WarningBytes <= 0 {
		opts.Thresholds.WarningBytes = def.WarningBytes
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 20
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 30 * time.Second
	}
	if opts.GC == nil {
		opts.GC = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		source:  source,
		opts:    opts,
		log:     log.Named("memory"),
		history: make([]Snapshot, 0, opts.HistoryCapacity),
	}
}

// CurrentUsage reads usage without touching the history.
func (t *Tracker) CurrentUsage() buffer.Usage {
	return t.source.Usage()
}

// IsUsageSafe reports whether both counts are below the configured maxima.
func (t *Tracker) IsUsageSafe() bool {
	return t.safe(t.source.Usage())
}

func (t *Tracker) safe(u buffer.Usage) bool {
	th := t.opts.Thresholds
	return u.Buffers < th.MaxBuffers && u.Bytes < th.MaxBytes
}

func (t *Tracker) warning(u buffer.Usage) bool {
	th := t.opts.Thresholds
	return u.Buffers > th.WarningBuffers || u.Bytes > th.WarningBytes
}

// TakeSnapshot records current usage in the bounded history.
func (t *Tracker) TakeSnapshot(label string) Snapshot {
	u := t.source.Usage()
	s := Snapshot{Buffers: u.Buffers, Bytes: u.Bytes, Timestamp: t.opts.Now(), Context: label}
	t.mu.Lock()
	if len(t.history) == t.opts.HistoryCapacity {
		copy(t.history, t.history[1:])
		t.history = t.history[:len(t.history)-1]
	}
	t.history = append(t.history, s)
	t.mu.Unlock()
	return s
}

// History returns a copy of the snapshot history, oldest first.
func (t *Tracker) History() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Snapshot(nil), t.history...)
}

// Trend reports how usage moved across the retained history.
func (t *Tracker) Trend() Trend {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.history)
	if n < 2 {
		return Trend{Samples: n}
	}
	first, last := t.history[0], t.history[n-1]
	return Trend{
		Buffers: last.Buffers - first.Buffers,
		Bytes:   last.Bytes - first.Bytes,
		Span:    last.Timestamp.Sub(first.Timestamp),
		Samples: n,
	}
}

// Alerts returns the number of warning alerts emitted so far.
func (t *Tracker) Alerts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerts
}

// RegisterCleanup adds a callback run during emergency cleanup. Callbacks run
// in registration order. The returned func removes the callback.
func (t *Tracker) RegisterCleanup(name string, fn func() error) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.callbacks = append(t.callbacks, cleanupEntry{id: id, name: name, fn: fn})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cb := range t.callbacks {
			if cb.id == id {
				t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
				return
			}
		}
	}
}

// PerformEmergencyCleanup runs every cleanup callback, forces a GC pass and
// re-measures. It returns a *mlerr.MemoryError if usage is still unsafe.
func (t *Tracker) PerformEmergencyCleanup() error {
	t.mu.Lock()
	callbacks := append([]cleanupEntry(nil), t.callbacks...)
	t.mu.Unlock()

	before := t.source.Usage()
	t.log.Warnw("emergency cleanup started", "buffers", before.Buffers, "bytes", before.Bytes, "callbacks", len(callbacks))

	var failed *multierror.Error
	for _, cb := range callbacks {
		if err := runCallback(cb); err != nil {
			failed = multierror.Append(failed, fmt.Errorf("cleanup %s: %w", cb.name, err))
			t.log.Errorw("cleanup callback failed", "callback", cb.name, "error", err)
		}
	}
	t.opts.GC()

	after := t.TakeSnapshot("emergency-cleanup")
	t.log.Infow("emergency cleanup finished",
		"buffers", after.Buffers, "bytes", after.Bytes,
		"freed_buffers", before.Buffers-after.Buffers, "freed_bytes", before.Bytes-after.Bytes)

	if t.safe(buffer.Usage{Buffers: after.Buffers, Bytes: after.Bytes}) {
		return nil
	}
	return &mlerr.MemoryError{
		Buffers:      after.Buffers,
		Bytes:        after.Bytes,
		MaxBuffers:   t.opts.Thresholds.MaxBuffers,
		MaxBytes:     t.opts.Thresholds.MaxBytes,
		CallbackErrs: failed.ErrorOrNil(),
	}
}

func runCallback(cb cleanupEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb.fn()
}

// Check runs one monitoring pass.
func (t *Tracker) Check() error {
	u := t.source.Usage()
	if !t.safe(u) {
		err := t.PerformEmergencyCleanup()
		if err != nil {
			t.log.Errorw("memory unrecoverable", "error", err)
			if t.opts.OnMemoryError != nil {
				t.opts.OnMemoryError(err)
			}
		}
		return err
	}
	if !t.warning(u) {
		return nil
	}

	t.opts.GC()
	snap := t.TakeSnapshot("warning-check")

	now := t.opts.Now()
	t.mu.Lock()
	emit := t.alerts == 0 || now.Sub(t.lastAlert) >= t.opts.AlertCooldown
	if emit {
		t.lastAlert = now
		t.alerts++
	}
	t.mu.Unlock()

	if emit {
		t.log.Warnw("memory usage above warning threshold",
			"buffers", snap.Buffers, "bytes", snap.Bytes,
			"warning_buffers", t.opts.Thresholds.WarningBuffers, "warning_bytes", t.opts.Thresholds.WarningBytes)
		if t.opts.OnAlert != nil {
			t.opts.OnAlert(Alert{Snapshot: snap, Level: "warning"})
		}
	}
	return nil
}

// Start runs Check every CheckInterval until ctx is done or Stop is called.
// Calling Start while monitoring is active is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
	t.log.Infow("monitoring started", "interval", t.opts.CheckInterval)
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check()
		}
	}
}

// Stop ends monitoring and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.log.Info("monitoring stopped")
}

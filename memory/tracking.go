package memory

import (
	"fmt"
	"reflect"

	"appletrainer/buffer"
)

// TrackedError annotates a failure inside WithTracking with the usage seen
// before the work started.
type TrackedError struct {
	Context string
	Before  Snapshot
	Err     error
}

func (e *TrackedError) Error() string {
	return fmt.Sprintf("%s (buffers before: %d, bytes before: %d): %v",
		e.Context, e.Before.Buffers, e.Before.Bytes, e.Err)
}

func (e *TrackedError) Unwrap() error { return e.Err }

// WithTracking snapshots usage around fn and logs the delta. The after
// snapshot is taken even if fn fails or panics.
func WithTracking[T any](t *Tracker, label string, fn func() (T, error)) (T, error) {
	before := t.TakeSnapshot(label + ":before")
	defer func() {
		after := t.TakeSnapshot(label + ":after")
		t.log.Debugw("tracked operation",
			"context", label,
			"buffer_delta", after.Buffers-before.Buffers,
			"byte_delta", after.Bytes-before.Bytes)
	}()

	v, err := fn()
	if err != nil {
		return v, &TrackedError{Context: label, Before: before, Err: err}
	}
	return v, nil
}

// Track is WithTracking for funcs with no result.
func (t *Tracker) Track(label string, fn func() error) error {
	_, err := WithTracking(t, label, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Disposable is anything holding releasable numeric memory.
type Disposable interface {
	Dispose() error
	IsDisposed() bool
}

// SafeDispose disposes d unless it is nil or already disposed. Failures and
// panics are logged and swallowed. It reports whether d was released by this
// call.
func (t *Tracker) SafeDispose(d Disposable) (released bool) {
	if isNil(d) {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			released = false
			t.log.Errorw("dispose panicked", "panic", r)
		}
	}()
	if d.IsDisposed() {
		return false
	}
	if err := d.Dispose(); err != nil {
		t.log.Errorw("dispose failed", "error", err)
		return false
	}
	return true
}

// SafeDisposeAll disposes every element and returns how many were released.
func (t *Tracker) SafeDisposeAll(ds ...Disposable) int {
	n := 0
	for _, d := range ds {
		if t.SafeDispose(d) {
			n++
		}
	}
	return n
}

func isNil(d Disposable) bool {
	if d == nil {
		return true
	}
	v := reflect.ValueOf(d)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// DisposeBuffers is SafeDisposeAll for buffer slices.
func (t *Tracker) DisposeBuffers(bs ...*buffer.Buffer) int {
	n := 0
	for _, b := range bs {
		if t.SafeDispose(b) {
			n++
		}
	}
	return n
}

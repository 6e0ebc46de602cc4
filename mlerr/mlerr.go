// Package mlerr holds the error variants surfaced by the training and
// inference pipeline. Every variant carries a Kind and a short Summary so a
// calling surface can render a retry prompt without knowing pipeline internals.
package mlerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names an error variant.
type Kind string

const (
	KindModelLoad       Kind = "model_load"
	KindImageProcessing Kind = "image_processing"
	KindValidation      Kind = "validation"
	KindTraining        Kind = "training"
	KindClassification  Kind = "classification"
	KindNotReady        Kind = "not_ready"
	KindMemory          Kind = "memory"
	KindUnknown         Kind = "unknown"
)

type kinded interface {
	Kind() Kind
	Summary() string
}

// KindOf returns the Kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// SummaryOf returns a human readable summary for err.
func SummaryOf(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Summary()
	}
	return "Something went wrong. Please try again."
}

// ModelLoadError reports that the feature extractor could not be acquired.
type ModelLoadError struct {
	Attempts int
	Reason   string
	Cause    error
}

func (e *ModelLoadError) Error() string {
	msg := fmt.Sprintf("model load failed after %d attempt(s)", e.Attempts)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ModelLoadError) Unwrap() error   { return e.Cause }
func (e *ModelLoadError) Kind() Kind      { return KindModelLoad }
func (e *ModelLoadError) Summary() string { return "The picture brain could not be loaded. Check the connection and try again." }

// ImageProcessingError reports that one image could not be decoded.
type ImageProcessingError struct {
	Ref   string
	Cause error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing failed for %s: %v", shortRef(e.Ref), e.Cause)
}

func (e *ImageProcessingError) Unwrap() error   { return e.Cause }
func (e *ImageProcessingError) Kind() Kind      { return KindImageProcessing }
func (e *ImageProcessingError) Summary() string { return "That picture could not be read. Try a different one." }

// ValidationError reports caller supplied training data that cannot be used.
type ValidationError struct {
	Reason    string
	Field     string
	ExampleID string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid training data: ")
	sb.WriteString(e.Reason)
	if e.Field != "" {
		sb.WriteString(" (field " + e.Field + ")")
	}
	if e.ExampleID != "" {
		sb.WriteString(" (example " + e.ExampleID + ")")
	}
	return sb.String()
}

func (e *ValidationError) Kind() Kind      { return KindValidation }
func (e *ValidationError) Summary() string { return "More sorted pictures are needed: " + e.Reason + "." }

// TrainingError reports a failure while building or fitting the classifier
// head. Index is the failing example, or -1 when no single example is at fault.
type TrainingError struct {
	Index int
	Stage string
	Cause error
}

func (e *TrainingError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("training failed at %s of example %d: %v", e.Stage, e.Index, e.Cause)
	}
	return fmt.Sprintf("training failed during %s: %v", e.Stage, e.Cause)
}

func (e *TrainingError) Unwrap() error   { return e.Cause }
func (e *TrainingError) Kind() Kind      { return KindTraining }
func (e *TrainingError) Summary() string { return "Learning did not finish. Let's try teaching again." }

// ClassificationError reports an unexpected inference failure. Timeouts never
// produce this error.
type ClassificationError struct {
	Ref   string
	Cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed for %s: %v", shortRef(e.Ref), e.Cause)
}

func (e *ClassificationError) Unwrap() error   { return e.Cause }
func (e *ClassificationError) Kind() Kind      { return KindClassification }
func (e *ClassificationError) Summary() string { return "The guess did not work this time. Try again." }

// NotReadyError reports that classification was requested before the
// extractor was loaded or a head was trained.
type NotReadyError struct {
	Missing []string
}

func (e *NotReadyError) Error() string {
	return "not ready for classification: missing " + strings.Join(e.Missing, ", ")
}

func (e *NotReadyError) Kind() Kind      { return KindNotReady }
func (e *NotReadyError) Summary() string { return "Teach the helper first, then ask it to guess." }

// MemoryError reports that emergency cleanup could not restore safe usage.
// CallbackErrs collects the cleanup callbacks that failed, or is nil.
type MemoryError struct {
	Buffers      int
	Bytes        int64
	MaxBuffers   int
	MaxBytes     int64
	CallbackErrs error
}

func (e *MemoryError) Error() string {
	msg := fmt.Sprintf("memory still unsafe after emergency cleanup: %d buffers (max %d), %d bytes (max %d)",
		e.Buffers, e.MaxBuffers, e.Bytes, e.MaxBytes)
	if e.CallbackErrs != nil {
		msg += ": " + e.CallbackErrs.Error()
	}
	return msg
}

func (e *MemoryError) Unwrap() error { return e.CallbackErrs }

func (e *MemoryError) Kind() Kind      { return KindMemory }
func (e *MemoryError) Summary() string { return "The app is running out of memory. Please restart it." }

// data: references can be huge; keep messages readable.
func shortRef(ref string) string {
	const max = 64
	if len(ref) <= max {
		return ref
	}
	return ref[:max] + "..."
}

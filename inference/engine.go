// Package inference classifies single images with a hard deadline. When the
// pipeline does not finish in time the caller gets an undecided fallback
// pair instead of an error.
package inference

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/extractor"
	"appletrainer/memory"
	"appletrainer/mlerr"
	"appletrainer/trainer"
)

const (
	DefaultTimeout = time.Second

	// Fallback confidence is drawn from [fallbackLow, fallbackLow+fallbackBand).
	fallbackLow  = 0.5
	fallbackBand = 0.1
)

// HeadSource yields the installed classifier head, or nil. AcquireHead
// holds a reference that the caller releases.
type HeadSource interface {
	Head() *trainer.Head
	AcquireHead() *trainer.Head
}

// Result is a two-class confidence pair. Apple + NotApple is 1.
type Result struct {
	Apple    float64       `json:"apple"`
	NotApple float64       `json:"notApple"`
	Fallback bool          `json:"fallback"`
	Elapsed  time.Duration `json:"elapsedNs"`
}

// Pair returns (apple, not apple).
func (r Result) Pair() (float64, float64) {
	return r.Apple, r.NotApple
}

type Options struct {
	Loader         *extractor.Loader
	Heads          HeadSource
	Decoder        trainer.ImageDecoder
	Tracker        *memory.Tracker
	Logger         *zap.SugaredLogger
	DefaultTimeout time.Duration
	// Seed drives the fallback jitter; 0 seeds from the clock.
	Seed int64
}

type Engine struct {
	loader         *extractor.Loader
	heads          HeadSource
	decoder        trainer.ImageDecoder
	tracker        *memory.Tracker
	log            *zap.SugaredLogger
	defaultTimeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		loader:         opts.Loader,
		heads:          opts.Heads,
		decoder:        opts.Decoder,
		tracker:        opts.Tracker,
		log:            log.Named("inference"),
		defaultTimeout: opts.DefaultTimeout,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// IsReadyForClassification reports whether both the extractor and a head
// are available.
func (e *Engine) IsReadyForClassification() bool {
	return e.loader.IsLoaded() && e.heads.Head() != nil
}

type outcome struct {
	p   float64
	err error
}

// Classify runs ref through decode, embed and predict. If that takes longer
// than timeout (DefaultTimeout when <= 0) the work is abandoned and a
// fallback pair near 0.5 is returned. A missing extractor or head is a
// *mlerr.NotReadyError; other failures are *mlerr.ClassificationError.
func (e *Engine) Classify(ctx context.Context, ref string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	handle, head := e.loader.Handle(), e.heads.AcquireHead()
	var missing []string
	if handle == nil {
		missing = append(missing, "feature extractor")
	}
	if head == nil {
		missing = append(missing, "classifier head")
	}
	if len(missing) > 0 {
		if head != nil {
			head.Release()
		}
		return Result{}, &mlerr.NotReadyError{Missing: missing}
	}

	start := time.Now()
	pctx, cancel := context.WithCancel(ctx)
	ch := make(chan outcome, 1)
	go func() {
		defer head.Release()
		p, err := e.predict(pctx, handle, head, ref)
		ch <- outcome{p, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		cancel()
		if o.err != nil {
			return Result{}, &mlerr.ClassificationError{Ref: ref, Cause: o.err}
		}
		r := Result{Apple: o.p, NotApple: 1 - o.p, Elapsed: time.Since(start)}
		e.log.Debugw("classified", "apple", r.Apple, "elapsed", r.Elapsed)
		return r, nil
	case <-timer.C:
		cancel()
		r := e.fallback()
		r.Elapsed = time.Since(start)
		e.log.Warnw("classification timed out, returning fallback", "timeout", timeout, "apple", r.Apple)
		return r, nil
	case <-ctx.Done():
		cancel()
		return Result{}, &mlerr.ClassificationError{Ref: ref, Cause: ctx.Err()}
	}
}

// predict owns every intermediate buffer and releases them itself, so work
// abandoned by Classify still cleans up when it finishes.
func (e *Engine) predict(ctx context.Context, handle *extractor.Handle, head *trainer.Head, ref string) (float64, error) {
	img, err := e.decoder.Decode(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer e.dispose(img)

	emb, err := handle.Embed(ctx, img)
	if err != nil {
		return 0, err
	}
	defer e.dispose(emb)

	p, err := head.Predict(emb)
	if err != nil {
		return 0, errors.Wrap(err, "predict")
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, errors.Errorf("prediction %v outside [0, 1]", p)
	}
	return p, nil
}

func (e *Engine) dispose(b *buffer.Buffer) {
	if e.tracker != nil {
		e.tracker.SafeDispose(b)
		return
	}
	b.Dispose()
}

// fallback returns an undecided pair: one class gets a confidence just above
// 0.5, picked at random.
func (e *Engine) fallback() Result {
	e.rngMu.Lock()
	conf := fallbackLow + e.rng.Float64()*fallbackBand
	appleWins := e.rng.Intn(2) == 0
	e.rngMu.Unlock()
	if appleWins {
		return Result{Apple: conf, NotApple: 1 - conf, Fallback: true}
	}
	return Result{Apple: 1 - conf, NotApple: conf, Fallback: true}
}

// Package extractor acquires the frozen feature extraction network. Loading
// is single-flight, each attempt is raced against a timeout, failed attempts
// are retried after a fixed backoff, and a loaded network is only accepted if
// its declared input shape matches what the preprocess stage produces.
package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"appletrainer/buffer"
	"appletrainer/mlerr"
	"appletrainer/preprocess"
)

// Network is a loaded, frozen feature extractor.
type Network interface {
	// InputShape is the declared input shape, batch dimension included.
	// Unknown dimensions are reported as -1.
	InputShape() []int
	// OutputShape is the declared shape of the feature output.
	OutputShape() []int
	// Embed runs one [1, H, W, C] input through the network and returns
	// the feature output in its native rank. The caller owns the result.
	Embed(ctx context.Context, input *buffer.Buffer) (*buffer.Buffer, error)
	Close() error
}

// Source produces a Network, e.g. from a bundled file or a remote URL.
type Source interface {
	Name() string
	Open(ctx context.Context) (Network, error)
}

// State of a Loader.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var errAttemptTimeout = errors.New("load attempt timed out")

// Options configures a Loader. Zero values take the defaults.
type Options struct {
	Bundled     Source
	Remote      Source
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is the wait between attempts. Zero retries immediately.
	Backoff       time.Duration
	ExpectedInput []int
	Logger        *zap.SugaredLogger
}

// Loader owns the session's extractor Handle.
type Loader struct {
	opts  Options
	log   *zap.SugaredLogger
	group singleflight.Group

	mu      sync.Mutex
	state   State
	handle  *Handle
	lastErr error
	runs    int
}

func NewLoader(opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if len(opts.ExpectedInput) == 0 {
		opts.ExpectedInput = preprocess.InputShape
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{opts: opts, log: log.Named("extractor")}
}

// State returns the current load state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsLoaded reports whether a validated handle is available.
func (l *Loader) IsLoaded() bool {
	return l.State() == Ready
}

// Handle returns the loaded handle, or nil.
func (l *Loader) Handle() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// LastError returns the error of the last failed load.
func (l *Loader) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Load returns the extractor handle, loading it if needed. Concurrent calls
// share one in-flight load.
func (l *Loader) Load(ctx context.Context) (*Handle, error) {
	if h := l.Handle(); h != nil {
		return h, nil
	}
	v, err, shared := l.group.Do("load", func() (interface{}, error) {
		if h := l.Handle(); h != nil {
			return h, nil
		}
		return l.load(ctx)
	})
	if shared {
		l.log.Debug("joined in-flight model load")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (l *Loader) load(ctx context.Context) (*Handle, error) {
	l.mu.Lock()
	l.state = Loading
	l.runs++
	l.mu.Unlock()

	h, err := l.loadWithRetry(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = Failed
		l.lastErr = err
		return nil, err
	}
	l.state = Ready
	l.handle = h
	l.lastErr = nil
	return h, nil
}

func (l *Loader) loadWithRetry(ctx context.Context) (*Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		start := time.Now()
		net, err := l.attempt(ctx)
		if err == nil {
			h, verr := newHandle(net, l.opts.ExpectedInput)
			if verr != nil {
				if cerr := net.Close(); cerr != nil {
					l.log.Warnw("close rejected network", "error", cerr)
				}
				return nil, &mlerr.ModelLoadError{Attempts: attempt, Reason: "incompatible model", Cause: verr}
			}
			l.log.Infow("feature extractor loaded",
				"attempt", attempt, "elapsed", time.Since(start),
				"input_shape", h.InputShape(), "embedding_size", h.EmbeddingSize())
			return h, nil
		}

		lastErr = err
		l.log.Warnw("model load attempt failed", "attempt", attempt, "max_attempts", l.opts.MaxAttempts, "error", err)
		if ctx.Err() != nil {
			return nil, &mlerr.ModelLoadError{Attempts: attempt, Reason: "cancelled", Cause: ctx.Err()}
		}
		if attempt == l.opts.MaxAttempts {
			break
		}

		timer := time.NewTimer(l.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &mlerr.ModelLoadError{Attempts: attempt, Reason: "cancelled", Cause: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, &mlerr.ModelLoadError{Attempts: l.opts.MaxAttempts, Cause: lastErr}
}

// attempt tries the bundled source then the remote one, raced against the
// attempt timeout. A network that arrives after the timeout is closed.
func (l *Loader) attempt(ctx context.Context) (Network, error) {
	type result struct {
		net Network
		err error
	}
	actx, cancel := context.WithCancel(ctx)
	ch := make(chan result, 1)
	go func() {
		net, err := l.openAny(actx)
		ch <- result{net, err}
	}()

	timer := time.NewTimer(l.opts.Timeout)
	defer timer.Stop()

	abandon := func() {
		cancel()
		go func() {
			if r := <-ch; r.net != nil {
				l.log.Debug("discarding network that finished after timeout")
				r.net.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		cancel()
		return r.net, r.err
	case <-timer.C:
		abandon()
		return nil, errors.Wrapf(errAttemptTimeout, "after %s", l.opts.Timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (l *Loader) openAny(ctx context.Context) (Network, error) {
	if l.opts.Bundled == nil && l.opts.Remote == nil {
		return nil, errors.New("no model source configured")
	}
	var bundledErr error
	if src := l.opts.Bundled; src != nil {
		net, err := src.Open(ctx)
		if err == nil {
			return net, nil
		}
		bundledErr = err
		l.log.Warnw("bundled model unavailable", "source", src.Name(), "error", err)
	}
	if src := l.opts.Remote; src != nil {
		net, err := src.Open(ctx)
		if err == nil {
			return net, nil
		}
		if bundledErr != nil {
			return nil, errors.Wrapf(err, "remote %s (bundled: %v)", src.Name(), bundledErr)
		}
		return nil, errors.Wrapf(err, "remote %s", src.Name())
	}
	return nil, bundledErr
}

// Release closes the handle and returns the loader to Unloaded.
func (l *Loader) Release() error {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.state = Unloaded
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	l.log.Info("feature extractor released")
	return h.close()
}

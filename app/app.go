// Package app wires one instance of every service for a session.
package app

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/config"
	"appletrainer/extractor"
	"appletrainer/extractor/onnxnet"
	"appletrainer/inference"
	"appletrainer/memory"
	"appletrainer/neuralnet"
	"appletrainer/preprocess"
	"appletrainer/trainer"
)

type App struct {
	Config   *config.Config
	Log      *zap.SugaredLogger
	Registry *buffer.Registry
	Tracker  *memory.Tracker
	Decoder  *preprocess.Decoder
	Loader   *extractor.Loader
	Trainer  *trainer.Trainer
	Engine   *inference.Engine
}

type Option func(*settings)

type settings struct {
	bundled, remote extractor.Source
	onAlert         func(memory.Alert)
	onMemoryError   func(error)
}

// WithSources replaces the ONNX model sources.
func WithSources(bundled, remote extractor.Source) Option {
	return func(s *settings) { s.bundled, s.remote = bundled, remote }
}

// WithAlertHook receives memory warnings that pass the cooldown.
func WithAlertHook(fn func(memory.Alert)) Option {
	return func(s *settings) { s.onAlert = fn }
}

// WithMemoryErrorHook receives failed emergency cleanups.
func WithMemoryErrorHook(fn func(error)) Option {
	return func(s *settings) { s.onMemoryError = fn }
}

func NewApp(cfg *config.Config, log *zap.SugaredLogger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	hidden, err := neuralnet.ParseActivation(cfg.HeadActivation)
	if err != nil {
		return nil, err
	}

	reg := buffer.NewRegistry()
	s := settings{}
	onnx := onnxnet.Config{
		FeatureOutput: cfg.FeatureOutput,
		InputName:     cfg.InputName,
		LibraryPath:   cfg.OnnxruntimeLibrary,
		Registry:      reg,
		Logger:        log.Named("onnx"),
	}
	if cfg.BundledModelPath != "" {
		s.bundled = &onnxnet.FileSource{Path: cfg.BundledModelPath, Config: onnx}
	}
	if cfg.RemoteModelURL != "" {
		s.remote = &onnxnet.HTTPSource{URL: cfg.RemoteModelURL, Config: onnx}
	}
	for _, o := range opts {
		o(&s)
	}

	a := &App{Config: cfg, Log: log, Registry: reg}
	a.Tracker = memory.New(reg, memory.Options{
		Thresholds: memory.Thresholds{
			MaxBuffers:     cfg.MaxBuffers,
			MaxBytes:       cfg.MaxBufferBytes,
			WarningBuffers: cfg.WarningBuffers,
			WarningBytes:   cfg.WarningBufferBytes,
		},
		HistoryCapacity: cfg.HistoryCapacity,
		CheckInterval:   cfg.MonitorInterval(),
		AlertCooldown:   cfg.AlertCooldown(),
		Logger:          log,
		OnAlert:         s.onAlert,
		OnMemoryError:   s.onMemoryError,
	})
	a.Decoder = preprocess.NewDecoder(reg,
		preprocess.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout()}),
		preprocess.WithRetries(cfg.FetchRetries, cfg.FetchRetryBackoff()),
		preprocess.WithLogger(log),
	)
	a.Loader = extractor.NewLoader(extractor.Options{
		Bundled:     s.bundled,
		Remote:      s.remote,
		Timeout:     cfg.ModelLoadTimeout(),
		MaxAttempts: cfg.MaxLoadRetries,
		Backoff:     cfg.RetryBackoff(),
		Logger:      log,
	})
	a.Trainer = trainer.New(trainer.Options{
		Registry:         reg,
		Tracker:          a.Tracker,
		Loader:           a.Loader,
		Decoder:          a.Decoder,
		Logger:           log,
		HiddenActivation: hidden,
		Seed:             cfg.Seed,
	})
	a.Engine = inference.NewEngine(inference.Options{
		Loader:         a.Loader,
		Heads:          a.Trainer,
		Decoder:        a.Decoder,
		Tracker:        a.Tracker,
		Logger:         log,
		DefaultTimeout: cfg.PredictionTimeout(),
		Seed:           cfg.Seed,
	})
	return a, nil
}

// Start begins usage monitoring and warms the feature extractor in the
// background. A failed warm-up is logged; Train retries the load.
func (a *App) Start(ctx context.Context) {
	a.Tracker.Start(ctx)
	go func() {
		if _, err := a.Loader.Load(ctx); err != nil {
			a.Log.Warnw("feature extractor warm-up failed", "error", err)
		}
	}()
}

// Close stops monitoring and releases the head and the extractor. Buffers
// still alive afterwards are logged as leaks and returned.
func (a *App) Close() []buffer.Info {
	a.Tracker.Stop()
	a.Trainer.Close()
	if err := a.Loader.Release(); err != nil {
		a.Log.Warnw("release feature extractor", "error", err)
	}
	leaks := a.Registry.Live()
	for _, l := range leaks {
		a.Log.Warnw("buffer leaked", "id", l.ID, "tag", l.Tag, "shape", l.Shape, "bytes", l.Bytes)
	}
	return leaks
}

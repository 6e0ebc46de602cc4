// Command sorterd serves the apple sorter pipeline over HTTP with a
// websocket developer overlay that streams memory usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"appletrainer/app"
	"appletrainer/config"
	"appletrainer/dataset"
	"appletrainer/logger"
	"appletrainer/trainer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sorterd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "YAML config file")
		envFile    = flag.String("env", ".env", "dotenv file with SORTER_* overrides")
		trainDir   = flag.String("train-dir", "", "train at startup from apple/ and not_apple/ folders")
		manifest   = flag.String("manifest", "", "train at startup from a YAML example manifest")
		o          config.Overrides
	)
	flag.StringVar(&o.ListenAddr, "listen", "", "listen address")
	flag.StringVar(&o.BundledModelPath, "model", "", "bundled ONNX feature extractor")
	flag.StringVar(&o.RemoteModelURL, "remote-model", "", "remote ONNX feature extractor URL")
	flag.StringVar(&o.LogLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&o.LogFormat, "log-format", "", "json or console")
	flag.Int64Var(&o.Seed, "seed", 0, "seed for weight init and fallback jitter")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHub(log)
	a, err := app.NewApp(cfg, log, app.WithAlertHook(h.alert), app.WithMemoryErrorHook(h.memoryError))
	if err != nil {
		return err
	}
	defer a.Close()

	go h.run(ctx)
	go h.streamUsage(ctx, a.Tracker, cfg.MonitorInterval())
	a.Start(ctx)

	if err := trainAtStartup(ctx, a, log, *trainDir, *manifest); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(a, h, log).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infow("sorterd listening", "addr", cfg.ListenAddr,
		"bundled_model", cfg.BundledModelPath, "remote_model", cfg.RemoteModelURL)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func trainAtStartup(ctx context.Context, a *app.App, log *zap.SugaredLogger, dir, manifest string) error {
	var (
		examples []trainer.LabeledExample
		err      error
	)
	switch {
	case dir != "":
		examples, err = dataset.LoadDir(dir)
	case manifest != "":
		examples, err = dataset.LoadManifest(manifest)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	log.Infow("training at startup", "examples", len(examples))
	return a.Trainer.Train(ctx, examples)
}

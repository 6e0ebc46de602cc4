// Package trainer fits the classifier head on embeddings of user-sorted
// images. A new head replaces the installed one only after its fit
// succeeds; a failed run leaves the previous head in place.
package trainer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/extractor"
	"appletrainer/memory"
	"appletrainer/mlerr"
	"appletrainer/neuralnet"
)

// ImageDecoder turns an image reference into a [1, H, W, C] buffer.
type ImageDecoder interface {
	Decode(ctx context.Context, ref string) (*buffer.Buffer, error)
}

type Options struct {
	Registry *buffer.Registry
	Tracker  *memory.Tracker
	Loader   *extractor.Loader
	Decoder  ImageDecoder
	Logger   *zap.SugaredLogger
	// HiddenActivation is used by the two hidden dense layers; nil is ReLU.
	HiddenActivation neuralnet.ActivationFunction
	Seed             int64
	// NewModel overrides the head construction.
	NewModel ModelFactory
}

// RunReport summarizes the last successful training run.
type RunReport struct {
	Examples        int             `json:"examples"`
	EmbeddingSize   int             `json:"embeddingSize"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	Loss            float64         `json:"loss"`
	Accuracy        float64         `json:"accuracy"`
	ValLoss         float64         `json:"valLoss,omitempty"`
	ValAccuracy     float64         `json:"valAccuracy,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Duration        time.Duration   `json:"duration"`
	CompletedAt     time.Time       `json:"completedAt"`
}

type Trainer struct {
	reg      *buffer.Registry
	tracker  *memory.Tracker
	loader   *extractor.Loader
	decoder  ImageDecoder
	log      *zap.SugaredLogger
	newModel ModelFactory

	unregister func()

	mu      sync.RWMutex
	head    *Head
	lastRun *RunReport

	runMu     sync.Mutex
	cancelRun context.CancelFunc
}

func New(opts Options) *Trainer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &Trainer{
		reg:      opts.Registry,
		tracker:  opts.Tracker,
		loader:   opts.Loader,
		decoder:  opts.Decoder,
		log:      log.Named("trainer"),
		newModel: opts.NewModel,
	}
	if t.newModel == nil {
		t.newModel = DefaultModelFactory(opts.Registry, opts.HiddenActivation, opts.Seed)
	}
	t.unregister = t.tracker.RegisterCleanup("trainer", t.abortRun)
	return t
}

// IsReadyForTraining reports whether the feature extractor is loaded.
func (t *Trainer) IsReadyForTraining() bool {
	return t.loader.IsLoaded()
}

// IsReadyForClassification reports whether the extractor is loaded and a
// head has been fitted since the last reset.
func (t *Trainer) IsReadyForClassification() bool {
	return t.loader.IsLoaded() && t.Head() != nil
}

// Head returns the installed head, or nil.
func (t *Trainer) Head() *Head {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// AcquireHead returns the installed head with a reference held, or nil.
// The caller must Release it; a retrain or reset meanwhile defers the
// disposal of the old head until then.
func (t *Trainer) AcquireHead() *Head {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.head == nil || !t.head.acquire() {
		return nil
	}
	return t.head
}

// LastRun returns the report of the last successful run, or nil.
func (t *Trainer) LastRun() *RunReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastRun == nil {
		return nil
	}
	r := *t.lastRun
	return &r
}

// Train validates examples, embeds them in order and fits a new head.
func (t *Trainer) Train(ctx context.Context, examples []LabeledExample) error {
	warnings, err := ValidateExamples(examples)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		t.log.Warnw("training data warning", "warning", w)
	}

	handle, err := t.loader.Load(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.runMu.Lock()
	t.cancelRun = cancel
	t.runMu.Unlock()
	defer func() {
		t.runMu.Lock()
		t.cancelRun = nil
		t.runMu.Unlock()
		cancel()
	}()

	start := time.Now()
	hp := HyperparametersFor(len(examples))
	t.log.Infow("training started", "examples", len(examples),
		"learning_rate", hp.LearningRate, "epochs", hp.Epochs,
		"batch_size", hp.BatchSize, "validation_split", hp.ValidationSplit)

	res, err := memory.WithTracking(t.tracker, "train", func() (fitted, error) {
		return t.run(ctx, handle, examples, hp)
	})
	if err != nil {
		t.log.Errorw("training failed", "error", err)
		return err
	}

	head, final := res.head, res.history.Final()
	report := &RunReport{
		Examples:        len(examples),
		EmbeddingSize:   head.embeddingSize,
		Hyperparameters: hp,
		Loss:            final.Loss,
		Accuracy:        final.Accuracy,
		ValLoss:         final.ValLoss,
		ValAccuracy:     final.ValAccuracy,
		Warnings:        warnings,
		Duration:        time.Since(start),
		CompletedAt:     time.Now(),
	}
	t.install(head, report)
	t.log.Infow("training finished", "loss", final.Loss, "accuracy", final.Accuracy,
		"val_accuracy", final.ValAccuracy, "elapsed", report.Duration)
	return nil
}

type fitted struct {
	head    *Head
	history neuralnet.History
}

// run owns every buffer it allocates and releases them before returning,
// whatever the outcome. The fitted head is the only thing that survives.
func (t *Trainer) run(ctx context.Context, handle *extractor.Handle, examples []LabeledExample, hp Hyperparameters) (fitted, error) {
	embeddings := make([]*buffer.Buffer, 0, len(examples))
	defer func() { t.tracker.DisposeBuffers(embeddings...) }()
	targets := make([]float64, len(examples))

	width := 0
	for i, ex := range examples {
		if err := ctx.Err(); err != nil {
			return fitted{}, &mlerr.TrainingError{Index: i, Stage: "extract", Cause: err}
		}
		img, err := t.decoder.Decode(ctx, ex.ImageRef)
		if err != nil {
			return fitted{}, &mlerr.TrainingError{Index: i, Stage: "decode", Cause: err}
		}
		emb, err := handle.Embed(ctx, img)
		t.tracker.SafeDispose(img)
		if err != nil {
			return fitted{}, &mlerr.TrainingError{Index: i, Stage: "embed", Cause: err}
		}
		embeddings = append(embeddings, emb)
		if i == 0 {
			width = emb.Shape()[1]
		} else if w := emb.Shape()[1]; w != width {
			return fitted{}, &mlerr.TrainingError{Index: i, Stage: "embed",
				Cause: errors.Errorf("embedding length %d, want %d", w, width)}
		}
		targets[i] = ex.Label.Target()
		t.log.Debugw("embedded example", "index", i, "id", ex.ID, "label", ex.Label)
	}

	features, err := buffer.Stack(t.reg, "trainer:features", embeddings)
	if err != nil {
		return fitted{}, &mlerr.TrainingError{Index: -1, Stage: "stack", Cause: err}
	}
	defer t.tracker.SafeDispose(features)
	labels, err := t.reg.FromFloat64s("trainer:labels", targets, len(targets), 1)
	if err != nil {
		return fitted{}, &mlerr.TrainingError{Index: -1, Stage: "stack", Cause: err}
	}
	defer t.tracker.SafeDispose(labels)

	model, err := t.newModel(width, hp)
	if err != nil {
		return fitted{}, &mlerr.TrainingError{Index: -1, Stage: "build", Cause: err}
	}
	hist, err := model.Fit(ctx, features, labels, neuralnet.FitConfig{
		Epochs:          hp.Epochs,
		BatchSize:       hp.BatchSize,
		ValidationSplit: hp.ValidationSplit,
		Shuffle:         true,
		OnEpoch: func(s neuralnet.EpochStats) {
			t.log.Debugw("epoch", "epoch", s.Epoch, "loss", s.Loss, "accuracy", s.Accuracy, "val_loss", s.ValLoss)
		},
	})
	if err != nil {
		model.Dispose()
		return fitted{}, &mlerr.TrainingError{Index: -1, Stage: "fit", Cause: err}
	}
	return fitted{head: &Head{model: model, embeddingSize: width}, history: hist}, nil
}

// install swaps in head and retires the one it replaces.
func (t *Trainer) install(head *Head, report *RunReport) {
	t.mu.Lock()
	old := t.head
	t.head = head
	t.lastRun = report
	t.mu.Unlock()
	if old != nil {
		old.retire()
	}
}

// Reset retires the installed head. Classification is unavailable until
// the next successful Train.
func (t *Trainer) Reset() {
	t.mu.Lock()
	old := t.head
	t.head = nil
	t.lastRun = nil
	t.mu.Unlock()
	if old != nil {
		old.retire()
		t.log.Info("classifier head reset")
	}
}

// abortRun is the emergency cleanup hook: it cancels an in-flight run so
// its buffers are released.
func (t *Trainer) abortRun() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancelRun != nil {
		t.log.Warn("aborting training run for emergency cleanup")
		t.cancelRun()
	}
	return nil
}

// Close unregisters from the tracker and disposes the head.
func (t *Trainer) Close() {
	t.unregister()
	t.Reset()
}

package trainer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"appletrainer/buffer"
	"appletrainer/neuralnet"
)

// Model is the trainable part of a head.
type Model interface {
	Fit(ctx context.Context, x, y *buffer.Buffer, cfg neuralnet.FitConfig) (neuralnet.History, error)
	Predict(x *buffer.Buffer) (*buffer.Buffer, error)
	Dispose()
}

// ModelFactory builds an untrained model for embeddings of inputSize.
type ModelFactory func(inputSize int, hp Hyperparameters) (Model, error)

// HeadLayers is the classifier head architecture.
func HeadLayers(hidden neuralnet.ActivationFunction) []neuralnet.LayerSpec {
	if hidden == nil {
		hidden = neuralnet.ReLU{}
	}
	return []neuralnet.LayerSpec{
		neuralnet.DenseSpec(128, hidden),
		neuralnet.DropoutSpec(0.3),
		neuralnet.DenseSpec(64, hidden),
		neuralnet.DenseSpec(1, neuralnet.Sigmoid{}),
	}
}

// DefaultModelFactory compiles the head with binary cross-entropy and Adam.
func DefaultModelFactory(reg *buffer.Registry, hidden neuralnet.ActivationFunction, seed int64) ModelFactory {
	return func(inputSize int, hp Hyperparameters) (Model, error) {
		nn, err := neuralnet.NewNeuralNetwork(reg, inputSize, seed, HeadLayers(hidden)...)
		if err != nil {
			return nil, err
		}
		nn.Compile(neuralnet.BinaryCrossEntropy{}, neuralnet.NewAdam(reg, neuralnet.DefaultAdamConfig(hp.LearningRate)))
		return nn, nil
	}
}

// Head is a fitted classifier head. Readers hold a reference taken with
// Trainer.AcquireHead; a replaced head is disposed when the last one is
// released.
type Head struct {
	model         Model
	embeddingSize int

	mu      sync.Mutex
	refs    int
	retired bool
}

func (h *Head) EmbeddingSize() int { return h.embeddingSize }

// Predict returns the apple probability for one [1, D] embedding. The
// embedding is not disposed.
func (h *Head) Predict(embedding *buffer.Buffer) (float64, error) {
	out, err := h.model.Predict(embedding)
	if err != nil {
		return 0, err
	}
	defer out.Dispose()
	vals, err := out.Values()
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, errors.Errorf("head produced %d outputs, want 1", len(vals))
	}
	return vals[0], nil
}

func (h *Head) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.refs++
	return true
}

// Release drops a reference taken with Trainer.AcquireHead.
func (h *Head) Release() {
	h.mu.Lock()
	h.refs--
	last := h.refs == 0 && h.retired
	h.mu.Unlock()
	if last {
		h.model.Dispose()
	}
}

// retire marks the head replaced and disposes it once no reader holds it.
func (h *Head) retire() {
	h.mu.Lock()
	h.retired = true
	idle := h.refs == 0
	h.mu.Unlock()
	if idle {
		h.model.Dispose()
	}
}

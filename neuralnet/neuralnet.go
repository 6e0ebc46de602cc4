// Package neuralnet is a small dense network trained on top of frozen
// embeddings. Weights and optimizer state live in tracked buffers so the
// resource tracker sees them; the math runs on gonum matrices sharing that
// storage.
package neuralnet

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"appletrainer/buffer"
)

// LayerSpec describes one layer. A spec with Units > 0 is a dense layer;
// otherwise a positive DropoutRate makes it a dropout layer.
type LayerSpec struct {
	Units       int
	Activation  ActivationFunction
	DropoutRate float64
}

func DenseSpec(units int, act ActivationFunction) LayerSpec {
	return LayerSpec{Units: units, Activation: act}
}

func DropoutSpec(rate float64) LayerSpec {
	return LayerSpec{DropoutRate: rate}
}

type layer interface {
	forward(x *mat.Dense, training bool) *mat.Dense
	backward(grad *mat.Dense) *mat.Dense
	params() []*Param
	dispose()
	String() string
}

// Dense computes act(x·W + b).
type Dense struct {
	name       string
	act        ActivationFunction
	w, b       *Param
	wBuf, bBuf *buffer.Buffer

	input *mat.Dense
	z     *mat.Dense
}

func newDense(reg *buffer.Registry, name string, in, out int, act ActivationFunction, rng *rand.Rand) (*Dense, error) {
	if act == nil {
		act = Linear{}
	}
	weights := make([]float64, in*out)
	for i := range weights {
		weights[i] = xavierInit(in, out, rng)
	}
	wBuf, err := reg.FromFloat64s("head:"+name+"/kernel", weights, in, out)
	if err != nil {
		return nil, err
	}
	bBuf, err := reg.FromFloat64s("head:"+name+"/bias", make([]float64, out), 1, out)
	if err != nil {
		wBuf.Dispose()
		return nil, err
	}
	bias, _ := bBuf.Float64s()
	return &Dense{
		name: name,
		act:  act,
		w:    &Param{Name: name + "/kernel", Value: mat.NewDense(in, out, weights), Grad: mat.NewDense(in, out, nil)},
		b:    &Param{Name: name + "/bias", Value: mat.NewDense(1, out, bias), Grad: mat.NewDense(1, out, nil)},
		wBuf: wBuf,
		bBuf: bBuf,
	}, nil
}

func (d *Dense) forward(x *mat.Dense, training bool) *mat.Dense {
	var z mat.Dense
	z.Mul(x, d.w.Value)
	z.Apply(func(_, j int, v float64) float64 { return v + d.b.Value.At(0, j) }, &z)
	var a mat.Dense
	a.Apply(func(_, _ int, v float64) float64 { return d.act.Activate(v) }, &z)
	if training {
		d.input, d.z = x, &z
	}
	return &a
}

func (d *Dense) backward(grad *mat.Dense) *mat.Dense {
	var dz mat.Dense
	dz.Apply(func(i, j int, v float64) float64 { return v * d.act.Derivative(d.z.At(i, j)) }, grad)

	d.w.Grad.Mul(d.input.T(), &dz)
	rows, cols := dz.Dims()
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += dz.At(i, j)
		}
		d.b.Grad.Set(0, j, sum)
	}

	var dx mat.Dense
	dx.Mul(&dz, d.w.Value.T())
	return &dx
}

func (d *Dense) params() []*Param { return []*Param{d.w, d.b} }

func (d *Dense) dispose() {
	d.wBuf.Dispose()
	d.bBuf.Dispose()
	d.input, d.z = nil, nil
}

func (d *Dense) String() string {
	in, out := d.w.Value.Dims()
	return fmt.Sprintf("dense %s %d->%d %T", d.name, in, out, d.act)
}

// Dropout zeroes a fraction of activations while training and rescales the
// rest, so inference needs no adjustment.
type Dropout struct {
	rate float64
	rng  *rand.Rand
	mask *mat.Dense
}

func (d *Dropout) forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.rate <= 0 {
		d.mask = nil
		return x
	}
	r, c := x.Dims()
	keep := 1 - d.rate
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() < keep {
				d.mask.Set(i, j, 1/keep)
			}
		}
	}
	var out mat.Dense
	out.MulElem(x, d.mask)
	return &out
}

func (d *Dropout) backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	var out mat.Dense
	out.MulElem(grad, d.mask)
	return &out
}

func (d *Dropout) params() []*Param { return nil }
func (d *Dropout) dispose()         { d.mask = nil }
func (d *Dropout) String() string   { return fmt.Sprintf("dropout %.2f", d.rate) }

// NeuralNetwork is a feed-forward stack of dense and dropout layers.
type NeuralNetwork struct {
	mu         sync.Mutex
	reg        *buffer.Registry
	inputSize  int
	outputSize int
	layers     []layer
	loss       LossFunction
	opt        Optimizer
	rng        *rand.Rand
	disposed   bool
}

// NewNeuralNetwork builds the layers described by specs. A zero seed derives
// one from the architecture so runs are reproducible.
func NewNeuralNetwork(reg *buffer.Registry, inputSize int, seed int64, specs ...LayerSpec) (*NeuralNetwork, error) {
	if inputSize <= 0 {
		return nil, errors.Errorf("invalid input size %d", inputSize)
	}
	if seed == 0 {
		seed = int64(NNSeed(inputSize, specs))
	}
	nn := &NeuralNetwork{
		reg:       reg,
		inputSize: inputSize,
		rng:       rand.New(rand.NewSource(seed)),
	}

	width := inputSize
	for i, spec := range specs {
		switch {
		case spec.Units > 0:
			d, err := newDense(reg, fmt.Sprintf("dense%d", i), width, spec.Units, spec.Activation, nn.rng)
			if err != nil {
				nn.Dispose()
				return nil, errors.Wrapf(err, "layer %d", i)
			}
			nn.layers = append(nn.layers, d)
			width = spec.Units
		case spec.DropoutRate > 0 && spec.DropoutRate < 1:
			nn.layers = append(nn.layers, &Dropout{rate: spec.DropoutRate, rng: nn.rng})
		default:
			nn.Dispose()
			return nil, errors.Errorf("layer %d: invalid spec %+v", i, spec)
		}
	}
	if len(nn.params()) == 0 {
		return nil, errors.New("network has no dense layers")
	}
	nn.outputSize = width
	return nn, nil
}

// NNSeed derives a seed from the layer widths.
func NNSeed(inputSize int, specs []LayerSpec) int {
	seed := inputSize
	for _, s := range specs {
		seed += s.Units
	}
	return seed
}

// Compile attaches the loss and optimizer used by Fit.
func (nn *NeuralNetwork) Compile(loss LossFunction, opt Optimizer) {
	nn.mu.Lock()
	defer nn.mu.Unlock()
	nn.loss = loss
	nn.opt = opt
}

func (nn *NeuralNetwork) InputSize() int  { return nn.inputSize }
func (nn *NeuralNetwork) OutputSize() int { return nn.outputSize }

func (nn *NeuralNetwork) params() []*Param {
	var ps []*Param
	for _, l := range nn.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

func (nn *NeuralNetwork) forward(x *mat.Dense, training bool) *mat.Dense {
	out := x
	for _, l := range nn.layers {
		out = l.forward(out, training)
	}
	return out
}

func (nn *NeuralNetwork) backward(grad *mat.Dense) {
	for i := len(nn.layers) - 1; i >= 0; i-- {
		grad = nn.layers[i].backward(grad)
	}
}

// Predict runs x ([N, inputSize]) through the network in inference mode and
// returns a new [N, outputSize] buffer owned by the caller.
func (nn *NeuralNetwork) Predict(x *buffer.Buffer) (*buffer.Buffer, error) {
	nn.mu.Lock()
	defer nn.mu.Unlock()
	if nn.disposed {
		return nil, errors.New("predict: network disposed")
	}
	in, err := nn.toMatrix(x, nn.inputSize)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	out := nn.forward(in, false)
	rows, cols := out.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		data = append(data, out.RawRowView(i)...)
	}
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("predict: non-finite output")
		}
	}
	return nn.reg.FromFloat64s("head:prediction", data, rows, cols)
}

func (nn *NeuralNetwork) toMatrix(b *buffer.Buffer, width int) (*mat.Dense, error) {
	shape := b.Shape()
	if len(shape) != 2 || shape[1] != width {
		return nil, errors.Errorf("input shape %v, want [N %d]", shape, width)
	}
	vals, err := b.Values()
	if err != nil {
		return nil, err
	}
	return mat.NewDense(shape[0], width, vals), nil
}

// Dispose releases weights and optimizer state. It is idempotent.
func (nn *NeuralNetwork) Dispose() {
	nn.mu.Lock()
	defer nn.mu.Unlock()
	if nn.disposed {
		return
	}
	nn.disposed = true
	for _, l := range nn.layers {
		l.dispose()
	}
	if nn.opt != nil {
		nn.opt.Dispose()
	}
}

func (nn *NeuralNetwork) IsDisposed() bool {
	nn.mu.Lock()
	defer nn.mu.Unlock()
	return nn.disposed
}

func (nn *NeuralNetwork) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "input %d\n", nn.inputSize)
	for i, l := range nn.layers {
		fmt.Fprintf(&sb, "layer %d: %s\n", i, l)
	}
	return sb.String()
}

func xavierInit(numInputs int, numOutputs int, rng *rand.Rand) float64 {
	limit := math.Sqrt(6.0 / float64(numInputs+numOutputs))
	return 2*rng.Float64()*limit - limit
}

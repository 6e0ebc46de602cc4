package neuralnet

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"appletrainer/buffer"
)

// FitConfig controls one call to Fit.
type FitConfig struct {
	Epochs    int
	BatchSize int
	// ValidationSplit holds out this fraction of each class for evaluation
	// only. Every class keeps at least one training row.
	ValidationSplit float64
	Shuffle         bool
	OnEpoch         func(EpochStats)
}

type EpochStats struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	HasValidation bool
	ValLoss       float64
	ValAccuracy   float64
}

type History struct {
	Epochs []EpochStats
}

// Final returns the stats of the last epoch.
func (h History) Final() EpochStats {
	if len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Fit trains on x ([N, inputSize]) against y ([N, outputSize]) with
// minibatch gradient descent. The network must be compiled first.
func (nn *NeuralNetwork) Fit(ctx context.Context, x, y *buffer.Buffer, cfg FitConfig) (History, error) {
	nn.mu.Lock()
	defer nn.mu.Unlock()

	var hist History
	if nn.disposed {
		return hist, errors.New("fit: network disposed")
	}
	if nn.loss == nil || nn.opt == nil {
		return hist, errors.New("fit: network not compiled")
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 {
		return hist, errors.Errorf("fit: invalid epochs %d / batch size %d", cfg.Epochs, cfg.BatchSize)
	}
	xs, err := nn.toMatrix(x, nn.inputSize)
	if err != nil {
		return hist, errors.Wrap(err, "fit: features")
	}
	ys, err := nn.toMatrix(y, nn.outputSize)
	if err != nil {
		return hist, errors.Wrap(err, "fit: labels")
	}
	n, _ := xs.Dims()
	if r, _ := ys.Dims(); r != n {
		return hist, errors.Errorf("fit: %d feature rows but %d label rows", n, r)
	}

	order, valRows := nn.splitRows(ys, cfg.ValidationSplit, cfg.Shuffle)
	nTrain, nVal := len(order), len(valRows)
	var xVal, yVal mat.Matrix
	if nVal > 0 {
		xVal, yVal = gatherRows(xs, ys, valRows)
	}
	params := nn.params()

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if cfg.Shuffle {
			nn.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var lossSum float64
		var correct int
		for start := 0; start < nTrain; start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, errors.Wrapf(err, "fit: epoch %d", epoch)
			}
			end := start + cfg.BatchSize
			if end > nTrain {
				end = nTrain
			}
			xb, yb := gatherRows(xs, ys, order[start:end])

			out := nn.forward(xb, true)
			pred, target := out.RawMatrix().Data, yb.RawMatrix().Data
			loss := nn.loss.Compute(pred, target)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return hist, errors.Errorf("fit: non-finite loss at epoch %d", epoch)
			}
			lossSum += loss * float64(end-start)
			correct += countCorrect(pred, target)

			rows, cols := out.Dims()
			nn.backward(mat.NewDense(rows, cols, nn.loss.Gradient(pred, target)))
			if err := nn.opt.Step(params); err != nil {
				return hist, errors.Wrapf(err, "fit: epoch %d", epoch)
			}
		}

		stats := EpochStats{
			Epoch:    epoch,
			Loss:     lossSum / float64(nTrain),
			Accuracy: float64(correct) / float64(nTrain*nn.outputSize),
		}
		if nVal > 0 {
			stats.HasValidation = true
			stats.ValLoss, stats.ValAccuracy = nn.evaluate(xVal, yVal)
		}
		hist.Epochs = append(hist.Epochs, stats)
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(stats)
		}
	}
	return hist, nil
}

func (nn *NeuralNetwork) evaluate(x, y mat.Matrix) (float64, float64) {
	out := nn.forward(mat.DenseCopyOf(x), false)
	yd := mat.DenseCopyOf(y)
	pred, target := out.RawMatrix().Data, yd.RawMatrix().Data
	return nn.loss.Compute(pred, target), float64(countCorrect(pred, target)) / float64(len(target))
}

// splitRows partitions row indices into training and validation sets per
// class, so the order rows arrive in cannot hold out a whole class.
func (nn *NeuralNetwork) splitRows(ys *mat.Dense, split float64, shuffle bool) (train, val []int) {
	n, _ := ys.Dims()
	var classes []int
	groups := map[int][]int{}
	for r := 0; r < n; r++ {
		c := classOf(ys.RawRowView(r))
		if _, ok := groups[c]; !ok {
			classes = append(classes, c)
		}
		groups[c] = append(groups[c], r)
	}
	sort.Ints(classes)
	for _, c := range classes {
		rows := groups[c]
		if shuffle {
			nn.rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		}
		k := int(float64(len(rows)) * split)
		if k >= len(rows) {
			k = len(rows) - 1
		}
		val = append(val, rows[:k]...)
		train = append(train, rows[k:]...)
	}
	return train, val
}

// classOf thresholds a single sigmoid target and takes the argmax otherwise.
func classOf(target []float64) int {
	if len(target) == 1 {
		if target[0] >= 0.5 {
			return 1
		}
		return 0
	}
	best := 0
	for i, v := range target {
		if v > target[best] {
			best = i
		}
	}
	return best
}

func gatherRows(x, y *mat.Dense, idx []int) (*mat.Dense, *mat.Dense) {
	_, xc := x.Dims()
	_, yc := y.Dims()
	xb := mat.NewDense(len(idx), xc, nil)
	yb := mat.NewDense(len(idx), yc, nil)
	for i, r := range idx {
		xb.SetRow(i, x.RawRowView(r))
		yb.SetRow(i, y.RawRowView(r))
	}
	return xb, yb
}

// countCorrect thresholds sigmoid outputs at 0.5.
func countCorrect(pred, target []float64) int {
	n := 0
	for i := range pred {
		if (pred[i] >= 0.5) == (target[i] >= 0.5) {
			n++
		}
	}
	return n
}

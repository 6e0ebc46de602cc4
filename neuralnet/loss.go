package neuralnet

import "math"

// LossFunction computes the mean loss over a batch and its gradient with
// respect to each prediction.
type LossFunction interface {
	// Compute returns the loss averaged over all predictions.
	Compute(output []float64, target []float64) float64
	// Gradient returns ∂L/∂output for each prediction, already divided by
	// the batch size.
	Gradient(output []float64, target []float64) []float64
}

const bceEpsilon = 1e-7

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, bceEpsilon), 1-bceEpsilon)
}

// BinaryCrossEntropy is the log loss of sigmoid outputs against 0/1 targets.
type BinaryCrossEntropy struct{}

func (BinaryCrossEntropy) Compute(output []float64, target []float64) float64 {
	if len(output) == 0 {
		return 0
	}
	var loss float64
	for i := range output {
		p := clampProb(output[i])
		loss -= target[i]*math.Log(p) + (1-target[i])*math.Log(1-p)
	}
	return loss / float64(len(output))
}

func (BinaryCrossEntropy) Gradient(output []float64, target []float64) []float64 {
	grad := make([]float64, len(output))
	n := float64(len(output))
	for i := range output {
		p := clampProb(output[i])
		grad[i] = (p - target[i]) / (p * (1 - p)) / n
	}
	return grad
}

package trainer

// Hyperparameters for one fit, chosen from the dataset size.
type Hyperparameters struct {
	LearningRate    float64 `json:"learningRate"`
	Epochs          int     `json:"epochs"`
	BatchSize       int     `json:"batchSize"`
	ValidationSplit float64 `json:"validationSplit"`
}

// HyperparametersFor returns the settings used for n examples. Small
// datasets get a smaller step, fewer epochs and no held out rows.
func HyperparametersFor(n int) Hyperparameters {
	hp := Hyperparameters{
		Epochs:    clamp(2*n, 10, 20),
		BatchSize: clamp(n/2, 2, 8),
	}
	switch {
	case n <= 5:
		hp.LearningRate = 0.0005
	case n <= 10:
		hp.LearningRate = 0.001
	default:
		hp.LearningRate = 0.002
	}
	if n > 4 {
		hp.ValidationSplit = 0.2
	}
	return hp
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

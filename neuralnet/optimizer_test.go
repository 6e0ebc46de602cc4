package neuralnet

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"appletrainer/buffer"
)

func TestAdamInvalidLearningRate(t *testing.T) {
	adam := NewAdam(buffer.NewRegistry(), DefaultAdamConfig(0))
	p := &Param{Name: "w", Value: mat.NewDense(1, 1, []float64{1}), Grad: mat.NewDense(1, 1, []float64{1})}
	if err := adam.Step([]*Param{p}); err == nil {
		t.Error("Adam.Step with lr=0 did not return error")
	}
}

func TestAdamStep(t *testing.T) {
	const epsilon = 1e-9
	reg := buffer.NewRegistry()
	adam := NewAdam(reg, DefaultAdamConfig(0.01))

	p := &Param{
		Name:  "w",
		Value: mat.NewDense(1, 2, []float64{1.0, -0.5}),
		Grad:  mat.NewDense(1, 2, []float64{0.2, -4}),
	}
	if err := adam.Step([]*Param{p}); err != nil {
		t.Fatalf("Adam.Step returned an unexpected error: %v", err)
	}
	// After one bias-corrected step the update is lr*g/(|g|+eps).
	want := []float64{1.0 - 0.01, -0.5 + 0.01}
	for j := range want {
		if diff := p.Value.At(0, j) - want[j]; math.Abs(diff) > 1e-6 {
			t.Errorf("weight %d = %v; want %v", j, p.Value.At(0, j), want[j])
		}
	}

	st := adam.state[p]
	if m := st.m.At(0, 0); math.Abs(m-0.1*0.2) > epsilon {
		t.Errorf("first moment = %v; want %v", m, 0.1*0.2)
	}
	if v := st.v.At(0, 1); math.Abs(v-0.001*16) > epsilon {
		t.Errorf("second moment = %v; want %v", v, 0.001*16)
	}

	if got := reg.Usage().Buffers; got != 2 {
		t.Errorf("live buffers = %d; want 2 moment buffers", got)
	}
	adam.Dispose()
	if got := reg.Usage().Buffers; got != 0 {
		t.Errorf("live buffers after Dispose = %d; want 0", got)
	}
}

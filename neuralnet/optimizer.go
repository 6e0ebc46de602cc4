package neuralnet

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"appletrainer/buffer"
)

// Param is a trainable matrix and the gradient accumulated for it by the
// last backward pass.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Optimizer applies gradients to parameters.
type Optimizer interface {
	Step(params []*Param) error
	// Dispose releases any optimizer state buffers.
	Dispose()
}

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns the usual Adam defaults.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

type moments struct {
	m, v       *mat.Dense
	mBuf, vBuf *buffer.Buffer
}

// Adam implements the adaptive moment estimation optimizer. Its first and
// second moment estimates live in tracked buffers.
type Adam struct {
	cfg   AdamConfig
	reg   *buffer.Registry
	step  int
	state map[*Param]*moments
}

func NewAdam(reg *buffer.Registry, cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, reg: reg, state: make(map[*Param]*moments)}
}

func (a *Adam) Step(params []*Param) error {
	if a.cfg.LearningRate <= 0 {
		return errors.Errorf("invalid learning rate %v", a.cfg.LearningRate)
	}
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for _, p := range params {
		st, err := a.moments(p)
		if err != nil {
			return err
		}
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.Grad.At(i, j)
				m := a.cfg.Beta1*st.m.At(i, j) + (1-a.cfg.Beta1)*g
				v := a.cfg.Beta2*st.v.At(i, j) + (1-a.cfg.Beta2)*g*g
				st.m.Set(i, j, m)
				st.v.Set(i, j, v)
				update := a.cfg.LearningRate * (m / c1) / (math.Sqrt(v/c2) + a.cfg.Epsilon)
				p.Value.Set(i, j, p.Value.At(i, j)-update)
			}
		}
	}
	return nil
}

func (a *Adam) moments(p *Param) (*moments, error) {
	if st, ok := a.state[p]; ok {
		return st, nil
	}
	r, c := p.Value.Dims()
	mBuf, err := a.reg.Zeros("adam:"+p.Name+"/m", tensor.Float64, r, c)
	if err != nil {
		return nil, err
	}
	vBuf, err := a.reg.Zeros("adam:"+p.Name+"/v", tensor.Float64, r, c)
	if err != nil {
		mBuf.Dispose()
		return nil, err
	}
	mData, _ := mBuf.Float64s()
	vData, _ := vBuf.Float64s()
	st := &moments{
		m:    mat.NewDense(r, c, mData),
		v:    mat.NewDense(r, c, vData),
		mBuf: mBuf,
		vBuf: vBuf,
	}
	a.state[p] = st
	return st, nil
}

func (a *Adam) Dispose() {
	for p, st := range a.state {
		st.mBuf.Dispose()
		st.vBuf.Dispose()
		delete(a.state, p)
	}
}

package nn

import (
	"math"

	"github.com/rotisserie/eris"
)

// AdamWConfig holds the optimizer hyperparameters. Weight decay is
// decoupled from the gradient update.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig mirrors the usual AdamW defaults.
func DefaultAdamWConfig(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
}

type adamState struct {
	M []float64
	V []float64
}

// AdamW updates model parameters from their accumulated gradients.
type AdamW struct {
	cfg   AdamWConfig
	step  int
	state map[string]*adamState
}

// NewAdamW builds an optimizer for the given config.
func NewAdamW(cfg AdamWConfig) *AdamW {
	if cfg.Beta1 <= 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 <= 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 1e-8
	}
	return &AdamW{cfg: cfg, state: make(map[string]*adamState)}
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.cfg.LR }

// SetLR replaces the learning rate, used by the plateau scheduler.
func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// Step applies one AdamW update to every parameter. Gradients must be
// finite; the caller zeroes them afterwards.
func (o *AdamW) Step(params []*Param) error {
	o.step++
	b1t := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	b2t := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data

		st, ok := o.state[p.Name]
		if !ok {
			st = &adamState{M: make([]float64, len(w)), V: make([]float64, len(w))}
			o.state[p.Name] = st
		}
		if len(st.M) != len(w) {
			return eris.Errorf("nn: optimizer state for %q has %d elements, parameter has %d", p.Name, len(st.M), len(w))
		}

		for i := range w {
			grad := g[i]
			if math.IsNaN(grad) || math.IsInf(grad, 0) {
				return eris.Errorf("nn: non-finite gradient in %q", p.Name)
			}
			st.M[i] = o.cfg.Beta1*st.M[i] + (1-o.cfg.Beta1)*grad
			st.V[i] = o.cfg.Beta2*st.V[i] + (1-o.cfg.Beta2)*grad*grad
			mHat := st.M[i] / b1t
			vHat := st.V[i] / b2t
			w[i] -= o.cfg.LR * (mHat/(math.Sqrt(vHat)+o.cfg.Eps) + o.cfg.WeightDecay*w[i])
		}
	}
	return nil
}

// OptimizerState is the serializable snapshot used by checkpoints.
type OptimizerState struct {
	Step   int
	LR     float64
	Moment map[string]*adamState
}

// State exports the optimizer state for checkpointing.
func (o *AdamW) State() OptimizerState {
	return OptimizerState{Step: o.step, LR: o.cfg.LR, Moment: o.state}
}

// LoadState restores a previously exported snapshot.
func (o *AdamW) LoadState(s OptimizerState) {
	o.step = s.Step
	o.cfg.LR = s.LR
	if s.Moment != nil {
		o.state = s.Moment
	}
}

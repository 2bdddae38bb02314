package nn

import (
	"math"

	"github.com/rotisserie/eris"
)

// LossScaler multiplies gradients by a dynamic scale factor and skips
// updates whose gradients overflow, after which the scale shrinks. It is
// enabled by the training.mixed_precision setting; with scaling disabled
// Unscale still validates finiteness so a non-finite gradient always
// surfaces as an error instead of corrupting the weights.
type LossScaler struct {
	enabled   bool
	scale     float64
	growth    float64
	backoff   float64
	interval  int
	goodSteps int
}

// NewLossScaler builds a scaler. When enabled is false scaling is the
// identity and only the finiteness check remains.
func NewLossScaler(enabled bool) *LossScaler {
	return &LossScaler{
		enabled:  enabled,
		scale:    65536,
		growth:   2,
		backoff:  0.5,
		interval: 2000,
	}
}

// Scale returns the factor to apply to the loss gradients before the
// backward pass.
func (s *LossScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Unscale divides accumulated gradients by the current scale. A non-finite
// gradient reduces the scale and returns an error so the caller can skip
// the optimizer step.
func (s *LossScaler) Unscale(params []*Param) error {
	inv := 1.0
	if s.enabled {
		inv = 1 / s.scale
	}
	for _, p := range params {
		g := p.Grad.RawMatrix().Data
		for i := range g {
			v := g[i] * inv
			if math.IsNaN(v) || math.IsInf(v, 0) {
				if s.enabled {
					s.scale = math.Max(1, s.scale*s.backoff)
					s.goodSteps = 0
				}
				return eris.Errorf("nn: non-finite gradient in %q after unscaling", p.Name)
			}
			g[i] = v
		}
	}
	if s.enabled {
		s.goodSteps++
		if s.goodSteps >= s.interval {
			s.scale *= s.growth
			s.goodSteps = 0
		}
	}
	return nil
}

// Package nn implements the hierarchical geolocation network: a swappable
// feature-extractor backbone feeding a shared embedding trunk, per-level
// classification heads, and a bounded coordinate regression head, together
// with the multi-task losses, AdamW optimizer, and checkpoint codec.
package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable weight matrix with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func (p *Param) zeroGrad() {
	p.Grad.Zero()
}

// layer is one differentiable stage. Forward caches whatever Backward needs;
// a layer instance therefore serves one forward/backward pair at a time,
// which matches the single-threaded training loop.
type layer interface {
	Forward(x *mat.Dense, train bool) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
}

// paramLayer is a layer with trainable parameters.
type paramLayer interface {
	layer
	params() []*Param
}

// sequential chains layers.
type sequential []layer

func (s sequential) Forward(x *mat.Dense, train bool) *mat.Dense {
	for _, l := range s {
		x = l.Forward(x, train)
	}
	return x
}

func (s sequential) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(s) - 1; i >= 0; i-- {
		grad = s[i].Backward(grad)
	}
	return grad
}

func (s sequential) params() []*Param {
	var out []*Param
	for _, l := range s {
		if pl, ok := l.(paramLayer); ok {
			out = append(out, pl.params()...)
		}
	}
	return out
}

// linear is a fully connected layer: y = xW + b.
type linear struct {
	w, b  *Param
	input *mat.Dense
}

// newLinear creates a linear layer with He-initialized weights.
func newLinear(name string, in, out int, rng *rand.Rand) *linear {
	scale := math.Sqrt(2.0 / float64(in))
	w := mat.NewDense(in, out, nil)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			w.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	return &linear{
		w: &Param{Name: name + ".w", Value: w, Grad: mat.NewDense(in, out, nil)},
		b: &Param{Name: name + ".b", Value: mat.NewDense(1, out, nil), Grad: mat.NewDense(1, out, nil)},
	}
}

func (l *linear) Forward(x *mat.Dense, train bool) *mat.Dense {
	l.input = x
	n, _ := x.Dims()
	_, out := l.w.Value.Dims()

	y := mat.NewDense(n, out, nil)
	y.Mul(x, l.w.Value)
	for i := 0; i < n; i++ {
		for j := 0; j < out; j++ {
			y.Set(i, j, y.At(i, j)+l.b.Value.At(0, j))
		}
	}
	return y
}

func (l *linear) Backward(grad *mat.Dense) *mat.Dense {
	in, out := l.w.Value.Dims()
	n, _ := grad.Dims()

	var dw mat.Dense
	dw.Mul(l.input.T(), grad)
	l.w.Grad.Add(l.w.Grad, &dw)

	for j := 0; j < out; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += grad.At(i, j)
		}
		l.b.Grad.Set(0, j, l.b.Grad.At(0, j)+sum)
	}

	dx := mat.NewDense(n, in, nil)
	dx.Mul(grad, l.w.Value.T())
	return dx
}

func (l *linear) params() []*Param { return []*Param{l.w, l.b} }

// relu is the rectified linear activation.
type relu struct {
	mask *mat.Dense
}

func (r *relu) Forward(x *mat.Dense, train bool) *mat.Dense {
	n, c := x.Dims()
	y := mat.NewDense(n, c, nil)
	r.mask = mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > 0 {
				y.Set(i, j, v)
				r.mask.Set(i, j, 1)
			}
		}
	}
	return y
}

func (r *relu) Backward(grad *mat.Dense) *mat.Dense {
	n, c := grad.Dims()
	dx := mat.NewDense(n, c, nil)
	dx.MulElem(grad, r.mask)
	return dx
}

// tanhLayer is the bounded activation used by the coordinate head.
type tanhLayer struct {
	output *mat.Dense
}

func (t *tanhLayer) Forward(x *mat.Dense, train bool) *mat.Dense {
	n, c := x.Dims()
	y := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			y.Set(i, j, math.Tanh(x.At(i, j)))
		}
	}
	t.output = y
	return y
}

func (t *tanhLayer) Backward(grad *mat.Dense) *mat.Dense {
	n, c := grad.Dims()
	dx := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			o := t.output.At(i, j)
			dx.Set(i, j, grad.At(i, j)*(1-o*o))
		}
	}
	return dx
}

// dropout zeroes activations with probability p at train time, scaling the
// survivors by 1/(1-p). Identity at eval time.
type dropout struct {
	p    float64
	rng  *rand.Rand
	mask *mat.Dense
}

func newDropout(p float64, rng *rand.Rand) *dropout {
	return &dropout{p: p, rng: rng}
}

func (d *dropout) Forward(x *mat.Dense, train bool) *mat.Dense {
	if !train || d.p <= 0 {
		d.mask = nil
		return x
	}
	n, c := x.Dims()
	keep := 1 - d.p
	d.mask = mat.NewDense(n, c, nil)
	y := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() < keep {
				d.mask.Set(i, j, 1/keep)
				y.Set(i, j, x.At(i, j)/keep)
			}
		}
	}
	return y
}

func (d *dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	n, c := grad.Dims()
	dx := mat.NewDense(n, c, nil)
	dx.MulElem(grad, d.mask)
	return dx
}

package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/purity-labs/puregeo/internal/geo"
)

// numericGrad approximates dLoss/dInput by central differences.
func numericGrad(input *mat.Dense, loss func() float64) *mat.Dense {
	const eps = 1e-6
	r, c := input.Dims()
	grad := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			orig := input.At(i, j)
			input.Set(i, j, orig+eps)
			hi := loss()
			input.Set(i, j, orig-eps)
			lo := loss()
			input.Set(i, j, orig)
			grad.Set(i, j, (hi-lo)/(2*eps))
		}
	}
	return grad
}

func TestCrossEntropyGradientMatchesNumeric(t *testing.T) {
	logits := mat.NewDense(3, 4, []float64{
		0.2, -1.3, 0.8, 0.1,
		2.0, 0.4, -0.6, 1.1,
		-0.9, 0.3, 0.7, -2.2,
	})
	targets := []int{2, 0, 1}

	_, grad, err := crossEntropy(logits, targets)
	require.NoError(t, err)

	want := numericGrad(logits, func() float64 {
		l, _, _ := crossEntropy(logits, targets)
		return l
	})
	assert.True(t, mat.EqualApprox(want, grad, 1e-6))
}

func TestFocalLossGradientMatchesNumeric(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		1.5, -0.4, 0.2,
		-1.0, 0.9, 0.3,
	})
	targets := []int{0, 2}

	_, grad, err := focalLoss(logits, targets, 0.25, 2.0)
	require.NoError(t, err)

	want := numericGrad(logits, func() float64 {
		l, _, _ := focalLoss(logits, targets, 0.25, 2.0)
		return l
	})
	assert.True(t, mat.EqualApprox(want, grad, 1e-6))
}

func TestFocalLossDownWeightsEasyExamples(t *testing.T) {
	easy := mat.NewDense(1, 3, []float64{8, -4, -4})
	hard := mat.NewDense(1, 3, []float64{0.1, 0, 0})
	targets := []int{0}

	ceEasy, _, err := crossEntropy(easy, targets)
	require.NoError(t, err)
	flEasy, _, err := focalLoss(easy, targets, 1.0, 2.0)
	require.NoError(t, err)
	ceHard, _, err := crossEntropy(hard, targets)
	require.NoError(t, err)
	flHard, _, err := focalLoss(hard, targets, 1.0, 2.0)
	require.NoError(t, err)

	// The well-classified example is suppressed far more aggressively.
	assert.Less(t, flEasy/ceEasy, flHard/ceHard)
}

func TestCrossEntropyRejectsBadTargets(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{0, 0, 0, 0, 0, 0})

	_, _, err := crossEntropy(logits, []int{0})
	require.Error(t, err)

	_, _, err = crossEntropy(logits, []int{0, 3})
	require.Error(t, err)

	_, _, err = focalLoss(logits, []int{-1, 0}, 0.25, 2)
	require.Error(t, err)
}

func TestSmoothL1GradientMatchesNumeric(t *testing.T) {
	pred := mat.NewDense(2, 2, []float64{40.2, -73.9, 0.3, 0.1})
	target := mat.NewDense(2, 2, []float64{40.7, -74.0, 25.2, 55.3})

	_, grad := smoothL1(pred, target)
	want := numericGrad(pred, func() float64 {
		l, _ := smoothL1(pred, target)
		return l
	})
	assert.True(t, mat.EqualApprox(want, grad, 1e-5))
}

func TestComputeLossCombinesWeightedTerms(t *testing.T) {
	pred := &Prediction{
		Logits: map[geo.Level]*mat.Dense{
			geo.LevelCountry: mat.NewDense(2, 3, []float64{1, 0, -1, 0.5, 0.2, -0.3}),
			geo.LevelCity:    mat.NewDense(2, 4, []float64{0, 1, 2, -1, 1, 1, 0, 0}),
		},
		Coords: mat.NewDense(2, 2, []float64{10, 20, -5, 40}),
	}
	classes := map[geo.Level][]int{
		geo.LevelCountry: {0, 2},
		geo.LevelCity:    {3, 1},
	}
	coords := mat.NewDense(2, 2, []float64{12, 19, -5.5, 41})

	cfg := LossConfig{
		LevelWeights: map[geo.Level]float64{geo.LevelCountry: 1.0, geo.LevelCity: 0.25},
		CoordWeight:  0.5,
	}
	result, grads, err := ComputeLoss(pred, classes, coords, cfg)
	require.NoError(t, err)

	ceCountry, _, err := crossEntropy(pred.Logits[geo.LevelCountry], classes[geo.LevelCountry])
	require.NoError(t, err)
	ceCity, _, err := crossEntropy(pred.Logits[geo.LevelCity], classes[geo.LevelCity])
	require.NoError(t, err)
	l1, _ := smoothL1(pred.Coords, coords)

	wantTotal := ceCountry + 0.25*ceCity + 0.5*l1
	assert.InDelta(t, wantTotal, result.Total, 1e-12)
	assert.InDelta(t, ceCountry, result.PerLevel[geo.LevelCountry], 1e-12)
	assert.InDelta(t, ceCity, result.PerLevel[geo.LevelCity], 1e-12)
	assert.InDelta(t, l1, result.Coord, 1e-12)

	require.NotNil(t, grads.Coords)
	require.Len(t, grads.Logits, 2)

	// Gradients carry the weights.
	_, rawCityGrad, err := crossEntropy(pred.Logits[geo.LevelCity], classes[geo.LevelCity])
	require.NoError(t, err)
	rawCityGrad.Scale(0.25, rawCityGrad)
	assert.True(t, mat.EqualApprox(rawCityGrad, grads.Logits[geo.LevelCity], 1e-12))
}

func TestAdamWRejectsNonFiniteGradient(t *testing.T) {
	opt := NewAdamW(DefaultAdamWConfig(0.001))
	p := &Param{
		Name:  "head.city.fc2.w",
		Value: mat.NewDense(1, 2, []float64{0.5, -0.5}),
		Grad:  mat.NewDense(1, 2, []float64{0.1, math.Inf(-1)}),
	}
	require.Error(t, opt.Step([]*Param{p}))
}

func TestAdamWDecoupledDecayShrinksWeights(t *testing.T) {
	cfg := DefaultAdamWConfig(0.01)
	cfg.WeightDecay = 0.1
	opt := NewAdamW(cfg)

	p := &Param{
		Name:  "trunk.fc1.w",
		Value: mat.NewDense(1, 1, []float64{2.0}),
		Grad:  mat.NewDense(1, 1, []float64{0}),
	}
	require.NoError(t, opt.Step([]*Param{p}))
	// Zero gradient, so the only movement is the decay term.
	assert.InDelta(t, 2.0-0.01*0.1*2.0, p.Value.At(0, 0), 1e-12)
}

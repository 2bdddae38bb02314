package nn

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/purity-labs/puregeo/internal/geo"
)

// LossConfig weights the multi-task objective. Level weights are taken as
// given and are not required to sum to one; the total loss is the plain
// weighted sum of per-level classification losses plus the weighted
// coordinate regression loss.
type LossConfig struct {
	LevelWeights map[geo.Level]float64
	CoordWeight  float64
	UseFocal     bool
	FocalAlpha   float64
	FocalGamma   float64
}

// LossResult reports the combined loss and its components.
type LossResult struct {
	Total    float64
	PerLevel map[geo.Level]float64
	Coord    float64
}

// LossGrads carries gradients back into Model.Backward, already scaled by
// the configured weights.
type LossGrads struct {
	Logits map[geo.Level]*mat.Dense
	Coords *mat.Dense
}

// ComputeLoss evaluates the multi-task loss for one batch and returns the
// weighted gradients for the backward pass.
func ComputeLoss(pred *Prediction, classes map[geo.Level][]int, coords *mat.Dense, cfg LossConfig) (*LossResult, *LossGrads, error) {
	result := &LossResult{PerLevel: make(map[geo.Level]float64, len(cfg.LevelWeights))}
	grads := &LossGrads{Logits: make(map[geo.Level]*mat.Dense, len(cfg.LevelWeights))}

	for level, weight := range cfg.LevelWeights {
		logits, ok := pred.Logits[level]
		if !ok {
			continue
		}
		targets, ok := classes[level]
		if !ok {
			continue
		}

		var loss float64
		var grad *mat.Dense
		var err error
		if cfg.UseFocal {
			loss, grad, err = focalLoss(logits, targets, cfg.FocalAlpha, cfg.FocalGamma)
		} else {
			loss, grad, err = crossEntropy(logits, targets)
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "nn: %s classification loss", level)
		}

		result.PerLevel[level] = loss
		result.Total += weight * loss
		grad.Scale(weight, grad)
		grads.Logits[level] = grad
	}

	if coords != nil && pred.Coords != nil {
		loss, grad := smoothL1(pred.Coords, coords)
		result.Coord = loss
		result.Total += cfg.CoordWeight * loss
		grad.Scale(cfg.CoordWeight, grad)
		grads.Coords = grad
	}

	return result, grads, nil
}

// crossEntropy returns the mean negative log likelihood over the batch and
// the gradient with respect to the logits.
func crossEntropy(logits *mat.Dense, targets []int) (float64, *mat.Dense, error) {
	n, classes := logits.Dims()
	if len(targets) != n {
		return 0, nil, eris.Errorf("nn: %d logit rows but %d targets", n, len(targets))
	}

	grad := mat.NewDense(n, classes, nil)
	loss := 0.0
	for i := 0; i < n; i++ {
		t := targets[i]
		if t < 0 || t >= classes {
			return 0, nil, eris.Errorf("nn: target class %d out of range [0,%d)", t, classes)
		}
		probs := softmaxRow(logits.RawRowView(i))
		loss += -math.Log(math.Max(probs[t], 1e-12))
		for j := 0; j < classes; j++ {
			g := probs[j]
			if j == t {
				g -= 1
			}
			grad.Set(i, j, g/float64(n))
		}
	}
	return loss / float64(n), grad, nil
}

// focalLoss down-weights well-classified examples to offset class imbalance
// from skewed geographic sampling: FL = -α(1-p_t)^γ log(p_t).
func focalLoss(logits *mat.Dense, targets []int, alpha, gamma float64) (float64, *mat.Dense, error) {
	n, classes := logits.Dims()
	if len(targets) != n {
		return 0, nil, eris.Errorf("nn: %d logit rows but %d targets", n, len(targets))
	}
	if alpha <= 0 {
		alpha = 1
	}
	if gamma < 0 {
		gamma = 2
	}

	grad := mat.NewDense(n, classes, nil)
	loss := 0.0
	for i := 0; i < n; i++ {
		t := targets[i]
		if t < 0 || t >= classes {
			return 0, nil, eris.Errorf("nn: target class %d out of range [0,%d)", t, classes)
		}
		probs := softmaxRow(logits.RawRowView(i))
		pt := math.Max(probs[t], 1e-12)
		logPt := math.Log(pt)
		focal := math.Pow(1-pt, gamma)

		loss += -alpha * focal * logPt

		// dL/dp_t, chained through dp_t/dz_j = p_t(δ_tj - p_j).
		dLdPt := -alpha * (focal/pt - gamma*math.Pow(1-pt, gamma-1)*logPt)
		for j := 0; j < classes; j++ {
			delta := 0.0
			if j == t {
				delta = 1
			}
			grad.Set(i, j, dLdPt*pt*(delta-probs[j])/float64(n))
		}
	}
	return loss / float64(n), grad, nil
}

// smoothL1 is the Huber-style regression loss with β=1, averaged over all
// elements, and its gradient.
func smoothL1(pred, target *mat.Dense) (float64, *mat.Dense) {
	n, c := pred.Dims()
	grad := mat.NewDense(n, c, nil)
	total := 0.0
	count := float64(n * c)

	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			d := pred.At(i, j) - target.At(i, j)
			if math.Abs(d) < 1 {
				total += 0.5 * d * d
				grad.Set(i, j, d/count)
			} else {
				total += math.Abs(d) - 0.5
				if d > 0 {
					grad.Set(i, j, 1/count)
				} else {
					grad.Set(i, j, -1/count)
				}
			}
		}
	}
	return total / count, grad
}

func softmaxRow(row []float64) []float64 {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float64, len(row))
	sum := 0.0
	for i, v := range row {
		out[i] = math.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

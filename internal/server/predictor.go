// Package server exposes a trained model over HTTP for single-image
// geolocation queries.
package server

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/purity-labs/puregeo/internal/dataset"
	"github.com/purity-labs/puregeo/internal/geo"
	"github.com/purity-labs/puregeo/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Predictor pairs a trained model with the clustering it was trained
// against. Both artifacts are validated together at construction; a
// mismatched pair would emit class ids from a different map.
type Predictor struct {
	model     *nn.Model
	hierarchy geo.Hierarchy
	imageSize [2]int
}

// LevelPrediction is the classification result at one hierarchy level.
type LevelPrediction struct {
	Class       int       `json:"class"`
	Probability float64   `json:"probability"`
	Centroid    geo.Point `json:"centroid"`
}

// Result is a single-image prediction.
type Result struct {
	Levels map[geo.Level]LevelPrediction `json:"levels"`
	Coords geo.Point                     `json:"coords"`
}

// NewPredictor wraps an already-loaded model and hierarchy.
func NewPredictor(model *nn.Model, hierarchy geo.Hierarchy, imageSize [2]int) (*Predictor, error) {
	counts := hierarchy.ClassCounts()
	modelCounts := model.Config().ClassCounts
	if len(counts) != len(modelCounts) {
		return nil, eris.Errorf("server: clustering has %d levels, model has %d", len(counts), len(modelCounts))
	}
	for level, want := range modelCounts {
		if counts[level] != want {
			return nil, eris.Errorf("server: clustering has %d %s classes, model expects %d",
				counts[level], level, want)
		}
	}
	return &Predictor{model: model, hierarchy: hierarchy, imageSize: imageSize}, nil
}

// LoadPredictor reads a checkpoint and clustering info from disk and
// validates the pairing.
func LoadPredictor(checkpointPath, clusteringPath string, backboneGrid int) (*Predictor, error) {
	hierarchy, err := geo.LoadHierarchy(clusteringPath)
	if err != nil {
		return nil, eris.Wrap(err, "server: load clustering")
	}

	ckpt, err := nn.LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, eris.Wrap(err, "server: load checkpoint")
	}

	modelCfg := nn.ModelConfig{
		EmbeddingDim: ckpt.EmbeddingDim,
		ClassCounts:  hierarchy.ClassCounts(),
	}
	if err := ckpt.Compatible(modelCfg, ckpt.ImageSize); err != nil {
		return nil, eris.Wrap(err, "server: checkpoint does not match clustering")
	}

	backbone := nn.NewPatchBackbone(ckpt.ImageSize[0], ckpt.ImageSize[1], backboneGrid)
	model, err := nn.NewModel(backbone, modelCfg)
	if err != nil {
		return nil, eris.Wrap(err, "server: build model")
	}
	if err := model.LoadState(ckpt); err != nil {
		return nil, eris.Wrap(err, "server: restore weights")
	}

	zap.L().Info("predictor loaded",
		zap.String("checkpoint", checkpointPath),
		zap.String("clustering", clusteringPath),
		zap.Int("epoch", ckpt.Epoch))
	return &Predictor{model: model, hierarchy: hierarchy, imageSize: ckpt.ImageSize}, nil
}

// ImageSize returns the input size the model expects.
func (p *Predictor) ImageSize() [2]int { return p.imageSize }

// Predict geolocates a single image file.
func (p *Predictor) Predict(ctx context.Context, imagePath string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "server: predict")
	}

	tensor, err := dataset.LoadTensor(imagePath, p.imageSize[0], p.imageSize[1], nil)
	if err != nil {
		return nil, eris.Wrapf(err, "server: load image %s", imagePath)
	}

	images := mat.NewDense(1, len(tensor), tensor)
	pred := p.model.Forward(images, false)

	result := &Result{
		Levels: make(map[geo.Level]LevelPrediction, len(pred.Logits)),
		Coords: geo.Point{Lat: pred.Coords.At(0, 0), Lon: pred.Coords.At(0, 1)},
	}
	for level, logits := range pred.Logits {
		class, prob := argmaxProb(logits.RawRowView(0))
		info, ok := p.hierarchy[level]
		if !ok {
			return nil, eris.Errorf("server: clustering missing level %s", level)
		}
		centroid, err := info.CoordOf(class)
		if err != nil {
			return nil, eris.Wrapf(err, "server: centroid for %s class %d", level, class)
		}
		result.Levels[level] = LevelPrediction{
			Class:       class,
			Probability: prob,
			Centroid:    centroid,
		}
	}
	return result, nil
}

// argmaxProb returns the highest-scoring class and its softmax probability.
func argmaxProb(logits []float64) (int, float64) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - logits[best])
	}
	return best, 1 / sum
}

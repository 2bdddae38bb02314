package nn

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/purity-labs/puregeo/internal/geo"
)

// Coordinate scaling factors: the coordinate head emits tanh outputs in
// [-1,1] which are rescaled to the legal lat/lon ranges.
const (
	latScale = 90.0
	lonScale = 180.0
)

// ModelConfig holds the structural parameters that must match between
// training and inference.
type ModelConfig struct {
	EmbeddingDim int
	Dropout      float64
	ClassCounts  map[geo.Level]int
	Seed         int64
}

// Model is the hierarchical geolocation network. The backbone embedding is
// shared; the classification heads and the regression head are otherwise
// independent and may disagree.
type Model struct {
	backbone  Backbone
	trunk     sequential
	heads     map[geo.Level]sequential
	coordHead sequential

	cfg       ModelConfig
	embedGrad *mat.Dense
}

// Prediction holds one forward pass: per-level class logits plus regressed
// coordinates in degrees.
type Prediction struct {
	Logits map[geo.Level]*mat.Dense
	Coords *mat.Dense // batch x 2, always within [-90,90]x[-180,180]
}

// NewModel builds a model for the given backbone and structural config.
func NewModel(backbone Backbone, cfg ModelConfig) (*Model, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, eris.Errorf("nn: embedding dim must be positive, got %d", cfg.EmbeddingDim)
	}
	if len(cfg.ClassCounts) == 0 {
		return nil, eris.New("nn: no hierarchy class counts")
	}
	for level, count := range cfg.ClassCounts {
		if count <= 0 {
			return nil, eris.Errorf("nn: class count for %s must be positive, got %d", level, count)
		}
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0xda3e39cb94b95bdb))
	dim := cfg.EmbeddingDim

	m := &Model{
		backbone: backbone,
		cfg:      cfg,
		trunk: sequential{
			newLinear("trunk.fc1", backbone.Dim(), dim*2, rng),
			&relu{},
			newDropout(cfg.Dropout, rng),
			newLinear("trunk.fc2", dim*2, dim, rng),
			&relu{},
			newDropout(cfg.Dropout, rng),
		},
		heads: make(map[geo.Level]sequential, len(cfg.ClassCounts)),
		coordHead: sequential{
			newLinear("coord.fc1", dim, dim/2, rng),
			&relu{},
			newDropout(cfg.Dropout, rng),
			newLinear("coord.fc2", dim/2, 64, rng),
			&relu{},
			newDropout(cfg.Dropout, rng),
			newLinear("coord.fc3", 64, 2, rng),
			&tanhLayer{},
		},
	}

	// Deterministic head construction order so parameter naming and
	// initialization are reproducible.
	for _, level := range sortedLevels(cfg.ClassCounts) {
		m.heads[level] = sequential{
			newLinear(fmt.Sprintf("head.%s.fc1", level), dim, dim/2, rng),
			&relu{},
			newDropout(cfg.Dropout, rng),
			newLinear(fmt.Sprintf("head.%s.fc2", level), dim/2, cfg.ClassCounts[level], rng),
		}
	}

	return m, nil
}

// Config returns the structural configuration the model was built with.
func (m *Model) Config() ModelConfig { return m.cfg }

// Forward runs one batch through the network. train enables dropout and
// caches activations for Backward.
func (m *Model) Forward(images *mat.Dense, train bool) *Prediction {
	features := m.backbone.Features(images)
	embedding := m.trunk.Forward(features, train)

	pred := &Prediction{Logits: make(map[geo.Level]*mat.Dense, len(m.heads))}
	for level, head := range m.heads {
		pred.Logits[level] = head.Forward(embedding, train)
	}

	raw := m.coordHead.Forward(embedding, train)
	n, _ := raw.Dims()
	coords := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		coords.Set(i, 0, raw.At(i, 0)*latScale)
		coords.Set(i, 1, raw.At(i, 1)*lonScale)
	}
	pred.Coords = coords

	return pred
}

// Backward accumulates parameter gradients from per-level logit gradients
// and the gradient with respect to the scaled coordinate output. Must follow
// a Forward with train=true.
func (m *Model) Backward(logitGrads map[geo.Level]*mat.Dense, coordGrad *mat.Dense) {
	var embedGrad *mat.Dense

	accumulate := func(g *mat.Dense) {
		if embedGrad == nil {
			embedGrad = mat.DenseCopyOf(g)
		} else {
			embedGrad.Add(embedGrad, g)
		}
	}

	for level, head := range m.heads {
		if g, ok := logitGrads[level]; ok {
			accumulate(head.Backward(g))
		}
	}

	if coordGrad != nil {
		n, _ := coordGrad.Dims()
		scaled := mat.NewDense(n, 2, nil)
		for i := 0; i < n; i++ {
			scaled.Set(i, 0, coordGrad.At(i, 0)*latScale)
			scaled.Set(i, 1, coordGrad.At(i, 1)*lonScale)
		}
		accumulate(m.coordHead.Backward(scaled))
	}

	if embedGrad != nil {
		// The backbone is a fixed extractor, so the chain ends at the trunk.
		m.trunk.Backward(embedGrad)
	}
}

// Params returns every trainable parameter in deterministic order.
func (m *Model) Params() []*Param {
	out := m.trunk.params()
	for _, level := range sortedLevels(m.cfg.ClassCounts) {
		out = append(out, m.heads[level].params()...)
	}
	out = append(out, m.coordHead.params()...)
	return out
}

// ZeroGrads clears all accumulated gradients.
func (m *Model) ZeroGrads() {
	for _, p := range m.Params() {
		p.zeroGrad()
	}
}

func sortedLevels(counts map[geo.Level]int) []geo.Level {
	levels := make([]geo.Level, 0, len(counts))
	for level := range counts {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

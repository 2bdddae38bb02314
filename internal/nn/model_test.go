package nn

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/purity-labs/puregeo/internal/geo"
)

func testConfig() ModelConfig {
	return ModelConfig{
		EmbeddingDim: 32,
		Dropout:      0.1,
		ClassCounts: map[geo.Level]int{
			geo.LevelCountry: 4,
			geo.LevelRegion:  8,
			geo.LevelCity:    12,
			geo.LevelPrecise: 16,
		},
		Seed: 7,
	}
}

func randomBatch(t *testing.T, n, w, h int, seed uint64) *mat.Dense {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float64, n*3*w*h)
	for i := range data {
		data[i] = rng.NormFloat64() * 10
	}
	return mat.NewDense(n, 3*w*h, data)
}

func TestNewModelRejectsBadConfig(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)

	cfg := testConfig()
	cfg.EmbeddingDim = 0
	_, err := NewModel(backbone, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.ClassCounts = nil
	_, err = NewModel(backbone, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.ClassCounts[geo.LevelCity] = 0
	_, err = NewModel(backbone, cfg)
	require.Error(t, err)
}

func TestForwardCoordinatesAlwaysInRange(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	model, err := NewModel(backbone, testConfig())
	require.NoError(t, err)

	// Even wildly out-of-distribution inputs must regress to a legal point.
	for seed := uint64(0); seed < 5; seed++ {
		images := randomBatch(t, 6, 16, 16, seed)
		pred := model.Forward(images, false)

		n, c := pred.Coords.Dims()
		require.Equal(t, 6, n)
		require.Equal(t, 2, c)
		for i := 0; i < n; i++ {
			lat, lon := pred.Coords.At(i, 0), pred.Coords.At(i, 1)
			assert.GreaterOrEqual(t, lat, -90.0)
			assert.LessOrEqual(t, lat, 90.0)
			assert.GreaterOrEqual(t, lon, -180.0)
			assert.LessOrEqual(t, lon, 180.0)
		}
	}
}

func TestForwardLogitShapes(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	cfg := testConfig()
	model, err := NewModel(backbone, cfg)
	require.NoError(t, err)

	pred := model.Forward(randomBatch(t, 3, 16, 16, 1), false)
	require.Len(t, pred.Logits, len(cfg.ClassCounts))
	for level, want := range cfg.ClassCounts {
		n, c := pred.Logits[level].Dims()
		assert.Equal(t, 3, n)
		assert.Equal(t, want, c, "level %s", level)
	}
}

func TestModelDeterministicPerSeed(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	a, err := NewModel(backbone, testConfig())
	require.NoError(t, err)
	b, err := NewModel(backbone, testConfig())
	require.NoError(t, err)

	images := randomBatch(t, 2, 16, 16, 3)
	pa := a.Forward(images, false)
	pb := b.Forward(images, false)
	assert.True(t, mat.EqualApprox(pa.Coords, pb.Coords, 1e-12))
}

func TestTrainingStepReducesLoss(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	cfg := testConfig()
	cfg.Dropout = 0 // deterministic loss trajectory
	model, err := NewModel(backbone, cfg)
	require.NoError(t, err)

	images := randomBatch(t, 8, 16, 16, 11)
	classes := map[geo.Level][]int{}
	rng := rand.New(rand.NewPCG(5, 6))
	for level, count := range cfg.ClassCounts {
		labels := make([]int, 8)
		for i := range labels {
			labels[i] = rng.IntN(count)
		}
		classes[level] = labels
	}
	coords := mat.NewDense(8, 2, nil)
	for i := 0; i < 8; i++ {
		coords.Set(i, 0, rng.Float64()*180-90)
		coords.Set(i, 1, rng.Float64()*360-180)
	}

	lossCfg := LossConfig{
		LevelWeights: map[geo.Level]float64{
			geo.LevelCountry: 1, geo.LevelRegion: 0.8,
			geo.LevelCity: 0.6, geo.LevelPrecise: 0.4,
		},
		CoordWeight: 0.5,
	}
	opt := NewAdamW(DefaultAdamWConfig(0.01))

	step := func() float64 {
		model.ZeroGrads()
		pred := model.Forward(images, true)
		result, grads, err := ComputeLoss(pred, classes, coords, lossCfg)
		require.NoError(t, err)
		model.Backward(grads.Logits, grads.Coords)
		require.NoError(t, opt.Step(model.Params()))
		return result.Total
	}

	first := step()
	var last float64
	for i := 0; i < 30; i++ {
		last = step()
	}
	assert.Less(t, last, first)
}

func TestCheckpointRoundTrip(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	cfg := testConfig()
	model, err := NewModel(backbone, cfg)
	require.NoError(t, err)

	opt := NewAdamW(DefaultAdamWConfig(0.001))
	sched := NewPlateauScheduler(opt, 0.5, 2, 1e-6)
	sched.Step(1.5)
	sched.Step(1.7)

	ckpt := &Checkpoint{
		Epoch:             17,
		BestValLoss:       1.5,
		BestDistanceError: 812.4,
		EmbeddingDim:      cfg.EmbeddingDim,
		ImageSize:         [2]int{16, 16},
		ClassCounts:       cfg.ClassCounts,
		Optimizer:         opt.State(),
		Scheduler:         sched.State(),
		ConfigYAML:        "training:\n  epochs: 50\n",
	}
	ckpt.Snapshot(model)

	path := filepath.Join(t.TempDir(), "best_model.ckpt")
	require.NoError(t, ckpt.Save(path))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 17, loaded.Epoch)
	assert.Equal(t, 1.5, loaded.BestValLoss)
	assert.Equal(t, 812.4, loaded.BestDistanceError)
	assert.Equal(t, ckpt.ConfigYAML, loaded.ConfigYAML)

	require.NoError(t, loaded.Compatible(cfg, [2]int{16, 16}))

	restored, err := NewModel(backbone, ModelConfig{
		EmbeddingDim: cfg.EmbeddingDim,
		ClassCounts:  cfg.ClassCounts,
		Seed:         99, // different init, must be overwritten
	})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(loaded))

	images := randomBatch(t, 2, 16, 16, 21)
	want := model.Forward(images, false)
	got := restored.Forward(images, false)
	assert.True(t, mat.EqualApprox(want.Coords, got.Coords, 1e-12))
	for level := range cfg.ClassCounts {
		assert.True(t, mat.EqualApprox(want.Logits[level], got.Logits[level], 1e-12))
	}

	restoredOpt := NewAdamW(DefaultAdamWConfig(0.5))
	restoredOpt.LoadState(loaded.Optimizer)
	assert.Equal(t, opt.LR(), restoredOpt.LR())
}

func TestCheckpointCompatibleRejectsMismatch(t *testing.T) {
	cfg := testConfig()
	ckpt := &Checkpoint{
		EmbeddingDim: cfg.EmbeddingDim,
		ImageSize:    [2]int{16, 16},
		ClassCounts: map[geo.Level]int{
			geo.LevelCountry: 4,
			geo.LevelRegion:  8,
			geo.LevelCity:    12,
			geo.LevelPrecise: 99, // clustering changed underneath
		},
	}
	err := ckpt.Compatible(cfg, [2]int{16, 16})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precise")

	ckpt.ClassCounts[geo.LevelPrecise] = 16
	require.NoError(t, ckpt.Compatible(cfg, [2]int{16, 16}))

	err = ckpt.Compatible(cfg, [2]int{32, 32})
	require.Error(t, err)

	ckpt.EmbeddingDim = 64
	err = ckpt.Compatible(cfg, [2]int{16, 16})
	require.Error(t, err)
}

func TestLoadStateRejectsWrongShape(t *testing.T) {
	backbone := NewPatchBackbone(16, 16, 4)
	model, err := NewModel(backbone, testConfig())
	require.NoError(t, err)

	ckpt := &Checkpoint{}
	ckpt.Snapshot(model)
	blob := ckpt.Weights["trunk.fc1.w"]
	blob.Rows++
	ckpt.Weights["trunk.fc1.w"] = blob

	err = model.LoadState(ckpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trunk.fc1.w")

	delete(ckpt.Weights, "trunk.fc1.w")
	require.Error(t, model.LoadState(ckpt))
}

func TestLossScalerRejectsNonFiniteGradients(t *testing.T) {
	scaler := NewLossScaler(true)
	before := scaler.Scale()

	p := &Param{
		Name:  "trunk.fc1.w",
		Value: mat.NewDense(2, 2, nil),
		Grad:  mat.NewDense(2, 2, []float64{1, 2, math.NaN(), 4}),
	}
	err := scaler.Unscale([]*Param{p})
	require.Error(t, err)
	assert.Less(t, scaler.Scale(), before)

	// Disabled scaling still refuses to pass Inf through.
	plain := NewLossScaler(false)
	p.Grad.Set(1, 0, math.Inf(1))
	require.Error(t, plain.Unscale([]*Param{p}))
}

func TestPlateauSchedulerReducesLR(t *testing.T) {
	opt := NewAdamW(DefaultAdamWConfig(0.1))
	sched := NewPlateauScheduler(opt, 0.5, 1, 1e-6)

	sched.Step(1.0)
	sched.Step(1.1)
	assert.Equal(t, 0.1, opt.LR())
	sched.Step(1.2)
	assert.InDelta(t, 0.05, opt.LR(), 1e-12)

	// An improvement resets the patience counter.
	sched.Step(0.5)
	sched.Step(0.6)
	assert.InDelta(t, 0.05, opt.LR(), 1e-12)
}

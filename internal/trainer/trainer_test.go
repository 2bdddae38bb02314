package trainer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purity-labs/puregeo/internal/dataset"
	"github.com/purity-labs/puregeo/internal/geo"
	"github.com/purity-labs/puregeo/internal/nn"
	"github.com/purity-labs/puregeo/internal/store"
)

const testImageSize = 16

func writeTestJPEG(t *testing.T, dir, name string, seed int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, testImageSize, testImageSize))
	for y := 0; y < testImageSize; y++ {
		for x := 0; x < testImageSize; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*17 + seed*29),
				G: uint8(y*31 + seed*13),
				B: uint8(seed * 41),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

// newTestRun builds a tiny end-to-end fixture: six images at five distinct
// coordinates, a fitted hierarchy, and train/val loaders over the same data.
func newTestRun(t *testing.T) (*nn.Model, *dataset.Loader, *dataset.Loader, Config) {
	t.Helper()

	points := []geo.Point{
		{Lat: 25.0, Lon: 55.0},
		{Lat: 45.5, Lon: -122.5},
		{Lat: 40.7, Lon: -74.0},
		{Lat: 21.3, Lon: -157.8},
		{Lat: 46.5, Lon: 7.7},
		{Lat: 25.0, Lon: 55.0},
	}
	hierarchy, err := geo.BuildHierarchy(points[:5], geo.ClusteringConfig{
		Method:          "kmeans",
		CountryClusters: 2,
		RegionClusters:  3,
		CityClusters:    4,
		PreciseClusters: 5,
		Seed:            42,
	})
	require.NoError(t, err)

	imageDir := t.TempDir()
	var table dataset.Table
	for i, p := range points {
		name := fmt.Sprintf("img_%d.jpg", i)
		writeTestJPEG(t, imageDir, name, i)
		table = append(table, dataset.Sample{
			ImageID:   fmt.Sprintf("img_%d", i),
			ImagePath: name,
			Lat:       p.Lat,
			Lon:       p.Lon,
		})
	}

	size := [2]int{testImageSize, testImageSize}
	trainDS, err := dataset.New(table, hierarchy, imageDir, size, false)
	require.NoError(t, err)
	valDS, err := dataset.New(table, hierarchy, imageDir, size, false)
	require.NoError(t, err)

	backbone := nn.NewPatchBackbone(testImageSize, testImageSize, 4)
	model, err := nn.NewModel(backbone, nn.ModelConfig{
		EmbeddingDim: 16,
		ClassCounts:  hierarchy.ClassCounts(),
		Seed:         1,
	})
	require.NoError(t, err)

	cfg := Config{
		Epochs:            2,
		Patience:          5,
		LearningRate:      1e-3,
		SchedulerFactor:   0.5,
		SchedulerPatience: 2,
		ImageSize:         size,
		Loss: nn.LossConfig{
			LevelWeights: map[geo.Level]float64{
				geo.LevelCountry: 1, geo.LevelRegion: 0.8,
				geo.LevelCity: 0.6, geo.LevelPrecise: 0.4,
			},
			CoordWeight: 0.5,
		},
		Thresholds:    []float64{25, 200, 750, 2500},
		CheckpointDir: t.TempDir(),
		ConfigYAML:    "training:\n  epochs: 2\n",
		Seed:          7,
	}

	train := dataset.NewLoader(trainDS, 3, 2, false)
	val := dataset.NewLoader(valDS, 3, 2, false)
	return model, train, val, cfg
}

func TestRunTrainsAndWritesBestCheckpoint(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	tr := New(model, train, val, cfg, nil, "")

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.EpochsTrained)
	assert.False(t, summary.EarlyStopped)
	require.NotEmpty(t, summary.BestCheckpoint)

	ckpt, err := nn.LoadCheckpoint(summary.BestCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, summary.BestValLoss, ckpt.BestValLoss)
	assert.Equal(t, summary.BestDistanceError, ckpt.BestDistanceError)
	assert.Equal(t, cfg.ConfigYAML, ckpt.ConfigYAML)
}

func TestRunCyclesThroughPhases(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	tr := New(model, train, val, cfg, nil, "")
	assert.Equal(t, phaseIdle, tr.phase)

	tr.setPhase(phaseTraining)
	assert.Equal(t, phaseTraining, tr.phase)

	_, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, phaseStopped, tr.phase)
}

func TestRunPersistsEpochMetrics(t *testing.T) {
	model, train, val, cfg := newTestRun(t)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(context.Background()))

	run, err := st.CreateRun(context.Background(), "custom", 6, cfg.ConfigYAML)
	require.NoError(t, err)

	tr := New(model, train, val, cfg, st, run.ID)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.EpochsTrained)

	metrics, err := st.ListEpochs(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 1, metrics[0].Epoch)
	assert.Greater(t, metrics[0].TrainLoss, 0.0)
	assert.Greater(t, metrics[0].MeanKm, 0.0)
}

func TestResumeRestoresTrainingState(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	tr := New(model, train, val, cfg, nil, "")

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, summary.BestCheckpoint)

	// A fresh trainer resumed from the checkpoint reproduces epoch and best
	// metrics exactly.
	model2, train2, val2, cfg2 := newTestRun(t)
	tr2 := New(model2, train2, val2, cfg2, nil, "")
	require.NoError(t, tr2.Resume(summary.BestCheckpoint, cfg2.ImageSize))

	assert.GreaterOrEqual(t, tr2.startEpoch, 1)
	assert.Equal(t, summary.BestValLoss, tr2.bestValLoss)
	assert.Equal(t, summary.BestDistanceError, tr2.bestDistanceError)
}

func TestResumeSkipsUnreadableCheckpoint(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	tr := New(model, train, val, cfg, nil, "")

	// Missing file: warn and start from scratch.
	require.NoError(t, tr.Resume(filepath.Join(t.TempDir(), "missing.ckpt"), cfg.ImageSize))
	assert.Equal(t, 0, tr.startEpoch)

	// Garbage file likewise.
	garbage := filepath.Join(t.TempDir(), "garbage.ckpt")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))
	require.NoError(t, tr.Resume(garbage, cfg.ImageSize))
	assert.Equal(t, 0, tr.startEpoch)
}

func TestResumeRejectsMismatchedClassCounts(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	tr := New(model, train, val, cfg, nil, "")

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	// Same data, different clustering output: resuming must hard-fail.
	backbone := nn.NewPatchBackbone(testImageSize, testImageSize, 4)
	other, err := nn.NewModel(backbone, nn.ModelConfig{
		EmbeddingDim: 16,
		ClassCounts: map[geo.Level]int{
			geo.LevelCountry: 2, geo.LevelRegion: 3,
			geo.LevelCity: 4, geo.LevelPrecise: 9,
		},
		Seed: 1,
	})
	require.NoError(t, err)

	tr2 := New(other, train, val, cfg, nil, "")
	err = tr2.Resume(summary.BestCheckpoint, cfg.ImageSize)
	require.Error(t, err)
}

func TestEarlyStopOnPatience(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	cfg.Epochs = 40
	cfg.Patience = 2
	cfg.LearningRate = 0 // no learning, so no improvement after the first epoch
	tr := New(model, train, val, cfg, nil, "")

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.EarlyStopped)
	assert.Less(t, summary.EpochsTrained, 40)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	model, train, val, cfg := newTestRun(t)
	cfg.Epochs = 100
	tr := New(model, train, val, cfg, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Run(ctx)
	require.Error(t, err)
}

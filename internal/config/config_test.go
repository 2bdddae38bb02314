package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
data:
  source: flickr
  path: data/photos.csv
  image_dir: data/images
  image_size: [224, 224]
model:
  embedding_dim: 128
training:
  epochs: 20
  batch_size: 16
clustering:
  country_clusters: 50
  region_clusters: 200
  city_clusters: 1000
  precise_clusters: 5000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "flickr", cfg.Data.Source)
	assert.Equal(t, [2]int{224, 224}, cfg.ImageSize())
	assert.Equal(t, 128, cfg.Model.EmbeddingDim)
	assert.Equal(t, 20, cfg.Training.Epochs)
	assert.Equal(t, 50, cfg.Clustering.CountryClusters)

	// Defaults fill the unspecified sections.
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 1e-4, cfg.Training.LearningRate)
	assert.Equal(t, []float64{1, 25, 200, 750, 2500}, cfg.Evaluation.ThresholdsKm)

	weights := cfg.LevelWeights()
	assert.Len(t, weights, 4)
	assert.Equal(t, 1.0, weights["country"])
}

func TestLoadRequiresConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMissingClusteringSectionFailsBeforeDirsCreated(t *testing.T) {
	dir := t.TempDir()
	body := `
data:
  source: flickr
  image_dir: ` + filepath.Join(dir, "images") + `
model:
  embedding_dim: 128
training:
  epochs: 20
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clustering")

	// Validation failed before any output path was touched.
	assert.NoDirExists(t, filepath.Join(dir, "images"))
}

func TestValidateImageSize(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	cfg.Data.ImageSize = []int{224, 0}
	require.Error(t, cfg.Validate())

	cfg.Data.ImageSize = []int{224, 224, 3}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_size")
}

func TestValidateClusterCounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Clustering.RegionClusters = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestValidateSplitFractions(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Data.ValFraction = 0.6
	cfg.Data.TestFraction = 0.5
	require.Error(t, cfg.Validate())
}

func TestValidateStoreDriver(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Store.Driver = "mysql"
	require.Error(t, cfg.Validate())
}

func TestEnsureDirs(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	base := t.TempDir()
	cfg.System.OutputDir = filepath.Join(base, "out")
	cfg.System.CheckpointDir = filepath.Join(base, "out", "checkpoints")
	cfg.Data.ImageDir = filepath.Join(base, "images")

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.System.CheckpointDir)
	assert.DirExists(t, cfg.Data.ImageDir)
}

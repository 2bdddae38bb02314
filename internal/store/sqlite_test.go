package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteRunLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "flickr", 5000, "training:\n  epochs: 50\n")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "flickr", got.DataSource)
	assert.Equal(t, 5000, got.NumSamples)
	assert.Nil(t, got.Result)

	result := &RunResult{
		EpochsTrained:     23,
		BestValLoss:       1.84,
		BestDistanceError: 410.5,
		CheckpointPath:    "/out/best_model.ckpt",
	}
	require.NoError(t, s.FinishRun(ctx, run.ID, RunStatusStopped, result))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusStopped, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 23, got.Result.EpochsTrained)
	assert.InDelta(t, 410.5, got.Result.BestDistanceError, 1e-9)
}

func TestSQLiteRunNotFound(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	require.Error(t, err)

	err = s.UpdateRunStatus(ctx, "missing", RunStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLiteListRunsFilter(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a, err := s.CreateRun(ctx, "flickr", 100, "{}")
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, "exif", 200, "{}")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, a.ID, RunStatusComplete, &RunResult{}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	complete, err := s.ListRuns(ctx, RunFilter{Status: RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, a.ID, complete[0].ID)
}

func TestSQLiteEpochMetricsRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "custom", 100, "{}")
	require.NoError(t, err)

	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, s.RecordEpoch(ctx, EpochMetrics{
			RunID:        run.ID,
			Epoch:        epoch,
			TrainLoss:    3.0 - float64(epoch)*0.3,
			ValLoss:      3.2 - float64(epoch)*0.25,
			MeanKm:       900 - float64(epoch)*50,
			MedianKm:     400 - float64(epoch)*30,
			WithinKm:     map[string]float64{"25": 0.1, "200": 0.35, "750": 0.6},
			LearningRate: 1e-4,
			LoadFailures: epoch - 1,
		}))
	}

	metrics, err := s.ListEpochs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, 1, metrics[0].Epoch)
	assert.Equal(t, 3, metrics[2].Epoch)
	assert.InDelta(t, 0.35, metrics[0].WithinKm["200"], 1e-9)
	assert.Equal(t, 2, metrics[2].LoadFailures)

	// Re-recording an epoch replaces its row.
	require.NoError(t, s.RecordEpoch(ctx, EpochMetrics{
		RunID: run.ID, Epoch: 3, TrainLoss: 1.0, ValLoss: 1.1,
		MeanKm: 500, MedianKm: 200, LearningRate: 5e-5,
	}))
	metrics, err = s.ListEpochs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.InDelta(t, 1.0, metrics[2].TrainLoss, 1e-9)
}

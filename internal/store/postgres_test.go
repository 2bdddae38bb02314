package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO training_runs`).
		WithArgs(pgxmock.AnyArg(), "running", "flickr", 5000, "{}", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "flickr", 5000, "{}")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, status, data_source, num_samples, config, result, created_at, updated_at`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE training_runs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", RunStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEpoch_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(run_id, epoch\)`).
		WithArgs("run-1", 7, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordEpoch(context.Background(), EpochMetrics{
		RunID: "run-1", Epoch: 7, TrainLoss: 2.1, ValLoss: 2.3,
		MeanKm: 800, MedianKm: 350,
		WithinKm:     map[string]float64{"200": 0.4},
		LearningRate: 1e-4,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEpochs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	within := []byte(`{"25":0.12,"200":0.4}`)
	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"run_id", "epoch", "train_loss", "val_loss", "mean_km", "median_km",
		"within_km", "learning_rate", "load_failures", "created_at",
	}).AddRow("run-1", 1, 3.0, 3.1, 900.0, 420.0, &within, 1e-4, 2, now)

	mock.ExpectQuery(`SELECT run_id, epoch, train_loss`).
		WithArgs("run-1").
		WillReturnRows(rows)

	metrics, err := s.ListEpochs(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 1, metrics[0].Epoch)
	assert.InDelta(t, 0.4, metrics[0].WithinKm["200"], 1e-9)
	assert.Equal(t, 2, metrics[0].LoadFailures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

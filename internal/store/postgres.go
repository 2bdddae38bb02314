package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store uses, narrow enough for
// pgxmock to satisfy in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection; epoch
// metric inserts dominate store traffic during a long run.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO training_runs (id, status, data_source, num_samples, config, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_run_status": `UPDATE training_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"finish_run":        `UPDATE training_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"get_run":           `SELECT id, status, data_source, num_samples, config, result, created_at, updated_at FROM training_runs WHERE id = $1`,
	"record_epoch":      `INSERT INTO epoch_metrics (run_id, epoch, train_loss, val_loss, mean_km, median_km, within_km, learning_rate, load_failures, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (run_id, epoch) DO UPDATE SET train_loss = EXCLUDED.train_loss, val_loss = EXCLUDED.val_loss, mean_km = EXCLUDED.mean_km, median_km = EXCLUDED.median_km, within_km = EXCLUDED.within_km, learning_rate = EXCLUDED.learning_rate, load_failures = EXCLUDED.load_failures`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS training_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status      TEXT NOT NULL DEFAULT 'running',
	data_source TEXT NOT NULL,
	num_samples INTEGER NOT NULL DEFAULT 0,
	config      TEXT NOT NULL,
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS epoch_metrics (
	run_id        TEXT NOT NULL REFERENCES training_runs(id),
	epoch         INTEGER NOT NULL,
	train_loss    DOUBLE PRECISION NOT NULL,
	val_loss      DOUBLE PRECISION NOT NULL,
	mean_km       DOUBLE PRECISION NOT NULL,
	median_km     DOUBLE PRECISION NOT NULL,
	within_km     JSONB,
	learning_rate DOUBLE PRECISION NOT NULL,
	load_failures INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, epoch)
);

CREATE INDEX IF NOT EXISTS idx_training_runs_status ON training_runs(status);
CREATE INDEX IF NOT EXISTS idx_epoch_metrics_run_id ON epoch_metrics(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, dataSource string, numSamples int, configYAML string) (*TrainingRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO training_runs (id, status, data_source, num_samples, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(RunStatusRunning), dataSource, numSamples, configYAML, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &TrainingRun{
		ID:         id,
		Status:     RunStatusRunning,
		DataSource: dataSource,
		NumSamples: numSamples,
		ConfigYAML: configYAML,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE training_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status RunStatus, result *RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE training_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*TrainingRun, error) {
	var r TrainingRun
	var resultNull *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, status, data_source, num_samples, config, result, created_at, updated_at
		 FROM training_runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Status, &r.DataSource, &r.NumSamples, &r.ConfigYAML, &resultNull, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if resultNull != nil {
		r.Result = &RunResult{}
		if err := json.Unmarshal(*resultNull, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]TrainingRun, error) {
	query := `SELECT id, status, data_source, num_samples, config, result, created_at, updated_at
	          FROM training_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		var r TrainingRun
		var resultNull *[]byte

		if err := rows.Scan(&r.ID, &r.Status, &r.DataSource, &r.NumSamples, &r.ConfigYAML, &resultNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if resultNull != nil {
			r.Result = &RunResult{}
			if err := json.Unmarshal(*resultNull, r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal result")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RecordEpoch(ctx context.Context, m EpochMetrics) error {
	withinJSON, err := json.Marshal(m.WithinKm)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal accuracy buckets")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO epoch_metrics (run_id, epoch, train_loss, val_loss, mean_km, median_km, within_km, learning_rate, load_failures, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, epoch) DO UPDATE SET
		   train_loss = EXCLUDED.train_loss, val_loss = EXCLUDED.val_loss,
		   mean_km = EXCLUDED.mean_km, median_km = EXCLUDED.median_km,
		   within_km = EXCLUDED.within_km, learning_rate = EXCLUDED.learning_rate,
		   load_failures = EXCLUDED.load_failures`,
		m.RunID, m.Epoch, m.TrainLoss, m.ValLoss, m.MeanKm, m.MedianKm,
		withinJSON, m.LearningRate, m.LoadFailures, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record epoch %d for run %s", m.Epoch, m.RunID)
}

func (s *PostgresStore) ListEpochs(ctx context.Context, runID string) ([]EpochMetrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, epoch, train_loss, val_loss, mean_km, median_km, within_km, learning_rate, load_failures, created_at
		 FROM epoch_metrics WHERE run_id = $1 ORDER BY epoch`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list epochs for run %s", runID)
	}
	defer rows.Close()

	var metrics []EpochMetrics
	for rows.Next() {
		var m EpochMetrics
		var withinNull *[]byte
		if err := rows.Scan(&m.RunID, &m.Epoch, &m.TrainLoss, &m.ValLoss, &m.MeanKm, &m.MedianKm,
			&withinNull, &m.LearningRate, &m.LoadFailures, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan epoch")
		}
		if withinNull != nil {
			if err := json.Unmarshal(*withinNull, &m.WithinKm); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal accuracy buckets")
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, eris.Wrap(rows.Err(), "postgres: list epochs iterate")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS training_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	data_source TEXT NOT NULL,
	num_samples INTEGER NOT NULL DEFAULT 0,
	config      TEXT NOT NULL,
	result      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS epoch_metrics (
	run_id        TEXT NOT NULL REFERENCES training_runs(id),
	epoch         INTEGER NOT NULL,
	train_loss    REAL NOT NULL,
	val_loss      REAL NOT NULL,
	mean_km       REAL NOT NULL,
	median_km     REAL NOT NULL,
	within_km     TEXT,
	learning_rate REAL NOT NULL,
	load_failures INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, epoch)
);

CREATE INDEX IF NOT EXISTS idx_training_runs_status ON training_runs(status);
CREATE INDEX IF NOT EXISTS idx_epoch_metrics_run_id ON epoch_metrics(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, dataSource string, numSamples int, configYAML string) (*TrainingRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_runs (id, status, data_source, num_samples, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(RunStatusRunning), dataSource, numSamples, configYAML, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status RunStatus, result *RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE training_runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*TrainingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, data_source, num_samples, config, result, created_at, updated_at
		 FROM training_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]TrainingRun, error) {
	query := `SELECT id, status, data_source, num_samples, config, result, created_at, updated_at
	          FROM training_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RecordEpoch(ctx context.Context, m EpochMetrics) error {
	withinJSON, err := json.Marshal(m.WithinKm)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal accuracy buckets")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epoch_metrics
		 (run_id, epoch, train_loss, val_loss, mean_km, median_km, within_km, learning_rate, load_failures, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Epoch, m.TrainLoss, m.ValLoss, m.MeanKm, m.MedianKm,
		string(withinJSON), m.LearningRate, m.LoadFailures, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record epoch %d for run %s", m.Epoch, m.RunID)
}

func (s *SQLiteStore) ListEpochs(ctx context.Context, runID string) ([]EpochMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, epoch, train_loss, val_loss, mean_km, median_km, within_km, learning_rate, load_failures, created_at
		 FROM epoch_metrics WHERE run_id = ? ORDER BY epoch`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list epochs for run %s", runID)
	}
	defer rows.Close()

	var metrics []EpochMetrics
	for rows.Next() {
		var m EpochMetrics
		var withinJSON sql.NullString
		if err := rows.Scan(&m.RunID, &m.Epoch, &m.TrainLoss, &m.ValLoss, &m.MeanKm, &m.MedianKm,
			&withinJSON, &m.LearningRate, &m.LoadFailures, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan epoch")
		}
		if withinJSON.Valid && withinJSON.String != "null" {
			if err := json.Unmarshal([]byte(withinJSON.String), &m.WithinKm); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal accuracy buckets")
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, eris.Wrap(rows.Err(), "sqlite: list epochs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*TrainingRun, error) {
	var r TrainingRun
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.Status, &r.DataSource, &r.NumSamples, &r.ConfigYAML, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if resultJSON.Valid {
		r.Result = &RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}

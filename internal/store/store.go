// Package store persists training runs and their per-epoch metrics to
// SQLite for local work or Postgres for shared tracking.
package store

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusStopped  RunStatus = "stopped" // early stopping triggered
	RunStatusFailed   RunStatus = "failed"
)

// TrainingRun is one invocation of the training loop.
type TrainingRun struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	DataSource string     `json:"data_source"`
	NumSamples int        `json:"num_samples"`
	ConfigYAML string     `json:"config_yaml"`
	Result     *RunResult `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	EpochsTrained     int     `json:"epochs_trained"`
	BestValLoss       float64 `json:"best_val_loss"`
	BestDistanceError float64 `json:"best_distance_error_km"`
	CheckpointPath    string  `json:"checkpoint_path"`
	Error             string  `json:"error,omitempty"`
}

// EpochMetrics records one epoch of training and validation.
type EpochMetrics struct {
	RunID        string             `json:"run_id"`
	Epoch        int                `json:"epoch"`
	TrainLoss    float64            `json:"train_loss"`
	ValLoss      float64            `json:"val_loss"`
	MeanKm       float64            `json:"mean_km"`
	MedianKm     float64            `json:"median_km"`
	WithinKm     map[string]float64 `json:"within_km"`
	LearningRate float64            `json:"learning_rate"`
	LoadFailures int                `json:"load_failures"`
	CreatedAt    time.Time          `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for run tracking.
type Store interface {
	CreateRun(ctx context.Context, dataSource string, numSamples int, configYAML string) (*TrainingRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	FinishRun(ctx context.Context, runID string, status RunStatus, result *RunResult) error
	GetRun(ctx context.Context, runID string) (*TrainingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]TrainingRun, error)

	RecordEpoch(ctx context.Context, m EpochMetrics) error
	ListEpochs(ctx context.Context, runID string) ([]EpochMetrics, error)

	Migrate(ctx context.Context) error
	Close() error
}

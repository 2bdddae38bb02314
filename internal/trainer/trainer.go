// Package trainer runs the epoch loop: train, validate, checkpoint on
// improvement, and stop after the configured epochs or early-stopping patience.
package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/purity-labs/puregeo/internal/dataset"
	"github.com/purity-labs/puregeo/internal/geo"
	"github.com/purity-labs/puregeo/internal/nn"
	"github.com/purity-labs/puregeo/internal/store"
)

// phase labels the trainer's position in its epoch cycle for logging.
type phase string

const (
	phaseIdle       phase = "idle"
	phaseTraining   phase = "training"
	phaseValidation phase = "validation"
	phaseCheckpoint phase = "checkpoint"
	phaseStopped    phase = "stopped"
)

// periodicCheckpointEvery is the epoch interval for numbered checkpoints in
// addition to the best-model checkpoint.
const periodicCheckpointEvery = 10

// Config holds the training hyperparameters.
type Config struct {
	Epochs            int
	Patience          int
	LearningRate      float64
	WeightDecay       float64
	SchedulerFactor   float64
	SchedulerPatience int
	MixedPrecision    bool

	ImageSize  [2]int
	Loss       nn.LossConfig
	Thresholds []float64 // km buckets for validation accuracy

	CheckpointDir string
	ConfigYAML    string // config snapshot embedded in checkpoints
	Seed          int64
}

// Trainer owns one training run. All mutation happens on the calling
// goroutine; only the data loaders fan out internally.
type Trainer struct {
	cfg    Config
	model  *nn.Model
	opt    *nn.AdamW
	sched  *nn.PlateauScheduler
	scaler *nn.LossScaler

	train *dataset.Loader
	val   *dataset.Loader

	runs  store.Store // optional metric sink
	runID string

	startEpoch        int
	bestValLoss       float64
	bestDistanceError float64
	hasBest           bool

	phase phase
	log   *zap.Logger
}

// Summary reports the outcome of a run.
type Summary struct {
	EpochsTrained     int
	BestValLoss       float64
	BestDistanceError float64
	BestCheckpoint    string
	EarlyStopped      bool
}

// New creates a Trainer. The run store is optional; pass nil to skip metric
// persistence.
func New(model *nn.Model, train, val *dataset.Loader, cfg Config, runs store.Store, runID string) *Trainer {
	adamCfg := nn.DefaultAdamWConfig(cfg.LearningRate)
	if cfg.WeightDecay > 0 {
		adamCfg.WeightDecay = cfg.WeightDecay
	}
	opt := nn.NewAdamW(adamCfg)

	return &Trainer{
		cfg:    cfg,
		model:  model,
		opt:    opt,
		sched:  nn.NewPlateauScheduler(opt, cfg.SchedulerFactor, cfg.SchedulerPatience, 1e-7),
		scaler: nn.NewLossScaler(cfg.MixedPrecision),
		train:  train,
		val:    val,
		runs:   runs,
		runID:  runID,
		phase:  phaseIdle,
		log:    zap.L().With(zap.String("component", "trainer")),
	}
}

// setPhase moves the trainer to the next point of its epoch cycle and logs
// the transition.
func (t *Trainer) setPhase(p phase) {
	t.phase = p
	t.log.Debug("phase change", zap.String("phase", string(p)))
}

// Resume loads a checkpoint written by a previous run. An unreadable file is
// logged and skipped so training restarts from scratch; a structural
// mismatch against the current model is a hard error.
func (t *Trainer) Resume(path string, imageSize [2]int) error {
	ckpt, err := nn.LoadCheckpoint(path)
	if err != nil {
		t.log.Warn("checkpoint unreadable, starting from scratch",
			zap.String("path", path), zap.Error(err))
		return nil
	}

	if err := ckpt.Compatible(t.model.Config(), imageSize); err != nil {
		return eris.Wrap(err, "trainer: resume")
	}
	if err := t.model.LoadState(ckpt); err != nil {
		return eris.Wrap(err, "trainer: resume")
	}

	t.opt.LoadState(ckpt.Optimizer)
	t.sched.LoadState(ckpt.Scheduler)
	t.startEpoch = ckpt.Epoch
	t.bestValLoss = ckpt.BestValLoss
	t.bestDistanceError = ckpt.BestDistanceError
	t.hasBest = true

	t.log.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_loss", ckpt.BestValLoss),
		zap.Float64("best_distance_error_km", ckpt.BestDistanceError))
	return nil
}

// Run executes the epoch loop until the configured epochs finish, patience runs
// out, or the context is cancelled.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	if err := os.MkdirAll(t.cfg.CheckpointDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "trainer: create checkpoint dir")
	}

	summary := &Summary{
		BestValLoss:       t.bestValLoss,
		BestDistanceError: t.bestDistanceError,
	}
	badEpochs := 0

	for epoch := t.startEpoch + 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return summary, eris.Wrap(err, "trainer: cancelled")
		}

		t.setPhase(phaseTraining)
		trainLoss, trainFailures, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return summary, err
		}

		t.setPhase(phaseValidation)
		eval, err := t.Evaluate(ctx, t.val)
		if err != nil {
			return summary, err
		}
		t.sched.Step(eval.Loss)

		t.log.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("val_loss", eval.Loss),
			zap.Float64("mean_km", eval.Accuracy.MeanKm),
			zap.Float64("median_km", eval.Accuracy.MedianKm),
			zap.Float64("lr", t.opt.LR()),
			zap.Int("load_failures", trainFailures+eval.LoadFailures))

		t.recordEpoch(ctx, epoch, trainLoss, eval, trainFailures)

		t.setPhase(phaseCheckpoint)
		improved := !t.hasBest || eval.Loss < t.bestValLoss || eval.Accuracy.MeanKm < t.bestDistanceError
		if improved {
			if eval.Loss < t.bestValLoss || !t.hasBest {
				t.bestValLoss = eval.Loss
			}
			if eval.Accuracy.MeanKm < t.bestDistanceError || !t.hasBest {
				t.bestDistanceError = eval.Accuracy.MeanKm
			}
			t.hasBest = true
			badEpochs = 0

			best := filepath.Join(t.cfg.CheckpointDir, "best_model.ckpt")
			if err := t.saveCheckpoint(best, epoch); err != nil {
				return summary, err
			}
			summary.BestCheckpoint = best
		} else {
			badEpochs++
		}

		if epoch%periodicCheckpointEvery == 0 {
			periodic := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("checkpoint_epoch_%d.ckpt", epoch))
			if err := t.saveCheckpoint(periodic, epoch); err != nil {
				return summary, err
			}
		}

		summary.EpochsTrained = epoch
		summary.BestValLoss = t.bestValLoss
		summary.BestDistanceError = t.bestDistanceError

		if t.cfg.Patience > 0 && badEpochs >= t.cfg.Patience {
			t.log.Info("early stopping",
				zap.Int("epoch", epoch),
				zap.Int("patience", t.cfg.Patience))
			summary.EarlyStopped = true
			break
		}
	}

	t.setPhase(phaseStopped)
	t.log.Info("training finished",
		zap.Int("epochs_trained", summary.EpochsTrained),
		zap.Float64("best_val_loss", summary.BestValLoss),
		zap.Float64("best_distance_error_km", summary.BestDistanceError))
	return summary, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, int, error) {
	t.train.Shuffle(uint64(t.cfg.Seed) + uint64(epoch))

	total := 0.0
	failures := 0
	n := t.train.NumBatches()
	for i := 0; i < n; i++ {
		batch, err := t.train.Batch(ctx, i)
		if err != nil {
			return 0, failures, eris.Wrapf(err, "trainer: load batch %d", i)
		}
		failures += batch.LoadFailures

		t.model.ZeroGrads()
		pred := t.model.Forward(batch.Images, true)
		result, grads, err := nn.ComputeLoss(pred, batch.Classes, batch.Coords, t.cfg.Loss)
		if err != nil {
			return 0, failures, err
		}

		if s := t.scaler.Scale(); s != 1 {
			for _, g := range grads.Logits {
				g.Scale(s, g)
			}
			if grads.Coords != nil {
				grads.Coords.Scale(s, grads.Coords)
			}
		}
		t.model.Backward(grads.Logits, grads.Coords)

		if err := t.scaler.Unscale(t.model.Params()); err != nil {
			return 0, failures, eris.Wrapf(err, "trainer: epoch %d batch %d", epoch, i)
		}
		if err := t.opt.Step(t.model.Params()); err != nil {
			return 0, failures, eris.Wrapf(err, "trainer: epoch %d batch %d", epoch, i)
		}

		total += result.Total
	}
	if n == 0 {
		return 0, 0, eris.New("trainer: empty training loader")
	}
	return total / float64(n), failures, nil
}

// EvalResult holds validation loss and distance accuracy for one pass.
type EvalResult struct {
	Loss         float64
	PerLevel     map[geo.Level]float64
	Accuracy     *geo.AccuracyReport
	LoadFailures int
}

// Evaluate runs a forward-only pass over the loader and scores the regressed
// coordinates against ground truth.
func (t *Trainer) Evaluate(ctx context.Context, loader *dataset.Loader) (*EvalResult, error) {
	n := loader.NumBatches()
	if n == 0 {
		return nil, eris.New("trainer: empty evaluation loader")
	}

	res := &EvalResult{PerLevel: make(map[geo.Level]float64)}
	var truth, predicted []geo.Point

	totalLoss := 0.0
	for i := 0; i < n; i++ {
		batch, err := loader.Batch(ctx, i)
		if err != nil {
			return nil, eris.Wrapf(err, "trainer: load eval batch %d", i)
		}
		res.LoadFailures += batch.LoadFailures

		pred := t.model.Forward(batch.Images, false)
		result, _, err := nn.ComputeLoss(pred, batch.Classes, batch.Coords, t.cfg.Loss)
		if err != nil {
			return nil, err
		}
		totalLoss += result.Total
		for level, l := range result.PerLevel {
			res.PerLevel[level] += l / float64(n)
		}

		rows, _ := batch.Coords.Dims()
		for r := 0; r < rows; r++ {
			truth = append(truth, geo.Point{Lat: batch.Coords.At(r, 0), Lon: batch.Coords.At(r, 1)})
			predicted = append(predicted, geo.Point{Lat: pred.Coords.At(r, 0), Lon: pred.Coords.At(r, 1)})
		}
	}
	res.Loss = totalLoss / float64(n)

	report, err := geo.Accuracy(truth, predicted, t.cfg.Thresholds)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: score predictions")
	}
	res.Accuracy = report
	return res, nil
}

func (t *Trainer) saveCheckpoint(path string, epoch int) error {
	modelCfg := t.model.Config()
	ckpt := &nn.Checkpoint{
		Epoch:             epoch,
		BestValLoss:       t.bestValLoss,
		BestDistanceError: t.bestDistanceError,
		EmbeddingDim:      modelCfg.EmbeddingDim,
		ImageSize:         t.cfg.ImageSize,
		ClassCounts:       modelCfg.ClassCounts,
		Optimizer:         t.opt.State(),
		Scheduler:         t.sched.State(),
		ConfigYAML:        t.cfg.ConfigYAML,
	}
	ckpt.Snapshot(t.model)
	if err := ckpt.Save(path); err != nil {
		return err
	}
	t.log.Info("checkpoint written",
		zap.String("path", path), zap.Int("epoch", epoch))
	return nil
}

func (t *Trainer) recordEpoch(ctx context.Context, epoch int, trainLoss float64, eval *EvalResult, trainFailures int) {
	if t.runs == nil {
		return
	}
	within := make(map[string]float64, len(eval.Accuracy.WithinKm))
	for km, frac := range eval.Accuracy.WithinKm {
		within[fmt.Sprintf("%g", km)] = frac
	}
	err := t.runs.RecordEpoch(ctx, store.EpochMetrics{
		RunID:        t.runID,
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		ValLoss:      eval.Loss,
		MeanKm:       eval.Accuracy.MeanKm,
		MedianKm:     eval.Accuracy.MedianKm,
		WithinKm:     within,
		LearningRate: t.opt.LR(),
		LoadFailures: trainFailures + eval.LoadFailures,
	})
	if err != nil {
		// Metric persistence never aborts training.
		t.log.Warn("failed to record epoch metrics", zap.Int("epoch", epoch), zap.Error(err))
	}
}

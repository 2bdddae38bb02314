package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/purity-labs/puregeo/internal/dataset"
	"github.com/purity-labs/puregeo/internal/geo"
	"github.com/purity-labs/puregeo/internal/nn"
	"github.com/purity-labs/puregeo/internal/store"
	"github.com/purity-labs/puregeo/internal/trainer"
)

var trainFlags struct {
	dataSource string
	dataPath   string
	maxImages  int
	resume     string
	evalOnly   bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the geolocation model end to end",
	Long:  "Collects samples, builds the cluster hierarchy, splits the data, trains with validation-driven checkpointing, and evaluates on the held-out test split.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateTrainFlags(trainFlags.evalOnly, trainFlags.resume); err != nil {
			return err
		}
		return runTrain(cmd.Context())
	},
}

// validateTrainFlags rejects flag combinations that cannot work before any
// data is touched.
func validateTrainFlags(evalOnly bool, resume string) error {
	if evalOnly && resume == "" {
		return eris.New("--eval-only requires --resume to point at a checkpoint")
	}
	return nil
}

func runTrain(ctx context.Context) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	table, err := collectTable(ctx, trainFlags.dataSource, trainFlags.dataPath, trainFlags.maxImages)
	if err != nil {
		return err
	}

	trainTable, valTable, testTable := table.Split(cfg.Data.ValFraction, cfg.Data.TestFraction, cfg.Data.Seed)
	zap.L().Info("split dataset",
		zap.Int("train", len(trainTable)),
		zap.Int("val", len(valTable)),
		zap.Int("test", len(testTable)))
	if err := persistSplits(trainTable, valTable, testTable); err != nil {
		return err
	}

	// Clustering is fitted on training coordinates only.
	hierarchy, err := geo.BuildHierarchy(trainTable.Points(), cfg.Clustering)
	if err != nil {
		return err
	}
	clusteringPath := filepath.Join(cfg.System.OutputDir, "clustering_info.json")
	if err := hierarchy.Save(clusteringPath); err != nil {
		return err
	}

	imageDir := imageDirFor(trainFlags.dataSource, trainFlags.dataPath)
	size := cfg.ImageSize()

	trainDS, err := dataset.New(trainTable, hierarchy, imageDir, size, cfg.Data.Augment)
	if err != nil {
		return err
	}
	valDS, err := dataset.New(valTable, hierarchy, imageDir, size, false)
	if err != nil {
		return err
	}
	testDS, err := dataset.New(testTable, hierarchy, imageDir, size, false)
	if err != nil {
		return err
	}

	backbone := nn.NewPatchBackbone(size[0], size[1], cfg.Model.BackboneGrid)
	model, err := nn.NewModel(backbone, nn.ModelConfig{
		EmbeddingDim: cfg.Model.EmbeddingDim,
		Dropout:      cfg.Model.Dropout,
		ClassCounts:  hierarchy.ClassCounts(),
		Seed:         cfg.Model.Seed,
	})
	if err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	configSnapshot, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "train: snapshot config")
	}

	trainerCfg := trainer.Config{
		Epochs:            cfg.Training.Epochs,
		Patience:          cfg.Training.Patience,
		LearningRate:      cfg.Training.LearningRate,
		WeightDecay:       cfg.Training.WeightDecay,
		SchedulerFactor:   cfg.Training.SchedulerFactor,
		SchedulerPatience: cfg.Training.SchedulerPatience,
		MixedPrecision:    cfg.Training.MixedPrecision,
		ImageSize:         size,
		Loss: nn.LossConfig{
			LevelWeights: cfg.LevelWeights(),
			CoordWeight:  cfg.Training.CoordWeight,
			UseFocal:     cfg.Training.UseFocal,
			FocalAlpha:   cfg.Training.FocalAlpha,
			FocalGamma:   cfg.Training.FocalGamma,
		},
		Thresholds:    cfg.Evaluation.ThresholdsKm,
		CheckpointDir: cfg.System.CheckpointDir,
		ConfigYAML:    string(configSnapshot),
		Seed:          cfg.Data.Seed,
	}

	workers := cfg.Training.Workers
	trainLoader := dataset.NewLoader(trainDS, cfg.Training.BatchSize, workers, false)
	valLoader := dataset.NewLoader(valDS, cfg.Training.BatchSize, workers, false)
	testLoader := dataset.NewLoader(testDS, cfg.Training.BatchSize, workers, false)

	run, err := st.CreateRun(ctx, sourceName(trainFlags.dataSource), len(table), string(configSnapshot))
	if err != nil {
		return err
	}

	tr := trainer.New(model, trainLoader, valLoader, trainerCfg, st, run.ID)
	if trainFlags.resume != "" {
		if err := tr.Resume(trainFlags.resume, size); err != nil {
			finishFailed(ctx, st, run.ID, err)
			return err
		}
	}

	if trainFlags.evalOnly {
		eval, err := tr.Evaluate(ctx, testLoader)
		if err != nil {
			finishFailed(ctx, st, run.ID, err)
			return err
		}
		printEvaluation("test", eval)
		return st.FinishRun(ctx, run.ID, store.RunStatusComplete, &store.RunResult{
			BestValLoss:       eval.Loss,
			BestDistanceError: eval.Accuracy.MeanKm,
			CheckpointPath:    trainFlags.resume,
		})
	}

	summary, err := tr.Run(ctx)
	if err != nil {
		finishFailed(ctx, st, run.ID, err)
		return err
	}

	// Final held-out evaluation with the freshest weights.
	eval, err := tr.Evaluate(ctx, testLoader)
	if err != nil {
		finishFailed(ctx, st, run.ID, err)
		return err
	}
	printEvaluation("test", eval)

	status := store.RunStatusComplete
	if summary.EarlyStopped {
		status = store.RunStatusStopped
	}
	return st.FinishRun(ctx, run.ID, status, &store.RunResult{
		EpochsTrained:     summary.EpochsTrained,
		BestValLoss:       summary.BestValLoss,
		BestDistanceError: summary.BestDistanceError,
		CheckpointPath:    summary.BestCheckpoint,
	})
}

func sourceName(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Data.Source
}

// imageDirFor picks the directory image paths are relative to. EXIF
// extraction walks the source directory itself.
func imageDirFor(source, path string) string {
	if source == "" {
		source = cfg.Data.Source
	}
	if source == "exif" {
		if path != "" {
			return path
		}
		return cfg.Data.Path
	}
	return cfg.Data.ImageDir
}

func persistSplits(train, val, test dataset.Table) error {
	splits := map[string]dataset.Table{
		"train_split.json": train,
		"val_split.json":   val,
		"test_split.json":  test,
	}
	for name, table := range splits {
		data, err := json.MarshalIndent(table, "", "  ")
		if err != nil {
			return eris.Wrapf(err, "train: marshal %s", name)
		}
		if err := os.WriteFile(filepath.Join(cfg.System.OutputDir, name), data, 0o644); err != nil {
			return eris.Wrapf(err, "train: write %s", name)
		}
	}
	return nil
}

func printEvaluation(split string, eval *trainer.EvalResult) {
	fmt.Printf("%s evaluation:\n", split)
	fmt.Printf("  loss:      %.4f\n", eval.Loss)
	fmt.Printf("  mean km:   %.1f\n", eval.Accuracy.MeanKm)
	fmt.Printf("  median km: %.1f\n", eval.Accuracy.MedianKm)
	for _, threshold := range eval.Accuracy.Thresholds {
		fmt.Printf("  within %6.0f km: %5.1f%%\n", threshold, eval.Accuracy.WithinKm[threshold]*100)
	}
	if eval.LoadFailures > 0 {
		fmt.Printf("  load failures: %d\n", eval.LoadFailures)
	}
}

func finishFailed(ctx context.Context, st store.Store, runID string, cause error) {
	if err := st.FinishRun(ctx, runID, store.RunStatusFailed, &store.RunResult{Error: cause.Error()}); err != nil {
		zap.L().Warn("failed to mark run as failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func init() {
	trainCmd.Flags().StringVar(&trainFlags.dataSource, "data-source", "", "data source: flickr, exif, or custom (default from config)")
	trainCmd.Flags().StringVar(&trainFlags.dataPath, "data-path", "", "path to the CSV/XLSX file or image directory (default from config)")
	trainCmd.Flags().IntVar(&trainFlags.maxImages, "max-images", 0, "cap the number of samples (default from config)")
	trainCmd.Flags().StringVar(&trainFlags.resume, "resume", "", "checkpoint to resume from")
	trainCmd.Flags().BoolVar(&trainFlags.evalOnly, "eval-only", false, "skip training and only evaluate the resumed checkpoint")
	rootCmd.AddCommand(trainCmd)
}

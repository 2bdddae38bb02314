// Package config loads and validates the pipeline configuration. Validation
// runs before any output directory is created so a bad config never leaves
// half-initialized state on disk.
package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/purity-labs/puregeo/internal/geo"
)

// Config holds the full application configuration.
type Config struct {
	Data       DataConfig           `yaml:"data" mapstructure:"data"`
	Model      ModelConfig          `yaml:"model" mapstructure:"model"`
	Training   TrainingConfig       `yaml:"training" mapstructure:"training"`
	Clustering geo.ClusteringConfig `yaml:"clustering" mapstructure:"clustering"`
	Evaluation EvaluationConfig     `yaml:"evaluation" mapstructure:"evaluation"`
	Download   DownloadConfig       `yaml:"download" mapstructure:"download"`
	System     SystemConfig         `yaml:"system" mapstructure:"system"`
	Store      StoreConfig          `yaml:"store" mapstructure:"store"`
	Server     ServerConfig         `yaml:"server" mapstructure:"server"`
	Log        LogConfig            `yaml:"log" mapstructure:"log"`
}

// DataConfig configures dataset sources and splitting.
type DataConfig struct {
	Source       string  `yaml:"source" mapstructure:"source"`
	Path         string  `yaml:"path" mapstructure:"path"`
	ImageDir     string  `yaml:"image_dir" mapstructure:"image_dir"`
	ImageSize    []int   `yaml:"image_size" mapstructure:"image_size"`
	MaxImages    int     `yaml:"max_images" mapstructure:"max_images"`
	ValFraction  float64 `yaml:"val_fraction" mapstructure:"val_fraction"`
	TestFraction float64 `yaml:"test_fraction" mapstructure:"test_fraction"`
	Charset      string  `yaml:"charset" mapstructure:"charset"`
	Augment      bool    `yaml:"augment" mapstructure:"augment"`
	Seed         int64   `yaml:"seed" mapstructure:"seed"`
}

// ModelConfig configures the network structure.
type ModelConfig struct {
	EmbeddingDim int     `yaml:"embedding_dim" mapstructure:"embedding_dim"`
	Dropout      float64 `yaml:"dropout" mapstructure:"dropout"`
	BackboneGrid int     `yaml:"backbone_grid" mapstructure:"backbone_grid"`
	Seed         int64   `yaml:"seed" mapstructure:"seed"`
}

// TrainingConfig configures the training loop.
type TrainingConfig struct {
	Epochs            int     `yaml:"epochs" mapstructure:"epochs"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	LearningRate      float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	WeightDecay       float64 `yaml:"weight_decay" mapstructure:"weight_decay"`
	Patience          int     `yaml:"patience" mapstructure:"patience"`
	SchedulerFactor   float64 `yaml:"scheduler_factor" mapstructure:"scheduler_factor"`
	SchedulerPatience int     `yaml:"scheduler_patience" mapstructure:"scheduler_patience"`
	MixedPrecision    bool    `yaml:"mixed_precision" mapstructure:"mixed_precision"`
	Workers           int     `yaml:"workers" mapstructure:"workers"`

	UseFocal   bool    `yaml:"use_focal" mapstructure:"use_focal"`
	FocalAlpha float64 `yaml:"focal_alpha" mapstructure:"focal_alpha"`
	FocalGamma float64 `yaml:"focal_gamma" mapstructure:"focal_gamma"`

	// Level weights are applied as given; they are not normalized to sum
	// to one.
	CountryWeight float64 `yaml:"country_weight" mapstructure:"country_weight"`
	RegionWeight  float64 `yaml:"region_weight" mapstructure:"region_weight"`
	CityWeight    float64 `yaml:"city_weight" mapstructure:"city_weight"`
	PreciseWeight float64 `yaml:"precise_weight" mapstructure:"precise_weight"`
	CoordWeight   float64 `yaml:"coord_weight" mapstructure:"coord_weight"`
}

// EvaluationConfig configures validation scoring.
type EvaluationConfig struct {
	// ThresholdsKm are the distance buckets for accuracy reporting.
	ThresholdsKm []float64 `yaml:"thresholds_km" mapstructure:"thresholds_km"`
}

// DownloadConfig configures the image downloader.
type DownloadConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	Workers     int    `yaml:"workers" mapstructure:"workers"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerHost int    `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	Burst       int    `yaml:"burst" mapstructure:"burst"`
}

// SystemConfig configures output locations.
type SystemConfig struct {
	OutputDir     string `yaml:"output_dir" mapstructure:"output_dir"`
	CheckpointDir string `yaml:"checkpoint_dir" mapstructure:"checkpoint_dir"`
}

// StoreConfig configures the run-tracking database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the inference server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// requiredSections must be present in the config file itself; defaults do
// not satisfy them.
var requiredSections = []string{"data", "model", "training", "clustering"}

// Load reads the config file at path plus environment overrides, then
// validates. No directories are created here.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PUREGEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.image_size", []int{224, 224})
	v.SetDefault("data.val_fraction", 0.1)
	v.SetDefault("data.test_fraction", 0.1)
	v.SetDefault("data.charset", "utf-8")
	v.SetDefault("model.embedding_dim", 256)
	v.SetDefault("model.dropout", 0.3)
	v.SetDefault("model.backbone_grid", 8)
	v.SetDefault("training.epochs", 50)
	v.SetDefault("training.batch_size", 32)
	v.SetDefault("training.learning_rate", 1e-4)
	v.SetDefault("training.weight_decay", 0.01)
	v.SetDefault("training.patience", 10)
	v.SetDefault("training.scheduler_factor", 0.5)
	v.SetDefault("training.scheduler_patience", 3)
	v.SetDefault("training.workers", 4)
	v.SetDefault("training.focal_alpha", 0.25)
	v.SetDefault("training.focal_gamma", 2.0)
	v.SetDefault("training.country_weight", 1.0)
	v.SetDefault("training.region_weight", 0.8)
	v.SetDefault("training.city_weight", 0.6)
	v.SetDefault("training.precise_weight", 0.4)
	v.SetDefault("training.coord_weight", 0.5)
	v.SetDefault("clustering.method", "kmeans")
	v.SetDefault("evaluation.thresholds_km", []float64{1, 25, 200, 750, 2500})
	v.SetDefault("download.timeout_secs", 30)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.workers", 8)
	v.SetDefault("download.rate_per_host", 20)
	v.SetDefault("download.burst", 20)
	v.SetDefault("system.output_dir", "output")
	v.SetDefault("system.checkpoint_dir", "output/checkpoints")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "output/runs.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// The config file is mandatory: training without explicit data, model,
	// and clustering sections is never intentional.
	if err := v.ReadInConfig(); err != nil {
		return nil, eris.Wrap(err, "config: read file")
	}

	for _, section := range requiredSections {
		if !v.InConfig(section) {
			return nil, eris.Errorf("config: missing required section %q", section)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field-level constraints. It performs no I/O.
func (c *Config) Validate() error {
	if len(c.Data.ImageSize) != 2 {
		return eris.Errorf("config: data.image_size must have exactly 2 elements, got %d", len(c.Data.ImageSize))
	}
	for _, dim := range c.Data.ImageSize {
		if dim <= 0 {
			return eris.Errorf("config: data.image_size dimensions must be positive, got %d", dim)
		}
	}
	if c.Data.ValFraction < 0 || c.Data.TestFraction < 0 || c.Data.ValFraction+c.Data.TestFraction >= 1 {
		return eris.Errorf("config: val_fraction (%g) + test_fraction (%g) must leave a training split",
			c.Data.ValFraction, c.Data.TestFraction)
	}
	if c.Model.EmbeddingDim <= 0 {
		return eris.Errorf("config: model.embedding_dim must be positive, got %d", c.Model.EmbeddingDim)
	}
	if c.Training.Epochs <= 0 {
		return eris.Errorf("config: training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize <= 0 {
		return eris.Errorf("config: training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.LearningRate <= 0 {
		return eris.Errorf("config: training.learning_rate must be positive, got %g", c.Training.LearningRate)
	}
	for _, level := range geo.Levels {
		if n := c.Clustering.ClustersFor(level); n <= 0 {
			return eris.Errorf("config: clustering %s_clusters must be positive, got %d", level, n)
		}
	}
	if len(c.Evaluation.ThresholdsKm) == 0 {
		return eris.New("config: evaluation.thresholds_km must not be empty")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	return nil
}

// EnsureDirs creates the output directories. Callers invoke this only after
// Load has validated the config.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.System.OutputDir, c.System.CheckpointDir, c.Data.ImageDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "config: create dir %s", dir)
		}
	}
	return nil
}

// ImageSize returns the configured image size as a fixed pair.
func (c *Config) ImageSize() [2]int {
	return [2]int{c.Data.ImageSize[0], c.Data.ImageSize[1]}
}

// LevelWeights maps the per-level loss weights by hierarchy level.
func (c *Config) LevelWeights() map[geo.Level]float64 {
	return map[geo.Level]float64{
		geo.LevelCountry: c.Training.CountryWeight,
		geo.LevelRegion:  c.Training.RegionWeight,
		geo.LevelCity:    c.Training.CityWeight,
		geo.LevelPrecise: c.Training.PreciseWeight,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

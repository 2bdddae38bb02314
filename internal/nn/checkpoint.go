package nn

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/purity-labs/puregeo/internal/geo"
)

// tensorBlob is the gob-friendly form of a parameter matrix.
type tensorBlob struct {
	Rows int
	Cols int
	Data []float64
}

// Checkpoint is the full resumable training state. Weights are keyed by
// parameter name so a structural mismatch is detected at load time instead
// of silently misassigning values.
type Checkpoint struct {
	Epoch             int
	BestValLoss       float64
	BestDistanceError float64

	EmbeddingDim int
	ImageSize    [2]int
	ClassCounts  map[geo.Level]int

	Weights   map[string]tensorBlob
	Optimizer OptimizerState
	Scheduler SchedulerState

	// ConfigYAML is the raw config snapshot the run was started with,
	// kept for provenance.
	ConfigYAML string
}

// Snapshot captures the model weights into the checkpoint.
func (c *Checkpoint) Snapshot(m *Model) {
	params := m.Params()
	c.Weights = make(map[string]tensorBlob, len(params))
	for _, p := range params {
		r, cols := p.Value.Dims()
		data := make([]float64, r*cols)
		copy(data, p.Value.RawMatrix().Data)
		c.Weights[p.Name] = tensorBlob{Rows: r, Cols: cols, Data: data}
	}
}

// Save writes the checkpoint atomically next to the final path.
func (c *Checkpoint) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "nn: create checkpoint %s", filepath.Base(path))
	}
	if err := gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		os.Remove(tmp)
		return eris.Wrap(err, "nn: encode checkpoint")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return eris.Wrap(err, "nn: close checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrapf(err, "nn: finalize checkpoint %s", filepath.Base(path))
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from disk.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "nn: open checkpoint %s", filepath.Base(path))
	}
	defer f.Close()

	var c Checkpoint
	if err := gob.NewDecoder(f).Decode(&c); err != nil {
		return nil, eris.Wrapf(err, "nn: decode checkpoint %s", filepath.Base(path))
	}
	return &c, nil
}

// Compatible verifies the checkpoint was produced by a model of the same
// shape. A class-count or dimension mismatch is a hard error; reusing a
// checkpoint against different clustering output would silently remap
// every class id.
func (c *Checkpoint) Compatible(cfg ModelConfig, imageSize [2]int) error {
	if c.EmbeddingDim != cfg.EmbeddingDim {
		return eris.Errorf("nn: checkpoint embedding dim %d does not match configured %d", c.EmbeddingDim, cfg.EmbeddingDim)
	}
	if c.ImageSize != imageSize {
		return eris.Errorf("nn: checkpoint image size %v does not match configured %v", c.ImageSize, imageSize)
	}
	if len(c.ClassCounts) != len(cfg.ClassCounts) {
		return eris.Errorf("nn: checkpoint has %d class levels, model has %d", len(c.ClassCounts), len(cfg.ClassCounts))
	}
	for level, want := range cfg.ClassCounts {
		got, ok := c.ClassCounts[level]
		if !ok {
			return eris.Errorf("nn: checkpoint missing class counts for level %s", level)
		}
		if got != want {
			return eris.Errorf("nn: checkpoint has %d %s classes, clustering produced %d", got, level, want)
		}
	}
	return nil
}

// LoadState copies checkpoint weights into the model. Every model
// parameter must be present with matching dimensions.
func (m *Model) LoadState(c *Checkpoint) error {
	for _, p := range m.Params() {
		blob, ok := c.Weights[p.Name]
		if !ok {
			return eris.Errorf("nn: checkpoint missing parameter %q", p.Name)
		}
		r, cols := p.Value.Dims()
		if blob.Rows != r || blob.Cols != cols {
			return eris.Errorf("nn: parameter %q is %dx%d in checkpoint, model expects %dx%d",
				p.Name, blob.Rows, blob.Cols, r, cols)
		}
		copy(p.Value.RawMatrix().Data, blob.Data)
	}
	return nil
}

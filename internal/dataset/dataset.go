package dataset

import (
	"context"
	"math/rand/v2"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/purity-labs/puregeo/internal/geo"
)

// LabeledSample is a sample plus its precomputed hierarchical class labels.
// Constructed once at dataset build time and immutable thereafter.
type LabeledSample struct {
	Sample
	Classes map[geo.Level]int
}

// Dataset is an immutable table of labeled samples plus the image loading
// parameters. Augmented tensors are computed lazily at access time and never
// cached, so every epoch sees fresh augmentation.
type Dataset struct {
	rows     []LabeledSample
	imageDir string
	width    int
	height   int
	augment  bool
}

// New builds a Dataset from a filtered table, labeling every row at every
// hierarchy level. The row count is preserved exactly.
func New(table Table, hierarchy geo.Hierarchy, imageDir string, imageSize [2]int, augment bool) (*Dataset, error) {
	if len(table) == 0 {
		return nil, eris.New("dataset: no samples")
	}
	if imageSize[0] <= 0 || imageSize[1] <= 0 {
		return nil, eris.Errorf("dataset: invalid image size %v", imageSize)
	}

	rows := make([]LabeledSample, len(table))
	for i, s := range table {
		classes := make(map[geo.Level]int, len(hierarchy))
		for level, info := range hierarchy {
			classes[level] = info.ClassOf(s.Point())
		}
		rows[i] = LabeledSample{Sample: s, Classes: classes}
	}

	zap.L().Info("dataset labeled",
		zap.Int("rows", len(rows)),
		zap.Int("levels", len(hierarchy)),
		zap.Bool("augment", augment),
	)

	return &Dataset{
		rows:     rows,
		imageDir: imageDir,
		width:    imageSize[0],
		height:   imageSize[1],
		augment:  augment,
	}, nil
}

// Len returns the number of labeled rows.
func (ds *Dataset) Len() int { return len(ds.rows) }

// Rows exposes the labeled rows for evaluation paths that need the raw
// coordinates.
func (ds *Dataset) Rows() []LabeledSample { return ds.rows }

// FeatureDim returns the flattened CHW tensor width per image.
func (ds *Dataset) FeatureDim() int { return 3 * ds.width * ds.height }

// Batch holds one batch of decoded image tensors and their targets.
// LoadFailures counts corrupt images replaced by black placeholder tensors;
// the trainer surfaces the total in its end-of-epoch summary.
type Batch struct {
	Images       *mat.Dense // batch x (3*w*h)
	Coords       *mat.Dense // batch x 2 (lat, lon in degrees)
	Classes      map[geo.Level][]int
	LoadFailures int
}

// Loader yields batches of decoded tensors. Workers decode and augment
// images independently over strictly read-only dataset state; control flow
// stays single-threaded for the caller.
type Loader struct {
	ds        *Dataset
	batchSize int
	workers   int
	dropLast  bool
	order     []int
	epochSeed uint64
}

// NewLoader creates a Loader over ds.
func NewLoader(ds *Dataset, batchSize, workers int, dropLast bool) *Loader {
	if batchSize <= 0 {
		batchSize = 32
	}
	if workers <= 0 {
		workers = 4
	}
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		workers:   workers,
		dropLast:  dropLast,
		order:     order,
	}
}

// Shuffle reshuffles the iteration order for a new epoch. The seed also
// drives per-sample augmentation so an epoch is reproducible.
func (l *Loader) Shuffle(epochSeed uint64) {
	l.epochSeed = epochSeed
	rng := rand.New(rand.NewPCG(epochSeed, epochSeed+1))
	rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	n := len(l.order) / l.batchSize
	if !l.dropLast && len(l.order)%l.batchSize != 0 {
		n++
	}
	return n
}

// Batch decodes batch idx. A corrupt image yields a black placeholder tensor
// and increments LoadFailures rather than aborting the batch.
func (l *Loader) Batch(ctx context.Context, idx int) (*Batch, error) {
	start := idx * l.batchSize
	if start >= len(l.order) {
		return nil, eris.Errorf("dataset: batch index %d out of range", idx)
	}
	end := start + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	indices := l.order[start:end]
	n := len(indices)

	images := mat.NewDense(n, l.ds.FeatureDim(), nil)
	coords := mat.NewDense(n, 2, nil)
	classes := make(map[geo.Level][]int, len(geo.Levels))
	for _, level := range geo.Levels {
		if _, ok := l.ds.rows[0].Classes[level]; ok {
			classes[level] = make([]int, n)
		}
	}

	failures := make([]int, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for pos, rowIdx := range indices {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			row := l.ds.rows[rowIdx]

			var aug *Augmenter
			if l.ds.augment {
				aug = NewAugmenter(l.epochSeed*1_000_003 + uint64(rowIdx))
			}

			tensor, err := LoadTensor(filepath.Join(l.ds.imageDir, row.ImagePath), l.ds.width, l.ds.height, aug)
			if err != nil {
				zap.L().Warn("image load failed, using placeholder",
					zap.String("path", row.ImagePath),
					zap.Error(err),
				)
				failures[pos] = 1
				tensor = make([]float64, l.ds.FeatureDim())
			}
			images.SetRow(pos, tensor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "dataset: batch load cancelled")
	}

	for pos, rowIdx := range indices {
		row := l.ds.rows[rowIdx]
		coords.Set(pos, 0, row.Lat)
		coords.Set(pos, 1, row.Lon)
		for level := range classes {
			classes[level][pos] = row.Classes[level]
		}
	}

	batch := &Batch{Images: images, Coords: coords, Classes: classes}
	for _, f := range failures {
		batch.LoadFailures += f
	}
	return batch, nil
}

// Package dataset collects geotagged image samples from CSV/XLSX exports,
// EXIF-embedded GPS, or remote URLs, and serves batched image tensors for
// training.
package dataset

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/purity-labs/puregeo/internal/geo"
)

// Sample is one geotagged image reference.
type Sample struct {
	ImageID   string  `json:"image_id,omitempty"`
	ImagePath string  `json:"image_path"`
	URL       string  `json:"url,omitempty"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

// Point returns the sample coordinate.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// Table is an ordered collection of samples.
type Table []Sample

// Points extracts the coordinates of all samples.
func (t Table) Points() []geo.Point {
	points := make([]geo.Point, len(t))
	for i, s := range t {
		points[i] = s.Point()
	}
	return points
}

// FilterValid drops samples whose coordinates fall outside the legal domain
// and logs the before/after row counts so operators can gauge dataset health.
func (t Table) FilterValid() Table {
	kept := make(Table, 0, len(t))
	for _, s := range t {
		if s.Point().Valid() {
			kept = append(kept, s)
		}
	}
	if dropped := len(t) - len(kept); dropped > 0 {
		zap.L().Warn("dropped samples with out-of-range coordinates",
			zap.Int("before", len(t)),
			zap.Int("after", len(kept)),
			zap.Int("dropped", dropped),
		)
	}
	return kept
}

// Cap shuffles deterministically and keeps at most maxSamples rows.
func (t Table) Cap(maxSamples int, seed int64) Table {
	if maxSamples <= 0 || len(t) <= maxSamples {
		return t
	}
	shuffled := t.shuffled(seed)
	zap.L().Info("capped dataset", zap.Int("before", len(t)), zap.Int("after", maxSamples))
	return shuffled[:maxSamples]
}

// Split partitions the table into train/validation/test sets using a
// deterministic shuffle. Fractions apply to the full table.
func (t Table) Split(valFrac, testFrac float64, seed int64) (train, val, test Table) {
	shuffled := t.shuffled(seed)

	nTest := int(float64(len(shuffled)) * testFrac)
	nVal := int(float64(len(shuffled)) * valFrac)

	test = shuffled[:nTest]
	val = shuffled[nTest : nTest+nVal]
	train = shuffled[nTest+nVal:]

	zap.L().Info("split dataset",
		zap.Int("train", len(train)),
		zap.Int("val", len(val)),
		zap.Int("test", len(test)),
	)
	return train, val, test
}

func (t Table) shuffled(seed int64) Table {
	out := append(Table(nil), t...)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

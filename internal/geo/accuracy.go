package geo

import (
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

// AccuracyReport holds distance-bucketed prediction accuracy: for each
// threshold, the fraction of predictions within that many kilometers of
// ground truth, plus the mean and median distance error.
type AccuracyReport struct {
	// WithinKm is keyed by threshold (km); values are fractions in [0,1].
	WithinKm map[float64]float64 `json:"within_km"`
	// Thresholds preserves the configured threshold order for reporting.
	Thresholds []float64 `json:"thresholds"`
	MeanKm     float64   `json:"mean_km"`
	MedianKm   float64   `json:"median_km"`
}

// Accuracy computes distance-bucketed accuracy for paired true and predicted
// coordinates. Accuracy is monotonically non-decreasing in the threshold.
func Accuracy(truth, predicted []Point, thresholds []float64) (*AccuracyReport, error) {
	if len(truth) != len(predicted) {
		return nil, eris.Errorf("geo: length mismatch between true (%d) and predicted (%d) coordinates",
			len(truth), len(predicted))
	}
	if len(truth) == 0 {
		return nil, eris.New("geo: no coordinate pairs to evaluate")
	}

	distances := make([]float64, len(truth))
	for i := range truth {
		distances[i] = Haversine(truth[i], predicted[i])
	}

	report := &AccuracyReport{
		WithinKm:   make(map[float64]float64, len(thresholds)),
		Thresholds: thresholds,
	}
	for _, threshold := range thresholds {
		within := 0
		for _, d := range distances {
			if d <= threshold {
				within++
			}
		}
		report.WithinKm[threshold] = float64(within) / float64(len(distances))
	}

	report.MeanKm = stat.Mean(distances, nil)

	sorted := append([]float64(nil), distances...)
	sort.Float64s(sorted)
	report.MedianKm = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	return report, nil
}

package geo

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Level identifies one scale of the geographic hierarchy.
type Level string

const (
	LevelCountry Level = "country"
	LevelRegion  Level = "region"
	LevelCity    Level = "city"
	LevelPrecise Level = "precise"
)

// Levels lists the hierarchy levels from coarsest to finest.
var Levels = []Level{LevelCountry, LevelRegion, LevelCity, LevelPrecise}

// ClusteringConfig holds the per-level cluster counts and method.
type ClusteringConfig struct {
	Method          string `yaml:"method" mapstructure:"method"`
	CountryClusters int    `yaml:"country_clusters" mapstructure:"country_clusters"`
	RegionClusters  int    `yaml:"region_clusters" mapstructure:"region_clusters"`
	CityClusters    int    `yaml:"city_clusters" mapstructure:"city_clusters"`
	PreciseClusters int    `yaml:"precise_clusters" mapstructure:"precise_clusters"`
	Seed            int64  `yaml:"seed" mapstructure:"seed"`
}

// ClustersFor returns the configured cluster count for a level.
func (c ClusteringConfig) ClustersFor(level Level) int {
	switch level {
	case LevelCountry:
		return c.CountryClusters
	case LevelRegion:
		return c.RegionClusters
	case LevelCity:
		return c.CityClusters
	case LevelPrecise:
		return c.PreciseClusters
	}
	return 0
}

// LevelInfo is one fitted clustering level: its centroids, the assignment of
// every training coordinate, and a read-only spatial index for lookups of
// unseen coordinates. Immutable once built.
type LevelInfo struct {
	NumClusters int     `json:"num_clusters"`
	Method      string  `json:"method"`
	Centroids   []Point `json:"centroids"`
	// TrainCoords and Assignments record the coordinate→cluster mapping for
	// the points the level was fitted on, index-aligned.
	TrainCoords []Point `json:"train_coords"`
	Assignments []int   `json:"assignments"`

	exact map[Point]int
	index *kdNode
}

// Hierarchy maps each level to its fitted clustering.
type Hierarchy map[Level]*LevelInfo

// Cluster fits a single clustering level over the given coordinates. A
// requested count larger than the number of distinct coordinates is silently
// reduced to that count.
func Cluster(points []Point, k int, method string, seed int64) (*LevelInfo, error) {
	if method != "" && method != "kmeans" {
		return nil, eris.Errorf("geo: clustering method %q not implemented", method)
	}
	if distinct := distinctCount(points); k > distinct {
		k = distinct
	}

	centroids, assignments, err := kmeans(points, k, seed)
	if err != nil {
		return nil, err
	}

	info := &LevelInfo{
		NumClusters: k,
		Method:      "kmeans",
		Centroids:   centroids,
		TrainCoords: points,
		Assignments: assignments,
	}
	info.buildLookups()
	return info, nil
}

// BuildHierarchy fits all four levels over the full coordinate set.
func BuildHierarchy(points []Point, cfg ClusteringConfig) (Hierarchy, error) {
	log := zap.L().With(zap.String("component", "geo.hierarchy"))

	h := make(Hierarchy, len(Levels))
	for _, level := range Levels {
		k := cfg.ClustersFor(level)
		if k <= 0 {
			return nil, eris.Errorf("geo: %s_clusters must be positive, got %d", level, k)
		}

		log.Info("fitting clustering level",
			zap.String("level", string(level)),
			zap.Int("requested_clusters", k),
			zap.Int("points", len(points)),
		)

		info, err := Cluster(points, k, cfg.Method, cfg.Seed)
		if err != nil {
			return nil, eris.Wrapf(err, "geo: fit %s level", level)
		}
		if info.NumClusters < k {
			log.Warn("reduced cluster count to distinct coordinate count",
				zap.String("level", string(level)),
				zap.Int("requested", k),
				zap.Int("actual", info.NumClusters),
			)
		}
		h[level] = info
	}
	return h, nil
}

// buildLookups populates the exact-match map and the centroid kd-tree.
func (li *LevelInfo) buildLookups() {
	li.exact = make(map[Point]int, len(li.TrainCoords))
	for i, p := range li.TrainCoords {
		if _, ok := li.exact[p]; !ok {
			li.exact[p] = li.Assignments[i]
		}
	}
	li.index = buildCentroidIndex(li.Centroids)
}

// ClassOf returns the cluster id of a coordinate: the fitted assignment when
// the coordinate was part of training, otherwise the nearest centroid by
// haversine distance. Ties resolve to the lowest centroid id.
func (li *LevelInfo) ClassOf(p Point) int {
	if class, ok := li.exact[p]; ok {
		return class
	}
	class, _ := li.index.nearest(p)
	return class
}

// CoordOf returns the centroid for a cluster id. Unknown ids are an error:
// they indicate an incompatible clustering/model pairing and defaulting
// would corrupt geographic predictions.
func (li *LevelInfo) CoordOf(class int) (Point, error) {
	if class < 0 || class >= len(li.Centroids) {
		return Point{}, eris.Errorf("geo: unknown cluster class id %d (level has %d clusters)", class, len(li.Centroids))
	}
	return li.Centroids[class], nil
}

// ClassCounts returns the per-level class counts, the structural contract a
// model checkpoint must match.
func (h Hierarchy) ClassCounts() map[Level]int {
	counts := make(map[Level]int, len(h))
	for level, info := range h {
		counts[level] = info.NumClusters
	}
	return counts
}

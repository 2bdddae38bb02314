package geo

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// infoFile is the on-disk shape of a saved hierarchy: per-level cluster
// parameters, centroids, and the training-coordinate assignments. Produced
// once per dataset and reused by training and inference.
type infoFile struct {
	Levels map[Level]*LevelInfo `json:"levels"`
}

// Save writes the hierarchy to a JSON clustering-info file.
func (h Hierarchy) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "geo: create clustering info dir")
	}

	data, err := json.Marshal(infoFile{Levels: h})
	if err != nil {
		return eris.Wrap(err, "geo: marshal clustering info")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "geo: write clustering info")
	}

	zap.L().Info("clustering info saved", zap.String("path", path))
	return nil
}

// LoadHierarchy reads a clustering-info file and rebuilds the lookup
// structures for every level.
func LoadHierarchy(path string) (Hierarchy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: read clustering info %s", path)
	}

	var f infoFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "geo: unmarshal clustering info")
	}
	if len(f.Levels) == 0 {
		return nil, eris.Errorf("geo: clustering info %s has no levels", path)
	}

	for level, info := range f.Levels {
		if len(info.Centroids) != info.NumClusters {
			return nil, eris.Errorf("geo: level %s has %d centroids but num_clusters=%d",
				level, len(info.Centroids), info.NumClusters)
		}
		if len(info.TrainCoords) != len(info.Assignments) {
			return nil, eris.Errorf("geo: level %s has %d coords but %d assignments",
				level, len(info.TrainCoords), len(info.Assignments))
		}
		info.buildLookups()
	}

	zap.L().Info("clustering info loaded", zap.String("path", path), zap.Int("levels", len(f.Levels)))
	return Hierarchy(f.Levels), nil
}

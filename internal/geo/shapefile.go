package geo

import (
	"sort"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ExportCentroids writes every level's cluster centroids to a point
// shapefile with LEVEL and CLASS attributes, for inspection in GIS tools.
func ExportCentroids(h Hierarchy, path string) error {
	if len(h) == 0 {
		return eris.New("geo: empty hierarchy")
	}

	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		return eris.Wrapf(err, "geo: create shapefile %s", path)
	}
	defer w.Close()

	w.SetFields([]shp.Field{
		shp.StringField("LEVEL", 10),
		shp.NumberField("CLASS", 10),
	})

	levels := make([]Level, 0, len(h))
	for level := range h {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	written := 0
	for _, level := range levels {
		for class, c := range h[level].Centroids {
			row := int(w.Write(&shp.Point{X: c.Lon, Y: c.Lat}))
			if err := w.WriteAttribute(row, 0, string(level)); err != nil {
				return eris.Wrap(err, "geo: write level attribute")
			}
			if err := w.WriteAttribute(row, 1, class); err != nil {
				return eris.Wrap(err, "geo: write class attribute")
			}
			written++
		}
	}

	zap.L().Info("exported centroids",
		zap.String("path", path),
		zap.Int("points", written))
	return nil
}

package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/purity-labs/puregeo/pkg/exifgps"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tiff": true,
	".tif":  true,
}

// ExtractEXIFDir walks a directory of images and builds a table from their
// embedded GPS tags. Images without GPS tags are silently excluded; images
// that fail to read are skipped with a warning.
func ExtractEXIFDir(dir string) (Table, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: read image dir %s", dir)
	}

	log := zap.L().With(zap.String("component", "dataset.exif"))

	var table Table
	scanned := 0
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		scanned++

		path := filepath.Join(dir, entry.Name())
		lat, lon, err := exifgps.Extract(path)
		if err != nil {
			if !eris.Is(err, exifgps.ErrNoGPS) {
				log.Warn("skipping unreadable image", zap.String("path", path), zap.Error(err))
			}
			continue
		}

		table = append(table, Sample{
			ImagePath: entry.Name(),
			Lat:       lat,
			Lon:       lon,
		})
	}

	log.Info("extracted exif gps data",
		zap.String("dir", dir),
		zap.Int("scanned", scanned),
		zap.Int("geotagged", len(table)),
	)
	return table.FilterValid(), nil
}

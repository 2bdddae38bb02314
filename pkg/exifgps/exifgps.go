// Package exifgps extracts GPS coordinates from image EXIF metadata. Two
// independent EXIF libraries are tried in sequence and the first that yields
// GPS tags wins, since real-world camera metadata is inconsistent enough
// that either library alone misses files the other can read.
package exifgps

import (
	"os"

	exifv3 "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/rotisserie/eris"
	"github.com/rwcarlsen/goexif/exif"
)

// ErrNoGPS reports that an image carries no usable GPS tags. Callers treat
// this as "skip the image", not as a failure.
var ErrNoGPS = eris.New("exifgps: no gps tags")

// Extract returns the decimal-degree latitude and longitude embedded in the
// image at path, or ErrNoGPS when neither library finds GPS tags.
func Extract(path string) (lat, lon float64, err error) {
	if lat, lon, err = extractGoexif(path); err == nil {
		return lat, lon, nil
	}
	if lat, lon, err = extractDsoprea(path); err == nil {
		return lat, lon, nil
	}
	return 0, 0, ErrNoGPS
}

// Orientation returns the EXIF orientation tag value (1-8), defaulting to 1
// (upright) when the tag is absent or unreadable.
func Orientation(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func extractGoexif(path string) (float64, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: open image")
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: decode exif")
	}
	lat, lon, err := x.LatLong()
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: read lat/long tags")
	}
	return lat, lon, nil
}

func extractDsoprea(path string) (float64, float64, error) {
	raw, err := exifv3.SearchFileAndExtractExif(path)
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: locate exif block")
	}

	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: build ifd mapping")
	}
	ti := exifv3.NewTagIndex()

	_, index, err := exifv3.Collect(im, ti, raw)
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: collect ifds")
	}

	ifd, err := index.RootIfd.ChildWithIfdPath(exifcommon.IfdGpsInfoStandardIfdIdentity)
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: find gps ifd")
	}
	gi, err := ifd.GpsInfo()
	if err != nil {
		return 0, 0, eris.Wrap(err, "exifgps: parse gps info")
	}
	return gi.Latitude.Decimal(), gi.Longitude.Decimal(), nil
}

package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// LoadFlickrCSV parses a Flickr-style tab-separated export. The columns
// latitude, longitude, and photo_id are remapped to the internal schema;
// rows with unparsable or out-of-range coordinates are dropped with logged
// counts.
func LoadFlickrCSV(path, charset string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open flickr csv %s", path)
	}
	defer f.Close()

	r, err := charsetReader(f, charset)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read flickr header")
	}
	cols := headerIndex(header)

	required := []string{"latitude", "longitude"}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, eris.Errorf("dataset: flickr csv missing column %q", name)
		}
	}

	var table Table
	parsed := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "dataset: read flickr row")
		}
		parsed++

		lat, latOK := parseField(record, cols, "latitude")
		lon, lonOK := parseField(record, cols, "longitude")
		if !latOK || !lonOK {
			continue
		}

		s := Sample{Lat: lat, Lon: lon}
		if i, ok := cols["photo_id"]; ok && i < len(record) {
			s.ImageID = record[i]
			s.ImagePath = s.ImageID + ".jpg"
		}
		if i, ok := cols["url"]; ok && i < len(record) {
			s.URL = record[i]
		}
		table = append(table, s)
	}

	zap.L().Info("loaded flickr export",
		zap.String("path", path),
		zap.Int("rows", parsed),
		zap.Int("geotagged", len(table)),
	)
	return table.FilterValid(), nil
}

// LoadCustom reads a custom coordinate table from a CSV or XLSX file.
// Required columns: image_path, lat, lon; extra columns are ignored and a
// missing required column is an error.
func LoadCustom(path, charset string) (Table, error) {
	var rows [][]string
	var err error
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		rows, err = readXLSXRows(path)
	} else {
		rows, err = readCSVRows(path, charset)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("dataset: %s is empty", path)
	}

	cols := headerIndex(rows[0])
	for _, name := range []string{"image_path", "lat", "lon"} {
		if _, ok := cols[name]; !ok {
			return nil, eris.Errorf("dataset: custom table missing required column %q", name)
		}
	}

	var table Table
	for _, record := range rows[1:] {
		lat, latOK := parseField(record, cols, "lat")
		lon, lonOK := parseField(record, cols, "lon")
		pathIdx := cols["image_path"]
		if !latOK || !lonOK || pathIdx >= len(record) || record[pathIdx] == "" {
			continue
		}
		s := Sample{ImagePath: record[pathIdx], Lat: lat, Lon: lon}
		if i, ok := cols["url"]; ok && i < len(record) {
			s.URL = record[i]
		}
		table = append(table, s)
	}

	zap.L().Info("loaded custom table",
		zap.String("path", path),
		zap.Int("rows", len(rows)-1),
		zap.Int("usable", len(table)),
	)
	return table.FilterValid(), nil
}

func readCSVRows(path, charset string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open csv %s", path)
	}
	defer f.Close()

	r, err := charsetReader(f, charset)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read csv rows")
	}
	return rows, nil
}

func readXLSXRows(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open xlsx %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("dataset: xlsx %s has no sheets", path)
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// charsetReader wraps r with a decoder for the named charset. Empty or UTF-8
// charsets pass through untouched.
func charsetReader(r io.Reader, charset string) (io.Reader, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: unknown charset %q", charset)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func parseField(record []string, cols map[string]int, name string) (float64, bool) {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

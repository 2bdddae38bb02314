package geo

import (
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCentroidsRoundTrip(t *testing.T) {
	points := []Point{
		{Lat: 25.0, Lon: 55.0},
		{Lat: 45.5, Lon: -122.5},
		{Lat: 40.7, Lon: -74.0},
		{Lat: 21.3, Lon: -157.8},
		{Lat: 46.5, Lon: 7.7},
	}
	h, err := BuildHierarchy(points, ClusteringConfig{
		Method:          "kmeans",
		CountryClusters: 2,
		RegionClusters:  3,
		CityClusters:    4,
		PreciseClusters: 5,
		Seed:            42,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "centroids.shp")
	require.NoError(t, ExportCentroids(h, path))

	r, err := shp.Open(path)
	require.NoError(t, err)
	defer r.Close()

	want := 0
	for _, info := range h {
		want += len(info.Centroids)
	}

	got := 0
	for r.Next() {
		_, shape := r.Shape()
		p, ok := shape.(*shp.Point)
		require.True(t, ok)
		assert.GreaterOrEqual(t, p.Y, -90.0)
		assert.LessOrEqual(t, p.Y, 90.0)
		got++
	}
	assert.Equal(t, want, got)
}

func TestExportCentroidsEmptyHierarchy(t *testing.T) {
	err := ExportCentroids(Hierarchy{}, filepath.Join(t.TempDir(), "x.shp"))
	require.Error(t, err)
}

package geo

import (
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
)

const (
	maxKMeansIterations = 300
	convergenceEpsilon  = 1e-7
)

// kmeans partitions points into k clusters using k-means++ seeding followed
// by Lloyd's iterations in plain lat/lon space, matching how the training
// label space is defined. Returns the centroids and per-point assignments.
func kmeans(points []Point, k int, seed int64) ([]Point, []int, error) {
	if k <= 0 {
		return nil, nil, eris.Errorf("geo: cluster count must be positive, got %d", k)
	}
	if len(points) == 0 {
		return nil, nil, eris.New("geo: no points to cluster")
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1))
	centroids := seedCentroids(points, k, rng)
	assignments := make([]int, len(points))

	for iter := 0; iter < maxKMeansIterations; iter++ {
		// Assignment step.
		for i, p := range points {
			assignments[i] = nearestSquared(p, centroids)
		}

		// Update step.
		next := make([]Point, len(centroids))
		counts := make([]int, len(centroids))
		for i, p := range points {
			c := assignments[i]
			next[c].Lat += p.Lat
			next[c].Lon += p.Lon
			counts[c]++
		}

		shift := 0.0
		for c := range next {
			if counts[c] == 0 {
				// Empty cluster: reseed on the point farthest from its centroid.
				next[c] = points[farthestPoint(points, assignments, centroids)]
			} else {
				next[c].Lat /= float64(counts[c])
				next[c].Lon /= float64(counts[c])
			}
			shift += squaredDegrees(centroids[c], next[c])
		}
		centroids = next

		if shift < convergenceEpsilon {
			break
		}
	}

	// Final assignment against the converged centroids.
	for i, p := range points {
		assignments[i] = nearestSquared(p, centroids)
	}

	return centroids, assignments, nil
}

// seedCentroids picks initial centroids with k-means++ weighting.
func seedCentroids(points []Point, k int, rng *rand.Rand) []Point {
	centroids := make([]Point, 0, k)
	centroids = append(centroids, points[rng.IntN(len(points))])

	dist := make([]float64, len(points))
	for len(centroids) < k {
		for i, p := range points {
			best := math.MaxFloat64
			for _, c := range centroids {
				if d := squaredDegrees(p, c); d < best {
					best = d
				}
			}
			dist[i] = best
		}
		total := floats.Sum(dist)
		if total == 0 {
			// All remaining points coincide with existing centroids.
			centroids = append(centroids, points[rng.IntN(len(points))])
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		chosen := len(points) - 1
		for i, d := range dist {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, points[chosen])
	}
	return centroids
}

func nearestSquared(p Point, centroids []Point) int {
	best := 0
	bestD := math.MaxFloat64
	for i, c := range centroids {
		if d := squaredDegrees(p, c); d < bestD {
			bestD = d
			best = i
		}
	}
	return best
}

func farthestPoint(points []Point, assignments []int, centroids []Point) int {
	worst := 0
	worstD := -1.0
	for i, p := range points {
		if d := squaredDegrees(p, centroids[assignments[i]]); d > worstD {
			worstD = d
			worst = i
		}
	}
	return worst
}

func squaredDegrees(a, b Point) float64 {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return dLat*dLat + dLon*dLon
}

// distinctCount returns the number of unique coordinates in points.
func distinctCount(points []Point) int {
	seen := make(map[Point]struct{}, len(points))
	for _, p := range points {
		seen[p] = struct{}{}
	}
	return len(seen)
}

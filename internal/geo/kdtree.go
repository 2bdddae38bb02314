package geo

import "math"

// kdNode is a node of a 3-d tree over cluster centroids embedded on the
// unit sphere. Searching in chord space keeps axis pruning exact: the
// straight-line distance to a splitting plane never exceeds the chord to
// any point behind it, with no antimeridian or latitude special cases.
// Built once per level and read-only afterwards, so concurrent lookups
// from data-loader workers need no locking.
type kdNode struct {
	vec   [3]float64
	id    int
	axis  int // 0: x, 1: y, 2: z
	left  *kdNode
	right *kdNode
}

type indexedVec struct {
	vec [3]float64
	id  int
}

// unitVec projects a lat/lon point onto the unit sphere.
func unitVec(p Point) [3]float64 {
	lat := p.Lat * math.Pi / 180
	lon := p.Lon * math.Pi / 180
	return [3]float64{
		math.Cos(lat) * math.Cos(lon),
		math.Cos(lat) * math.Sin(lon),
		math.Sin(lat),
	}
}

func buildCentroidIndex(centroids []Point) *kdNode {
	pts := make([]indexedVec, len(centroids))
	for i, c := range centroids {
		pts[i] = indexedVec{vec: unitVec(c), id: i}
	}
	return buildKD(pts, 0)
}

func buildKD(pts []indexedVec, depth int) *kdNode {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 3
	mid := len(pts) / 2
	selectNth(pts, mid, axis)
	node := &kdNode{vec: pts[mid].vec, id: pts[mid].id, axis: axis}
	node.left = buildKD(pts[:mid], depth+1)
	node.right = buildKD(pts[mid+1:], depth+1)
	return node
}

// selectNth partitions pts in place so the nth element is in its sorted
// position along the given axis (quickselect).
func selectNth(pts []indexedVec, n, axis int) {
	lo, hi := 0, len(pts)-1
	for lo < hi {
		p := partitionKD(pts, lo, hi, (lo+hi)/2, axis)
		switch {
		case p == n:
			return
		case n < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

func partitionKD(pts []indexedVec, lo, hi, pivot, axis int) int {
	pv := pts[pivot]
	pts[pivot], pts[hi] = pts[hi], pts[pivot]
	i := lo
	for j := lo; j < hi; j++ {
		if pts[j].vec[axis] < pv.vec[axis] {
			pts[i], pts[j] = pts[j], pts[i]
			i++
		}
	}
	pts[i], pts[hi] = pts[hi], pts[i]
	return i
}

func chordSq(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}

// nearest returns the id and haversine distance (km) of the centroid closest
// to p. Chord distance on the unit sphere is monotone in great-circle
// distance, so the chord minimum is the haversine minimum. Equal distances
// keep the lowest centroid id so lookups are deterministic regardless of
// tree shape.
func (n *kdNode) nearest(p Point) (int, float64) {
	q := unitVec(p)
	bestID := -1
	bestSq := math.MaxFloat64

	var walk func(node *kdNode)
	walk = func(node *kdNode) {
		if node == nil {
			return
		}
		d := chordSq(q, node.vec)
		if d < bestSq || (d == bestSq && node.id < bestID) {
			bestSq = d
			bestID = node.id
		}

		delta := q[node.axis] - node.vec[node.axis]
		first, second := node.left, node.right
		if delta > 0 {
			first, second = node.right, node.left
		}
		walk(first)
		// The far subtree is at least |delta| away in chord distance.
		if delta*delta <= bestSq {
			walk(second)
		}
	}
	walk(n)

	half := math.Sqrt(bestSq) / 2
	if half > 1 {
		half = 1
	}
	return bestID, 2 * earthRadiusKm * math.Asin(half)
}

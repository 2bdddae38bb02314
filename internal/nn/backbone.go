package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Backbone reduces a batch of flattened CHW image tensors to fixed-size
// feature embeddings. Any extractor with a stable Dim plugs in; the trunk
// and heads only depend on that dimension.
type Backbone interface {
	Features(images *mat.Dense) *mat.Dense
	Dim() int
}

// PatchBackbone is a deterministic feature extractor: it divides each
// channel plane into a grid of patches and emits per-patch mean and standard
// deviation. It is not trainable, which keeps the optimization surface in
// the trunk and heads.
type PatchBackbone struct {
	width  int
	height int
	grid   int
}

// NewPatchBackbone creates a PatchBackbone for images of the given size.
func NewPatchBackbone(width, height, grid int) *PatchBackbone {
	if grid <= 0 {
		grid = 8
	}
	if grid > width {
		grid = width
	}
	if grid > height {
		grid = height
	}
	return &PatchBackbone{width: width, height: height, grid: grid}
}

// Dim returns the feature dimension: grid² patches × 3 channels × 2 stats.
func (b *PatchBackbone) Dim() int {
	return b.grid * b.grid * 3 * 2
}

// Features computes the patch statistics for every image in the batch.
func (b *PatchBackbone) Features(images *mat.Dense) *mat.Dense {
	n, _ := images.Dims()
	out := mat.NewDense(n, b.Dim(), nil)

	plane := b.width * b.height
	for row := 0; row < n; row++ {
		pixels := images.RawRowView(row)
		f := 0
		for c := 0; c < 3; c++ {
			channel := pixels[c*plane : (c+1)*plane]
			for gy := 0; gy < b.grid; gy++ {
				for gx := 0; gx < b.grid; gx++ {
					mean, std := b.patchStats(channel, gx, gy)
					out.Set(row, f, mean)
					out.Set(row, f+1, std)
					f += 2
				}
			}
		}
	}
	return out
}

func (b *PatchBackbone) patchStats(channel []float64, gx, gy int) (mean, std float64) {
	x0 := gx * b.width / b.grid
	x1 := (gx + 1) * b.width / b.grid
	y0 := gy * b.height / b.grid
	y1 := (gy + 1) * b.height / b.grid

	count := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			mean += channel[y*b.width+x]
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	mean /= float64(count)

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			d := channel[y*b.width+x] - mean
			std += d * d
		}
	}
	return mean, math.Sqrt(std / float64(count))
}

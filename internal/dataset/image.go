package dataset

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand/v2"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/purity-labs/puregeo/pkg/exifgps"
)

// ImageNet channel statistics used to normalize pixel values, matching the
// distribution the backbone's feature statistics assume.
var (
	channelMean = [3]float64{0.485, 0.456, 0.406}
	channelStd  = [3]float64{0.229, 0.224, 0.225}
)

// Augmenter applies training-time augmentation: random resized crop,
// horizontal flip, and brightness/contrast jitter. One Augmenter is built
// per sample so loader workers never share mutable state.
type Augmenter struct {
	rng *rand.Rand
}

// NewAugmenter creates an Augmenter seeded deterministically.
func NewAugmenter(seed uint64) *Augmenter {
	return &Augmenter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// LoadTensor decodes the image at path, corrects EXIF orientation, resizes
// (or random-crops when aug is non-nil), and returns a normalized CHW tensor
// of length 3*width*height.
func LoadTensor(path string, width, height int, aug *Augmenter) ([]float64, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}

	// Orientation correction happens before any transform.
	img = applyOrientation(img, exifgps.Orientation(path))

	if aug != nil {
		img = aug.randomResizedCrop(img)
		if aug.rng.Float64() < 0.5 {
			img = flipHorizontal(img)
		}
	}

	rgba := resizeRGBA(img, width, height)

	brightness, contrast := 0.0, 1.0
	if aug != nil {
		brightness = (aug.rng.Float64()*2 - 1) * 0.2
		contrast = 1 + (aug.rng.Float64()*2-1)*0.2
	}

	return toTensor(rgba, width, height, brightness, contrast), nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: decode image %s", path)
	}
	return img, nil
}

// randomResizedCrop keeps a random 80-100% area sub-rectangle.
func (a *Augmenter) randomResizedCrop(img image.Image) image.Image {
	b := img.Bounds()
	scale := 0.8 + a.rng.Float64()*0.2
	cw := int(float64(b.Dx()) * scale)
	ch := int(float64(b.Dy()) * scale)
	if cw < 1 || ch < 1 {
		return img
	}
	x0 := b.Min.X + a.rng.IntN(b.Dx()-cw+1)
	y0 := b.Min.Y + a.rng.IntN(b.Dy()-ch+1)

	cropped := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(cropped, cropped.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return cropped
}

func flipHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

func resizeRGBA(img image.Image, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out
}

// toTensor converts an RGBA image to a normalized CHW float64 slice,
// applying optional brightness/contrast jitter in pixel space first.
func toTensor(img *image.RGBA, width, height int, brightness, contrast float64) []float64 {
	tensor := make([]float64, 3*width*height)
	plane := width * height

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(img.Pix[i+c]) / 255.0
				v = (v-0.5)*contrast + 0.5 + brightness
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				tensor[c*plane+y*width+x] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}
	return tensor
}

// applyOrientation maps the eight EXIF orientation cases onto the upright
// image.
func applyOrientation(img image.Image, orientation int) image.Image {
	if orientation <= 1 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var out *image.RGBA
	set := func(dst *image.RGBA, fn func(x, y int) (int, int)) {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := fn(x, y)
				dst.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	}

	switch orientation {
	case 2: // mirror horizontal
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		set(out, func(x, y int) (int, int) { return w - 1 - x, y })
	case 3: // rotate 180
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		set(out, func(x, y int) (int, int) { return w - 1 - x, h - 1 - y })
	case 4: // mirror vertical
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		set(out, func(x, y int) (int, int) { return x, h - 1 - y })
	case 5: // mirror horizontal, rotate 270 CW
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		set(out, func(x, y int) (int, int) { return y, x })
	case 6: // rotate 90 CW
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		set(out, func(x, y int) (int, int) { return h - 1 - y, x })
	case 7: // mirror horizontal, rotate 90 CW
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		set(out, func(x, y int) (int, int) { return h - 1 - y, w - 1 - x })
	case 8: // rotate 270 CW
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		set(out, func(x, y int) (int, int) { return y, w - 1 - x })
	default:
		return img
	}
	return out
}

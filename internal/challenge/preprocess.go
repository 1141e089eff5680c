package challenge

import (
	"image"
	"image/color"
	"image/draw"
)

// Preprocessing defaults. The captcha noise is mostly single-pixel specks and
// thin strokes; a 3×3 closing then opening removes them without eroding the
// glyphs, and a local mean threshold copes with the uneven background.
const (
	DefaultBlockSize = 11
	DefaultOffset    = 4
)

// PreprocessOptions tunes Preprocess.
type PreprocessOptions struct {
	// BlockSize is the odd side length of the adaptive-threshold window.
	BlockSize int

	// Offset is subtracted from the local mean to form the threshold.
	Offset int
}

// DefaultPreprocessOptions returns the tuned defaults.
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{BlockSize: DefaultBlockSize, Offset: DefaultOffset}
}

// Preprocess converts a challenge image to a binary image with glyph pixels
// white (255) on black: grayscale, 3×3 morphological closing, 3×3 opening,
// then inverted adaptive mean thresholding.
func Preprocess(img image.Image, opts PreprocessOptions) *image.Gray {
	if opts.BlockSize < 3 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize%2 == 0 {
		opts.BlockSize++
	}

	gray := Grayscale(img)
	closed := Close3(gray)
	opened := Open3(closed)
	return AdaptiveThresholdInv(opened, opts.BlockSize, opts.Offset)
}

// Grayscale converts img to a single-channel intensity image whose bounds
// start at the origin.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Close3 is a 3×3 dilation followed by a 3×3 erosion. It fills dark specks
// smaller than the structuring element.
func Close3(src *image.Gray) *image.Gray {
	return morph3(morph3(src, maxOf), minOf)
}

// Open3 is a 3×3 erosion followed by a 3×3 dilation. It removes bright specks
// smaller than the structuring element.
func Open3(src *image.Gray) *image.Gray {
	return morph3(morph3(src, minOf), maxOf)
}

func maxOf(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func minOf(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

// morph3 applies pick over each pixel's in-bounds 3×3 neighbourhood. Ignoring
// out-of-bounds neighbours is equivalent to replicating the border for
// min and max.
func morph3(src *image.Gray, pick func(a, b uint8) uint8) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := src.GrayAt(x, y).Y
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					v = pick(v, src.GrayAt(p.X, p.Y).Y)
				}
			}
			dst.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return dst
}

// AdaptiveThresholdInv sets a pixel to 0 when it is brighter than the mean of
// its block×block neighbourhood minus offset, and to 255 otherwise. Windows
// are clipped at the image edge and averaged over the pixels they cover.
func AdaptiveThresholdInv(src *image.Gray, block, offset int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	if w == 0 || h == 0 {
		return dst
	}

	// Summed-area table with a zero row and column.
	sat := make([]int, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := 0
		for x := 0; x < w; x++ {
			row += int(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			sat[(y+1)*(w+1)+x+1] = sat[y*(w+1)+x+1] + row
		}
	}

	r := block / 2
	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			sum := sat[y1*(w+1)+x1] - sat[y0*(w+1)+x1] - sat[y1*(w+1)+x0] + sat[y0*(w+1)+x0]
			n := (y1 - y0) * (x1 - x0)
			// Compare v > mean-offset as v*n > sum-offset*n to stay in integers.
			v := int(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			out := uint8(255)
			if v*n > sum-offset*n {
				out = 0
			}
			dst.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: out})
		}
	}
	return dst
}

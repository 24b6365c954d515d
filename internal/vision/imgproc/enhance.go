// Package imgproc holds the pure-Go plate enhancement and frame annotation
// used when OpenCV is not wanted. It mirrors the OpenCV path step by step.
package imgproc

import (
	"errors"
	"image"
	"image/draw"

	"github.com/sunshineplan/imgconv"
)

const DefaultScale = 3

var errEmptyImage = errors.New("empty image")

// sharpenKernel is the 3x3 kernel [-1 -1 -1; -1 9 -1; -1 -1 -1].
var sharpenKernel = [3][3]int{
	{-1, -1, -1},
	{-1, 9, -1},
	{-1, -1, -1},
}

// Enhancer converts a plate crop to grayscale, upscales it, sharpens it and
// binarises it with Otsu's threshold.
type Enhancer struct {
	Scale int
}

func NewEnhancer(scale int) *Enhancer {
	if scale < 1 {
		scale = DefaultScale
	}
	return &Enhancer{Scale: scale}
}

func (e *Enhancer) Enhance(img image.Image) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errEmptyImage
	}

	gray := Grayscale(img)
	b := gray.Bounds()
	if e.Scale > 1 {
		resized := imgconv.Resize(gray, &imgconv.ResizeOption{
			Width:  b.Dx() * e.Scale,
			Height: b.Dy() * e.Scale,
		})
		gray = Grayscale(resized)
	}

	sharp := Sharpen(gray)
	return Binarize(sharp, OtsuThreshold(sharp)), nil
}

// Grayscale returns img as a zero-origin *image.Gray.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Sharpen convolves src with the sharpening kernel, replicating edge pixels
// and saturating the result to [0, 255].
func Sharpen(src *image.Gray) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	// Pix[0] is the pixel at Rect.Min, so offsets are relative to it
	at := func(x, y int) int {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return int(src.Pix[y*src.Stride+x])
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sum += sharpenKernel[ky+1][kx+1] * at(x+kx, y+ky)
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8(min(max(sum, 0), 255))
		}
	}
	return dst
}

// OtsuThreshold picks the threshold that maximises between-class variance.
func OtsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[img.GrayAt(x, y).Y]++
		}
	}

	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	sumAll := 0.0
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var (
		sumB, best float64
		wB         int
		threshold  uint8
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// Binarize maps pixels above t to white and the rest to black.
func Binarize(img *image.Gray, t uint8) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y > t {
				out.Pix[(y-b.Min.Y)*out.Stride+(x-b.Min.X)] = 255
			}
		}
	}
	return out
}

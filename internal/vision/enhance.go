package vision

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/anpr"
)

// Enhancer prepares a plate crop for OCR: grayscale, cubic upscale, 3x3
// sharpen, Otsu binarisation.
type Enhancer struct {
	scale float64
}

func NewEnhancer(scale int) *Enhancer {
	if scale < 1 {
		scale = 3
	}
	return &Enhancer{scale: float64(scale)}
}

func (e *Enhancer) Enhance(img image.Image) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	src, err := toMat(img)
	if err != nil {
		return nil, fmt.Errorf("convert crop: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if err := gocv.CvtColor(src, &gray, gocv.ColorBGRToGray); err != nil {
		return nil, fmt.Errorf("grayscale: %w", err)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	if err := gocv.Resize(gray, &resized, image.Point{}, e.scale, e.scale, gocv.InterpolationCubic); err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}

	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			kernel.SetFloatAt(r, c, -1)
		}
	}
	kernel.SetFloatAt(1, 1, 9)

	sharp := gocv.NewMat()
	defer sharp.Close()
	if err := gocv.Filter2D(resized, &sharp, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault); err != nil {
		return nil, fmt.Errorf("sharpen: %w", err)
	}

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(sharp, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	if binary.Empty() {
		return nil, errors.New("threshold produced an empty image")
	}

	return binary.ToImage()
}

// toMat converts img to a BGR Mat. gocv reads an *image.RGBA's Pix as packed
// rows, so sub-images sharing a wider parent are copied first.
func toMat(img image.Image) (gocv.Mat, error) {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride != 4*rgba.Bounds().Dx() {
		packed := image.NewRGBA(rgba.Bounds())
		draw.Draw(packed, packed.Bounds(), rgba, rgba.Bounds().Min, draw.Src)
		img = packed
	}
	return gocv.ImageToMatRGB(img)
}

var _ anpr.Enhancer = (*Enhancer)(nil)

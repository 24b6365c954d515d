package imgproc

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"

	"github.com/sunshineplan/imgconv"

	"parking-anpr/internal/pipeline"
)

var overlayColors = map[pipeline.OverlayState]color.RGBA{
	pipeline.OverlayBox:       {R: 0, G: 128, B: 255, A: 255},
	pipeline.OverlayCandidate: {R: 255, G: 215, B: 0, A: 255},
	pipeline.OverlayConfirmed: {R: 0, G: 200, B: 0, A: 255},
}

// Renderer draws overlay boxes on a copy of the frame and encodes it as JPEG.
// It draws no text; the OpenCV renderer does.
type Renderer struct {
	Quality   int
	Thickness int
}

func NewRenderer(quality int) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &Renderer{Quality: quality, Thickness: 2}
}

func (r *Renderer) Render(view pipeline.FrameView) ([]byte, error) {
	if view.Frame.Image == nil {
		return nil, errEmptyImage
	}
	src := view.Frame.Image
	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, ov := range view.Overlays {
		drawRect(canvas, ov.Rect, overlayColors[ov.State], r.Thickness)
	}

	var buf bytes.Buffer
	err := imgconv.Write(&buf, canvas, &imgconv.FormatOption{
		Format:       imgconv.JPEG,
		EncodeOption: []imgconv.EncodeOption{imgconv.Quality(r.Quality)},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawRect(dst *image.RGBA, rect image.Rectangle, c color.RGBA, thickness int) {
	rect = rect.Canon().Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	u := &image.Uniform{C: c}
	t := max(thickness, 1)
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t),
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y),
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(rect), u, image.Point{}, draw.Src)
	}
}

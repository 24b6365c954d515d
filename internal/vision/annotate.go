package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"parking-anpr/internal/pipeline"
)

var (
	colorBox       = color.RGBA{R: 0, G: 128, B: 255, A: 255}
	colorCandidate = color.RGBA{R: 255, G: 215, B: 0, A: 255}
	colorConfirmed = color.RGBA{R: 0, G: 200, B: 0, A: 255}
)

// Renderer draws overlays with OpenCV and encodes the frame as JPEG: blue for
// a bare box, yellow for a candidate, green once confirmed.
type Renderer struct {
	quality int
}

func NewRenderer(quality int) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &Renderer{quality: quality}
}

func (r *Renderer) Render(view pipeline.FrameView) ([]byte, error) {
	if view.Frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", view.Frame.Index)
	}
	mat, err := toMat(view.Frame.Image)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	origin := view.Frame.Image.Bounds().Min
	for _, ov := range view.Overlays {
		rect := ov.Rect.Sub(origin)
		c := colorBox
		switch ov.State {
		case pipeline.OverlayCandidate:
			c = colorCandidate
		case pipeline.OverlayConfirmed:
			c = colorConfirmed
		}
		if err := gocv.Rectangle(&mat, rect, c, 2); err != nil {
			return nil, fmt.Errorf("draw box: %w", err)
		}
		if ov.Text != "" {
			org := image.Pt(rect.Min.X, max(rect.Min.Y-8, 12))
			if err := gocv.PutText(&mat, ov.Text, org, gocv.FontHersheySimplex, 0.7, c, 2); err != nil {
				return nil, fmt.Errorf("draw label: %w", err)
			}
		}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), r.quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

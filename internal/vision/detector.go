package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/anpr"
)

const (
	DefaultInputSize    = 640
	DefaultNMSThreshold = 0.45
	// boxes under this score never reach NMS; the pipeline applies the real
	// confidence threshold
	minScore = 0.25
)

type DetectorOptions struct {
	ModelPath    string
	InputSize    int
	NMSThreshold float64
	// ClassNames maps class ids to labels. Missing ids are named "class_<id>".
	ClassNames []string
}

// YOLODetector runs an ONNX YOLO model through the OpenCV DNN module. It is
// loaded once and shared; Detect calls are serialised.
type YOLODetector struct {
	mu        sync.Mutex
	net       gocv.Net
	inputSize int
	nms       float32
	classes   []string
}

func NewYOLODetector(opts DetectorOptions) (*YOLODetector, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("detector model path is required")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("detector model: %w", err)
	}

	net := gocv.ReadNet(opts.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("could not load detector model from %s", opts.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set detector backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set detector target: %w", err)
	}

	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.NMSThreshold <= 0 {
		opts.NMSThreshold = DefaultNMSThreshold
	}
	return &YOLODetector{
		net:       net,
		inputSize: opts.InputSize,
		nms:       float32(opts.NMSThreshold),
		classes:   opts.ClassNames,
	}, nil
}

func (d *YOLODetector) Detect(ctx context.Context, img image.Image) ([]anpr.DetectionBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := toMat(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer frame.Close()

	origin := img.Bounds().Min
	size := image.Pt(d.inputSize, d.inputSize)
	blob := gocv.BlobFromImage(frame, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	d.mu.Unlock()
	defer prob.Close()

	dims := prob.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}

	sx := float32(frame.Cols()) / float32(d.inputSize)
	sy := float32(frame.Rows()) / float32(d.inputSize)

	var (
		rects  []image.Rectangle
		scores []float32
		ids    []int
	)
	for _, c := range parseOutput(prob, dims) {
		if c.score < minScore {
			continue
		}
		left := int((c.cx - c.w/2) * sx)
		top := int((c.cy - c.h/2) * sy)
		rects = append(rects, image.Rect(left, top, left+int(c.w*sx), top+int(c.h*sy)).Add(origin))
		scores = append(scores, c.score)
		ids = append(ids, c.class)
	}
	if len(rects) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(rects, scores, minScore, d.nms)
	boxes := make([]anpr.DetectionBox, 0, len(keep))
	for _, i := range keep {
		boxes = append(boxes, anpr.DetectionBox{
			Label:      d.label(ids[i]),
			Confidence: float64(scores[i]),
			Rect:       rects[i],
		})
	}
	return boxes, nil
}

type rawDetection struct {
	cx, cy, w, h float32
	score        float32
	class        int
}

// parseOutput reads both YOLO layouts: [1, 4+classes, N] (v8) and
// [1, N, 5+classes] (v5, with an objectness column).
func parseOutput(prob gocv.Mat, dims []int) []rawDetection {
	transposed := dims[1] < dims[2]
	n, attrs := dims[1], dims[2]
	if transposed {
		n, attrs = dims[2], dims[1]
	}
	at := func(i, a int) float32 {
		if transposed {
			return prob.GetFloatAt3(0, a, i)
		}
		return prob.GetFloatAt3(0, i, a)
	}

	firstClass, objectness := 4, false
	if !transposed {
		firstClass, objectness = 5, true
	}

	out := make([]rawDetection, 0, 16)
	for i := 0; i < n; i++ {
		best, bestScore := 0, float32(0)
		for a := firstClass; a < attrs; a++ {
			if s := at(i, a); s > bestScore {
				best, bestScore = a-firstClass, s
			}
		}
		if objectness {
			bestScore *= at(i, 4)
		}
		if bestScore <= 0 {
			continue
		}
		out = append(out, rawDetection{
			cx: at(i, 0), cy: at(i, 1), w: at(i, 2), h: at(i, 3),
			score: bestScore,
			class: best,
		})
	}
	return out
}

func (d *YOLODetector) label(id int) string {
	if id >= 0 && id < len(d.classes) {
		return d.classes[id]
	}
	return "class_" + strconv.Itoa(id)
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

var _ anpr.Detector = (*YOLODetector)(nil)

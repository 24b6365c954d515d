package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/utils"
)

var (
	DefaultPlateLabels = []string{"patente", "license_plate"}

	errEmptyRegion = errors.New("empty crop region")
)

// CandidatePipeline turns one sampled frame into plate candidates:
// detect, crop, enhance, recognise, normalise, validate.
type CandidatePipeline struct {
	detector      anpr.Detector
	recognizer    anpr.Recognizer
	enhancer      anpr.Enhancer
	minConfidence float64
	labels        []string
	log           zerolog.Logger
}

type CandidateOptions struct {
	MinConfidence float64
	PlateLabels   []string
}

func NewCandidatePipeline(
	detector anpr.Detector,
	recognizer anpr.Recognizer,
	enhancer anpr.Enhancer,
	opts CandidateOptions,
	log zerolog.Logger,
) *CandidatePipeline {
	labels := opts.PlateLabels
	if len(labels) == 0 {
		labels = DefaultPlateLabels
	}
	lowered := make([]string, 0, len(labels))
	for _, l := range labels {
		lowered = append(lowered, strings.ToLower(l))
	}
	return &CandidatePipeline{
		detector:      detector,
		recognizer:    recognizer,
		enhancer:      enhancer,
		minConfidence: opts.MinConfidence,
		labels:        lowered,
		log:           log,
	}
}

// Process runs detection on frame and handles every plate box on its own.
// A detector failure is returned wrapped in ErrDetection; box level failures
// are reported in the corresponding BoxResult and never abort the frame.
func (p *CandidatePipeline) Process(ctx context.Context, frame anpr.Frame) ([]anpr.BoxResult, error) {
	boxes, err := p.detect(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", anpr.ErrDetection, frame.Index, err)
	}

	results := make([]anpr.BoxResult, 0, len(boxes))
	for _, box := range boxes {
		if !p.isPlate(box) {
			continue
		}
		res := p.processBox(ctx, frame, box)
		if res.Err != nil {
			p.log.Warn().
				Err(res.Err).
				Int("frame_index", frame.Index).
				Str("label", box.Label).
				Float64("confidence", box.Confidence).
				Msg("plate box skipped")
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *CandidatePipeline) isPlate(box anpr.DetectionBox) bool {
	if box.Confidence < p.minConfidence {
		return false
	}
	label := strings.ToLower(box.Label)
	for _, l := range p.labels {
		if strings.Contains(label, l) {
			return true
		}
	}
	return false
}

func (p *CandidatePipeline) detect(ctx context.Context, img image.Image) (boxes []anpr.DetectionBox, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return p.detector.Detect(ctx, img)
}

func (p *CandidatePipeline) processBox(ctx context.Context, frame anpr.Frame, box anpr.DetectionBox) (res anpr.BoxResult) {
	res.Box = box
	defer func() {
		if r := recover(); r != nil {
			res.Candidate = nil
			res.Err = fmt.Errorf("%w: panic: %v", anpr.ErrRecognition, r)
		}
	}()

	cropped, err := crop(frame.Image, box.Rect)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", anpr.ErrRecognition, err)
		return res
	}
	var region image.Image = cropped

	if p.enhancer != nil {
		enhanced, err := p.enhancer.Enhance(region)
		if err != nil {
			res.Err = fmt.Errorf("%w: enhance: %v", anpr.ErrRecognition, err)
			return res
		}
		region = enhanced
	}

	fragments, err := p.recognizer.Read(ctx, region)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", anpr.ErrRecognition, err)
		return res
	}

	res.Text = utils.NormalizeFragments(fragments)
	if !utils.IsValidPlate(res.Text) {
		res.Rejected = true
		return res
	}

	res.Candidate = &anpr.Candidate{Text: res.Text, FrameIndex: frame.Index}
	return res
}

// crop copies the part of img inside rect, clipped to the image bounds, into
// a packed RGBA image that keeps frame coordinates. Pix holds exactly the
// crop's rows, so converters that read Pix directly see the right pixels.
func crop(img image.Image, rect image.Rectangle) (*image.RGBA, error) {
	if img == nil {
		return nil, errEmptyRegion
	}
	r := rect.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return nil, errEmptyRegion
	}
	dst := image.NewRGBA(r)
	draw.Draw(dst, r, img, r.Min, draw.Src)
	return dst, nil
}

// Candidates extracts the valid candidates from a frame's box results.
func Candidates(results []anpr.BoxResult) []anpr.Candidate {
	var out []anpr.Candidate
	for _, r := range results {
		if r.Candidate != nil {
			out = append(out, *r.Candidate)
		}
	}
	return out
}

package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
)

func newTestCandidates(det anpr.Detector, rec anpr.Recognizer, enh anpr.Enhancer) *CandidatePipeline {
	return NewCandidatePipeline(det, rec, enh, CandidateOptions{MinConfidence: 0.6}, zerolog.New(io.Discard))
}

func testFrame(i int) anpr.Frame {
	return anpr.Frame{Index: i, Image: image.NewRGBA(image.Rect(0, 0, 320, 240))}
}

func TestCandidatePipeline_ValidText(t *testing.T) {
	det := &scriptedDetector{boxes: [][]anpr.DetectionBox{{plateBox(10)}}}
	rec := &mapRecognizer{fallback: []string{"xy-12", "34"}}
	enh := &identityEnhancer{}
	p := newTestCandidates(det, rec, enh)

	results, err := p.Process(context.Background(), testFrame(7))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	cands := Candidates(results)
	if len(cands) != 1 || cands[0].Text != "XY1234" || cands[0].FrameIndex != 7 {
		t.Fatalf("candidates = %+v", cands)
	}
	if enh.calls != 1 {
		t.Fatalf("enhancer calls = %d, want 1", enh.calls)
	}
}

func TestCandidatePipeline_FiltersLabelsAndConfidence(t *testing.T) {
	boxes := []anpr.DetectionBox{
		{Label: "car", Confidence: 0.99, Rect: image.Rect(0, 0, 50, 50)},
		{Label: "license_plate", Confidence: 0.59, Rect: image.Rect(60, 0, 100, 20)},
		{Label: "Patente_CL", Confidence: 0.6, Rect: image.Rect(110, 0, 150, 20)},
	}
	det := &scriptedDetector{boxes: [][]anpr.DetectionBox{boxes}}
	rec := &mapRecognizer{fallback: []string{"BBBB11"}}
	p := newTestCandidates(det, rec, nil)

	results, err := p.Process(context.Background(), testFrame(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || results[0].Box.Label != "Patente_CL" {
		t.Fatalf("results = %+v", results)
	}
	if rec.calls != 1 {
		t.Fatalf("recognizer calls = %d, want 1", rec.calls)
	}
}

func TestCandidatePipeline_InvalidTextIsSilentlyRejected(t *testing.T) {
	det := &scriptedDetector{boxes: [][]anpr.DetectionBox{{plateBox(10)}}}
	for _, txt := range [][]string{nil, {}, {"CHILE"}, {"bb1111x"}, {"ABC", "12345"}} {
		rec := &mapRecognizer{fallback: txt}
		p := newTestCandidates(det, rec, nil)
		results, err := p.Process(context.Background(), testFrame(0))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(results) != 1 || !results[0].Rejected || results[0].Err != nil || results[0].Candidate != nil {
			t.Fatalf("text %q: result = %+v", txt, results)
		}
	}
}

func TestCandidatePipeline_BoxFailuresAreIsolated(t *testing.T) {
	det := &scriptedDetector{boxes: [][]anpr.DetectionBox{{plateBox(10), plateBox(60), plateBox(110), plateBox(400)}}}
	rec := &mapRecognizer{
		byX:    map[int][]string{10: {"AAAA11"}, 110: {"BB2222"}},
		errByX: map[int]error{60: errors.New("tesseract exploded")},
	}
	// box at x=400 lies outside the 320px frame: crop fails
	p := newTestCandidates(det, rec, nil)

	results, err := p.Process(context.Background(), testFrame(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if results[0].Candidate == nil || results[0].Candidate.Text != "AAAA11" {
		t.Fatalf("box 0 = %+v", results[0])
	}
	if !errors.Is(results[1].Err, anpr.ErrRecognition) {
		t.Fatalf("box 1 err = %v, want ErrRecognition", results[1].Err)
	}
	if results[2].Candidate == nil || results[2].Candidate.Text != "BB2222" {
		t.Fatalf("box 2 = %+v", results[2])
	}
	if !errors.Is(results[3].Err, anpr.ErrRecognition) {
		t.Fatalf("box 3 err = %v, want ErrRecognition", results[3].Err)
	}
}

func TestCandidatePipeline_RecognizerPanicIsContained(t *testing.T) {
	det := &scriptedDetector{boxes: [][]anpr.DetectionBox{{plateBox(10), plateBox(60)}}}
	rec := &mapRecognizer{panicX: map[int]bool{10: true}, fallback: []string{"XY1234"}}
	p := newTestCandidates(det, rec, nil)

	results, err := p.Process(context.Background(), testFrame(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Err == nil || results[0].Candidate != nil {
		t.Fatalf("panicking box = %+v", results[0])
	}
	if results[1].Candidate == nil {
		t.Fatalf("second box lost after panic: %+v", results[1])
	}
}

func TestCandidatePipeline_DetectorFailure(t *testing.T) {
	det := &scriptedDetector{errs: map[int]error{0: errors.New("model not loaded")}}
	p := newTestCandidates(det, &mapRecognizer{}, nil)

	_, err := p.Process(context.Background(), testFrame(3))
	if !errors.Is(err, anpr.ErrDetection) {
		t.Fatalf("err = %v, want ErrDetection", err)
	}
}

func TestCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))

	got, err := crop(img, image.Rect(90, 40, 120, 80))
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if got.Bounds() != image.Rect(90, 40, 100, 50) {
		t.Fatalf("clipped bounds = %v", got.Bounds())
	}

	if _, err := crop(img, image.Rect(200, 200, 220, 220)); err == nil {
		t.Fatalf("expected error for region outside the frame")
	}
	if _, err := crop(nil, image.Rect(0, 0, 1, 1)); err == nil {
		t.Fatalf("expected error for nil image")
	}

	// rows are packed: Pix holds only the crop, not the parent's stride
	frame := image.NewRGBA(image.Rect(0, 0, 100, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 100; x++ {
			frame.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	packed, err := crop(frame, image.Rect(40, 20, 60, 30))
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if packed.Stride != 4*packed.Bounds().Dx() || len(packed.Pix) != 4*20*10 {
		t.Fatalf("stride = %d, len(pix) = %d", packed.Stride, len(packed.Pix))
	}
	for row := 0; row < 10; row++ {
		for col := 0; col < 20; col++ {
			off := row*4*20 + col*4
			if packed.Pix[off] != uint8(40+col) || packed.Pix[off+1] != uint8(20+row) {
				t.Fatalf("pixel (%d,%d) = %v", col, row, packed.Pix[off:off+4])
			}
		}
	}
	frame.Set(40, 20, color.RGBA{A: 255})
	if packed.Pix[0] != 40 {
		t.Fatalf("crop shares memory with the frame")
	}

	// reversed corners are normalised
	got, err = crop(img, image.Rect(20, 20, 10, 10))
	if err != nil || got.Bounds().Dx() != 10 {
		t.Fatalf("canon crop = %v, %v", got, err)
	}
}

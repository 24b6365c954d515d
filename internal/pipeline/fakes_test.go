package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"parking-anpr/internal/domain/anpr"
)

// scriptedDetector returns boxes[i] for the i-th call (last entry repeats).
type scriptedDetector struct {
	mu    sync.Mutex
	boxes [][]anpr.DetectionBox
	errs  map[int]error
	calls int
}

func (d *scriptedDetector) Detect(_ context.Context, _ image.Image) ([]anpr.DetectionBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if err, ok := d.errs[i]; ok {
		return nil, err
	}
	if len(d.boxes) == 0 {
		return nil, nil
	}
	if i >= len(d.boxes) {
		i = len(d.boxes) - 1
	}
	return d.boxes[i], nil
}

func plateBox(x int) anpr.DetectionBox {
	return anpr.DetectionBox{Label: "license_plate", Confidence: 0.9, Rect: image.Rect(x, 10, x+40, 30)}
}

// mapRecognizer answers by the crop's left edge, so each box in a frame can
// be given its own text.
type mapRecognizer struct {
	mu       sync.Mutex
	byX      map[int][]string
	fallback []string
	errByX   map[int]error
	panicX   map[int]bool
	calls    int
}

func (r *mapRecognizer) Read(_ context.Context, img image.Image) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	x := img.Bounds().Min.X
	if r.panicX[x] {
		panic("ocr engine crashed")
	}
	if err, ok := r.errByX[x]; ok {
		return nil, err
	}
	if txt, ok := r.byX[x]; ok {
		return txt, nil
	}
	return r.fallback, nil
}

type identityEnhancer struct{ calls int }

func (e *identityEnhancer) Enhance(img image.Image) (image.Image, error) {
	e.calls++
	return img, nil
}

// fakeSource yields n blank frames, then io.EOF or failErr.
type fakeSource struct {
	mu      sync.Mutex
	n       int
	read    int
	failErr error
	live    bool
	fps     float64
	closed  bool
	// block makes Next wait for ctx once frames are exhausted.
	block bool
	// onRead runs before each frame is returned.
	onRead func(i int)
}

func (s *fakeSource) Next(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	i := s.read
	if i >= s.n {
		s.mu.Unlock()
		if s.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if s.failErr != nil {
			return nil, s.failErr
		}
		return nil, io.EOF
	}
	s.read++
	s.mu.Unlock()
	if s.onRead != nil {
		s.onRead(i)
	}
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

func (s *fakeSource) FPS() float64 { return s.fps }
func (s *fakeSource) Live() bool   { return s.live }
func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeRecorder toggles plates in memory and can fail on demand.
type fakeRecorder struct {
	mu      sync.Mutex
	inside  map[string]bool
	calls   []string
	failFor map[string]bool
}

var errLedgerDown = errors.New("ledger down")

func (r *fakeRecorder) RecordMovement(_ context.Context, plate string, _ anpr.MovementContext) (*anpr.TransitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, plate)
	if r.failFor[plate] {
		return nil, errLedgerDown
	}
	if r.inside == nil {
		r.inside = map[string]bool{}
	}
	mt := anpr.MovementEntry
	status := anpr.StatusInside
	if r.inside[plate] {
		mt = anpr.MovementExit
		status = anpr.StatusOutside
	}
	r.inside[plate] = !r.inside[plate]
	return &anpr.TransitionResult{Plate: plate, Status: status, MovementType: mt}, nil
}

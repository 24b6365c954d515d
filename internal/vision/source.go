// Package vision adapts OpenCV (gocv) to the frame source, detector,
// enhancer and renderer ports.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/anpr"
)

var errReadFailed = errors.New("capture returned no frame")

// CaptureSource reads frames from a gocv.VideoCapture.
type CaptureSource struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	live    bool
	fps     float64
	closed  bool
}

// OpenSource opens a camera index ("0"), a stream URL ("rtsp://...") or a
// video file path. It has the anpr.SourceOpener signature.
func OpenSource(_ context.Context, location string) (anpr.Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", anpr.ErrSourceUnavailable)
	}

	var (
		device any = location
		live       = false
	)
	if idx, err := strconv.Atoi(location); err == nil {
		device = idx
		live = true
	} else if strings.Contains(location, "://") && !strings.HasPrefix(location, "file://") {
		live = true
	} else {
		path := strings.TrimPrefix(location, "file://")
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %v", anpr.ErrSourceUnavailable, err)
		}
		device = path
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", anpr.ErrSourceUnavailable, location, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s: capture is not opened", anpr.ErrSourceUnavailable, location)
	}

	return &CaptureSource{
		capture: capture,
		mat:     gocv.NewMat(),
		live:    live,
		fps:     capture.Get(gocv.VideoCaptureFPS),
	}, nil
}

// Next returns io.EOF when a file is exhausted. A live source that stops
// delivering frames is reported as a read error.
func (s *CaptureSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("source closed")
	}

	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		if s.live {
			return nil, errReadFailed
		}
		return nil, io.EOF
	}
	return s.mat.ToImage()
}

func (s *CaptureSource) FPS() float64 {
	if s.live {
		return 0
	}
	return s.fps
}

func (s *CaptureSource) Live() bool { return s.live }

func (s *CaptureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.mat.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.capture.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ anpr.SourceOpener = OpenSource

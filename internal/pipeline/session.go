package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"parking-anpr/internal/domain/anpr"
)

// MovementRecorder applies the entry/exit transition for a confirmed plate.
type MovementRecorder interface {
	RecordMovement(ctx context.Context, plate string, mc anpr.MovementContext) (*anpr.TransitionResult, error)
}

type OverlayState int

const (
	OverlayBox OverlayState = iota
	OverlayCandidate
	OverlayConfirmed
)

// Overlay is what a display layer draws for one plate box.
type Overlay struct {
	Rect  image.Rectangle
	Text  string
	State OverlayState
}

// FrameView is handed to the frame callback once per frame read, analysed
// or not, in read order.
type FrameView struct {
	SessionID string
	Frame     anpr.Frame
	Analysed  bool
	Overlays  []Overlay
}

type SessionConfig struct {
	ID                    string
	Source                string
	CameraID              string
	FrameSkip             int
	ConfirmationThreshold int
	BufferCapacity        int
	SimilarityThreshold   int
	// Throttle paces recorded sources to their native frame rate.
	Throttle bool
}

type Stats struct {
	FramesRead          int64 `json:"frames_read"`
	FramesAnalysed      int64 `json:"frames_analysed"`
	DetectionFailures   int64 `json:"detection_failures"`
	BoxFailures         int64 `json:"box_failures"`
	Candidates          int64 `json:"candidates"`
	Confirmations       int64 `json:"confirmations"`
	PersistenceFailures int64 `json:"persistence_failures"`
}

type sessionStats struct {
	framesRead          atomic.Int64
	framesAnalysed      atomic.Int64
	detectionFailures   atomic.Int64
	boxFailures         atomic.Int64
	candidates          atomic.Int64
	confirmations       atomic.Int64
	persistenceFailures atomic.Int64
}

// Session is one run of the pipeline over one source. Run must be called at
// most once; the buffer and confirmed set live and die with the session.
type Session struct {
	cfg        SessionConfig
	src        anpr.Source
	sampler    *FrameSampler
	candidates *CandidatePipeline
	engine     *ConfirmationEngine
	movements  MovementRecorder
	log        zerolog.Logger

	onFrame     func(FrameView)
	onConfirmed func(anpr.ConfirmedEvent)

	stats sessionStats

	mu        sync.RWMutex
	confirmed []string
}

func NewSession(
	cfg SessionConfig,
	src anpr.Source,
	candidates *CandidatePipeline,
	movements MovementRecorder,
	log zerolog.Logger,
) *Session {
	return &Session{
		cfg:        cfg,
		src:        src,
		sampler:    NewFrameSampler(cfg.FrameSkip),
		candidates: candidates,
		engine:     NewConfirmationEngine(cfg.ConfirmationThreshold, cfg.BufferCapacity, cfg.SimilarityThreshold),
		movements:  movements,
		log: log.With().
			Str("session_id", cfg.ID).
			Str("source", cfg.Source).
			Logger(),
	}
}

// OnFrame registers the display callback. It runs on the session goroutine
// and must return quickly.
func (s *Session) OnFrame(fn func(FrameView)) { s.onFrame = fn }

// OnConfirmed registers a callback invoked after every confirmation, once
// the movement transition has been attempted.
func (s *Session) OnConfirmed(fn func(anpr.ConfirmedEvent)) { s.onConfirmed = fn }

func (s *Session) ID() string { return s.cfg.ID }

// Run processes frames until the source is exhausted, the source fails or
// ctx is cancelled. Cancellation is checked once per frame; the frame in
// flight is finished first. Only a source failure is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.src.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close source")
		}
	}()

	limiter := s.limiter()
	s.log.Info().
		Int("frame_skip", s.sampler.Skip()).
		Int("confirmation_threshold", s.engine.threshold).
		Int("buffer_capacity", len(s.engine.ring)).
		Bool("live", s.src.Live()).
		Bool("throttled", limiter != nil).
		Msg("session started")

	index := 0
	for {
		select {
		case <-ctx.Done():
			s.logSummary("stopped")
			return nil
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.logSummary("stopped")
				return nil
			}
		}

		img, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.logSummary("finished")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				s.logSummary("stopped")
				return nil
			}
			s.log.Error().Err(err).Int("frame_index", index).Msg("source read failed")
			s.logSummary("failed")
			return fmt.Errorf("%w: %v", anpr.ErrSourceUnavailable, err)
		}

		frame := anpr.Frame{Index: index, Image: img}
		index++
		s.stats.framesRead.Add(1)

		view := FrameView{SessionID: s.cfg.ID, Frame: frame}
		if s.sampler.Sample() {
			view.Analysed = true
			view.Overlays = s.analyse(context.WithoutCancel(ctx), frame)
		}

		if s.onFrame != nil {
			s.onFrame(view)
		}
	}
}

func (s *Session) analyse(ctx context.Context, frame anpr.Frame) []Overlay {
	s.stats.framesAnalysed.Add(1)

	results, err := s.candidates.Process(ctx, frame)
	if err != nil {
		s.stats.detectionFailures.Add(1)
		s.log.Warn().Err(err).Int("frame_index", frame.Index).Msg("detection failed")
		return nil
	}

	overlays := make([]Overlay, 0, len(results))
	for _, r := range results {
		ov := Overlay{Rect: r.Box.Rect, State: OverlayBox}
		if r.Err != nil {
			s.stats.boxFailures.Add(1)
		}
		if r.Candidate != nil {
			s.stats.candidates.Add(1)
			text := r.Candidate.Text

			outcome := s.engine.Offer(text)
			s.log.Debug().
				Str("plate", text).
				Int("frame_index", frame.Index).
				Str("outcome", outcome.String()).
				Msg("candidate")
			if outcome == OutcomeConfirmed {
				s.confirm(ctx, *r.Candidate)
			}

			ov.Text = text
			ov.State = OverlayCandidate
			if s.engine.IsConfirmed(text) {
				ov.State = OverlayConfirmed
			}
		}
		overlays = append(overlays, ov)
	}
	return overlays
}

// confirm records the movement for a newly confirmed plate. The plate stays
// confirmed for the rest of the session even if the transition fails.
func (s *Session) confirm(ctx context.Context, c anpr.Candidate) {
	s.stats.confirmations.Add(1)
	s.mu.Lock()
	s.confirmed = append(s.confirmed, c.Text)
	s.mu.Unlock()

	s.log.Info().Str("plate", c.Text).Int("frame_index", c.FrameIndex).Msg("plate confirmed")

	ev := anpr.ConfirmedEvent{SessionID: s.cfg.ID, Plate: c.Text, FrameIndex: c.FrameIndex}
	tr, err := s.movements.RecordMovement(ctx, c.Text, anpr.MovementContext{
		SessionID:  s.cfg.ID,
		Source:     s.cfg.Source,
		CameraID:   s.cfg.CameraID,
		FrameIndex: c.FrameIndex,
	})
	if err != nil {
		s.stats.persistenceFailures.Add(1)
		s.log.Error().Err(err).Str("plate", c.Text).Msg("movement not recorded")
		ev.Err = err
	} else {
		ev.Transition = tr
	}

	if s.onConfirmed != nil {
		s.onConfirmed(ev)
	}
}

func (s *Session) limiter() *rate.Limiter {
	if !s.cfg.Throttle || s.src.Live() {
		return nil
	}
	fps := s.src.FPS()
	if fps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(fps), 1)
}

// logSummary runs on the session goroutine only.
func (s *Session) logSummary(state string) {
	st := s.Stats()
	s.log.Info().
		Str("state", state).
		Int64("frames_read", st.FramesRead).
		Int64("frames_analysed", st.FramesAnalysed).
		Int64("candidates", st.Candidates).
		Int64("persistence_failures", st.PersistenceFailures).
		Strs("confirmed", s.engine.Confirmed()).
		Msg("session ended")
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesRead:          s.stats.framesRead.Load(),
		FramesAnalysed:      s.stats.framesAnalysed.Load(),
		DetectionFailures:   s.stats.detectionFailures.Load(),
		BoxFailures:         s.stats.boxFailures.Load(),
		Candidates:          s.stats.candidates.Load(),
		Confirmations:       s.stats.confirmations.Load(),
		PersistenceFailures: s.stats.persistenceFailures.Load(),
	}
}

// Confirmed returns the plates confirmed so far in confirmation order. Safe
// to call while the session runs.
func (s *Session) Confirmed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.confirmed))
	copy(out, s.confirmed)
	return out
}

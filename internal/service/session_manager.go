package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/pipeline"
)

type SessionState string

const (
	SessionRunning  SessionState = "running"
	SessionFinished SessionState = "finished"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// SessionRequest starts a session. Zero numeric fields take the configured
// pipeline defaults.
type SessionRequest struct {
	Source                string `json:"source"`
	CameraID              string `json:"camera_id"`
	ConfirmationThreshold int    `json:"confirmation_threshold"`
	BufferCapacity        int    `json:"buffer_capacity"`
	FrameSkip             int    `json:"frame_skip"`
}

type SessionInfo struct {
	ID                    string         `json:"id"`
	Source                string         `json:"source"`
	CameraID              string         `json:"camera_id,omitempty"`
	State                 SessionState   `json:"state"`
	ConfirmationThreshold int            `json:"confirmation_threshold"`
	BufferCapacity        int            `json:"buffer_capacity"`
	FrameSkip             int            `json:"frame_skip"`
	StartedAt             time.Time      `json:"started_at"`
	EndedAt               *time.Time     `json:"ended_at,omitempty"`
	Error                 string         `json:"error,omitempty"`
	Stats                 pipeline.Stats `json:"stats"`
	Confirmed             []string       `json:"confirmed"`
}

// Observers receive every session's frames and confirmations. Both run on the
// session goroutine.
type Observers struct {
	OnFrame     func(pipeline.FrameView)
	OnConfirmed func(anpr.ConfirmedEvent)
}

type managedSession struct {
	session *pipeline.Session
	req     SessionRequest
	cancel  context.CancelFunc
	done    chan struct{}

	// guarded by SessionManager.mu
	state     SessionState
	startedAt time.Time
	endedAt   time.Time
	err       error
}

// SessionManager runs at most one pipeline session per source. Detector and
// recognizer instances are shared by all sessions.
type SessionManager struct {
	opener     anpr.SourceOpener
	candidates *pipeline.CandidatePipeline
	movements  pipeline.MovementRecorder
	defaults   config.PipelineConfig
	observers  Observers
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
	order    []string
	// source -> id of the running session, or "" while it is being opened
	active map[string]string
}

func NewSessionManager(
	opener anpr.SourceOpener,
	candidates *pipeline.CandidatePipeline,
	movements pipeline.MovementRecorder,
	defaults config.PipelineConfig,
	observers Observers,
	log zerolog.Logger,
) *SessionManager {
	return &SessionManager{
		opener:     opener,
		candidates: candidates,
		movements:  movements,
		defaults:   defaults,
		observers:  observers,
		log:        log,
		sessions:   make(map[string]*managedSession),
		active:     make(map[string]string),
	}
}

func (m *SessionManager) withDefaults(req SessionRequest) (SessionRequest, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return req, fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	if req.CameraID == "" {
		req.CameraID = req.Source
	}
	if req.ConfirmationThreshold < 0 || req.BufferCapacity < 0 || req.FrameSkip < 0 {
		return req, fmt.Errorf("%w: negative pipeline parameter", ErrInvalidInput)
	}
	if req.ConfirmationThreshold == 0 {
		req.ConfirmationThreshold = m.defaults.ConfirmationThreshold
	}
	if req.BufferCapacity == 0 {
		req.BufferCapacity = m.defaults.BufferCapacity
	}
	if req.FrameSkip == 0 {
		req.FrameSkip = m.defaults.FrameSkip
	}
	if req.ConfirmationThreshold > req.BufferCapacity {
		return req, fmt.Errorf("%w: confirmation_threshold %d exceeds buffer_capacity %d",
			ErrInvalidInput, req.ConfirmationThreshold, req.BufferCapacity)
	}
	return req, nil
}

// Start opens the source and launches the session loop in its own goroutine.
// A source that cannot be opened is reported here, wrapped in
// anpr.ErrSourceUnavailable. The session outlives ctx; use Stop to end it.
func (m *SessionManager) Start(ctx context.Context, req SessionRequest) (SessionInfo, error) {
	req, err := m.withDefaults(req)
	if err != nil {
		return SessionInfo{}, err
	}

	m.mu.Lock()
	if id, busy := m.active[req.Source]; busy {
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %s (session %q)", ErrSessionActive, req.Source, id)
	}
	m.active[req.Source] = ""
	m.mu.Unlock()

	src, err := m.opener(ctx, req.Source)
	if err != nil {
		m.mu.Lock()
		delete(m.active, req.Source)
		m.mu.Unlock()
		if !errors.Is(err, anpr.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", anpr.ErrSourceUnavailable, err)
		}
		m.log.Error().Err(err).Str("source", req.Source).Msg("failed to open source")
		return SessionInfo{}, err
	}

	id := uuid.NewString()
	session := pipeline.NewSession(pipeline.SessionConfig{
		ID:                    id,
		Source:                req.Source,
		CameraID:              req.CameraID,
		FrameSkip:             req.FrameSkip,
		ConfirmationThreshold: req.ConfirmationThreshold,
		BufferCapacity:        req.BufferCapacity,
		SimilarityThreshold:   m.defaults.SimilarityThreshold,
		Throttle:              m.defaults.ThrottleRecorded,
	}, src, m.candidates, m.movements, m.log)
	if m.observers.OnFrame != nil {
		session.OnFrame(m.observers.OnFrame)
	}
	if m.observers.OnConfirmed != nil {
		session.OnConfirmed(m.observers.OnConfirmed)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ms := &managedSession{
		session:   session,
		req:       req,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     SessionRunning,
		startedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[id] = ms
	m.order = append(m.order, id)
	m.active[req.Source] = id
	info := m.infoLocked(id, ms)
	m.mu.Unlock()

	go m.run(runCtx, id, ms)
	return info, nil
}

func (m *SessionManager) run(ctx context.Context, id string, ms *managedSession) {
	defer close(ms.done)
	err := ms.session.Run(ctx)
	stopped := ctx.Err() != nil
	ms.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil:
		ms.state = SessionFailed
		ms.err = err
	case stopped:
		ms.state = SessionStopped
	default:
		ms.state = SessionFinished
	}
	ms.endedAt = time.Now().UTC()
	if m.active[ms.req.Source] == id {
		delete(m.active, ms.req.Source)
	}
}

// Stop cancels a session and waits until its loop has exited, or ctx ends.
// Stopping an ended session returns its final state.
func (m *SessionManager) Stop(ctx context.Context, id string) (SessionInfo, error) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}

	ms.cancel()
	return m.Wait(ctx, id)
}

// Wait blocks until the session ends or ctx is done.
func (m *SessionManager) Wait(ctx context.Context, id string) (SessionInfo, error) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}

	select {
	case <-ms.done:
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
	return m.Get(id)
}

func (m *SessionManager) Get(id string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return m.infoLocked(id, ms), nil
}

// List returns every session known to the manager in start order.
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.infoLocked(id, m.sessions[id]))
	}
	return out
}

// Shutdown stops every running session and waits for them to exit.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	running := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		running = append(running, ms)
		ms.cancel()
	}
	m.mu.Unlock()

	for _, ms := range running {
		select {
		case <-ms.done:
		case <-ctx.Done():
			return fmt.Errorf("sessions still running: %w", ctx.Err())
		}
	}
	m.log.Info().Int("sessions", len(running)).Msg("session manager stopped")
	return nil
}

func (m *SessionManager) infoLocked(id string, ms *managedSession) SessionInfo {
	info := SessionInfo{
		ID:                    id,
		Source:                ms.req.Source,
		CameraID:              ms.req.CameraID,
		State:                 ms.state,
		ConfirmationThreshold: ms.req.ConfirmationThreshold,
		BufferCapacity:        ms.req.BufferCapacity,
		FrameSkip:             ms.req.FrameSkip,
		StartedAt:             ms.startedAt,
		Stats:                 ms.session.Stats(),
		Confirmed:             ms.session.Confirmed(),
	}
	if !ms.endedAt.IsZero() {
		ended := ms.endedAt
		info.EndedAt = &ended
	}
	if ms.err != nil {
		info.Error = ms.err.Error()
	}
	return info
}

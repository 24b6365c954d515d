package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/pipeline"
	"parking-anpr/internal/repository"
	"parking-anpr/internal/service"
)

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingSource) FPS() float64 { return 0 }
func (blockingSource) Live() bool   { return true }
func (blockingSource) Close() error { return nil }

type noDetections struct{}

func (noDetections) Detect(context.Context, image.Image) ([]anpr.DetectionBox, error) { return nil, nil }

type noText struct{}

func (noText) Read(context.Context, image.Image) ([]string, error) { return nil, nil }

func testOpener(_ context.Context, location string) (anpr.Source, error) {
	if location == "missing.mp4" {
		return nil, errors.New("no such file")
	}
	return blockingSource{}, nil
}

func newTestRouter(t *testing.T, auth config.AuthConfig) (*gin.Engine, *service.SessionManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zerolog.New(io.Discard)

	ledger := service.NewLedgerService(repository.NewMemoryLedger(), log)
	candidates := pipeline.NewCandidatePipeline(noDetections{}, noText{}, nil, pipeline.CandidateOptions{}, log)
	defaults := config.PipelineConfig{FrameSkip: 4, ConfirmationThreshold: 3, BufferCapacity: 30, SimilarityThreshold: 1}
	sessions := service.NewSessionManager(testOpener, candidates, ledger, defaults, service.Observers{}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})

	h := NewHandler(ledger, sessions, nil, log)
	return NewRouter(config.ServerConfig{}, h, NewAuthMiddleware(auth, log), log), sessions
}

func doJSON(r http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp.Data
}

func TestManualMovementToggles(t *testing.T) {
	r, _ := newTestRouter(t, config.AuthConfig{})

	w := doJSON(r, http.MethodPost, "/api/v1/movements", gin.H{"plate": "ab-cd-12", "camera_id": "gate-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	first := decodeData[anpr.TransitionResult](t, w)
	if first.Plate != "ABCD12" || first.MovementType != anpr.MovementEntry {
		t.Fatalf("first = %+v", first)
	}

	w = doJSON(r, http.MethodPost, "/api/v1/movements", gin.H{"plate": "ABCD12"})
	second := decodeData[anpr.TransitionResult](t, w)
	if second.MovementType != anpr.MovementExit || second.Status != anpr.StatusOutside {
		t.Fatalf("second = %+v", second)
	}

	w = doJSON(r, http.MethodGet, "/api/v1/movements?plate=abcd12&limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	movements := decodeData[[]anpr.MovementRecord](t, w)
	if len(movements) != 1 || movements[0].MovementType != anpr.MovementExit {
		t.Fatalf("movements = %+v", movements)
	}

	w = doJSON(r, http.MethodGet, "/api/v1/vehicles?status=Fuera", nil)
	vehicles := decodeData[[]anpr.VehicleState](t, w)
	if len(vehicles) != 1 || vehicles[0].Plate != "ABCD12" {
		t.Fatalf("vehicles = %+v", vehicles)
	}
}

func TestBadRequests(t *testing.T) {
	r, _ := newTestRouter(t, config.AuthConfig{})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid plate", http.MethodPost, "/api/v1/movements", gin.H{"plate": "HELLO"}, http.StatusBadRequest},
		{"missing plate", http.MethodPost, "/api/v1/movements", gin.H{}, http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/v1/movements?from=yesterday", nil, http.StatusBadRequest},
		{"bad status", http.MethodGet, "/api/v1/vehicles?status=parked", nil, http.StatusBadRequest},
		{"unknown list", http.MethodPost, "/api/v1/lists/vip/plates", gin.H{"plate": "ABCD12"}, http.StatusNotFound},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope", nil, http.StatusNotFound},
		{"missing source", http.MethodPost, "/api/v1/sessions", gin.H{"source": "missing.mp4"}, http.StatusUnprocessableEntity},
		{"empty source", http.MethodPost, "/api/v1/sessions", gin.H{"source": ""}, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := doJSON(r, c.method, c.path, c.body)
			if w.Code != c.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, c.want, w.Body.String())
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	r, _ := newTestRouter(t, config.AuthConfig{})

	w := doJSON(r, http.MethodPost, "/api/v1/sessions", gin.H{"source": "rtsp://gate", "frame_skip": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d body = %s", w.Code, w.Body.String())
	}
	info := decodeData[service.SessionInfo](t, w)
	if info.State != service.SessionRunning || info.FrameSkip != 2 || info.ConfirmationThreshold != 3 {
		t.Fatalf("info = %+v", info)
	}

	w = doJSON(r, http.MethodPost, "/api/v1/sessions", gin.H{"source": "rtsp://gate"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate start status = %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/v1/sessions", nil)
	if list := decodeData[[]service.SessionInfo](t, w); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	w = doJSON(r, http.MethodDelete, "/api/v1/sessions/"+info.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	if stopped := decodeData[service.SessionInfo](t, w); stopped.State != service.SessionStopped {
		t.Fatalf("stopped = %+v", stopped)
	}
}

func TestAddPlateToListAttachesHits(t *testing.T) {
	r, _ := newTestRouter(t, config.AuthConfig{})

	w := doJSON(r, http.MethodPost, "/api/v1/lists/default_blacklist/plates", gin.H{"plate": "XY1234", "note": "stolen"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, "/api/v1/movements", gin.H{"plate": "XY1234"})
	res := decodeData[anpr.TransitionResult](t, w)
	if len(res.Hits) != 1 || res.Hits[0].ListType != anpr.ListTypeBlacklist {
		t.Fatalf("hits = %+v", res.Hits)
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, config.AuthConfig{})
	if w := doJSON(r, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

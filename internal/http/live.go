package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/pipeline"
)

const (
	writeWait         = 5 * time.Second
	clientSendBuffer  = 8
	defaultFrameQueue = 4
)

// FrameRenderer turns a frame and its overlays into an encoded image.
type FrameRenderer interface {
	Render(view pipeline.FrameView) ([]byte, error)
}

type liveMessage struct {
	sessionID string
	kind      int
	data      []byte
}

type liveClient struct {
	conn    *websocket.Conn
	session string
	send    chan liveMessage
	done    chan struct{}
	once    sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// LiveHub streams annotated frames (binary JPEG messages) and confirmation
// events (JSON text messages) to websocket clients. Publishing never blocks
// a session: frames and messages are dropped when a queue is full.
type LiveHub struct {
	renderer FrameRenderer
	log      zerolog.Logger
	upgrader websocket.Upgrader

	frames  chan pipeline.FrameView
	dropped atomic.Int64

	mu      sync.RWMutex
	clients map[*liveClient]struct{}
}

func NewLiveHub(renderer FrameRenderer, frameQueue int, log zerolog.Logger) *LiveHub {
	if frameQueue <= 0 {
		frameQueue = defaultFrameQueue
	}
	return &LiveHub{
		renderer: renderer,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		frames:  make(chan pipeline.FrameView, frameQueue),
		clients: make(map[*liveClient]struct{}),
	}
}

// Run renders queued frames until ctx is done, then disconnects all clients.
func (h *LiveHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case view := <-h.frames:
			data, err := h.renderer.Render(view)
			if err != nil {
				h.log.Warn().Err(err).Int("frame_index", view.Frame.Index).Msg("failed to render frame")
				continue
			}
			h.broadcast(liveMessage{sessionID: view.SessionID, kind: websocket.BinaryMessage, data: data})
		}
	}
}

// OnFrame queues a frame for rendering. Frames are skipped while nobody is
// watching or the render queue is full.
func (h *LiveHub) OnFrame(view pipeline.FrameView) {
	if h.ClientCount() == 0 {
		return
	}
	select {
	case h.frames <- view:
	default:
		h.dropped.Add(1)
	}
}

type liveEvent struct {
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id,omitempty"`
	Plate      string                 `json:"plate"`
	FrameIndex int                    `json:"frame_index"`
	Transition *anpr.TransitionResult `json:"transition,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (h *LiveHub) OnConfirmed(ev anpr.ConfirmedEvent) {
	msg := liveEvent{
		Type:       "confirmed",
		SessionID:  ev.SessionID,
		Plate:      ev.Plate,
		FrameIndex: ev.FrameIndex,
		Transition: ev.Transition,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal live event")
		return
	}
	h.broadcast(liveMessage{sessionID: ev.SessionID, kind: websocket.TextMessage, data: data})
}

func (h *LiveHub) broadcast(msg liveMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		// events without a session (manual entries) reach every client
		if c.session != "" && msg.sessionID != "" && c.session != msg.sessionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *LiveHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts frames and messages discarded because a queue was full.
func (h *LiveHub) Dropped() int64 { return h.dropped.Load() }

// ServeWS upgrades the request. ?session=<id> limits the stream to one session.
func (h *LiveHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	client := &liveClient{
		conn:    conn,
		session: c.Query("session"),
		send:    make(chan liveMessage, clientSendBuffer),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", total).Str("session", client.session).Msg("live client connected")

	go h.writeLoop(client)

	// reads only detect the close; clients send nothing
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("live client read error")
			}
			break
		}
	}
	h.remove(client)
}

func (h *LiveHub) writeLoop(c *liveClient) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				h.log.Debug().Err(err).Msg("live client write failed")
				h.remove(c)
				return
			}
		}
	}
}

func (h *LiveHub) remove(c *liveClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.log.Info().Int("clients", total).Msg("live client disconnected")
	}
}

func (h *LiveHub) closeAll() {
	h.mu.Lock()
	clients := make([]*liveClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*liveClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

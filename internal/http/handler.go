package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/service"
)

const stopTimeout = 10 * time.Second

type Handler struct {
	ledger   *service.LedgerService
	sessions *service.SessionManager
	live     *LiveHub
	log      zerolog.Logger
}

// NewHandler wires the API. live may be nil when the live display is off.
func NewHandler(
	ledger *service.LedgerService,
	sessions *service.SessionManager,
	live *LiveHub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		ledger:   ledger,
		sessions: sessions,
		live:     live,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	if h.live != nil {
		r.GET("/ws/live", h.live.ServeWS)
	}

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/sessions", h.listSessions)
		public.GET("/sessions/:id", h.getSession)
		public.GET("/vehicles", h.listVehicles)
		public.GET("/movements", h.listMovements)
	}

	// Operator endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/sessions", h.startSession)
		protected.DELETE("/sessions/:id", h.stopSession)
		protected.POST("/movements", h.createManualMovement)
		protected.POST("/lists/:name/plates", h.addPlateToList)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) startSession(c *gin.Context) {
	var req service.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	info, err := h.sessions.Start(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(info))
}

func (h *Handler) stopSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()

	info, err := h.sessions.Stop(ctx, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.sessions.List()))
}

func (h *Handler) getSession(c *gin.Context) {
	info, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) listVehicles(c *gin.Context) {
	var plateQuery, status *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}
	if s := strings.TrimSpace(c.Query("status")); s != "" {
		status = &s
	}

	vehicles, err := h.ledger.FindVehicles(c.Request.Context(), plateQuery, status)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(vehicles))
}

func (h *Handler) listMovements(c *gin.Context) {
	var plateQuery *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}

	var from, to *string
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	movements, err := h.ledger.FindMovements(c.Request.Context(), plateQuery, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(movements))
}

type manualMovementRequest struct {
	Plate    string `json:"plate" binding:"required"`
	CameraID string `json:"camera_id"`
}

func (h *Handler) createManualMovement(c *gin.Context) {
	var req manualMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	result, err := h.ledger.RecordManualConfirmation(c.Request.Context(), req.Plate, req.CameraID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if h.live != nil {
		h.live.OnConfirmed(anpr.ConfirmedEvent{Plate: result.Plate, Transition: result})
	}
	c.JSON(http.StatusCreated, successResponse(result))
}

type listItemRequest struct {
	Plate string  `json:"plate" binding:"required"`
	Note  *string `json:"note"`
}

func (h *Handler) addPlateToList(c *gin.Context) {
	var req listItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.ledger.AddPlateToList(c.Request.Context(), c.Param("name"), req.Plate, req.Note); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrSessionActive):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, anpr.ErrSourceUnavailable):
		c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
	case errors.Is(err, anpr.ErrPersistence):
		h.log.Error().Err(err).Msg("ledger unavailable")
		c.JSON(http.StatusServiceUnavailable, errorResponse("ledger unavailable"))
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorResponse("timed out"))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

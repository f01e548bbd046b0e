package governance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves a Memory governance service over HTTP.
type Handler struct {
	gov *Memory
}

// NewHandler creates a new governance handler.
func NewHandler(gov *Memory) *Handler {
	return &Handler{gov: gov}
}

// RegisterRoutes sets up governance routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/participations", h.CreateParticipation)
	r.GET("/participations", h.ListParticipations)
	r.GET("/participations/:principal", h.GetParticipation)
}

// CreateParticipation handles POST /participations
func (h *Handler) CreateParticipation(c *gin.Context) {
	var req Participation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.gov.CreateParticipationRecord(c.Request.Context(), req); err != nil {
		switch {
		case errors.Is(err, ErrInvalidRecord):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record", "message": err.Error()})
		case errors.Is(err, ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	rec, _ := h.gov.Get(req.Principal)
	c.JSON(http.StatusOK, rec)
}

// ListParticipations handles GET /participations
func (h *Handler) ListParticipations(c *gin.Context) {
	records := h.gov.Records()
	c.JSON(http.StatusOK, gin.H{"participations": records, "count": len(records)})
}

// GetParticipation handles GET /participations/:principal
func (h *Handler) GetParticipation(c *gin.Context) {
	rec, ok := h.gov.Get(c.Param("principal"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No participation for principal"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

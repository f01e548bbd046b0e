package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves audit reports to operators.
type Handler struct {
	service *Service
}

// NewHandler creates an audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes mounts the audit routes on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Latest)
	r.POST("/audit", h.Run)
}

// Latest handles GET /audit and returns the last report.
func (h *Handler) Latest(c *gin.Context) {
	report := h.service.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "no audit has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Run handles POST /audit and audits the sale now.
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

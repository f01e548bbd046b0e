package sale

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapsale/internal/auth"
	"github.com/mbd888/swapsale/internal/circuitbreaker"
	"github.com/mbd888/swapsale/internal/governance"
	"github.com/mbd888/swapsale/internal/ledger"
	"github.com/mbd888/swapsale/internal/logging"
	"github.com/mbd888/swapsale/internal/validation"
)

// Handler provides HTTP endpoints for sale operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new sale handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public sale routes. refreshLimit, if non-nil,
// runs before the buyer refresh handler.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, refreshLimit gin.HandlerFunc) {
	r.GET("/sale", h.GetState)
	r.GET("/sale/buyers/:principal", validation.PrincipalParamMiddleware(), h.GetBuyer)
	r.POST("/sale/open", h.OpenSale)
	r.POST("/sale/refresh-tokens", h.RefreshSaleTokens)
	r.POST("/sale/finalize", h.FinalizeSale)

	refresh := []gin.HandlerFunc{}
	if refreshLimit != nil {
		refresh = append(refresh, refreshLimit)
	}
	refresh = append(refresh, h.RefreshBuyerTokens)
	r.POST("/sale/buyers/refresh", refresh...)
}

// RegisterAdminRoutes sets up operator routes. The group must already be
// guarded by auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sale/buyers/:principal/reset", validation.PrincipalParamMiddleware(), h.ResetDisbursing)
	r.POST("/sale/advance", h.Advance)
}

// RefreshBuyerRequest is the body of POST /v1/sale/buyers/refresh.
type RefreshBuyerRequest struct {
	// Principal defaults to the caller.
	Principal string `json:"principal"`
}

// ResetRequest is the body of the admin reset route.
type ResetRequest struct {
	Leg string `json:"leg" binding:"required"`
}

// GetState handles GET /v1/sale
func (h *Handler) GetState(c *gin.Context) {
	snap, err := h.service.GetState(h.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetBuyer handles GET /v1/sale/buyers/:principal
func (h *Handler) GetBuyer(c *gin.Context) {
	b, err := h.service.GetBuyer(h.ctx(c), c.Param("principal"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"buyer":        b,
		"baseLeg":      b.BaseLeg(),
		"saleTokenLeg": b.SaleTokenLeg(),
	})
}

// OpenSale handles POST /v1/sale/open
func (h *Handler) OpenSale(c *gin.Context) {
	s, err := h.service.OpenSale(h.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": s})
}

// RefreshSaleTokens handles POST /v1/sale/refresh-tokens
func (h *Handler) RefreshSaleTokens(c *gin.Context) {
	balance, err := h.service.RefreshSaleTokens(h.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saleTokenE8s": balance})
}

// RefreshBuyerTokens handles POST /v1/sale/buyers/refresh
func (h *Handler) RefreshBuyerTokens(c *gin.Context) {
	var req RefreshBuyerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	principal := validation.SanitizePrincipal(req.Principal)
	if principal == "" {
		caller, ok := auth.GetCaller(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "principal is required when no caller principal is present",
			})
			return
		}
		principal = caller
	}
	if errs := validation.Validate(validation.ValidPrincipal("principal", principal)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.service.RefreshBuyerTokens(h.ctx(c), principal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// FinalizeSale handles POST /v1/sale/finalize
func (h *Handler) FinalizeSale(c *gin.Context) {
	res, err := h.service.FinalizeSale(h.ctx(c))
	if err != nil && res == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"result": res, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ResetDisbursing handles POST /v1/admin/sale/buyers/:principal/reset
func (h *Handler) ResetDisbursing(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	leg, err := ParseLeg(req.Leg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	b, err := h.service.ResetDisbursing(h.ctx(c), c.Param("principal"), leg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyer": b})
}

// Advance handles POST /v1/admin/sale/advance
func (h *Handler) Advance(c *gin.Context) {
	lc, err := h.service.Advance(h.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifecycle": lc})
}

func (h *Handler) ctx(c *gin.Context) context.Context {
	ctx := logging.WithSaleID(c.Request.Context(), h.service.id)
	if caller, ok := auth.GetCaller(c); ok {
		ctx = logging.WithCaller(ctx, caller)
	}
	return ctx
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrSaleNotFound):
		status, code = http.StatusNotFound, "sale_not_found"
	case errors.Is(err, ErrBuyerNotFound):
		status, code = http.StatusNotFound, "buyer_not_found"
	case errors.Is(err, ErrInvalidLifecycle):
		status, code = http.StatusConflict, "invalid_lifecycle"
	case errors.Is(err, ErrSaleEnded):
		status, code = http.StatusConflict, "sale_ended"
	case errors.Is(err, ErrTargetReached):
		status, code = http.StatusConflict, "target_reached"
	case errors.Is(err, ErrNotDisbursing):
		status, code = http.StatusConflict, "not_disbursing"
	case errors.Is(err, ErrBelowMinimum):
		status, code = http.StatusBadRequest, "below_minimum"
	case errors.Is(err, ErrNoSaleTokens):
		status, code = http.StatusBadRequest, "no_sale_tokens"
	case errors.Is(err, ErrInvalidPrincipal):
		status, code = http.StatusBadRequest, "invalid_principal"
	case errors.Is(err, circuitbreaker.ErrOpen):
		status, code = http.StatusServiceUnavailable, "collaborator_unavailable"
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, governance.ErrUnavailable):
		status, code = http.StatusBadGateway, "collaborator_unavailable"
	case errors.Is(err, ledger.ErrInvalidAccount), errors.Is(err, ledger.ErrInvalidAmount):
		status, code = http.StatusBadGateway, "collaborator_rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, ErrInvariant):
		status, code = http.StatusInternalServerError, "invariant_violation"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapsale/internal/e8s"
	"github.com/mbd888/swapsale/internal/validation"
)

// Handler serves a MemoryLedger over HTTP. It is mounted in development mode
// so deposits can be simulated, and it is the server side of HTTPClient.
type Handler struct {
	ledger *MemoryLedger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *MemoryLedger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
	r.POST("/transfer", h.Transfer)
	r.POST("/mint", h.Mint)
	r.GET("/blocks", h.ListBlocks)
}

type balanceResponse struct {
	Account    Account `json:"account"`
	BalanceE8s uint64  `json:"balanceE8s"`
}

// mintRequest takes the amount either in e8s or as a decimal string
// ("amount": "1.5"). The decimal form wins when both are set.
type mintRequest struct {
	To        Account `json:"to"`
	AmountE8s uint64  `json:"amountE8s"`
	Amount    string  `json:"amount"`
}

// GetBalance handles GET /balance?owner=...&subaccount=...
func (h *Handler) GetBalance(c *gin.Context) {
	account := Account{Owner: c.Query("owner")}
	if sub := c.Query("subaccount"); sub != "" {
		s, err := ParseSubaccount(sub)
		if err != nil {
			writeError(c, err)
			return
		}
		account.Subaccount = &s
	}

	bal, err := h.ledger.BalanceOf(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Account: account, BalanceE8s: bal})
}

// Transfer handles POST /transfer
func (h *Handler) Transfer(c *gin.Context) {
	var args TransferArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.ledger.Transfer(c.Request.Context(), args)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{
				"error":      "duplicate",
				"message":    err.Error(),
				"blockIndex": res.BlockIndex,
				"txId":       res.TxID,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Mint handles POST /mint
func (h *Handler) Mint(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("to.owner", req.To.Owner),
		validation.ValidPrincipal("to.owner", req.To.Owner),
		validation.ValidE8s("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount := req.AmountE8s
	if req.Amount != "" {
		amount, _ = e8s.Parse(req.Amount)
	}

	res, err := h.ledger.Mint(c.Request.Context(), req.To, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListBlocks handles GET /blocks?start=N
func (h *Handler) ListBlocks(c *gin.Context) {
	blocks := h.ledger.Blocks()
	if s := c.Query("start"); s != "" {
		if start, err := strconv.Atoi(s); err == nil && start >= 0 {
			if start > len(blocks) {
				start = len(blocks)
			}
			blocks = blocks[start:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

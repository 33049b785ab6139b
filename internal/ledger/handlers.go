package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/metrics"
)

// Handler provides HTTP endpoints for ledger reads and point spends.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
	r.POST("/accounts/:id/spend", h.Spend)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetBalance handles GET /accounts/:id/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /accounts/:id/ledger.
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// SpendRequest debits points from an account (e.g. a shop purchase).
type SpendRequest struct {
	Amount   int64  `json:"amount" binding:"required"`
	SourceID string `json:"sourceId" binding:"required"`
}

// Spend handles POST /accounts/:id/spend.
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	accountID := c.Param("id")
	entryID, newBalance, err := h.ledger.Spend(c.Request.Context(), accountID, req.Amount, req.SourceID)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance", "message": "Not enough points"})
		return
	case errors.Is(err, ErrInvalidDelta):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
		return
	case errors.Is(err, ErrDuplicateSource):
		// Same spend source seen before: idempotent acknowledgment.
		bal, berr := h.ledger.GetBalance(c.Request.Context(), accountID)
		if berr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "spend_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"duplicate": true, "balance": bal.Points})
		return
	case err != nil:
		h.logger.Error("spend failed", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "spend_error", "message": "Failed to spend points"})
		return
	}

	metrics.LedgerEntriesTotal.WithLabelValues(ReasonSpend).Inc()
	c.JSON(http.StatusOK, gin.H{"entryId": entryID, "balance": newBalance})
}

// Reconcile handles GET /admin/reconcile: replays every account and
// reports projection drift.
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := ReconcileAll(c.Request.Context(), h.ledger.Store())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error", "message": err.Error()})
		return
	}

	var mismatches []*ReconciliationResult
	for _, r := range results {
		if !r.Match {
			mismatches = append(mismatches, r)
			metrics.BalanceMismatchTotal.Inc()
			h.logger.Error("balance projection drift detected",
				"account_id", r.AccountID, "replayed", r.Replayed, "projected", r.Projected)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts":   len(results),
		"mismatches": mismatches,
		"healthy":    len(mismatches) == 0,
	})
}

package settlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/payments"
	"github.com/bloomhq/settlement/internal/rules"
)

// Handler provides HTTP endpoints for investments.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up investment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/investments", h.Create)
	r.GET("/investments/:id", h.Get)
	r.GET("/accounts/:id/investments", h.ListByAccount)
}

// Create handles POST /investments.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	inv, intent, err := h.service.CreateInvestment(c.Request.Context(), req)
	switch {
	case errors.Is(err, rules.ErrUnknownType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_type", "message": err.Error()})
		return
	case errors.Is(err, rules.ErrOutOfBounds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount_out_of_bounds", "message": err.Error()})
		return
	case errors.Is(err, payments.ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "message": "Payment provider is unavailable, try again"})
		return
	case err != nil:
		h.logger.Error("create investment failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_error", "message": "Failed to create investment"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"investment": inv, "payment": intent})
}

// Get handles GET /investments/:id.
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrInvestmentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Investment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_error", "message": "Failed to retrieve investment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"investment": inv})
}

// ListByAccount handles GET /accounts/:id/investments.
func (h *Handler) ListByAccount(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	investments, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": "Failed to list investments"})
		return
	}
	if investments == nil {
		investments = []*Investment{}
	}
	c.JSON(http.StatusOK, gin.H{"investments": investments})
}

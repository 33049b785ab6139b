package subscription

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/payments"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Create)
	r.GET("/subscriptions/:id", h.Get)
	r.DELETE("/subscriptions/:id", h.Cancel)
	r.GET("/accounts/:id/subscriptions", h.ListByAccount)
}

// Create handles POST /subscriptions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sub, intent, err := h.service.Create(c.Request.Context(), req)
	if errors.Is(err, payments.ErrProviderUnavailable) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "message": "Payment provider is unavailable, try again"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "payment": intent})
}

// Get handles GET /subscriptions/:id.
func (h *Handler) Get(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_error", "message": "Failed to retrieve subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Cancel handles DELETE /subscriptions/:id.
func (h *Handler) Cancel(c *gin.Context) {
	sub, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Subscription not found"})
		return
	}
	if err != nil {
		h.logger.Error("cancel subscription failed", "subscriptionId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_error", "message": "Failed to cancel subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ListByAccount handles GET /accounts/:id/subscriptions.
func (h *Handler) ListByAccount(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	subs, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": "Failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

package rewards

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for quests and rewards.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new rewards handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up quest and inventory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quests", h.ListQuests)
	r.GET("/accounts/:id/quests", h.ListProgress)
	r.POST("/accounts/:id/quests/:questId/progress", h.RecordProgress)
	r.POST("/accounts/:id/quests/:questId/claim", h.Claim)
	r.GET("/accounts/:id/inventory", h.GetInventory)
}

// RegisterAdminRoutes sets up quest management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/quests", h.CreateQuest)
}

// CreateQuestRequest registers a new quest.
type CreateQuestRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Target      int64  `json:"target" binding:"required"`
	Points      int64  `json:"points"`
	ItemSKU     string `json:"itemSku"`
}

// CreateQuest handles POST /admin/quests.
func (h *Handler) CreateQuest(c *gin.Context) {
	var req CreateQuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	quest := &Quest{
		Title:       req.Title,
		Description: req.Description,
		Target:      req.Target,
		Points:      req.Points,
		ItemSKU:     req.ItemSKU,
		Active:      true,
	}
	if err := h.service.CreateQuest(c.Request.Context(), quest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quest", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"quest": quest})
}

// ListQuests handles GET /quests.
func (h *Handler) ListQuests(c *gin.Context) {
	quests, err := h.service.ListQuests(c.Request.Context(), c.Query("all") == "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": "Failed to list quests"})
		return
	}
	if quests == nil {
		quests = []*Quest{}
	}
	c.JSON(http.StatusOK, gin.H{"quests": quests})
}

// ListProgress handles GET /accounts/:id/quests.
func (h *Handler) ListProgress(c *gin.Context) {
	progress, err := h.service.ListProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress_error", "message": "Failed to list progress"})
		return
	}
	if progress == nil {
		progress = []*Progress{}
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

// ProgressRequest advances a quest counter.
type ProgressRequest struct {
	Increment int64 `json:"increment"`
}

// RecordProgress handles POST /accounts/:id/quests/:questId/progress.
func (h *Handler) RecordProgress(c *gin.Context) {
	req := ProgressRequest{Increment: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if req.Increment <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_increment", "message": "Increment must be positive"})
		return
	}

	progress, err := h.service.RecordProgress(c.Request.Context(), c.Param("id"), c.Param("questId"), req.Increment)
	if errors.Is(err, ErrQuestNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "quest_not_found", "message": "Quest not found"})
		return
	}
	if err != nil {
		h.logger.Error("record progress failed", "questId", c.Param("questId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress_error", "message": "Failed to record progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

// Claim handles POST /accounts/:id/quests/:questId/claim.
func (h *Handler) Claim(c *gin.Context) {
	result, err := h.service.ClaimReward(c.Request.Context(), c.Param("id"), c.Param("questId"))
	switch {
	case errors.Is(err, ErrQuestNotFound), errors.Is(err, ErrProgressNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "quest_not_found", "message": "Quest or progress not found"})
		return
	case errors.Is(err, ErrNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_completed", "message": "Quest is not completed yet"})
		return
	case errors.Is(err, ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_claimed", "message": "Reward was already claimed"})
		return
	case err != nil:
		h.logger.Error("claim failed", "questId", c.Param("questId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim_error", "message": "Failed to claim reward"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetInventory handles GET /accounts/:id/inventory.
func (h *Handler) GetInventory(c *gin.Context) {
	items, err := h.service.GetInventory(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "inventory_error", "message": "Failed to list inventory"})
		return
	}
	if items == nil {
		items = []*InventoryItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

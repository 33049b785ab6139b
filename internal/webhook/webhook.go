// Package webhook terminates the provider's event delivery channel.
//
// Status codes are the contract with the provider's retry loop:
//
//	2xx - event consumed, never redeliver (including business errors)
//	4xx - rejected, bad signature or schema, redelivery is pointless
//	5xx - transient, nothing committed, please redeliver
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bloomhq/settlement/internal/intake"
	"github.com/bloomhq/settlement/internal/logging"
	"github.com/bloomhq/settlement/internal/metrics"
	"github.com/bloomhq/settlement/internal/settlement"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes caps webhook payload size.
const maxBodyBytes = 1 << 20

// SubscriptionApplier settles subscription payment events.
type SubscriptionApplier interface {
	ApplyPaymentEvent(ctx context.Context, event *intake.Event) (*settlement.ProcessResult, error)
}

// Handler receives and dispatches provider events.
type Handler struct {
	secret        string
	events        intake.Store
	settlements   *settlement.Service
	subscriptions SubscriptionApplier
	logger        *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(secret string, events intake.Store, settlements *settlement.Service, logger *slog.Logger) *Handler {
	return &Handler{
		secret:      secret,
		events:      events,
		settlements: settlements,
		logger:      logger,
	}
}

// WithSubscriptions routes subscription payment events to the given applier.
func (h *Handler) WithSubscriptions(s SubscriptionApplier) *Handler {
	h.subscriptions = s
	return h
}

// RegisterRoutes sets up the webhook endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider", h.Receive)
}

// Receive handles POST /webhooks/provider.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error"})
		return
	}

	event, err := intake.Verify(body, c.GetHeader(SignatureHeader), h.secret)
	if errors.Is(err, intake.ErrSignatureInvalid) {
		metrics.EventsProcessedTotal.WithLabelValues("unknown", "rejected").Inc()
		h.logger.Warn("webhook signature rejected", "remoteAddr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}
	if errors.Is(err, intake.ErrSchemaInvalid) {
		metrics.EventsProcessedTotal.WithLabelValues("unknown", "rejected").Inc()
		h.logger.Warn("webhook schema rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schema", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_error"})
		return
	}

	ctx := logging.WithEventID(c.Request.Context(), event.ID)

	// Audit copy first. If this fails nothing was consumed yet, so a 5xx
	// redelivery is safe.
	if err := h.events.Save(ctx, event); err != nil {
		h.logger.Error("failed to store external event", "eventId", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}

	result, err := h.dispatch(ctx, event)
	if err != nil {
		h.logger.Error("event processing failed, awaiting redelivery",
			"eventId", event.ID, "eventType", string(event.Type), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_error"})
		return
	}

	if result.Outcome == settlement.ResultIgnored {
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "ignored").Inc()
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  result.Outcome,
		"detail":   result.Detail,
	})
}

func (h *Handler) dispatch(ctx context.Context, event *intake.Event) (*settlement.ProcessResult, error) {
	forSubscription := (event.Payment != nil && event.Payment.SubscriptionID != "") ||
		(event.Refund != nil && event.Refund.SubscriptionID != "")
	if forSubscription {
		if h.subscriptions == nil {
			return &settlement.ProcessResult{Outcome: settlement.ResultIgnored, Detail: "subscriptions disabled"}, nil
		}
		return h.subscriptions.ApplyPaymentEvent(ctx, event)
	}
	return h.settlements.SettleFromEvent(ctx, event)
}

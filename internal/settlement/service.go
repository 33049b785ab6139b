package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/idgen"
	"github.com/bloomhq/settlement/internal/intake"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/metrics"
	"github.com/bloomhq/settlement/internal/payments"
	"github.com/bloomhq/settlement/internal/retry"
	"github.com/bloomhq/settlement/internal/rules"
)

// Process outcomes for one event delivery. Success and business_error
// both acknowledge the event; transient errors surface as plain errors so
// the provider redelivers.
const (
	ResultSuccess       = "success"
	ResultDuplicate     = "duplicate"
	ResultBusinessError = "business_error"
	ResultIgnored       = "ignored"
)

// ProcessResult reports how an event delivery was consumed.
type ProcessResult struct {
	Outcome    string      `json:"outcome"`
	Detail     string      `json:"detail,omitempty"`
	Investment *Investment `json:"investment,omitempty"`
	NewBalance int64       `json:"newBalance,omitempty"`
}

// Notifier pushes settlement outcomes to connected clients. Optional and
// strictly best-effort; delivery never affects settlement.
type Notifier interface {
	NotifySettlement(inv *Investment, newBalance int64)
}

// Service implements investment settlement business logic.
type Service struct {
	store    Store
	engine   *rules.Engine
	payments payments.Client
	logger   *slog.Logger
	notifier Notifier

	currency    string
	deadline    time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// NewService creates a settlement service.
func NewService(store Store, engine *rules.Engine, pay payments.Client, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		engine:      engine,
		payments:    pay,
		logger:      logger,
		currency:    "eur",
		deadline:    15 * time.Second,
		maxAttempts: 3,
		baseDelay:   50 * time.Millisecond,
	}
}

// WithNotifier adds a realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithProcessing overrides the per-event deadline and retry policy.
func (s *Service) WithProcessing(deadline time.Duration, maxAttempts int, baseDelay time.Duration) *Service {
	if deadline > 0 {
		s.deadline = deadline
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		s.baseDelay = baseDelay
	}
	return s
}

// WithCurrency overrides the charge currency.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = currency
	}
	return s
}

// CreateRequest contains the parameters for creating an investment.
type CreateRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	ProjectRef  string `json:"projectRef" binding:"required"`
	Type        string `json:"type" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required"`
}

// CreateInvestment validates the request, records a pending entity and
// initiates the charge with the provider. Points are computed now and
// frozen on the entity; only a success event credits them.
func (s *Service) CreateInvestment(ctx context.Context, req CreateRequest) (*Investment, *payments.Intent, error) {
	investType := rules.InvestmentType(req.Type)
	if err := s.engine.ValidateAmount(investType, req.AmountCents); err != nil {
		return nil, nil, err
	}
	points, err := s.engine.PointsForInvestment(investType, req.AmountCents)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	inv := &Investment{
		ID:          idgen.WithPrefix("inv_"),
		AccountID:   req.AccountID,
		ProjectRef:  req.ProjectRef,
		Type:        investType,
		AmountCents: req.AmountCents,
		Currency:    s.currency,
		Points:      points,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateInvestment(ctx, inv); err != nil {
		return nil, nil, fmt.Errorf("create investment: %w", err)
	}

	// Provider call happens after the entity exists so the webhook can
	// always resolve the reference, and outside any lock.
	intent, err := s.payments.CreateIntent(ctx, payments.IntentRequest{
		AmountCents: inv.AmountCents,
		Currency:    inv.Currency,
		AccountID:   inv.AccountID,
		EntityID:    inv.ID,
		Kind:        "investment",
	})
	if err != nil {
		if _, ferr := s.store.FailPending(ctx, inv.ID, "provider_unavailable"); ferr != nil {
			s.logger.Error("failed to fail investment after provider error",
				"investmentId", inv.ID, "error", ferr)
		}
		return nil, nil, err
	}

	if err := s.store.UpdatePaymentHandle(ctx, inv.ID, intent.ID); err != nil {
		s.logger.Warn("failed to attach payment handle", "investmentId", inv.ID, "error", err)
	}
	inv.PaymentHandle = intent.ID

	s.logger.Info("investment created",
		"investmentId", inv.ID, "accountId", inv.AccountID,
		"amountCents", inv.AmountCents, "points", inv.Points)
	return inv, intent, nil
}

// Get returns an investment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Investment, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns an account's investments, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Investment, error) {
	return s.store.ListByAccount(ctx, accountID, limit)
}

// SettleFromEvent applies one verified provider event to its investment.
//
// Returns a ProcessResult for every consumable delivery, including
// duplicates and business errors. A non-nil error means the event was NOT
// consumed and must be redelivered.
func (s *Service) SettleFromEvent(ctx context.Context, event *intake.Event) (*ProcessResult, error) {
	if !event.Recognized() {
		return &ProcessResult{Outcome: ResultIgnored, Detail: string(event.Type)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var op func(context.Context) (*Outcome, error)
	switch event.Type {
	case intake.EventPaymentSucceeded:
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.SettleSucceeded(ctx, event.ID, event.Payment.EntityID)
		}
	case intake.EventPaymentFailed:
		reason := event.Payment.FailureReason
		if reason == "" {
			reason = "payment_failed"
		}
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.SettleFailed(ctx, event.ID, event.Payment.EntityID, reason)
		}
	case intake.EventChargeRefunded:
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.ApplyRefund(ctx, event.ID, event.Refund.EntityID)
		}
	default:
		return &ProcessResult{Outcome: ResultIgnored, Detail: string(event.Type)}, nil
	}

	var outcome *Outcome
	err := retry.Do(ctx, s.maxAttempts, s.baseDelay, func() error {
		out, err := op(ctx)
		if err == nil {
			outcome = out
			return nil
		}
		if isBusinessError(err) {
			return retry.Permanent(err)
		}
		if ledger.IsRetryable(err) {
			return err
		}
		return retry.Permanent(err)
	})

	if err != nil {
		if isBusinessError(err) {
			return s.consumeBusinessError(ctx, event, err)
		}
		// Transient: nothing committed, the provider must redeliver.
		return nil, fmt.Errorf("settle event %s: %w", event.ID, err)
	}

	if outcome.Duplicate {
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		return resultFromRecord(outcome.Recorded), nil
	}

	s.observeSettled(event, outcome)
	return &ProcessResult{
		Outcome:    ResultSuccess,
		Investment: outcome.Investment,
		NewBalance: outcome.NewBalance,
	}, nil
}

// consumeBusinessError records the event as consumed with a business
// outcome. The acknowledgment itself must stick, so a failure to record
// is transient.
func (s *Service) consumeBusinessError(ctx context.Context, event *intake.Event, bizErr error) (*ProcessResult, error) {
	if err := s.store.RecordBusinessError(ctx, event.ID, bizErr.Error()); err != nil {
		return nil, fmt.Errorf("record business error for event %s: %w", event.ID, err)
	}
	s.logger.Warn("event consumed with business error",
		"eventId", event.ID, "eventType", string(event.Type), "error", bizErr)
	metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "business_error").Inc()
	return &ProcessResult{Outcome: ResultBusinessError, Detail: bizErr.Error()}, nil
}

func (s *Service) observeSettled(event *intake.Event, outcome *Outcome) {
	inv := outcome.Investment
	metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "success").Inc()

	switch event.Type {
	case intake.EventPaymentSucceeded:
		metrics.SettlementsTotal.WithLabelValues(string(StatusSucceeded)).Inc()
		metrics.LedgerEntriesTotal.WithLabelValues(ledger.ReasonInvestmentBonus).Inc()
		s.logger.Info("investment settled",
			"investmentId", inv.ID, "accountId", inv.AccountID,
			"points", inv.Points, "newBalance", outcome.NewBalance)
	case intake.EventPaymentFailed:
		metrics.SettlementsTotal.WithLabelValues(string(StatusFailed)).Inc()
		s.logger.Info("investment failed",
			"investmentId", inv.ID, "accountId", inv.AccountID, "reason", inv.FailureReason)
	case intake.EventChargeRefunded:
		metrics.LedgerEntriesTotal.WithLabelValues(ledger.ReasonRefundClawback).Inc()
		s.logger.Info("investment refunded",
			"investmentId", inv.ID, "accountId", inv.AccountID,
			"clawedBack", inv.Points, "newBalance", outcome.NewBalance)
	}

	if s.notifier != nil {
		s.notifier.NotifySettlement(inv, outcome.NewBalance)
	}
}

func resultFromRecord(rec *idempotency.Record) *ProcessResult {
	r := &ProcessResult{Outcome: ResultDuplicate}
	if rec != nil && rec.Outcome == idempotency.OutcomeBusinessError {
		r.Detail = rec.ErrorDetail
	}
	return r
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrUnknownEntity) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ledger.ErrInsufficientBalance)
}

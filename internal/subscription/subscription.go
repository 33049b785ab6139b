// Package subscription manages recurring plans that grant points every
// billing cycle. Renewal charges arrive as provider payment events and
// run through the same exactly-once machinery as investments.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bloomhq/settlement/internal/idgen"
	"github.com/bloomhq/settlement/internal/intake"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/metrics"
	"github.com/bloomhq/settlement/internal/payments"
	"github.com/bloomhq/settlement/internal/retry"
	"github.com/bloomhq/settlement/internal/rules"
	"github.com/bloomhq/settlement/internal/settlement"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrNotRenewable is a business error: the subscription is canceled
	// and cannot accept renewal events.
	ErrNotRenewable = errors.New("subscription not renewable")
)

// Status represents the state of a subscription.
type Status string

const (
	StatusActive   Status = "active"   // Billing normally
	StatusPastDue  Status = "past_due" // Last renewal failed or overdue, recoverable
	StatusCanceled Status = "canceled" // Terminal
)

// Subscription is a recurring plan for one account.
//
// Billing dates are always derived from the anchor (StartedAt) plus the
// number of completed cycles, never from the previous computed date, so a
// Jan 31 monthly plan bills Feb 28 and then Mar 31 again.
type Subscription struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	PlanRef          string          `json:"planRef"`
	Frequency        rules.Frequency `json:"frequency"`
	AmountCents      int64           `json:"amountCents"`
	Currency         string          `json:"currency"`
	PointsPerCycle   int64           `json:"pointsPerCycle"`
	Status           Status          `json:"status"`
	CycleCount       int64           `json:"cycleCount"`
	StartedAt        time.Time       `json:"startedAt"`
	CurrentPeriodEnd time.Time       `json:"currentPeriodEnd"`
	NextBillingAt    time.Time       `json:"nextBillingAt"`
	PointsExpiryAt   time.Time       `json:"pointsExpiryAt"`
	CanceledAt       *time.Time      `json:"canceledAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// refreshDerivedDates recomputes CurrentPeriodEnd, NextBillingAt and
// PointsExpiryAt from the anchor and the completed cycle count. The next
// charge lands when the running period ends, so CurrentPeriodEnd and
// NextBillingAt carry the same date. Points granted for the running
// period expire a fixed offset after that period's start.
func (s *Subscription) refreshDerivedDates() error {
	months, err := s.Frequency.Months()
	if err != nil {
		return err
	}
	periodStart := rules.AddMonthsClamped(s.StartedAt, months*int(s.CycleCount))
	periodEnd := rules.AddMonthsClamped(s.StartedAt, months*int(s.CycleCount+1))
	s.CurrentPeriodEnd = periodEnd
	s.NextBillingAt = periodEnd
	s.PointsExpiryAt = rules.PointsExpiryDate(periodStart)
	return nil
}

// Outcome is the result of applying one event to a subscription.
type Outcome struct {
	Duplicate    bool
	Recorded     *RecordedAck
	Subscription *Subscription
	NewBalance   int64
}

// RecordedAck is the previously recorded acknowledgment replayed for a
// duplicate delivery.
type RecordedAck struct {
	Outcome     string
	ErrorDetail string
}

// Store persists subscriptions and applies event-driven transitions with
// the same atomicity contract as the settlement store: mark, transition
// and ledger write commit together, business errors roll back.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Subscription, error)
	ListDueBefore(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
	UpdatePaymentHandle(ctx context.Context, id, handle string) error

	// ApplyRenewal grants the cycle's points, bumps the cycle count and
	// recomputes the next billing date from the anchor. Recovers past_due.
	ApplyRenewal(ctx context.Context, eventID, subscriptionID string) (*Outcome, error)
	// ApplyPaymentFailure marks the subscription past_due. No ledger effect.
	ApplyPaymentFailure(ctx context.Context, eventID, subscriptionID, reason string) (*Outcome, error)
	// ApplyRefund claws back one cycle's points.
	ApplyRefund(ctx context.Context, eventID, subscriptionID string) (*Outcome, error)

	// MarkPastDue flags an overdue subscription without an event.
	MarkPastDue(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (*Subscription, error)

	RecordBusinessError(ctx context.Context, eventID, detail string) error
}

// Service implements subscription business logic.
type Service struct {
	store    Store
	payments payments.Client
	logger   *slog.Logger

	currency    string
	basePoints  int64
	deadline    time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// NewService creates a subscription service.
func NewService(store Store, pay payments.Client, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		payments:    pay,
		logger:      logger,
		currency:    "eur",
		basePoints:  rules.DefaultConfig().BasePointsPerUnit,
		deadline:    15 * time.Second,
		maxAttempts: 3,
		baseDelay:   50 * time.Millisecond,
	}
}

// WithPricing overrides the currency and base points per currency unit.
func (s *Service) WithPricing(currency string, basePointsPerUnit int64) *Service {
	if currency != "" {
		s.currency = currency
	}
	if basePointsPerUnit > 0 {
		s.basePoints = basePointsPerUnit
	}
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

// CreateRequest contains the parameters for starting a subscription.
type CreateRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	PlanRef     string `json:"planRef" binding:"required"`
	Frequency   string `json:"frequency" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required"`
}

// Create starts a subscription and initiates the first charge. Points are
// only granted when the provider confirms each cycle's payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Subscription, *payments.Intent, error) {
	freq := rules.Frequency(req.Frequency)
	if req.AmountCents <= 0 {
		return nil, nil, fmt.Errorf("amount must be positive")
	}

	now := time.Now()
	sub := &Subscription{
		ID:             idgen.WithPrefix("sub_"),
		AccountID:      req.AccountID,
		PlanRef:        req.PlanRef,
		Frequency:      freq,
		AmountCents:    req.AmountCents,
		Currency:       s.currency,
		PointsPerCycle: rules.Points(req.AmountCents, s.basePoints, 0),
		Status:         StatusActive,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := sub.refreshDerivedDates(); err != nil {
		return nil, nil, err
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("create subscription: %w", err)
	}

	intent, err := s.payments.CreateIntent(ctx, payments.IntentRequest{
		AmountCents: sub.AmountCents,
		Currency:    sub.Currency,
		AccountID:   sub.AccountID,
		EntityID:    sub.ID,
		Kind:        "subscription",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.UpdatePaymentHandle(ctx, sub.ID, intent.ID); err != nil {
		s.logger.Warn("failed to attach payment handle", "subscriptionId", sub.ID, "error", err)
	}

	s.logger.Info("subscription created",
		"subscriptionId", sub.ID, "accountId", sub.AccountID,
		"frequency", string(freq), "nextBillingAt", sub.NextBillingAt)
	return sub, intent, nil
}

// Get returns a subscription by ID.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns an account's subscriptions.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Subscription, error) {
	return s.store.ListByAccount(ctx, accountID, limit)
}

// Cancel cancels a subscription. Terminal; renewal events afterwards are
// consumed as business errors.
func (s *Service) Cancel(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription canceled", "subscriptionId", id, "accountId", sub.AccountID)
	return sub, nil
}

// ApplyPaymentEvent applies one verified provider event to its
// subscription. Same contract as investment settlement: a non-nil error
// means nothing was consumed and the event must be redelivered.
func (s *Service) ApplyPaymentEvent(ctx context.Context, event *intake.Event) (*settlement.ProcessResult, error) {
	subscriptionID := ""
	switch {
	case event.Payment != nil:
		subscriptionID = event.Payment.SubscriptionID
	case event.Refund != nil:
		subscriptionID = event.Refund.SubscriptionID
	}
	if subscriptionID == "" {
		return &settlement.ProcessResult{Outcome: settlement.ResultIgnored, Detail: string(event.Type)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var op func(context.Context) (*Outcome, error)
	switch event.Type {
	case intake.EventPaymentSucceeded:
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.ApplyRenewal(ctx, event.ID, subscriptionID)
		}
	case intake.EventPaymentFailed:
		reason := event.Payment.FailureReason
		if reason == "" {
			reason = "payment_failed"
		}
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.ApplyPaymentFailure(ctx, event.ID, subscriptionID, reason)
		}
	case intake.EventChargeRefunded:
		op = func(ctx context.Context) (*Outcome, error) {
			return s.store.ApplyRefund(ctx, event.ID, subscriptionID)
		}
	default:
		return &settlement.ProcessResult{Outcome: settlement.ResultIgnored, Detail: string(event.Type)}, nil
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
			if rerr := s.store.RecordBusinessError(ctx, event.ID, err.Error()); rerr != nil {
				return nil, fmt.Errorf("record business error for event %s: %w", event.ID, rerr)
			}
			s.logger.Warn("subscription event consumed with business error",
				"eventId", event.ID, "subscriptionId", subscriptionID, "error", err)
			metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "business_error").Inc()
			return &settlement.ProcessResult{Outcome: settlement.ResultBusinessError, Detail: err.Error()}, nil
		}
		return nil, fmt.Errorf("apply subscription event %s: %w", event.ID, err)
	}

	if outcome.Duplicate {
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		result := &settlement.ProcessResult{Outcome: settlement.ResultDuplicate}
		if outcome.Recorded != nil {
			result.Detail = outcome.Recorded.ErrorDetail
		}
		return result, nil
	}

	metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), "success").Inc()
	if event.Type == intake.EventPaymentSucceeded {
		metrics.SubscriptionRenewalsTotal.Inc()
		metrics.LedgerEntriesTotal.WithLabelValues(ledger.ReasonSubscriptionGrant).Inc()
		s.logger.Info("subscription renewed",
			"subscriptionId", subscriptionID, "accountId", outcome.Subscription.AccountID,
			"cycle", outcome.Subscription.CycleCount, "nextBillingAt", outcome.Subscription.NextBillingAt,
			"newBalance", outcome.NewBalance)
	}

	return &settlement.ProcessResult{
		Outcome:    settlement.ResultSuccess,
		NewBalance: outcome.NewBalance,
	}, nil
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrNotRenewable) ||
		errors.Is(err, ledger.ErrInsufficientBalance)
}

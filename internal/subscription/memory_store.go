package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/syncutil"
)

// MemoryStore is an in-memory Store for tests and local development,
// built like the settlement memory store: a per-subscription mutex
// serializes every event application.
type MemoryStore struct {
	subs syncutil.ShardedMutex

	mu            sync.RWMutex
	subscriptions map[string]*Subscription

	idem   idempotency.Store
	ledger ledger.Store
}

// NewMemoryStore creates an in-memory subscription store sharing the
// given idempotency and ledger stores.
func NewMemoryStore(idem idempotency.Store, led ledger.Store) *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		idem:          idem,
		ledger:        led,
	}
}

// Create records a new subscription.
func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *sub
	m.subscriptions[sub.ID] = &copied
	return nil
}

// Get returns a subscription by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

// ListByAccount returns an account's subscriptions, newest first.
func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subscriptions {
		if sub.AccountID == accountID {
			copied := *sub
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListDueBefore returns active subscriptions whose billing date passed.
func (m *MemoryStore) ListDueBefore(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Status == StatusActive && sub.NextBillingAt.Before(before) {
			copied := *sub
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextBillingAt.Before(result[j].NextBillingAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdatePaymentHandle is a no-op field update kept for interface parity.
func (m *MemoryStore) UpdatePaymentHandle(ctx context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.UpdatedAt = time.Now()
	return nil
}

// ApplyRenewal grants the cycle's points and advances the billing date.
func (m *MemoryStore) ApplyRenewal(ctx context.Context, eventID, subscriptionID string) (*Outcome, error) {
	unlock := m.subs.Lock(subscriptionID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == StatusCanceled {
		m.mu.Unlock()
		return nil, ErrNotRenewable
	}
	accountID, points := sub.AccountID, sub.PointsPerCycle
	m.mu.Unlock()

	_, newBalance, err := m.ledger.Append(ctx, accountID, points,
		ledger.ReasonSubscriptionGrant, ledger.SourcePaymentEvent, eventID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	sub.CycleCount++
	sub.Status = StatusActive
	_ = sub.refreshDerivedDates()
	sub.UpdatedAt = now
	copied := *sub
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Subscription: &copied, NewBalance: newBalance}, nil
}

// ApplyPaymentFailure marks the subscription past_due.
func (m *MemoryStore) ApplyPaymentFailure(ctx context.Context, eventID, subscriptionID, reason string) (*Outcome, error) {
	unlock := m.subs.Lock(subscriptionID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == StatusCanceled {
		m.mu.Unlock()
		return nil, ErrNotRenewable
	}
	sub.Status = StatusPastDue
	sub.UpdatedAt = time.Now()
	copied := *sub
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Subscription: &copied}, nil
}

// ApplyRefund claws back one cycle's points.
func (m *MemoryStore) ApplyRefund(ctx context.Context, eventID, subscriptionID string) (*Outcome, error) {
	unlock := m.subs.Lock(subscriptionID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	if sub.CycleCount == 0 {
		m.mu.Unlock()
		return nil, ErrNotRenewable
	}
	accountID, points := sub.AccountID, sub.PointsPerCycle
	m.mu.Unlock()

	_, newBalance, err := m.ledger.Append(ctx, accountID, -points,
		ledger.ReasonRefundClawback, ledger.SourcePaymentEvent, eventID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	sub.UpdatedAt = time.Now()
	copied := *sub
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Subscription: &copied, NewBalance: newBalance}, nil
}

// MarkPastDue flags an overdue subscription without an event.
func (m *MemoryStore) MarkPastDue(ctx context.Context, id string) (bool, error) {
	unlock := m.subs.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if sub.Status != StatusActive {
		return false, nil
	}
	sub.Status = StatusPastDue
	sub.UpdatedAt = time.Now()
	return true, nil
}

// Cancel transitions a subscription to canceled.
func (m *MemoryStore) Cancel(ctx context.Context, id string) (*Subscription, error) {
	unlock := m.subs.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status != StatusCanceled {
		now := time.Now()
		sub.Status = StatusCanceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
	}
	copied := *sub
	return &copied, nil
}

// RecordBusinessError marks an event consumed with a business-error outcome.
func (m *MemoryStore) RecordBusinessError(ctx context.Context, eventID, detail string) error {
	_, err := m.idem.Mark(ctx, &idempotency.Record{
		EventID:     eventID,
		Outcome:     idempotency.OutcomeBusinessError,
		ErrorDetail: detail,
	})
	return err
}

func (m *MemoryStore) duplicateOutcome(ctx context.Context, eventID string) (*Outcome, bool) {
	rec, err := m.idem.Get(ctx, eventID)
	if err != nil {
		if !errors.Is(err, idempotency.ErrNotFound) {
			return nil, false
		}
		return nil, false
	}
	return &Outcome{Duplicate: true, Recorded: &RecordedAck{Outcome: rec.Outcome, ErrorDetail: rec.ErrorDetail}}, true
}

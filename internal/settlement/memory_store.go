package settlement

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

// MemoryStore is an in-memory Store for tests and local development.
//
// Atomicity is approximated with a per-entity mutex: every settle
// operation for one entity is fully serialized, and since the in-memory
// idempotency and ledger writes cannot fail transiently, the
// mark-transition-credit sequence is effectively all-or-nothing.
type MemoryStore struct {
	entities syncutil.ShardedMutex

	mu          sync.RWMutex
	investments map[string]*Investment

	idem   idempotency.Store
	ledger ledger.Store
}

// NewMemoryStore creates an in-memory settlement store sharing the given
// idempotency and ledger stores.
func NewMemoryStore(idem idempotency.Store, led ledger.Store) *MemoryStore {
	return &MemoryStore{
		investments: make(map[string]*Investment),
		idem:        idem,
		ledger:      led,
	}
}

// CreateInvestment records a new pending investment.
func (m *MemoryStore) CreateInvestment(ctx context.Context, inv *Investment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *inv
	m.investments[inv.ID] = &copied
	return nil
}

// Get returns an investment by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investments[id]
	if !ok {
		return nil, ErrInvestmentNotFound
	}
	copied := *inv
	return &copied, nil
}

// ListByAccount returns an account's investments, newest first.
func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Investment
	for _, inv := range m.investments {
		if inv.AccountID == accountID {
			copied := *inv
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListPendingBefore returns pending investments created before the cutoff.
func (m *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Investment
	for _, inv := range m.investments {
		if inv.Status == StatusPending && inv.CreatedAt.Before(before) {
			copied := *inv
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdatePaymentHandle attaches the provider intent handle.
func (m *MemoryStore) UpdatePaymentHandle(ctx context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[id]
	if !ok {
		return ErrInvestmentNotFound
	}
	inv.PaymentHandle = handle
	inv.UpdatedAt = time.Now()
	return nil
}

// SettleSucceeded transitions pending -> succeeded and credits points.
func (m *MemoryStore) SettleSucceeded(ctx context.Context, eventID, entityID string) (*Outcome, error) {
	unlock := m.entities.Lock(entityID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	inv, ok := m.investments[entityID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownEntity
	}
	if inv.Status != StatusPending {
		m.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	accountID, points := inv.AccountID, inv.Points
	m.mu.Unlock()

	_, newBalance, err := m.ledger.Append(ctx, accountID, points, ledger.ReasonInvestmentBonus, ledger.SourcePaymentEvent, eventID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	inv.Status = StatusSucceeded
	inv.SettledAt = &now
	inv.UpdatedAt = now
	copied := *inv
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Investment: &copied, NewBalance: newBalance}, nil
}

// SettleFailed transitions pending -> failed with no ledger effect.
func (m *MemoryStore) SettleFailed(ctx context.Context, eventID, entityID, reason string) (*Outcome, error) {
	unlock := m.entities.Lock(entityID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	inv, ok := m.investments[entityID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownEntity
	}
	if inv.Status != StatusPending {
		m.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	now := time.Now()
	inv.Status = StatusFailed
	inv.FailureReason = reason
	inv.SettledAt = &now
	inv.UpdatedAt = now
	copied := *inv
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Investment: &copied}, nil
}

// ApplyRefund claws back a succeeded entity's credited points.
func (m *MemoryStore) ApplyRefund(ctx context.Context, eventID, entityID string) (*Outcome, error) {
	unlock := m.entities.Lock(entityID)
	defer unlock()

	if out, done := m.duplicateOutcome(ctx, eventID); done {
		return out, nil
	}

	m.mu.Lock()
	inv, ok := m.investments[entityID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownEntity
	}
	if inv.Status != StatusSucceeded {
		m.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if inv.RefundedAt != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyRefunded
	}
	accountID, points := inv.AccountID, inv.Points
	m.mu.Unlock()

	_, newBalance, err := m.ledger.Append(ctx, accountID, -points, ledger.ReasonRefundClawback, ledger.SourcePaymentEvent, eventID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	inv.RefundedAt = &now
	inv.UpdatedAt = now
	copied := *inv
	m.mu.Unlock()

	if _, err := m.idem.Mark(ctx, &idempotency.Record{EventID: eventID, Outcome: idempotency.OutcomeSuccess}); err != nil {
		return nil, err
	}
	return &Outcome{Investment: &copied, NewBalance: newBalance}, nil
}

// FailPending transitions pending -> failed without an event.
func (m *MemoryStore) FailPending(ctx context.Context, entityID, reason string) (bool, error) {
	unlock := m.entities.Lock(entityID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[entityID]
	if !ok {
		return false, ErrInvestmentNotFound
	}
	if inv.Status != StatusPending {
		return false, nil
	}
	now := time.Now()
	inv.Status = StatusFailed
	inv.FailureReason = reason
	inv.SettledAt = &now
	inv.UpdatedAt = now
	return true, nil
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

// duplicateOutcome checks the processed-event barrier. Safe under the
// per-entity lock: one event always targets one entity, so concurrent
// deliveries of it serialize here.
func (m *MemoryStore) duplicateOutcome(ctx context.Context, eventID string) (*Outcome, bool) {
	rec, err := m.idem.Get(ctx, eventID)
	if err != nil {
		if !errors.Is(err, idempotency.ErrNotFound) {
			return nil, false
		}
		return nil, false
	}
	return &Outcome{Duplicate: true, Recorded: rec}, true
}

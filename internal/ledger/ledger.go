// Package ledger tracks point balances per account.
//
// The ledger is append-only: every balance change is an immutable signed
// delta entry, and the current balance is a cached projection updated in
// the same atomic unit as the entry insertion. Replaying all entries for
// an account always reproduces the projection (see replay.go).
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidDelta        = errors.New("ledger: delta must be non-zero")
	ErrDuplicateSource     = errors.New("ledger: duplicate entry for source")
)

// Reason codes used by the settlement core. Stored as-is; new codes may
// appear without a migration.
const (
	ReasonInvestmentBonus     = "investment_bonus"
	ReasonQuestReward         = "quest_reward"
	ReasonSubscriptionGrant   = "subscription_grant"
	ReasonRefundClawback      = "refund_clawback"
	ReasonSpend               = "spend"
	ReasonManualAdjust        = "manual_adjust"
)

// Source types identify what produced an entry.
const (
	SourceInvestment   = "investment"
	SourceQuest        = "quest"
	SourceSubscription = "subscription"
	SourcePaymentEvent = "payment_event"
	SourceSpend        = "spend"
)

// Entry is one immutable signed point-delta record.
type Entry struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	Delta      int64     `json:"delta"`
	ReasonCode string    `json:"reasonCode"`
	SourceType string    `json:"sourceType"`
	SourceID   string    `json:"sourceId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Balance is the cached projection of an account's entries.
type Balance struct {
	AccountID string    `json:"accountId"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Append must be race-free under concurrent
// writers on the same account: a negative delta that would drive the
// projected balance below zero fails with ErrInsufficientBalance, and the
// entry insert plus projection update commit together or not at all.
type Store interface {
	Append(ctx context.Context, accountID string, delta int64, reasonCode, sourceType, sourceID string) (entryID string, newBalance int64, err error)
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	GetEntries(ctx context.Context, accountID string) ([]*Entry, error)
	ListAccounts(ctx context.Context) ([]string, error)
}

// Ledger provides balance operations on top of a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append writes one signed delta for an account and returns the entry id
// and the new projected balance.
func (l *Ledger) Append(ctx context.Context, accountID string, delta int64, reasonCode, sourceType, sourceID string) (string, int64, error) {
	if delta == 0 {
		return "", 0, ErrInvalidDelta
	}
	return l.store.Append(ctx, accountID, delta, reasonCode, sourceType, sourceID)
}

// Spend debits points from an account. amount must be positive; the store
// rejects the debit if it would overdraw the account.
func (l *Ledger) Spend(ctx context.Context, accountID string, amount int64, sourceID string) (string, int64, error) {
	if amount <= 0 {
		return "", 0, ErrInvalidDelta
	}
	return l.store.Append(ctx, accountID, -amount, ReasonSpend, SourceSpend, sourceID)
}

// GetBalance returns an account's current projected balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	return l.store.GetBalance(ctx, accountID)
}

// GetHistory returns the most recent entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, accountID, limit)
}

// Store exposes the underlying store for co-committed writers.
func (l *Ledger) Store() Store {
	return l.store
}

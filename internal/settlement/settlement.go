// Package settlement drives investment entities through their lifecycle.
//
// Flow:
//  1. Client creates an investment → entity recorded as pending, charge
//     intent initiated with the provider
//  2. Provider reports the charge outcome via signed webhook event
//  3. Exactly one delivery of that event transitions the entity to
//     succeeded (crediting bonus points) or failed
//  4. Later refunds claw the credited points back without reopening the
//     entity
//
// The processed-event barrier, the entity transition and the ledger write
// commit together, so a crash can never leave a credited entity pending or
// a succeeded entity uncredited.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/rules"
)

var (
	ErrInvestmentNotFound = errors.New("investment not found")
	// ErrUnknownEntity is a business error: the event references an entity
	// this system never created. Consumed, recorded, never retried.
	ErrUnknownEntity = errors.New("unknown entity for event")
	// ErrInvalidTransition is a business error: the entity is not in a
	// state that accepts this event.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyRefunded is a business error: the entity's credit was
	// already clawed back.
	ErrAlreadyRefunded = errors.New("investment already refunded")
)

// Status represents the state of an investment.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting the provider's charge outcome
	StatusSucceeded Status = "succeeded" // Charge confirmed, points credited
	StatusFailed    Status = "failed"    // Charge failed or entity expired
)

// Investment is a settlement entity: one attempted project investment.
type Investment struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"accountId"`
	ProjectRef    string               `json:"projectRef"`
	Type          rules.InvestmentType `json:"type"`
	AmountCents   int64                `json:"amountCents"`
	Currency      string               `json:"currency"`
	Points        int64                `json:"points"`
	Status        Status               `json:"status"`
	PaymentHandle string               `json:"paymentHandle,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
	SettledAt     *time.Time           `json:"settledAt,omitempty"`
	RefundedAt    *time.Time           `json:"refundedAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// IsTerminal returns true if the investment reached a final state.
func (i *Investment) IsTerminal() bool {
	return i.Status == StatusSucceeded || i.Status == StatusFailed
}

// Outcome is the result of applying one event to an investment. Exactly
// one of the settle operations produced it, atomically.
type Outcome struct {
	// Duplicate means the event was already processed; Recorded holds the
	// original acknowledgment and nothing else was touched.
	Duplicate bool
	Recorded  *idempotency.Record

	Investment *Investment
	NewBalance int64
}

// Store persists investments and applies event-driven transitions.
//
// The three settle operations are atomic: the processed-event mark, the
// status transition and any ledger write commit together or not at all.
// Each returns a Duplicate outcome when the event was already processed,
// and a business error (ErrUnknownEntity, ErrInvalidTransition,
// ErrAlreadyRefunded, ledger.ErrInsufficientBalance) after rolling back
// when the event cannot apply. Business errors are NOT marked processed
// by these operations; callers record them via RecordBusinessError.
type Store interface {
	CreateInvestment(ctx context.Context, inv *Investment) error
	Get(ctx context.Context, id string) (*Investment, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Investment, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Investment, error)
	UpdatePaymentHandle(ctx context.Context, id, handle string) error

	// SettleSucceeded transitions pending -> succeeded and credits the
	// entity's points in one commit.
	SettleSucceeded(ctx context.Context, eventID, entityID string) (*Outcome, error)
	// SettleFailed transitions pending -> failed with no ledger effect.
	SettleFailed(ctx context.Context, eventID, entityID, reason string) (*Outcome, error)
	// ApplyRefund claws back a succeeded entity's credited points with a
	// compensating negative entry. The entity stays succeeded.
	ApplyRefund(ctx context.Context, eventID, entityID string) (*Outcome, error)

	// FailPending transitions pending -> failed without an event, used for
	// provider-call failures and expiry sweeps. Returns false when the
	// entity already left pending.
	FailPending(ctx context.Context, entityID, reason string) (bool, error)

	// RecordBusinessError marks an event consumed with a business-error
	// outcome. First-writer-wins; losing is not an error.
	RecordBusinessError(ctx context.Context, eventID, detail string) error
}

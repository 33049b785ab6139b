package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/rules"
)

// PostgresStore implements Store with PostgreSQL, one serializable
// transaction per event application, mirroring the settlement store.
type PostgresStore struct {
	db   *sql.DB
	idem *idempotency.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, idem: idempotency.NewPostgresStore(db)}
}

const subscriptionColumns = `
	id, account_id, plan_ref, frequency, amount_cents, currency, points_per_cycle,
	status, cycle_count, started_at, current_period_end, next_billing_at, points_expiry_at,
	canceled_at, created_at, updated_at`

// Create records a new subscription.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, account_id, plan_ref, frequency, amount_cents, currency,
			points_per_cycle, status, cycle_count, started_at, current_period_end, next_billing_at,
			points_expiry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sub.ID, sub.AccountID, sub.PlanRef, string(sub.Frequency), sub.AmountCents, sub.Currency,
		sub.PointsPerCycle, string(sub.Status), sub.CycleCount, sub.StartedAt, sub.CurrentPeriodEnd,
		sub.NextBillingAt, sub.PointsExpiryAt, sub.CreatedAt, sub.UpdatedAt)
	return err
}

// Get returns a subscription by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// ListByAccount returns an account's subscriptions, newest first.
func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListDueBefore returns active subscriptions whose billing date passed.
func (p *PostgresStore) ListDueBefore(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND next_billing_at < $1
		ORDER BY next_billing_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// UpdatePaymentHandle attaches the latest provider intent handle.
func (p *PostgresStore) UpdatePaymentHandle(ctx context.Context, id, handle string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET payment_handle = $2, updated_at = NOW() WHERE id = $1
	`, id, handle)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ApplyRenewal grants the cycle's points and advances the billing date.
func (p *PostgresStore) ApplyRenewal(ctx context.Context, eventID, subscriptionID string) (*Outcome, error) {
	return p.apply(ctx, eventID, subscriptionID, func(ctx context.Context, tx *sql.Tx, sub *Subscription) (int64, error) {
		if sub.Status == StatusCanceled {
			return 0, ErrNotRenewable
		}
		sub.CycleCount++
		sub.Status = StatusActive
		if err := sub.refreshDerivedDates(); err != nil {
			return 0, err
		}
		now := time.Now()
		sub.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = 'active', cycle_count = $2, current_period_end = $3,
				next_billing_at = $4, points_expiry_at = $5, updated_at = $6
			WHERE id = $1
		`, sub.ID, sub.CycleCount, sub.CurrentPeriodEnd, sub.NextBillingAt, sub.PointsExpiryAt, now); err != nil {
			return 0, err
		}

		_, newBalance, err := ledger.AppendTx(ctx, tx, sub.AccountID, sub.PointsPerCycle,
			ledger.ReasonSubscriptionGrant, ledger.SourcePaymentEvent, eventID)
		return newBalance, err
	})
}

// ApplyPaymentFailure marks the subscription past_due.
func (p *PostgresStore) ApplyPaymentFailure(ctx context.Context, eventID, subscriptionID, reason string) (*Outcome, error) {
	return p.apply(ctx, eventID, subscriptionID, func(ctx context.Context, tx *sql.Tx, sub *Subscription) (int64, error) {
		if sub.Status == StatusCanceled {
			return 0, ErrNotRenewable
		}
		now := time.Now()
		sub.Status = StatusPastDue
		sub.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = 'past_due', updated_at = $2 WHERE id = $1
		`, sub.ID, now)
		return 0, err
	})
}

// ApplyRefund claws back one cycle's points.
func (p *PostgresStore) ApplyRefund(ctx context.Context, eventID, subscriptionID string) (*Outcome, error) {
	return p.apply(ctx, eventID, subscriptionID, func(ctx context.Context, tx *sql.Tx, sub *Subscription) (int64, error) {
		if sub.CycleCount == 0 {
			return 0, ErrNotRenewable
		}
		now := time.Now()
		sub.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET updated_at = $2 WHERE id = $1
		`, sub.ID, now); err != nil {
			return 0, err
		}
		_, newBalance, err := ledger.AppendTx(ctx, tx, sub.AccountID, -sub.PointsPerCycle,
			ledger.ReasonRefundClawback, ledger.SourcePaymentEvent, eventID)
		return newBalance, err
	})
}

func (p *PostgresStore) apply(ctx context.Context, eventID, subscriptionID string,
	fn func(context.Context, *sql.Tx, *Subscription) (int64, error)) (*Outcome, error) {

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := idempotency.MarkTx(ctx, tx, &idempotency.Record{
		EventID: eventID,
		Outcome: idempotency.OutcomeSuccess,
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		_ = tx.Rollback()
		rec, err := p.idem.Get(ctx, eventID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Duplicate: true, Recorded: &RecordedAck{Outcome: rec.Outcome, ErrorDetail: rec.ErrorDetail}}, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, subscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}

	newBalance, err := fn(ctx, tx, sub)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Outcome{Subscription: sub, NewBalance: newBalance}, nil
}

// MarkPastDue flags an overdue subscription without an event.
func (p *PostgresStore) MarkPastDue(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'past_due', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Cancel transitions a subscription to canceled.
func (p *PostgresStore) Cancel(ctx context.Context, id string) (*Subscription, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'canceled'
	`, id)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// RecordBusinessError marks an event consumed with a business-error outcome.
func (p *PostgresStore) RecordBusinessError(ctx context.Context, eventID, detail string) error {
	_, err := p.idem.Mark(ctx, &idempotency.Record{
		EventID:     eventID,
		Outcome:     idempotency.OutcomeBusinessError,
		ErrorDetail: detail,
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var frequency, status string
	var canceledAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.PlanRef, &frequency, &sub.AmountCents,
		&sub.Currency, &sub.PointsPerCycle, &status, &sub.CycleCount, &sub.StartedAt,
		&sub.CurrentPeriodEnd, &sub.NextBillingAt, &sub.PointsExpiryAt, &canceledAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Frequency = rules.Frequency(frequency)
	sub.Status = Status(status)
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

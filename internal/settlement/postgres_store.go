package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/rules"
)

// PostgresStore implements Store with PostgreSQL.
//
// Every settle operation runs in one serializable transaction: the
// processed_events insert is the idempotency barrier (its primary key
// elects the winning delivery), the status update guards the transition
// with a WHERE clause, and the ledger write co-commits via
// ledger.AppendTx. The unique index on ledger source references is a
// second line of defense against double credits.
type PostgresStore struct {
	db   *sql.DB
	idem *idempotency.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, idem: idempotency.NewPostgresStore(db)}
}

const investmentColumns = `
	id, account_id, project_ref, invest_type, amount_cents, currency, points,
	status, COALESCE(payment_handle, ''), COALESCE(failure_reason, ''),
	settled_at, refunded_at, created_at, updated_at`

// CreateInvestment records a new pending investment.
func (p *PostgresStore) CreateInvestment(ctx context.Context, inv *Investment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO investments (id, account_id, project_ref, invest_type, amount_cents,
			currency, points, status, payment_handle, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, inv.ID, inv.AccountID, inv.ProjectRef, string(inv.Type), inv.AmountCents,
		inv.Currency, inv.Points, string(inv.Status), inv.PaymentHandle, inv.CreatedAt, inv.UpdatedAt)
	return err
}

// Get returns an investment by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Investment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE id = $1`, id)
	return scanInvestment(row)
}

// ListByAccount returns an account's investments, newest first.
func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Investment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+investmentColumns+`
		FROM investments WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvestments(rows)
}

// ListPendingBefore returns pending investments created before the cutoff.
func (p *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Investment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+investmentColumns+`
		FROM investments WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvestments(rows)
}

// UpdatePaymentHandle attaches the provider intent handle.
func (p *PostgresStore) UpdatePaymentHandle(ctx context.Context, id, handle string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE investments SET payment_handle = $2, updated_at = NOW() WHERE id = $1
	`, id, handle)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvestmentNotFound
	}
	return nil
}

// SettleSucceeded transitions pending -> succeeded and credits points in
// one commit.
func (p *PostgresStore) SettleSucceeded(ctx context.Context, eventID, entityID string) (*Outcome, error) {
	return p.settle(ctx, eventID, entityID, func(ctx context.Context, tx *sql.Tx, inv *Investment) (int64, error) {
		if inv.Status != StatusPending {
			return 0, ErrInvalidTransition
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE investments SET status = 'succeeded', settled_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'pending'
		`, inv.ID, now); err != nil {
			return 0, err
		}
		inv.Status = StatusSucceeded
		inv.SettledAt = &now
		inv.UpdatedAt = now

		_, newBalance, err := ledger.AppendTx(ctx, tx, inv.AccountID, inv.Points,
			ledger.ReasonInvestmentBonus, ledger.SourcePaymentEvent, eventID)
		return newBalance, err
	})
}

// SettleFailed transitions pending -> failed with no ledger effect.
func (p *PostgresStore) SettleFailed(ctx context.Context, eventID, entityID, reason string) (*Outcome, error) {
	return p.settle(ctx, eventID, entityID, func(ctx context.Context, tx *sql.Tx, inv *Investment) (int64, error) {
		if inv.Status != StatusPending {
			return 0, ErrInvalidTransition
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE investments SET status = 'failed', failure_reason = $2, settled_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'pending'
		`, inv.ID, reason, now); err != nil {
			return 0, err
		}
		inv.Status = StatusFailed
		inv.FailureReason = reason
		inv.SettledAt = &now
		inv.UpdatedAt = now
		return 0, nil
	})
}

// ApplyRefund claws back a succeeded entity's credited points.
func (p *PostgresStore) ApplyRefund(ctx context.Context, eventID, entityID string) (*Outcome, error) {
	return p.settle(ctx, eventID, entityID, func(ctx context.Context, tx *sql.Tx, inv *Investment) (int64, error) {
		if inv.Status != StatusSucceeded {
			return 0, ErrInvalidTransition
		}
		if inv.RefundedAt != nil {
			return 0, ErrAlreadyRefunded
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE investments SET refunded_at = $2, updated_at = $2 WHERE id = $1
		`, inv.ID, now); err != nil {
			return 0, err
		}
		inv.RefundedAt = &now
		inv.UpdatedAt = now

		_, newBalance, err := ledger.AppendTx(ctx, tx, inv.AccountID, -inv.Points,
			ledger.ReasonRefundClawback, ledger.SourcePaymentEvent, eventID)
		return newBalance, err
	})
}

// settle runs one event application: barrier insert, row lock, apply,
// commit. Business errors from apply roll the whole transaction back.
func (p *PostgresStore) settle(ctx context.Context, eventID, entityID string,
	apply func(context.Context, *sql.Tx, *Investment) (int64, error)) (*Outcome, error) {

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
		// Lost the race or a redelivery: replay the recorded outcome.
		_ = tx.Rollback()
		rec, err := p.idem.Get(ctx, eventID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Duplicate: true, Recorded: rec}, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE id = $1 FOR UPDATE`, entityID)
	inv, err := scanInvestment(row)
	if errors.Is(err, ErrInvestmentNotFound) {
		return nil, ErrUnknownEntity
	}
	if err != nil {
		return nil, err
	}

	newBalance, err := apply(ctx, tx, inv)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Outcome{Investment: inv, NewBalance: newBalance}, nil
}

// FailPending transitions pending -> failed without an event.
func (p *PostgresStore) FailPending(ctx context.Context, entityID, reason string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE investments SET status = 'failed', failure_reason = $2, settled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, entityID, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
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

func scanInvestment(row rowScanner) (*Investment, error) {
	inv := &Investment{}
	var investType, status string
	var settledAt, refundedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.AccountID, &inv.ProjectRef, &investType, &inv.AmountCents,
		&inv.Currency, &inv.Points, &status, &inv.PaymentHandle, &inv.FailureReason,
		&settledAt, &refundedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvestmentNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Type = rules.InvestmentType(investType)
	inv.Status = Status(status)
	if settledAt.Valid {
		inv.SettledAt = &settledAt.Time
	}
	if refundedAt.Valid {
		inv.RefundedAt = &refundedAt.Time
	}
	return inv, nil
}

func scanInvestments(rows *sql.Rows) ([]*Investment, error) {
	var result []*Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

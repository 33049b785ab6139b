package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bloomhq/settlement/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Concurrency control: every write runs in a serializable transaction and
// the account_balances row carries CHECK (points >= 0), so concurrent
// spends on one account cannot overdraw it. Serialization conflicts are
// surfaced as retryable errors (see IsRetryable).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append writes one delta in its own serializable transaction.
func (p *PostgresStore) Append(ctx context.Context, accountID string, delta int64, reasonCode, sourceType, sourceID string) (string, int64, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = tx.Rollback() }()

	entryID, newBalance, err := AppendTx(ctx, tx, accountID, delta, reasonCode, sourceType, sourceID)
	if err != nil {
		return "", 0, err
	}

	if err := tx.Commit(); err != nil {
		return "", 0, translatePQ(err)
	}
	return entryID, newBalance, nil
}

// AppendTx writes one delta inside the caller's transaction so the ledger
// write co-commits with entity-state transitions. The caller owns commit
// and rollback.
func AppendTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, reasonCode, sourceType, sourceID string) (string, int64, error) {
	var newBalance int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO account_balances (account_id, points, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			points     = account_balances.points + $2,
			updated_at = NOW()
		RETURNING points
	`, accountID, delta).Scan(&newBalance)
	if err != nil {
		return "", 0, translatePQ(err)
	}

	entryID := idgen.WithPrefix("led_")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason_code, source_type, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
	`, entryID, accountID, delta, reasonCode, sourceType, sourceID)
	if err != nil {
		return "", 0, fmt.Errorf("record entry: %w", translatePQ(err))
	}

	return entryID, newBalance, nil
}

// GetBalance returns the projected balance, zero for unknown accounts.
func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT points, updated_at FROM account_balances WHERE account_id = $1
	`, accountID).Scan(&bal.Points, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{AccountID: accountID, Points: 0, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// GetHistory returns the most recent entries, newest first.
func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason_code, source_type, COALESCE(source_id, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntries returns all entries for an account in append order.
func (p *PostgresStore) GetEntries(ctx context.Context, accountID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason_code, source_type, COALESCE(source_id, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListAccounts returns every account with at least one entry.
func (p *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM ledger_entries ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.ReasonCode, &e.SourceType, &e.SourceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// translatePQ maps postgres constraint violations onto ledger sentinel errors.
func translatePQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23514": // check_violation: points >= 0
		return ErrInsufficientBalance
	case "23505": // unique_violation: one entry per source
		return ErrDuplicateSource
	}
	return err
}

// IsRetryable reports whether err is a transient serialization or deadlock
// failure that is safe to retry thanks to the idempotency barrier.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

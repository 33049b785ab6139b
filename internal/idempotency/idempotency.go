// Package idempotency tracks which external events have reached a final
// outcome. A processed event is never acted on again; redelivery replays
// the recorded acknowledgment instead.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for the event.
var ErrNotFound = errors.New("idempotency: record not found")

// Outcomes recorded for a processed event. Transient failures are never
// recorded; the provider must redeliver those.
const (
	OutcomeSuccess       = "success"
	OutcomeBusinessError = "business_error"
)

// Record marks one external event as fully processed.
type Record struct {
	EventID     string    `json:"eventId"`
	Outcome     string    `json:"outcome"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Store persists processed-event records. Mark is first-writer-wins: the
// bool result reports whether this call inserted the record, so exactly
// one of N concurrent deliveries observes true.
type Store interface {
	Mark(ctx context.Context, record *Record) (bool, error)
	Get(ctx context.Context, eventID string) (*Record, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Mark records the outcome unless the event was already marked.
func (m *MemoryStore) Mark(ctx context.Context, record *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.records[record.EventID]; seen {
		return false, nil
	}
	copied := *record
	if copied.ProcessedAt.IsZero() {
		copied.ProcessedAt = time.Now()
	}
	m.records[record.EventID] = &copied
	return true, nil
}

// Get returns the record for an event.
func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

// PostgresStore implements Store with PostgreSQL. The processed_events
// primary key is the serialization point for exactly-once processing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Mark records the outcome unless the event was already marked.
func (p *PostgresStore) Mark(ctx context.Context, record *Record) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := MarkTx(ctx, tx, record)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return inserted, nil
}

// MarkTx records the outcome inside the caller's transaction so the
// idempotency barrier co-commits with the effects it guards. The caller
// owns commit and rollback.
func MarkTx(ctx context.Context, tx *sql.Tx, record *Record) (bool, error) {
	processedAt := record.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, outcome, error_detail, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (event_id) DO NOTHING
	`, record.EventID, record.Outcome, record.ErrorDetail, processedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the record for an event.
func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Record, error) {
	r := &Record{EventID: eventID}
	var detail sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT outcome, error_detail, processed_at FROM processed_events WHERE event_id = $1
	`, eventID).Scan(&r.Outcome, &detail, &r.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ErrorDetail = detail.String
	return r, nil
}

package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrEventNotFound is returned when no stored event matches the ID.
var ErrEventNotFound = errors.New("intake: event not found")

// Store persists verified events as an immutable audit trail. Saving the
// same event ID twice is a no-op; at-least-once delivery makes redelivery
// routine.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Get(ctx context.Context, eventID string) (*Event, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

// Save records the event, keeping the first copy on redelivery.
func (m *MemoryStore) Save(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.events[event.ID]; seen {
		return nil
	}
	copied := *event
	m.events[event.ID] = &copied
	return nil
}

// Get returns a stored event by ID.
func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	copied := *e
	return &copied, nil
}

// PostgresStore implements Store with PostgreSQL. The raw body is kept
// verbatim so events can be re-verified or replayed during incident
// response.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save records the event, keeping the first copy on redelivery.
func (p *PostgresStore) Save(ctx context.Context, event *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO external_events (event_id, event_type, raw_body, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, string(event.Type), []byte(event.Raw), event.ReceivedAt)
	return err
}

// Get returns a stored event by ID, re-parsing the raw body.
func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	var (
		eventType  string
		raw        []byte
		receivedAt time.Time
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT event_type, raw_body, received_at FROM external_events WHERE event_id = $1
	`, eventID).Scan(&eventType, &raw, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:         eventID,
		Type:       EventType(eventType),
		ReceivedAt: receivedAt,
		Raw:        json.RawMessage(raw),
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return event, nil
	}
	switch event.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pay Payment
		if json.Unmarshal(env.ObjectPayload, &pay) == nil {
			event.Payment = &pay
		}
	case EventChargeRefunded:
		var r Refund
		if json.Unmarshal(env.ObjectPayload, &r) == nil {
			event.Refund = &r
		}
	}
	return event, nil
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bloomhq/settlement/internal/idgen"
	"github.com/bloomhq/settlement/internal/syncutil"
)

// MemoryStore is an in-memory Store for tests and local development.
// Per-account writes are serialized through a sharded mutex so the
// check-then-append on spends is race-free, mirroring the row-level
// locking of the postgres store.
type MemoryStore struct {
	accounts syncutil.ShardedMutex

	mu       sync.RWMutex
	entries  map[string][]*Entry // accountID -> entries in append order
	balances map[string]*Balance
	sources  map[string]string // sourceType/sourceID -> entryID
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]*Entry),
		balances: make(map[string]*Balance),
		sources:  make(map[string]string),
	}
}

func sourceKey(sourceType, sourceID string) string {
	return sourceType + "/" + sourceID
}

// Append writes one delta, updating the balance projection atomically.
func (m *MemoryStore) Append(ctx context.Context, accountID string, delta int64, reasonCode, sourceType, sourceID string) (string, int64, error) {
	unlock := m.accounts.Lock(accountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if sourceID != "" {
		if _, seen := m.sources[sourceKey(sourceType, sourceID)]; seen {
			return "", 0, ErrDuplicateSource
		}
	}

	current := int64(0)
	if bal, ok := m.balances[accountID]; ok {
		current = bal.Points
	}
	next := current + delta
	if next < 0 {
		return "", 0, ErrInsufficientBalance
	}

	now := time.Now()
	e := &Entry{
		ID:         idgen.WithPrefix("led_"),
		AccountID:  accountID,
		Delta:      delta,
		ReasonCode: reasonCode,
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  now,
	}
	m.entries[accountID] = append(m.entries[accountID], e)
	m.balances[accountID] = &Balance{AccountID: accountID, Points: next, UpdatedAt: now}
	if sourceID != "" {
		m.sources[sourceKey(sourceType, sourceID)] = e.ID
	}
	return e.ID, next, nil
}

// GetBalance returns the projected balance, zero for unknown accounts.
func (m *MemoryStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.balances[accountID]; ok {
		copied := *bal
		return &copied, nil
	}
	return &Balance{AccountID: accountID, Points: 0, UpdatedAt: time.Now()}, nil
}

// GetHistory returns the most recent entries, newest first.
func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.entries[accountID]
	result := make([]*Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		copied := *all[i]
		result = append(result, &copied)
	}
	return result, nil
}

// GetEntries returns all entries for an account in append order.
func (m *MemoryStore) GetEntries(ctx context.Context, accountID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.entries[accountID]
	result := make([]*Entry, 0, len(all))
	for _, e := range all {
		copied := *e
		result = append(result, &copied)
	}
	return result, nil
}

// ListAccounts returns every account that has at least one entry.
func (m *MemoryStore) ListAccounts(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accounts := make([]string, 0, len(m.entries))
	for id := range m.entries {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts, nil
}

package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/syncutil"
)

// MemoryStore is an in-memory Store for tests and local development.
// Claims for one account-quest pair serialize on a sharded mutex, so the
// completed -> claimed transition happens exactly once.
type MemoryStore struct {
	claims syncutil.ShardedMutex

	mu        sync.RWMutex
	quests    map[string]*Quest
	progress  map[string]*Progress      // accountID:questID
	inventory map[string]*InventoryItem // accountID:sku

	ledger ledger.Store
}

// NewMemoryStore creates an in-memory rewards store writing grants to the
// given ledger store.
func NewMemoryStore(led ledger.Store) *MemoryStore {
	return &MemoryStore{
		quests:    make(map[string]*Quest),
		progress:  make(map[string]*Progress),
		inventory: make(map[string]*InventoryItem),
		ledger:    led,
	}
}

func progressKey(accountID, questID string) string { return accountID + ":" + questID }

// CreateQuest registers a quest.
func (m *MemoryStore) CreateQuest(ctx context.Context, q *Quest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *q
	m.quests[q.ID] = &copied
	return nil
}

// GetQuest returns a quest by ID.
func (m *MemoryStore) GetQuest(ctx context.Context, id string) (*Quest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quests[id]
	if !ok {
		return nil, ErrQuestNotFound
	}
	copied := *q
	return &copied, nil
}

// ListQuests returns quests sorted by ID.
func (m *MemoryStore) ListQuests(ctx context.Context, activeOnly bool) ([]*Quest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Quest
	for _, q := range m.quests {
		if activeOnly && !q.Active {
			continue
		}
		copied := *q
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetProgress returns one account's progress on one quest.
func (m *MemoryStore) GetProgress(ctx context.Context, accountID, questID string) (*Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[progressKey(accountID, questID)]
	if !ok {
		return nil, ErrProgressNotFound
	}
	copied := *p
	return &copied, nil
}

// ListProgress returns an account's progress rows.
func (m *MemoryStore) ListProgress(ctx context.Context, accountID string) ([]*Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Progress
	for _, p := range m.progress {
		if p.AccountID == accountID {
			copied := *p
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QuestID < result[j].QuestID })
	return result, nil
}

// UpsertProgress adds increments, flipping active -> completed at target.
func (m *MemoryStore) UpsertProgress(ctx context.Context, accountID string, quest *Quest, increment int64) (*Progress, error) {
	unlock := m.claims.Lock(progressKey(accountID, quest.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := progressKey(accountID, quest.ID)
	p, ok := m.progress[key]
	if !ok {
		p = &Progress{
			AccountID: accountID,
			QuestID:   quest.ID,
			Status:    ProgressActive,
			Target:    quest.Target,
		}
		m.progress[key] = p
	}
	if p.Status != ProgressActive {
		copied := *p
		return &copied, nil
	}

	p.Count += increment
	p.UpdatedAt = now
	if p.Count >= p.Target {
		p.Count = p.Target
		p.Status = ProgressCompleted
		p.CompletedAt = &now
	}
	copied := *p
	return &copied, nil
}

// Claim grants the reward exactly once.
func (m *MemoryStore) Claim(ctx context.Context, accountID string, quest *Quest) (*ClaimResult, error) {
	unlock := m.claims.Lock(progressKey(accountID, quest.ID))
	defer unlock()

	m.mu.Lock()
	p, ok := m.progress[progressKey(accountID, quest.ID)]
	if !ok {
		m.mu.Unlock()
		return nil, ErrProgressNotFound
	}
	switch p.Status {
	case ProgressClaimed:
		m.mu.Unlock()
		return nil, ErrAlreadyClaimed
	case ProgressActive:
		m.mu.Unlock()
		return nil, ErrNotCompleted
	}
	m.mu.Unlock()

	var newBalance int64
	if quest.Points > 0 {
		var err error
		_, newBalance, err = m.ledger.Append(ctx, accountID, quest.Points,
			ledger.ReasonQuestReward, ledger.SourceQuest, claimSourceID(accountID, quest.ID))
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p.Status = ProgressClaimed
	p.ClaimedAt = &now
	p.UpdatedAt = now

	result := &ClaimResult{Points: quest.Points, NewBalance: newBalance}
	copied := *p
	result.Progress = &copied

	if quest.ItemSKU != "" {
		key := accountID + ":" + quest.ItemSKU
		item, ok := m.inventory[key]
		if !ok {
			item = &InventoryItem{AccountID: accountID, SKU: quest.ItemSKU}
			m.inventory[key] = item
		}
		item.Quantity++
		item.UpdatedAt = now
		copiedItem := *item
		result.Item = &copiedItem
	}
	return result, nil
}

// GetInventory returns an account's items sorted by SKU.
func (m *MemoryStore) GetInventory(ctx context.Context, accountID string) ([]*InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*InventoryItem
	for _, item := range m.inventory {
		if item.AccountID == accountID {
			copied := *item
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

// Package rewards tracks quest progress and fulfills quest rewards.
//
// Claiming is the sensitive operation: the claimed transition, the point
// grant and the inventory item land together exactly once, no matter how
// many times the claim request races.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bloomhq/settlement/internal/idgen"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/metrics"
)

var (
	ErrQuestNotFound    = errors.New("quest not found")
	ErrProgressNotFound = errors.New("quest progress not found")
	// ErrNotCompleted means the quest has not reached its target yet.
	ErrNotCompleted = errors.New("quest not completed")
	// ErrAlreadyClaimed means the reward was granted before. Claimed is
	// terminal; there is no path back.
	ErrAlreadyClaimed = errors.New("quest reward already claimed")
)

// ProgressStatus is the state of one account's run at a quest.
type ProgressStatus string

const (
	ProgressActive    ProgressStatus = "active"
	ProgressCompleted ProgressStatus = "completed"
	ProgressClaimed   ProgressStatus = "claimed"
)

// Quest is a configured objective with a reward.
type Quest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Target      int64  `json:"target"`
	Points      int64  `json:"points"`
	ItemSKU     string `json:"itemSku,omitempty"`
	Active      bool   `json:"active"`
}

// Progress is one account's state on one quest.
type Progress struct {
	AccountID   string         `json:"accountId"`
	QuestID     string         `json:"questId"`
	Status      ProgressStatus `json:"status"`
	Count       int64          `json:"count"`
	Target      int64          `json:"target"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	ClaimedAt   *time.Time     `json:"claimedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// InventoryItem is a granted item stack. Quantities only ever grow here;
// consumption belongs to whatever system spends items.
type InventoryItem struct {
	AccountID string    `json:"accountId"`
	SKU       string    `json:"sku"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClaimResult reports a fulfilled claim.
type ClaimResult struct {
	Progress   *Progress      `json:"progress"`
	Points     int64          `json:"points"`
	Item       *InventoryItem `json:"item,omitempty"`
	NewBalance int64          `json:"newBalance"`
}

// Store persists quests, progress and inventory.
//
// Claim is atomic: the claimed transition, the ledger grant and the
// inventory upsert commit together. It returns ErrNotCompleted or
// ErrAlreadyClaimed after rolling back when the progress state does not
// allow a claim; exactly one of N concurrent claims succeeds.
type Store interface {
	CreateQuest(ctx context.Context, q *Quest) error
	GetQuest(ctx context.Context, id string) (*Quest, error)
	ListQuests(ctx context.Context, activeOnly bool) ([]*Quest, error)

	GetProgress(ctx context.Context, accountID, questID string) (*Progress, error)
	ListProgress(ctx context.Context, accountID string) ([]*Progress, error)
	// UpsertProgress adds increments to the counter, creating the row on
	// first touch and flipping active -> completed at the target. Progress
	// past claimed or completed is not re-counted.
	UpsertProgress(ctx context.Context, accountID string, quest *Quest, increment int64) (*Progress, error)

	Claim(ctx context.Context, accountID string, quest *Quest) (*ClaimResult, error)

	GetInventory(ctx context.Context, accountID string) ([]*InventoryItem, error)
}

// Notifier receives fulfilled claims for real-time delivery.
type Notifier interface {
	NotifyRewardClaim(accountID, questID string, result *ClaimResult)
}

// Service implements quest reward business logic.
type Service struct {
	store    Store
	logger   *slog.Logger
	notifier Notifier
}

// NewService creates a rewards service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithNotifier adds a realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateQuest registers a quest.
func (s *Service) CreateQuest(ctx context.Context, q *Quest) error {
	if q.Target <= 0 {
		return fmt.Errorf("quest target must be positive")
	}
	if q.Points < 0 {
		return fmt.Errorf("quest points must not be negative")
	}
	if q.ID == "" {
		q.ID = idgen.WithPrefix("quest_")
	}
	return s.store.CreateQuest(ctx, q)
}

// ListQuests returns quests, optionally only active ones.
func (s *Service) ListQuests(ctx context.Context, activeOnly bool) ([]*Quest, error) {
	return s.store.ListQuests(ctx, activeOnly)
}

// ListProgress returns an account's progress across all touched quests.
func (s *Service) ListProgress(ctx context.Context, accountID string) ([]*Progress, error) {
	return s.store.ListProgress(ctx, accountID)
}

// GetInventory returns an account's granted items.
func (s *Service) GetInventory(ctx context.Context, accountID string) ([]*InventoryItem, error) {
	return s.store.GetInventory(ctx, accountID)
}

// RecordProgress advances an account's counter on a quest.
func (s *Service) RecordProgress(ctx context.Context, accountID, questID string, increment int64) (*Progress, error) {
	if increment <= 0 {
		return nil, fmt.Errorf("increment must be positive")
	}
	quest, err := s.store.GetQuest(ctx, questID)
	if err != nil {
		return nil, err
	}
	if !quest.Active {
		return nil, ErrQuestNotFound
	}

	progress, err := s.store.UpsertProgress(ctx, accountID, quest, increment)
	if err != nil {
		return nil, err
	}
	if progress.Status == ProgressCompleted && progress.CompletedAt != nil && time.Since(*progress.CompletedAt) < time.Second {
		s.logger.Info("quest completed",
			"accountId", accountID, "questId", questID, "target", quest.Target)
	}
	return progress, nil
}

// ClaimReward grants a completed quest's reward exactly once.
func (s *Service) ClaimReward(ctx context.Context, accountID, questID string) (*ClaimResult, error) {
	quest, err := s.store.GetQuest(ctx, questID)
	if err != nil {
		metrics.RewardClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	result, err := s.store.Claim(ctx, accountID, quest)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrNotCompleted) || errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrProgressNotFound) {
			outcome = "rejected"
		}
		metrics.RewardClaimsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	metrics.RewardClaimsTotal.WithLabelValues("granted").Inc()
	metrics.LedgerEntriesTotal.WithLabelValues(ledger.ReasonQuestReward).Inc()
	s.logger.Info("quest reward claimed",
		"accountId", accountID, "questId", questID,
		"points", result.Points, "newBalance", result.NewBalance)
	if s.notifier != nil {
		s.notifier.NotifyRewardClaim(accountID, questID, result)
	}
	return result, nil
}

// claimSourceID keys the ledger grant so a quest pays out at most once per
// account even if the claimed flag were ever lost.
func claimSourceID(accountID, questID string) string {
	return accountID + ":" + questID
}

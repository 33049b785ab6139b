package rewards

import (
	"context"
	"database/sql"
	"time"

	"github.com/bloomhq/settlement/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. Claim takes a row lock
// on the progress row, so a losing concurrent claim observes the claimed
// status once the winner commits and backs off cleanly; the ledger's
// unique source index backstops the grant.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rewards store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateQuest registers a quest.
func (p *PostgresStore) CreateQuest(ctx context.Context, q *Quest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quests (id, title, description, target, points, item_sku, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (id) DO UPDATE SET
			title = $2, description = NULLIF($3, ''), target = $4,
			points = $5, item_sku = NULLIF($6, ''), active = $7
	`, q.ID, q.Title, q.Description, q.Target, q.Points, q.ItemSKU, q.Active)
	return err
}

// GetQuest returns a quest by ID.
func (p *PostgresStore) GetQuest(ctx context.Context, id string) (*Quest, error) {
	q := &Quest{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description, ''), target, points, COALESCE(item_sku, ''), active
		FROM quests WHERE id = $1
	`, id).Scan(&q.ID, &q.Title, &q.Description, &q.Target, &q.Points, &q.ItemSKU, &q.Active)
	if err == sql.ErrNoRows {
		return nil, ErrQuestNotFound
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ListQuests returns quests, optionally only active ones.
func (p *PostgresStore) ListQuests(ctx context.Context, activeOnly bool) ([]*Quest, error) {
	query := `
		SELECT id, title, COALESCE(description, ''), target, points, COALESCE(item_sku, ''), active
		FROM quests`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Quest
	for rows.Next() {
		q := &Quest{}
		if err := rows.Scan(&q.ID, &q.Title, &q.Description, &q.Target, &q.Points, &q.ItemSKU, &q.Active); err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

const progressColumns = `
	account_id, quest_id, status, count, target, completed_at, claimed_at, updated_at`

// GetProgress returns one account's progress on one quest.
func (p *PostgresStore) GetProgress(ctx context.Context, accountID, questID string) (*Progress, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+progressColumns+` FROM user_quest_progress
		WHERE account_id = $1 AND quest_id = $2
	`, accountID, questID)
	return scanProgress(row)
}

// ListProgress returns an account's progress rows.
func (p *PostgresStore) ListProgress(ctx context.Context, accountID string) ([]*Progress, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+progressColumns+` FROM user_quest_progress
		WHERE account_id = $1 ORDER BY quest_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Progress
	for rows.Next() {
		pr, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

// UpsertProgress adds increments, flipping active -> completed at target.
// The clamp to target and the status flip happen in a single statement so
// concurrent increments cannot overshoot.
func (p *PostgresStore) UpsertProgress(ctx context.Context, accountID string, quest *Quest, increment int64) (*Progress, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO user_quest_progress (account_id, quest_id, status, count, target, completed_at, updated_at)
		VALUES ($1, $2, CASE WHEN $3 >= $4 THEN 'completed' ELSE 'active' END,
			LEAST($3::bigint, $4::bigint), $4,
			CASE WHEN $3 >= $4 THEN NOW() END, NOW())
		ON CONFLICT (account_id, quest_id) DO UPDATE SET
			count = CASE WHEN user_quest_progress.status = 'active'
				THEN LEAST(user_quest_progress.count + $3, $4) ELSE user_quest_progress.count END,
			status = CASE WHEN user_quest_progress.status = 'active' AND user_quest_progress.count + $3 >= $4
				THEN 'completed' ELSE user_quest_progress.status END,
			completed_at = CASE WHEN user_quest_progress.status = 'active' AND user_quest_progress.count + $3 >= $4
				THEN NOW() ELSE user_quest_progress.completed_at END,
			updated_at = CASE WHEN user_quest_progress.status = 'active'
				THEN NOW() ELSE user_quest_progress.updated_at END
		RETURNING `+progressColumns+`
	`, accountID, quest.ID, increment, quest.Target)
	return scanProgress(row)
}

// Claim grants the reward exactly once.
func (p *PostgresStore) Claim(ctx context.Context, accountID string, quest *Quest) (*ClaimResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+progressColumns+` FROM user_quest_progress
		WHERE account_id = $1 AND quest_id = $2 FOR UPDATE
	`, accountID, quest.ID)
	progress, err := scanProgress(row)
	if err != nil {
		return nil, err
	}
	switch progress.Status {
	case ProgressClaimed:
		return nil, ErrAlreadyClaimed
	case ProgressActive:
		return nil, ErrNotCompleted
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_quest_progress SET status = 'claimed', claimed_at = $3, updated_at = $3
		WHERE account_id = $1 AND quest_id = $2 AND status = 'completed'
	`, accountID, quest.ID, now); err != nil {
		return nil, err
	}
	progress.Status = ProgressClaimed
	progress.ClaimedAt = &now
	progress.UpdatedAt = now

	result := &ClaimResult{Progress: progress, Points: quest.Points}

	if quest.Points > 0 {
		_, newBalance, err := ledger.AppendTx(ctx, tx, accountID, quest.Points,
			ledger.ReasonQuestReward, ledger.SourceQuest, claimSourceID(accountID, quest.ID))
		if err != nil {
			return nil, err
		}
		result.NewBalance = newBalance
	}

	if quest.ItemSKU != "" {
		item := &InventoryItem{AccountID: accountID, SKU: quest.ItemSKU}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO inventory_items (account_id, sku, quantity, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (account_id, sku) DO UPDATE SET
				quantity = inventory_items.quantity + 1, updated_at = $3
			RETURNING quantity
		`, accountID, quest.ItemSKU, now).Scan(&item.Quantity)
		if err != nil {
			return nil, err
		}
		item.UpdatedAt = now
		result.Item = item
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetInventory returns an account's items sorted by SKU.
func (p *PostgresStore) GetInventory(ctx context.Context, accountID string) ([]*InventoryItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, sku, quantity, updated_at FROM inventory_items
		WHERE account_id = $1 ORDER BY sku
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*InventoryItem
	for rows.Next() {
		item := &InventoryItem{}
		if err := rows.Scan(&item.AccountID, &item.SKU, &item.Quantity, &item.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (*Progress, error) {
	pr := &Progress{}
	var status string
	var completedAt, claimedAt sql.NullTime
	err := row.Scan(&pr.AccountID, &pr.QuestID, &status, &pr.Count, &pr.Target,
		&completedAt, &claimedAt, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProgressNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Status = ProgressStatus(status)
	if completedAt.Valid {
		pr.CompletedAt = &completedAt.Time
	}
	if claimedAt.Valid {
		pr.ClaimedAt = &claimedAt.Time
	}
	return pr, nil
}

package ledger

import (
	"context"
)

// ReconciliationResult compares a replayed balance against the cached
// projection. A mismatch means the atomicity guarantee was broken and
// must be alerted, not silently repaired.
type ReconciliationResult struct {
	AccountID string `json:"accountId"`
	Match     bool   `json:"match"`
	Replayed  int64  `json:"replayed"`
	Projected int64  `json:"projected"`
}

// RebuildBalance replays a sequence of entries to reconstruct a balance.
func RebuildBalance(entries []*Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}

// ReconcileAccount replays one account's entries and compares against the
// projection.
func ReconcileAccount(ctx context.Context, store Store, accountID string) (*ReconciliationResult, error) {
	entries, err := store.GetEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	bal, err := store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	replayed := RebuildBalance(entries)
	return &ReconciliationResult{
		AccountID: accountID,
		Match:     replayed == bal.Points,
		Replayed:  replayed,
		Projected: bal.Points,
	}, nil
}

// ReconcileAll replays every account and returns all results. Callers
// filter for mismatches and alert on them.
func ReconcileAll(ctx context.Context, store Store) ([]*ReconciliationResult, error) {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var results []*ReconciliationResult
	for _, id := range accounts {
		r, err := ReconcileAccount(ctx, store, id)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/bloomhq/settlement/internal/testutil"
)

func TestPostgresStore_MarkFirstWriterWins(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	inserted, err := store.Mark(ctx, &Record{EventID: "evt_pg_1", Outcome: OutcomeSuccess})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first Mark should insert")
	}

	inserted, err = store.Mark(ctx, &Record{EventID: "evt_pg_1", Outcome: OutcomeBusinessError})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second Mark should not insert")
	}

	r, err := store.Get(ctx, "evt_pg_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %q, want success", r.Outcome)
	}
}

func TestPostgresStore_ConcurrentMark(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	const deliveries = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := store.Mark(ctx, &Record{EventID: "evt_pg_race", Outcome: OutcomeSuccess})
			if err != nil {
				t.Error(err)
				return
			}
			if inserted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one delivery should win, got %d", wins)
	}
}

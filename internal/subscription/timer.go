package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultGracePeriod is how long past the billing date a subscription may
// stay active before the sweep flags it past_due.
const DefaultGracePeriod = 72 * time.Hour

// Timer periodically flags overdue subscriptions as past_due. A renewal
// event arriving later recovers them to active.
type Timer struct {
	store    Store
	grace    time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new past-due sweep timer.
func NewTimer(store Store, grace time.Duration, logger *slog.Logger) *Timer {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Timer{
		store:    store,
		grace:    grace,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in subscription timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-t.grace)

	overdue, err := t.store.ListDueBefore(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list overdue subscriptions", "error", err)
		return
	}

	for _, sub := range overdue {
		flagged, err := t.store.MarkPastDue(ctx, sub.ID)
		if err != nil {
			t.logger.Warn("failed to flag subscription past_due", "subscriptionId", sub.ID, "error", err)
			continue
		}
		if !flagged {
			continue
		}
		t.logger.Info("subscription flagged past_due",
			"subscriptionId", sub.ID, "accountId", sub.AccountID,
			"nextBillingAt", sub.NextBillingAt)
	}
}

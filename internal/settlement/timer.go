package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bloomhq/settlement/internal/metrics"
)

// Timer periodically expires investments stuck in pending. A charge whose
// outcome never arrives within the TTL is closed as failed; a webhook
// landing afterwards is consumed as a business error, never silently
// credited.
type Timer struct {
	store      Store
	pendingTTL time.Duration
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new pending-expiry timer.
func NewTimer(store Store, pendingTTL time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		store:      store,
		pendingTTL: pendingTTL,
		interval:   time.Minute,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpirePending(ctx)
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

func (t *Timer) safeExpirePending(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expirePending(ctx)
}

func (t *Timer) expirePending(ctx context.Context) {
	cutoff := time.Now().Add(-t.pendingTTL)

	stale, err := t.store.ListPendingBefore(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list stale pending investments", "error", err)
		return
	}

	for _, inv := range stale {
		expired, err := t.store.FailPending(ctx, inv.ID, "expired")
		if err != nil {
			t.logger.Warn("failed to expire investment", "investmentId", inv.ID, "error", err)
			continue
		}
		if !expired {
			// A webhook beat us to it between list and update.
			continue
		}
		metrics.PendingExpiredTotal.Inc()
		metrics.SettlementsTotal.WithLabelValues(string(StatusFailed)).Inc()
		t.logger.Info("expired stale pending investment",
			"investmentId", inv.ID, "accountId", inv.AccountID,
			"pendingSince", inv.CreatedAt)
	}
}

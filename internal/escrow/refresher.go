package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Refresher periodically re-reads open escrows so the cache and any connected
// UI clients track on-chain state while a user has trades in progress.
//
// Reads are idempotent and interleave safely with in-flight mutations: the
// store reconciles by read freshness, so a slow poll can never clobber a
// newer snapshot.
type Refresher struct {
	coordinator *Coordinator
	store       Store
	interval    time.Duration
	batch       int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewRefresher creates an auto-refresh loop over the coordinator.
func NewRefresher(coordinator *Coordinator, store Store, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Refresher{
		coordinator: coordinator,
		store:       store,
		interval:    interval,
		batch:       100,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start begins the refresh loop. Call in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRefresh(ctx)
		}
	}
}

// Stop signals the refresher to stop.
func (r *Refresher) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refresher) safeRefresh(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in escrow refresher", "panic", fmt.Sprint(rec))
		}
	}()
	r.refreshOpen(ctx)
}

func (r *Refresher) refreshOpen(ctx context.Context) {
	open, err := r.store.ListOpen(ctx, r.batch)
	if err != nil {
		r.logger.Warn("failed to list open escrows", "error", err)
		return
	}

	for _, snap := range open {
		if _, err := r.coordinator.Refresh(ctx, snap.ID); err != nil {
			// Transport hiccups are routine here; the next tick retries.
			r.logger.Debug("escrow refresh failed", "escrow_id", snap.ID, "error", err)
		}
	}
}

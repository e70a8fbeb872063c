// Package watcher monitors the escrow contract for lifecycle events.
//
// When an EscrowCreated, EscrowCancelled, or DisputeExpired event lands, the
// affected escrow is re-read through the coordinator so the snapshot cache
// and realtime subscribers converge without waiting for the next poll cycle.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelmart/escrowd/internal/chain"
	"github.com/pixelmart/escrowd/internal/escrow"
	"github.com/pixelmart/escrowd/internal/metrics"
)

// Refresher re-reads one escrow and publishes the result. Implemented by the
// coordinator.
type Refresher interface {
	Refresh(ctx context.Context, id uint64) (*escrow.Escrow, error)
}

// Source exposes the chain surface the watcher needs.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, from, to uint64) ([]chain.Event, error)
}

// Config for the event watcher.
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 15 * time.Second}
}

// Watcher polls for contract events and triggers refreshes.
type Watcher struct {
	source    Source
	refresher Refresher
	config    Config
	logger    *slog.Logger

	// Dedup across overlapping polls
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates an event watcher.
func New(cfg Config, source Source, refresher Refresher, logger *slog.Logger) *Watcher {
	return &Watcher{
		source:    source,
		refresher: refresher,
		config:    cfg,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching for contract events.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("watcher: get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("escrow event watcher started", "start_block", w.lastBlock)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkEvents(ctx); err != nil {
				w.logger.Error("event check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkEvents(ctx context.Context) error {
	currentBlock, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("watcher: get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	events, err := w.source.FilterEvents(ctx, w.lastBlock+1, currentBlock)
	if err != nil {
		return fmt.Errorf("watcher: filter events: %w", err)
	}

	// A failed event holds the cursor below its block so the next poll
	// re-filters it; the dedup unmark makes the retry safe.
	advance := currentBlock
	for _, ev := range events {
		if err := w.processEvent(ctx, ev); err != nil {
			w.logger.Error("failed to process event",
				"event", ev.Name, "escrow_id", ev.EscrowID, "tx", ev.TxHash.Hex(), "error", err)
			if ev.Block <= advance {
				advance = ev.Block - 1
			}
		}
	}

	if advance > w.lastBlock {
		w.lastBlock = advance
		metrics.WatcherLastBlock.Set(float64(w.lastBlock))
	}
	return nil
}

func (w *Watcher) processEvent(ctx context.Context, ev chain.Event) error {
	key := ev.TxHash.Hex() + ":" + ev.Name

	w.mu.Lock()
	if w.processed[key] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[key] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, key)
			w.mu.Unlock()
		}
	}()

	metrics.WatcherEventsTotal.WithLabelValues(ev.Name).Inc()

	if _, err := w.refresher.Refresh(ctx, ev.EscrowID); err != nil {
		return fmt.Errorf("watcher: refresh escrow %d: %w", ev.EscrowID, err)
	}

	w.logger.Info("escrow event processed",
		"event", ev.Name,
		"escrow_id", ev.EscrowID,
		"block", ev.Block,
	)

	succeeded = true
	return nil
}

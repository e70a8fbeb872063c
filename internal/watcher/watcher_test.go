package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pixelmart/escrowd/internal/chain"
	"github.com/pixelmart/escrowd/internal/escrow"
)

type fakeSource struct {
	mu       sync.Mutex
	block    uint64
	events   []chain.Event
	filters  int
	blockErr error
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return f.block, nil
}

func (f *fakeSource) FilterEvents(ctx context.Context, from, to uint64) ([]chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters++
	return f.events, nil
}

type fakeRefresher struct {
	mu   sync.Mutex
	ids  []uint64
	fail map[uint64]error
}

func (f *fakeRefresher) Refresh(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	f.ids = append(f.ids, id)
	return &escrow.Escrow{ID: id}, nil
}

func (f *fakeRefresher) refreshed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.ids))
	copy(out, f.ids)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func event(id uint64, name, tx string) chain.Event {
	return chain.Event{Name: name, EscrowID: id, Block: 105, TxHash: common.HexToHash(tx)}
}

func TestCheckEventsRefreshesAffectedEscrows(t *testing.T) {
	source := &fakeSource{block: 110, events: []chain.Event{
		event(1, "EscrowCreated", "0x01"),
		event(2, "EscrowCancelled", "0x02"),
	}}
	refresher := &fakeRefresher{}
	w := New(DefaultConfig(), source, refresher, testLogger())
	w.lastBlock = 100

	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("checkEvents: %v", err)
	}

	got := refresher.refreshed()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("refreshed = %v", got)
	}
	if w.lastBlock != 110 {
		t.Errorf("lastBlock = %d, want 110", w.lastBlock)
	}
}

func TestCheckEventsNoNewBlocks(t *testing.T) {
	source := &fakeSource{block: 100}
	w := New(DefaultConfig(), source, &fakeRefresher{}, testLogger())
	w.lastBlock = 100

	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("checkEvents: %v", err)
	}
	if source.filters != 0 {
		t.Error("filtered logs despite no new blocks")
	}
}

func TestCheckEventsDedupAcrossPolls(t *testing.T) {
	source := &fakeSource{block: 110, events: []chain.Event{
		event(1, "EscrowCreated", "0x01"),
	}}
	refresher := &fakeRefresher{}
	w := New(DefaultConfig(), source, refresher, testLogger())
	w.lastBlock = 100

	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// Overlapping range returns the same event again.
	source.mu.Lock()
	source.block = 120
	source.mu.Unlock()
	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if got := refresher.refreshed(); len(got) != 1 {
		t.Errorf("refreshed %d times, want 1 (dedup by tx hash)", len(got))
	}
}

func TestCheckEventsRetriesFailedRefresh(t *testing.T) {
	source := &fakeSource{block: 110, events: []chain.Event{
		event(1, "EscrowCreated", "0x01"),
	}}
	refresher := &fakeRefresher{fail: map[uint64]error{1: errors.New("rpc down")}}
	w := New(DefaultConfig(), source, refresher, testLogger())
	w.lastBlock = 100

	// Failure is logged, not returned; the event stays unprocessed and the
	// cursor holds below its block so the next poll re-filters it.
	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("checkEvents: %v", err)
	}
	if len(refresher.refreshed()) != 0 {
		t.Fatal("failed refresh recorded as processed")
	}
	if w.lastBlock != 104 {
		t.Errorf("lastBlock = %d, want 104 (held below failed event)", w.lastBlock)
	}

	refresher.mu.Lock()
	delete(refresher.fail, 1)
	refresher.mu.Unlock()
	source.mu.Lock()
	source.block = 120
	source.mu.Unlock()

	if err := w.checkEvents(context.Background()); err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if got := refresher.refreshed(); len(got) != 1 || got[0] != 1 {
		t.Errorf("refreshed = %v, want retry to succeed", got)
	}
	if w.lastBlock != 120 {
		t.Errorf("lastBlock = %d, want 120 after successful retry", w.lastBlock)
	}
}

func TestStartStop(t *testing.T) {
	source := &fakeSource{block: 100}
	w := New(Config{PollInterval: 5 * time.Millisecond}, source, &fakeRefresher{}, testLogger())

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.lastBlock != 100 {
		t.Errorf("lastBlock = %d, want latest", w.lastBlock)
	}

	source.mu.Lock()
	source.block = 105
	source.events = []chain.Event{event(3, "DisputeExpired", "0x03")}
	source.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	w.Stop()
}

func TestStartBlockNumberError(t *testing.T) {
	source := &fakeSource{blockErr: errors.New("rpc down")}
	w := New(DefaultConfig(), source, &fakeRefresher{}, testLogger())

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error when chain head is unavailable")
	}
}

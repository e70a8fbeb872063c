package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func storeSnap(id uint64, state State, readAt time.Time) *Escrow {
	snap := FromRecord(testRecord(id, state), readAt)
	return snap
}

func TestMemoryStoreUpsertGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Get(ctx, 1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrSnapshotNotFound", err)
	}

	snap := storeSnap(1, StateCreated, time.Now())
	if err := store.Upsert(ctx, snap); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != 1 || got.State != StateCreated {
		t.Errorf("got %+v", got)
	}

	// Returned snapshot is a copy; mutating it must not corrupt the cache.
	got.StateName = "mutated"
	again, _ := store.Get(ctx, 1)
	if again.StateName != "CREATED" {
		t.Error("store returned shared pointer")
	}
}

func TestMemoryStoreLastReadWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()

	fresh := storeSnap(1, StateActive, base)
	if err := store.Upsert(ctx, fresh); err != nil {
		t.Fatalf("Upsert fresh: %v", err)
	}

	// A slow poll carrying an older read must not clobber the newer state.
	stale := storeSnap(1, StateCreated, base.Add(-10*time.Second))
	if err := store.Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert stale: %v", err)
	}

	got, _ := store.Get(ctx, 1)
	if got.State != StateActive {
		t.Errorf("stale read overwrote fresh snapshot: state = %s", got.State)
	}

	// An equal-or-newer read replaces.
	newer := storeSnap(1, StateCompleted, base.Add(time.Second))
	if err := store.Upsert(ctx, newer); err != nil {
		t.Fatalf("Upsert newer: %v", err)
	}
	got, _ = store.Get(ctx, 1)
	if got.State != StateCompleted {
		t.Errorf("newer read did not replace: state = %s", got.State)
	}
}

func TestMemoryStoreListByParty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	for i := uint64(1); i <= 3; i++ {
		rec := testRecord(i, StateCreated)
		rec.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		_ = store.Upsert(ctx, FromRecord(rec, now))
	}

	out, err := store.ListByParty(ctx, sellerAddr.Hex(), 0)
	if err != nil {
		t.Fatalf("ListByParty: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	// Newest first
	if out[0].ID != 3 || out[2].ID != 1 {
		t.Errorf("order = [%d %d %d], want [3 2 1]", out[0].ID, out[1].ID, out[2].ID)
	}

	limited, _ := store.ListByParty(ctx, sellerAddr.Hex(), 2)
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}

	none, _ := store.ListByParty(ctx, "0x9999999999999999999999999999999999999999", 0)
	if len(none) != 0 {
		t.Errorf("stranger matched %d snapshots", len(none))
	}
}

func TestMemoryStoreListOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	_ = store.Upsert(ctx, storeSnap(2, StateActive, now))
	_ = store.Upsert(ctx, storeSnap(1, StateFunded, now))
	_ = store.Upsert(ctx, storeSnap(3, StateCompleted, now))
	_ = store.Upsert(ctx, storeSnap(4, StateCancelled, now))
	_ = store.Upsert(ctx, storeSnap(5, StateDisputed, now))

	out, err := store.ListOpen(ctx, 0)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (terminal excluded)", len(out))
	}
	// Oldest (lowest id) first
	if out[0].ID != 1 || out[1].ID != 2 || out[2].ID != 5 {
		t.Errorf("order = [%d %d %d], want [1 2 5]", out[0].ID, out[1].ID, out[2].ID)
	}
}

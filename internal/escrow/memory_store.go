package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory snapshot cache, used when no DATABASE_URL is
// configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[uint64]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[uint64]*Escrow)}
}

// Upsert stores snap unless a fresher snapshot is already cached.
func (s *MemoryStore) Upsert(ctx context.Context, snap *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snaps[snap.ID]; ok && existing.ReadAt.After(snap.ReadAt) {
		return nil // stale read, keep the fresher snapshot
	}
	cp := *snap
	s.snaps[snap.ID] = &cp
	return nil
}

// Get returns the cached snapshot for id.
func (s *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *snap
	return &cp, nil
}

// ListByParty returns snapshots involving addr as seller or buyer.
func (s *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	addr = strings.ToLower(addr)

	s.mu.RLock()
	var out []*Escrow
	for _, snap := range s.snaps {
		if snap.Seller == addr || snap.Buyer == addr {
			cp := *snap
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOpen returns non-terminal snapshots, oldest first.
func (s *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	var out []*Escrow
	for _, snap := range s.snaps {
		if !snap.State.IsTerminal() {
			cp := *snap
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

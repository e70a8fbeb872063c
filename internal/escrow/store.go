package escrow

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound is returned when no cached snapshot exists for an id.
var ErrSnapshotNotFound = errors.New("escrow: snapshot not found")

// Store caches read snapshots of on-chain escrows. It is a derived index
// only: the contract is ground truth, and Upsert applies last-read-wins so a
// fresher read always replaces a staler one regardless of arrival order.
type Store interface {
	// Upsert stores snap unless the stored snapshot has a later ReadAt.
	Upsert(ctx context.Context, snap *Escrow) error
	// Get returns the cached snapshot, or ErrSnapshotNotFound.
	Get(ctx context.Context, id uint64) (*Escrow, error)
	// ListByParty returns snapshots where addr is seller or buyer, newest first.
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	// ListOpen returns snapshots in non-terminal states, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Escrow, error)
}

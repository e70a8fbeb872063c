package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/pixelmart/escrowd/internal/chain"
)

// PostgresStore persists escrow snapshots in PostgreSQL. Schema is managed by
// goose migrations (see migrations/).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `id, seller, buyer, nft_contract, token_id, price_wei,
	deadline, dispute_deadline, state, created_at, seller_agreed, buyer_agreed,
	conversation_binding, metadata_ref, read_at`

// Upsert stores snap with last-read-wins semantics: a row is only replaced
// when the incoming read is at least as fresh.
func (s *PostgresStore) Upsert(ctx context.Context, snap *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_snapshots (`+snapshotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			deadline = EXCLUDED.deadline,
			dispute_deadline = EXCLUDED.dispute_deadline,
			seller_agreed = EXCLUDED.seller_agreed,
			buyer_agreed = EXCLUDED.buyer_agreed,
			metadata_ref = EXCLUDED.metadata_ref,
			read_at = EXCLUDED.read_at
		WHERE escrow_snapshots.read_at <= EXCLUDED.read_at`,
		snap.ID, snap.Seller, snap.Buyer, snap.NFTContract, snap.TokenID,
		snap.PriceWei, snap.Deadline, snap.DisputeDeadline, uint8(snap.State),
		snap.CreatedAt, snap.SellerAgreed, snap.BuyerAgreed,
		snap.ConversationBinding, snap.MetadataRef, snap.ReadAt,
	)
	if err != nil {
		return fmt.Errorf("upsert escrow snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot for id.
func (s *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM escrow_snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

// ListByParty returns snapshots involving addr as seller or buyer, newest first.
func (s *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM escrow_snapshots
		WHERE seller = $1 OR buyer = $1
		ORDER BY created_at DESC
		LIMIT $2`, strings.ToLower(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows by party: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSnapshots(rows)
}

// ListOpen returns non-terminal snapshots, oldest first.
func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM escrow_snapshots
		WHERE state NOT IN ($1, $2)
		ORDER BY id ASC
		LIMIT $3`, uint8(StateCompleted), uint8(StateCancelled), limit)
	if err != nil {
		return nil, fmt.Errorf("list open escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSnapshots(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Escrow, error) {
	var (
		e     Escrow
		state uint8
	)
	err := row.Scan(&e.ID, &e.Seller, &e.Buyer, &e.NFTContract, &e.TokenID,
		&e.PriceWei, &e.Deadline, &e.DisputeDeadline, &state, &e.CreatedAt,
		&e.SellerAgreed, &e.BuyerAgreed, &e.ConversationBinding,
		&e.MetadataRef, &e.ReadAt)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow snapshot: %w", err)
	}
	e.State = State(state)
	e.StateName = e.State.String()
	e.Price = priceFromWei(e.PriceWei)
	normalizeTimes(&e)
	return &e, nil
}

func scanSnapshots(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func normalizeTimes(e *Escrow) {
	e.Deadline = e.Deadline.UTC()
	e.DisputeDeadline = e.DisputeDeadline.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.ReadAt = e.ReadAt.UTC()
}

func priceFromWei(wei string) string {
	v, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return wei
	}
	return chain.FormatPrice(v)
}

// Package escrow implements the client-side escrow lifecycle coordinator.
//
// The canonical escrow record lives on-chain; this package defines the state
// machine over it, gates actions per caller role, submits transactions
// through the chain gateway, and polls the read path until the expected
// post-transaction state converges. It caches read snapshots but always
// treats the contract as ground truth.
package escrow

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pixelmart/escrowd/internal/chain"
)

// Escrow is an application-level snapshot of one on-chain trade agreement.
type Escrow struct {
	ID                  uint64    `json:"id"`
	Seller              string    `json:"seller"`
	Buyer               string    `json:"buyer"`
	NFTContract         string    `json:"nftContract"`
	TokenID             string    `json:"tokenId"`
	Price               string    `json:"price"`    // Human decimal units
	PriceWei            string    `json:"priceWei"` // Integer base units
	Deadline            time.Time `json:"deadline"`
	DisputeDeadline     time.Time `json:"disputeDeadline"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	CreatedAt           time.Time `json:"createdAt"`
	SellerAgreed        bool      `json:"sellerAgreed"`
	BuyerAgreed         bool      `json:"buyerAgreed"`
	ConversationBinding string    `json:"conversationBinding"` // Hex of the 32-byte key
	MetadataRef         string    `json:"metadataRef,omitempty"`
	ReadAt              time.Time `json:"readAt"` // Snapshot freshness
}

// FromRecord converts a decoded on-chain record into a snapshot, stamped with
// the read time for freshness comparison.
func FromRecord(r *chain.Record, readAt time.Time) *Escrow {
	if r == nil {
		return nil
	}
	state := State(r.State)
	return &Escrow{
		ID:                  r.ID,
		Seller:              strings.ToLower(r.Seller.Hex()),
		Buyer:               strings.ToLower(r.Buyer.Hex()),
		NFTContract:         strings.ToLower(r.NFTContract.Hex()),
		TokenID:             r.TokenID.String(),
		Price:               chain.FormatPrice(r.Price),
		PriceWei:            r.Price.String(),
		Deadline:            r.Deadline,
		DisputeDeadline:     r.DisputeDeadline,
		State:               state,
		StateName:           state.String(),
		CreatedAt:           r.CreatedAt,
		SellerAgreed:        r.SellerAgreed,
		BuyerAgreed:         r.BuyerAgreed,
		ConversationBinding: "0x" + common.Bytes2Hex(r.ConversationBinding[:]),
		MetadataRef:         r.MetadataRef,
		ReadAt:              readAt,
	}
}

// RoleOf returns the caller's relationship to this escrow.
func (e *Escrow) RoleOf(caller string) Role {
	switch strings.ToLower(caller) {
	case e.Seller:
		return RoleSeller
	case e.Buyer:
		return RoleBuyer
	default:
		return RoleObserver
	}
}

// Expired reports whether the escrow has passed its operative deadline at
// now: the dispute deadline while disputed, the trade deadline otherwise.
// Terminal escrows never expire.
func (e *Escrow) Expired(now time.Time) bool {
	if e.State.IsTerminal() {
		return false
	}
	if e.State == StateDisputed {
		return now.After(e.DisputeDeadline)
	}
	return now.After(e.Deadline)
}

// NextActionFor derives the instruction string for the caller at time now.
func (e *Escrow) NextActionFor(caller string, now time.Time) string {
	return NextAction(e.State, e.Expired(now), e.RoleOf(caller))
}

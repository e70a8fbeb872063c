// Package convo maps messaging-conversation identifiers to the escrows
// negotiated within them.
//
// The contract keys conversations by a fixed-width 32-byte value. An opaque
// conversation id is UTF-8 encoded and left-justified into a zero-padded
// 32-byte buffer, truncating anything beyond. The mapping is deterministic
// but lossy for long ids: two distinct ids sharing the same 32-byte prefix
// collide. This is a known limitation of the on-chain key format, kept as-is
// for contract compatibility rather than silently re-hashed.
package convo

import (
	"context"
	"fmt"
	"sort"
)

// BindingSize is the contract's fixed conversation key width in bytes.
const BindingSize = 32

// EncodeConversationID deterministically encodes a conversation id into the
// contract's 32-byte key. Ids longer than 32 bytes after UTF-8 encoding are
// truncated.
func EncodeConversationID(id string) [BindingSize]byte {
	var key [BindingSize]byte
	copy(key[:], id)
	return key
}

// DecodeBinding recovers the (possibly truncated) conversation id from a key
// by trimming trailing zero padding. Display use only.
func DecodeBinding(key [BindingSize]byte) string {
	end := BindingSize
	for end > 0 && key[end-1] == 0 {
		end--
	}
	return string(key[:end])
}

// Lister enumerates escrow ids for a conversation key. Implemented by the
// chain gateway.
type Lister interface {
	GetConversationEscrows(ctx context.Context, binding [BindingSize]byte) ([]uint64, error)
}

// Binding resolves conversation ids to their escrows.
type Binding struct {
	lister Lister
}

// NewBinding creates a resolver over the given lister.
func NewBinding(lister Lister) *Binding {
	return &Binding{lister: lister}
}

// Escrows returns all escrow ids ever bound to the conversation, ascending
// by id. The contract is ground truth; nothing is cached here.
func (b *Binding) Escrows(ctx context.Context, conversationID string) ([]uint64, error) {
	ids, err := b.lister.GetConversationEscrows(ctx, EncodeConversationID(conversationID))
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// EscrowNumber returns the 1-based position of escrowID within the
// conversation's ascending-id list. It is a display convenience recomputed on
// each query — appending later escrows never renumbers earlier ones.
func (b *Binding) EscrowNumber(ctx context.Context, conversationID string, escrowID uint64) (int, error) {
	ids, err := b.Escrows(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if id == escrowID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("convo: escrow %d not bound to conversation %q", escrowID, conversationID)
}

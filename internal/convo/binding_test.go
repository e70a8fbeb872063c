package convo

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeLister struct {
	ids map[[BindingSize]byte][]uint64
	err error
}

func (f *fakeLister) GetConversationEscrows(ctx context.Context, binding [BindingSize]byte) ([]uint64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids[binding], nil
}

func TestEncodeConversationID(t *testing.T) {
	key := EncodeConversationID("conv-1")
	if key[0] != 'c' || key[5] != '1' {
		t.Errorf("key = %x", key)
	}
	for i := 6; i < BindingSize; i++ {
		if key[i] != 0 {
			t.Fatalf("byte %d = %x, want zero padding", i, key[i])
		}
	}

	// Deterministic
	if EncodeConversationID("conv-1") != key {
		t.Error("encoding is not deterministic")
	}
}

func TestEncodeTruncation(t *testing.T) {
	long := strings.Repeat("a", 40)
	key := EncodeConversationID(long)
	if key[BindingSize-1] != 'a' {
		t.Error("long id should fill the key")
	}

	// Ids sharing a 32-byte prefix collide. Known limitation of the key
	// format, asserted here so a change in behavior is noticed.
	other := long + "-different-suffix"
	if EncodeConversationID(other) != key {
		t.Error("expected colliding keys for shared 32-byte prefix")
	}
}

func TestDecodeBinding(t *testing.T) {
	if got := DecodeBinding(EncodeConversationID("conv-1")); got != "conv-1" {
		t.Errorf("round trip = %q", got)
	}
	if got := DecodeBinding([BindingSize]byte{}); got != "" {
		t.Errorf("zero key = %q, want empty", got)
	}

	long := strings.Repeat("a", 40)
	if got := DecodeBinding(EncodeConversationID(long)); got != long[:BindingSize] {
		t.Errorf("truncated id = %q", got)
	}
}

func TestEscrowsSorted(t *testing.T) {
	lister := &fakeLister{ids: map[[BindingSize]byte][]uint64{
		EncodeConversationID("conv-1"): {9, 3, 7},
	}}
	b := NewBinding(lister)

	ids, err := b.Escrows(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Escrows: %v", err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 7 || ids[2] != 9 {
		t.Errorf("ids = %v, want ascending [3 7 9]", ids)
	}

	empty, err := b.Escrows(context.Background(), "no-such-conversation")
	if err != nil {
		t.Fatalf("Escrows: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ids = %v, want empty", empty)
	}
}

func TestEscrowsPropagatesError(t *testing.T) {
	sentinel := errors.New("rpc down")
	b := NewBinding(&fakeLister{err: sentinel})

	if _, err := b.Escrows(context.Background(), "conv-1"); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
}

func TestEscrowNumberStable(t *testing.T) {
	lister := &fakeLister{ids: map[[BindingSize]byte][]uint64{
		EncodeConversationID("conv-1"): {3, 7},
	}}
	b := NewBinding(lister)
	ctx := context.Background()

	n, err := b.EscrowNumber(ctx, "conv-1", 7)
	if err != nil {
		t.Fatalf("EscrowNumber: %v", err)
	}
	if n != 2 {
		t.Errorf("number = %d, want 2", n)
	}

	// A later escrow appends; earlier numbers must not shift.
	lister.ids[EncodeConversationID("conv-1")] = []uint64{3, 7, 12}
	n, err = b.EscrowNumber(ctx, "conv-1", 7)
	if err != nil {
		t.Fatalf("EscrowNumber: %v", err)
	}
	if n != 2 {
		t.Errorf("number after append = %d, want 2", n)
	}

	if _, err := b.EscrowNumber(ctx, "conv-1", 99); err == nil {
		t.Error("expected error for unbound escrow")
	}
}

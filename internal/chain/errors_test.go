package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// dataErr mimics go-ethereum's rpc.DataError shape.
type dataErr struct {
	msg  string
	data interface{}
}

func (e *dataErr) Error() string          { return e.msg }
func (e *dataErr) ErrorData() interface{} { return e.data }

// timeoutErr satisfies net.Error.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyNil(t *testing.T) {
	if err := classify("getEscrow", nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"signature declined", ErrSignatureDeclined, KindUserRejected},
		{"wrapped signature declined", fmt.Errorf("sign: %w", ErrSignatureDeclined), KindUserRejected},
		{"context canceled", context.Canceled, KindUserRejected},
		{"net error", timeoutErr{}, KindTransport},
		{"deadline exceeded", context.DeadlineExceeded, KindTransport},
		{"execution reverted", errors.New("execution reverted: not buyer"), KindRevert},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), KindRevert},
		{"nonce too low", errors.New("nonce too low"), KindRevert},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connection refused"), KindTransport},
		{"no such host", errors.New("lookup rpc.invalid: no such host"), KindTransport},
		{"unrecognized", errors.New("something odd from the node"), KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			kind, ok := KindOf(err)
			if !ok {
				t.Fatalf("classify returned non-gateway error: %v", err)
			}
			if kind != tt.want {
				t.Errorf("kind = %s, want %s", kind, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error does not unwrap to cause")
			}
		})
	}
}

func TestKindOfForeignError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("KindOf matched a non-gateway error")
	}
	if _, ok := KindOf(nil); ok {
		t.Error("KindOf matched nil")
	}
}

func TestRevertReasonFromMessage(t *testing.T) {
	err := classify("complete", errors.New("execution reverted: already completed"))
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("expected *Error")
	}
	if ce.Reason != "already completed" {
		t.Errorf("Reason = %q", ce.Reason)
	}
	if !strings.Contains(ce.Error(), "already completed") {
		t.Errorf("Error() = %q", ce.Error())
	}
}

func TestRevertReasonFromPayload(t *testing.T) {
	// ABI-encoded Error("not seller"): selector, offset 0x20, length 10,
	// then the string padded to a word.
	payload := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"000000000000000000000000000000000000000000000000000000000000000a" +
		"6e6f742073656c6c65720000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

	err := classify("cancel", &dataErr{msg: "execution reverted", data: payload})
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("expected *Error")
	}
	if ce.Kind != KindRevert {
		t.Fatalf("kind = %s", ce.Kind)
	}
	if ce.Reason != "not seller" {
		t.Errorf("Reason = %q, want decoded payload", ce.Reason)
	}
}

func TestDecodeRevertPayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "valid Error(string)",
			in: "0x08c379a0" +
				"0000000000000000000000000000000000000000000000000000000000000020" +
				"0000000000000000000000000000000000000000000000000000000000000002" +
				"6869000000000000000000000000000000000000000000000000000000000000",
			want: "hi",
		},
		{name: "wrong selector", in: "0xdeadbeef" + strings.Repeat("00", 64), want: ""},
		{name: "too short", in: "0x08c379a0", want: ""},
		{name: "length exceeds payload", in: "0x08c379a0" +
			"0000000000000000000000000000000000000000000000000000000000000020" +
			"00000000000000000000000000000000000000000000000000000000000000ff" +
			"6869000000000000000000000000000000000000000000000000000000000000",
			want: ""},
		{name: "not hex", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeRevertPayload(tt.in); got != tt.want {
				t.Errorf("decodeRevertPayload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindTransport:    "transport",
		KindRevert:       "revert",
		KindUserRejected: "user_rejected",
		KindConvergence:  "convergence_timeout",
		Kind(99):         "unknown",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestErrorMessageWithoutReason(t *testing.T) {
	cause := errors.New("dial failed after " + (2 * time.Second).String())
	ce := &Error{Kind: KindTransport, Op: "getEscrow", Err: cause}
	msg := ce.Error()
	if !strings.Contains(msg, "getEscrow") || !strings.Contains(msg, "transport") {
		t.Errorf("Error() = %q", msg)
	}
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a gateway failure so callers never inspect raw RPC error
// text. Classification happens once, at this boundary.
type Kind int

const (
	// KindTransport is an RPC connectivity failure. Retryable.
	KindTransport Kind = iota
	// KindRevert means the contract rejected the call because a precondition
	// failed. Not retryable without external action.
	KindRevert
	// KindUserRejected means the signing party declined to sign. Surfaced as
	// a neutral cancellation, not a failure.
	KindUserRejected
	// KindConvergence means a transaction confirmed but the expected read
	// state was not observed within the polling budget. Soft warning.
	KindConvergence
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRevert:
		return "revert"
	case KindUserRejected:
		return "user_rejected"
	case KindConvergence:
		return "convergence_timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying RPC or signing failure with its classified kind.
type Error struct {
	Kind   Kind
	Op     string // Gateway operation that failed
	Reason string // Revert reason when the node reported one
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain: %s %s: %s", e.Op, e.Kind, e.Reason)
	}
	return fmt.Sprintf("chain: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrSignatureDeclined is returned by a Signer when the holder of the key
// refuses to sign. Local key signers never return it; interactive signers do.
var ErrSignatureDeclined = errors.New("chain: signature declined by signer")

// KindOf returns the classified kind of err, or (0, false) if err is not a
// gateway error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// revertData matches the interface go-ethereum's rpc.DataError implements for
// carrying revert payloads.
type revertData interface {
	Error() string
	ErrorData() interface{}
}

// classify wraps err into an *Error with the appropriate kind. It is the
// single choke point where raw error shapes are examined.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrSignatureDeclined) {
		return &Error{Kind: KindUserRejected, Op: op, Err: err}
	}

	// Context cancellation while awaiting a signature or send counts as a
	// user-initiated abort, not a transport fault.
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUserRejected, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "execution reverted") {
		return &Error{Kind: KindRevert, Op: op, Reason: revertReason(err), Err: err}
	}
	if strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") {
		return &Error{Kind: KindRevert, Op: op, Reason: msg, Err: err}
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF") {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	// Unrecognized node errors are treated as transport: safe to retry a
	// read, and a write will fail again with a clearer shape if it reverts.
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// revertReason extracts a human-readable revert reason when the node attached
// one, otherwise returns the trimmed error text.
func revertReason(err error) string {
	var de revertData
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok && s != "" {
			if reason := decodeRevertPayload(s); reason != "" {
				return reason
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):])
	}
	return strings.TrimSpace(msg)
}

// decodeRevertPayload decodes the ABI-encoded Error(string) payload nodes
// return as hex. Returns "" when the payload isn't that shape.
func decodeRevertPayload(hexData string) string {
	data := strings.TrimPrefix(hexData, "0x")
	// 4-byte selector + 32-byte offset + 32-byte length, all hex.
	if len(data) < 8+64+64 {
		return ""
	}
	// Error(string) selector is 0x08c379a0.
	if data[:8] != "08c379a0" {
		return ""
	}
	lenHex := data[8+64 : 8+64+64]
	strLen := 0
	for _, c := range lenHex {
		strLen *= 16
		switch {
		case c >= '0' && c <= '9':
			strLen += int(c - '0')
		case c >= 'a' && c <= 'f':
			strLen += int(c-'a') + 10
		default:
			return ""
		}
	}
	strHex := data[8+64+64:]
	if strLen*2 > len(strHex) {
		return ""
	}
	out := make([]byte, strLen)
	for i := 0; i < strLen; i++ {
		hi := hexNibble(strHex[2*i])
		lo := hexNibble(strHex[2*i+1])
		if hi < 0 || lo < 0 {
			return ""
		}
		out[i] = byte(hi<<4 | lo)
	}
	return string(out)
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

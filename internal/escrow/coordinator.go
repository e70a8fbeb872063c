package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pixelmart/escrowd/internal/chain"
	"github.com/pixelmart/escrowd/internal/convo"
	"github.com/pixelmart/escrowd/internal/metrics"
	"github.com/pixelmart/escrowd/internal/retry"
	"github.com/pixelmart/escrowd/internal/syncutil"
	"github.com/pixelmart/escrowd/internal/traces"
)

var (
	// ErrEscrowNotFound means no record exists on-chain for the id.
	ErrEscrowNotFound = errors.New("escrow: not found")
	// ErrBusy means another mutating call is already in flight for this
	// escrow. The caller should wait for it to settle, not retry blindly.
	ErrBusy = errors.New("escrow: operation already in flight for this escrow")
	// ErrTerminal means a mutation was attempted on a completed or cancelled
	// escrow. This is a caller logic error, never retryable.
	ErrTerminal = errors.New("escrow: escrow is in a terminal state")
	// ErrSameParty rejects escrows where seller and buyer are one address.
	ErrSameParty = errors.New("escrow: seller and buyer cannot be the same address")
)

// NotAllowedError reports a permission predicate rejection with the context
// that produced it.
type NotAllowedError struct {
	Action  Action
	State   State
	Role    Role
	Expired bool
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("escrow: %s not allowed for %s in state %s (expired=%t)",
		e.Action, e.Role, e.State, e.Expired)
}

// Gateway is the contract access surface the coordinator needs. Implemented
// by *chain.Gateway; narrowed to an interface for tests.
type Gateway interface {
	Caller() common.Address
	GetEscrow(ctx context.Context, id uint64) (*chain.Record, error)
	GetUserEscrows(ctx context.Context, user common.Address) ([]uint64, error)
	DisputeFee(ctx context.Context) (*big.Int, error)
	CreateEscrow(ctx context.Context, p chain.CreateParams) (*chain.TxHandle, error)
	DepositPayment(ctx context.Context, id uint64, value *big.Int) (*chain.TxHandle, error)
	ApproveNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TxHandle, error)
	DepositNFT(ctx context.Context, id uint64) (*chain.TxHandle, error)
	CompleteEscrow(ctx context.Context, id uint64) (*chain.TxHandle, error)
	CancelEscrow(ctx context.Context, id uint64, reason string) (*chain.TxHandle, error)
	RaiseDispute(ctx context.Context, id uint64, reason string, fee *big.Int) (*chain.TxHandle, error)
	CancelExpiredEscrow(ctx context.Context, id uint64) (*chain.TxHandle, error)
	ResolveExpiredDispute(ctx context.Context, id uint64) (*chain.TxHandle, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
	CreatedID(receipt *types.Receipt) (uint64, error)
}

// Notifier receives snapshot updates for live distribution. Implemented by
// the realtime hub.
type Notifier interface {
	EscrowUpdated(e *Escrow)
}

// Tuning bounds the post-transaction convergence poll and receipt wait.
type Tuning struct {
	ConvergeAttempts int
	ConvergeInterval time.Duration
	ReceiptTimeout   time.Duration
}

// DefaultTuning matches the recommended budget: ~12 polls at 2.5s spacing.
func DefaultTuning() Tuning {
	return Tuning{
		ConvergeAttempts: 12,
		ConvergeInterval: 2500 * time.Millisecond,
		ReceiptTimeout:   90 * time.Second,
	}
}

// Coordinator drives the escrow lifecycle: it gates actions with the
// permission predicates, submits transactions, waits for receipts, and polls
// the read path until the expected state converges.
type Coordinator struct {
	gw       Gateway
	store    Store
	notifier Notifier
	tuning   Tuning
	logger   *slog.Logger
	now      func() time.Time

	// Per-escrow busy guard. A second mutating submission while one is in
	// flight is rejected, not queued.
	busy syncutil.Busy
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithNotifier attaches a live-update sink.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithTuning overrides the convergence budget.
func WithTuning(t Tuning) CoordinatorOption {
	return func(c *Coordinator) { c.tuning = t }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// withClock overrides the time source (tests only).
func withClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over the gateway and snapshot store.
func NewCoordinator(gw Gateway, store Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		gw:     gw,
		store:  store,
		tuning: DefaultTuning(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the outcome of a mutating operation. Warning is set when the
// transaction confirmed but the expected read state was not observed within
// the polling budget; the escrow snapshot then reflects the freshest read.
type Result struct {
	Escrow  *Escrow `json:"escrow"`
	TxHash  string  `json:"txHash"`
	Warning string  `json:"warning,omitempty"`
}

// convergenceWarning is the soft, non-fatal notice for RPC indexing lag.
const convergenceWarning = "transaction confirmed but on-chain state may still be updating; refresh shortly"

// CreateRequest are the inputs to a new escrow. The acting wallet becomes the
// seller.
type CreateRequest struct {
	Buyer          string `json:"buyer" binding:"required"`
	NFTContract    string `json:"nftContract" binding:"required"`
	TokenID        string `json:"tokenId" binding:"required"`
	Price          string `json:"price" binding:"required"` // Decimal units, e.g. "1.5"
	DurationHours  uint64 `json:"durationHours" binding:"required"`
	ConversationID string `json:"conversationId" binding:"required"`
	MetadataRef    string `json:"metadataRef"`
}

// Create submits createEscrow and converges on the new record appearing in
// the read path.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	seller := c.gw.Caller()
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.Caller(seller.Hex()),
		traces.Conversation(req.ConversationID),
	)
	defer span.End()

	buyer := common.HexToAddress(req.Buyer)
	if strings.EqualFold(seller.Hex(), buyer.Hex()) {
		return nil, ErrSameParty
	}

	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid token id %q", req.TokenID)
	}

	tx, err := c.gw.CreateEscrow(ctx, chain.CreateParams{
		Buyer:               buyer,
		NFTContract:         common.HexToAddress(req.NFTContract),
		TokenID:             tokenID,
		Price:               req.Price,
		DurationHours:       req.DurationHours,
		ConversationBinding: convo.EncodeConversationID(req.ConversationID),
		MetadataRef:         req.MetadataRef,
	})
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues("create", "submitted").Inc()
	span.SetAttributes(traces.TxHash(tx.Hash.Hex()))

	receipt, err := c.gw.WaitForReceipt(ctx, tx.Hash, c.tuning.ReceiptTimeout)
	if err != nil {
		return nil, err
	}

	id, err := c.gw.CreatedID(receipt)
	if err != nil {
		// Tx confirmed but the event was not decodable; degrade to a soft
		// warning rather than failing a trade that exists on-chain.
		return &Result{TxHash: tx.Hash.Hex(), Warning: convergenceWarning}, nil
	}
	span.SetAttributes(traces.EscrowID(id))

	snap, converged := c.converge(ctx, id, func(e *Escrow) bool { return e != nil })
	res := &Result{Escrow: snap, TxHash: tx.Hash.Hex()}
	if !converged {
		res.Warning = convergenceWarning
	}
	return res, nil
}

// Fund deposits the buyer's payment. Allowed to the buyer before the deadline
// while the escrow is still collecting deposits.
func (c *Coordinator) Fund(ctx context.Context, id uint64) (*Result, error) {
	return c.mutate(ctx, id, ActionFund,
		func(snap *Escrow) (*chain.TxHandle, error) {
			price, ok := new(big.Int).SetString(snap.PriceWei, 10)
			if !ok {
				return nil, fmt.Errorf("escrow: corrupt price on snapshot %d", id)
			}
			return c.gw.DepositPayment(ctx, id, price)
		},
		func(e *Escrow) bool { return e.State == StateFunded || e.State == StateActive },
	)
}

// DepositNFT runs the two-step deposit: an ERC-721 approval confirmed first,
// then the deposit call. Approval failure aborts before the deposit.
func (c *Coordinator) DepositNFT(ctx context.Context, id uint64) (*Result, error) {
	return c.mutate(ctx, id, ActionDepositNFT,
		func(snap *Escrow) (*chain.TxHandle, error) {
			tokenID, ok := new(big.Int).SetString(snap.TokenID, 10)
			if !ok {
				return nil, fmt.Errorf("escrow: corrupt token id on snapshot %d", id)
			}

			approval, err := c.gw.ApproveNFT(ctx, common.HexToAddress(snap.NFTContract), tokenID)
			if err != nil {
				return nil, err
			}
			if _, err := c.gw.WaitForReceipt(ctx, approval.Hash, c.tuning.ReceiptTimeout); err != nil {
				return nil, fmt.Errorf("escrow: NFT approval failed, deposit aborted: %w", err)
			}

			return c.gw.DepositNFT(ctx, id)
		},
		func(e *Escrow) bool { return e.State == StateNFTDeposited || e.State == StateActive },
	)
}

// Complete records the caller's completion agreement on an active escrow.
// The escrow settles once the contract has both agreements.
func (c *Coordinator) Complete(ctx context.Context, id uint64) (*Result, error) {
	caller := strings.ToLower(c.gw.Caller().Hex())
	return c.mutate(ctx, id, ActionComplete,
		func(snap *Escrow) (*chain.TxHandle, error) {
			return c.gw.CompleteEscrow(ctx, id)
		},
		func(e *Escrow) bool {
			if e.State == StateCompleted {
				return true
			}
			// Single-sided agreement: our flag must be visible.
			switch e.RoleOf(caller) {
			case RoleSeller:
				return e.SellerAgreed
			case RoleBuyer:
				return e.BuyerAgreed
			}
			return false
		},
	)
}

// Cancel requests cancellation with a reason. The contract cancels outright
// or records the caller's agreement, depending on deposit state.
func (c *Coordinator) Cancel(ctx context.Context, id uint64, reason string) (*Result, error) {
	caller := strings.ToLower(c.gw.Caller().Hex())
	return c.mutate(ctx, id, ActionCancel,
		func(snap *Escrow) (*chain.TxHandle, error) {
			return c.gw.CancelEscrow(ctx, id, reason)
		},
		func(e *Escrow) bool {
			if e.State == StateCancelled {
				return true
			}
			switch e.RoleOf(caller) {
			case RoleSeller:
				return e.SellerAgreed
			case RoleBuyer:
				return e.BuyerAgreed
			}
			return false
		},
	)
}

// Dispute escalates the escrow, paying the contract's fixed dispute fee.
func (c *Coordinator) Dispute(ctx context.Context, id uint64, reason string) (*Result, error) {
	return c.mutate(ctx, id, ActionDispute,
		func(snap *Escrow) (*chain.TxHandle, error) {
			fee, err := c.gw.DisputeFee(ctx)
			if err != nil {
				return nil, err
			}
			return c.gw.RaiseDispute(ctx, id, reason, fee)
		},
		func(e *Escrow) bool { return e.State == StateDisputed },
	)
}

// CancelExpired recovers deposits from an escrow past its deadline, or from a
// dispute past its own deadline.
func (c *Coordinator) CancelExpired(ctx context.Context, id uint64) (*Result, error) {
	return c.mutate(ctx, id, ActionCancelExpired,
		func(snap *Escrow) (*chain.TxHandle, error) {
			if snap.State == StateDisputed {
				return c.gw.ResolveExpiredDispute(ctx, id)
			}
			return c.gw.CancelExpiredEscrow(ctx, id)
		},
		func(e *Escrow) bool { return e.State == StateCancelled },
	)
}

// Get returns a fresh snapshot from the chain, updating the cache.
func (c *Coordinator) Get(ctx context.Context, id uint64) (*Escrow, error) {
	record, err := c.gw.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrEscrowNotFound
	}
	snap := FromRecord(record, c.now())
	c.publish(ctx, snap)
	return snap, nil
}

// GetCached serves the cached snapshot when available, falling back to a
// chain read. UI-facing list views use this; mutations never do.
func (c *Coordinator) GetCached(ctx context.Context, id uint64) (*Escrow, error) {
	if snap, err := c.store.Get(ctx, id); err == nil {
		return snap, nil
	}
	return c.Get(ctx, id)
}

// ListByUser returns fresh snapshots of every escrow the address participates
// in, ordered as the contract returns them.
func (c *Coordinator) ListByUser(ctx context.Context, addr string) ([]*Escrow, error) {
	ids, err := c.gw.GetUserEscrows(ctx, common.HexToAddress(addr))
	if err != nil {
		return nil, err
	}
	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		snap, err := c.Get(ctx, id)
		if err == ErrEscrowNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// NextActionFor derives the caller's instruction for an escrow.
func (c *Coordinator) NextActionFor(ctx context.Context, id uint64, caller string) (string, error) {
	snap, err := c.GetCached(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.NextActionFor(caller, c.now()), nil
}

// Refresh re-reads one escrow and publishes the result. Used by the
// auto-refresh loop and the watcher; safe to interleave with mutations
// because reads are idempotent and the store applies last-read-wins.
func (c *Coordinator) Refresh(ctx context.Context, id uint64) (*Escrow, error) {
	return c.Get(ctx, id)
}

// mutate runs the shared mutating-call flow: busy guard, fresh precondition
// read, permission predicate, submission, receipt wait, and convergence.
func (c *Coordinator) mutate(
	ctx context.Context,
	id uint64,
	action Action,
	submit func(snap *Escrow) (*chain.TxHandle, error),
	expect func(e *Escrow) bool,
) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+action.String(), traces.EscrowID(id))
	defer span.End()

	release, ok := c.busy.Acquire(id)
	if !ok {
		metrics.BusyRejections.Inc()
		return nil, ErrBusy
	}
	defer release()

	record, err := c.gw.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrEscrowNotFound
	}

	snap := FromRecord(record, c.now())
	caller := strings.ToLower(c.gw.Caller().Hex())
	span.SetAttributes(traces.Caller(caller))
	role := snap.RoleOf(caller)
	expired := snap.Expired(c.now())

	if snap.State.IsTerminal() {
		return nil, ErrTerminal
	}
	if !Allowed(action, snap.State, role, expired) {
		return nil, &NotAllowedError{Action: action, State: snap.State, Role: role, Expired: expired}
	}

	tx, err := submit(snap)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues(action.String(), "error").Inc()
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(action.String(), "submitted").Inc()
	span.SetAttributes(traces.TxHash(tx.Hash.Hex()))

	if _, err := c.gw.WaitForReceipt(ctx, tx.Hash, c.tuning.ReceiptTimeout); err != nil {
		return nil, err
	}

	fresh, converged := c.converge(ctx, id, func(e *Escrow) bool { return e != nil && expect(e) })
	if fresh != nil {
		span.SetAttributes(traces.EscrowState(fresh.StateName))
	}
	res := &Result{Escrow: fresh, TxHash: tx.Hash.Hex()}
	if !converged {
		res.Warning = convergenceWarning
		c.logger.Warn("state convergence timed out",
			"escrow_id", id,
			"action", action.String(),
			"tx", tx.Hash.Hex(),
		)
	}
	return res, nil
}

// converge polls the read path until expect is satisfied or the attempt
// budget runs out. It returns the freshest snapshot either way; the second
// return is false on budget exhaustion. Transport errors during polling are
// tolerated — the next attempt may succeed.
func (c *Coordinator) converge(ctx context.Context, id uint64, expect func(e *Escrow) bool) (*Escrow, bool) {
	var (
		last    *Escrow
		attempt int
	)

	err := retry.Fixed(ctx, c.tuning.ConvergeAttempts, c.tuning.ConvergeInterval, func() error {
		attempt++
		record, err := c.gw.GetEscrow(ctx, id)
		if err == nil && record != nil {
			last = FromRecord(record, c.now())
			c.publish(ctx, last)
			if expect(last) {
				return nil
			}
		}
		return errNotConverged
	})
	if err == nil {
		metrics.ConvergenceAttempts.Observe(float64(attempt))
		return last, true
	}

	metrics.ConvergenceTimeouts.Inc()
	return last, false
}

// errNotConverged drives the convergence retry loop; never surfaced.
var errNotConverged = errors.New("escrow: expected state not yet observed")

// publish caches and broadcasts a snapshot. The transition counter only
// moves when the state differs from the cached snapshot.
func (c *Coordinator) publish(ctx context.Context, snap *Escrow) {
	prev, err := c.store.Get(ctx, snap.ID)
	if err != nil || prev.State != snap.State {
		metrics.TransitionsTotal.WithLabelValues(snap.StateName).Inc()
	}
	if err := c.store.Upsert(ctx, snap); err != nil {
		c.logger.Warn("snapshot cache update failed", "escrow_id", snap.ID, "error", err)
	}
	if c.notifier != nil {
		c.notifier.EscrowUpdated(snap)
	}
}

// Package chain translates between application types and the fixed on-chain
// escrow contract ABI. It is a pure client of the contract: it encodes calls,
// decodes records, signs and submits transactions, and classifies every
// failure into one taxonomy kind at this single boundary.
//
// Mutating calls return a transaction handle and never block for
// confirmation; waiting for receipts and read-state convergence is the
// coordinator's job.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pixelmart/escrowd/internal/circuitbreaker"
	"github.com/pixelmart/escrowd/internal/gas"
	"github.com/pixelmart/escrowd/internal/traces"
)

// Escrow contract ABI. The contract is a fixed external collaborator; this
// client does not define or deploy it.
const escrowABI = `[
	{"constant":true,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"getEscrow","outputs":[{"components":[{"name":"id","type":"uint256"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"disputeDeadline","type":"uint256"},{"name":"state","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"sellerAgreed","type":"bool"},{"name":"buyerAgreed","type":"bool"},{"name":"conversationBinding","type":"bytes32"},{"name":"metadataRef","type":"string"}],"name":"","type":"tuple"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"user","type":"address"}],"name":"getUserEscrows","outputs":[{"name":"","type":"uint256[]"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"conversationBinding","type":"bytes32"}],"name":"getConversationEscrows","outputs":[{"name":"","type":"uint256[]"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"conversationBinding","type":"bytes32"}],"name":"getEscrowByXMTP","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"getTotalEscrows","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"disputeFee","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"buyer","type":"address"},{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"conversationBinding","type":"bytes32"},{"name":"metadataRef","type":"string"}],"name":"createEscrow","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"depositPayment","outputs":[],"payable":true,"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"depositNFT","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"completeEscrow","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"},{"name":"reason","type":"string"}],"name":"raiseDispute","outputs":[],"payable":true,"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"resolveExpiredDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"},{"name":"reason","type":"string"}],"name":"cancelEscrow","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"cancelExpiredEscrow","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"seller","type":"address"},{"indexed":true,"name":"buyer","type":"address"}],"name":"EscrowCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":false,"name":"reason","type":"string"}],"name":"EscrowCancelled","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"}],"name":"DisputeExpired","type":"event"}
]`

// Minimal ERC-721 ABI for the approval step of an NFT deposit.
const erc721ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"approve","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"getApproved","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

const (
	// DefaultGasLimit for contract calls when estimation fails.
	DefaultGasLimit = uint64(300000)

	// ReceiptPollInterval between receipt checks.
	ReceiptPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Signer signs transactions on behalf of the acting wallet. An interactive
// signer may return ErrSignatureDeclined when the holder refuses.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner signs with an in-process private key.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner creates a signer from a hex private key (0x prefix optional).
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("chain: invalid private key: cannot derive public key")
	}
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(*pub)}, nil
}

// Address returns the signer's wallet address.
func (s *LocalSigner) Address() common.Address { return s.addr }

// SignTx signs tx with the local key.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}

// Record is the decoded on-chain escrow record. The canonical record lives on
// chain; this is a read snapshot.
type Record struct {
	ID                  uint64
	Seller              common.Address
	Buyer               common.Address
	NFTContract         common.Address
	TokenID             *big.Int
	Price               *big.Int
	Deadline            time.Time
	DisputeDeadline     time.Time
	State               uint8
	CreatedAt           time.Time
	SellerAgreed        bool
	BuyerAgreed         bool
	ConversationBinding [32]byte
	MetadataRef         string
}

// TxHandle identifies a submitted, unconfirmed transaction.
type TxHandle struct {
	Hash  common.Hash
	Nonce uint64
}

// Event is a decoded contract event relevant to the coordinator.
type Event struct {
	Name     string
	EscrowID uint64
	Block    uint64
	TxHash   common.Hash
}

// CreateParams are the application-level inputs to createEscrow. Price is a
// human decimal string; DurationHours is converted to seconds on submission.
type CreateParams struct {
	Buyer               common.Address
	NFTContract         common.Address
	TokenID             *big.Int
	Price               string
	DurationHours       uint64
	ConversationBinding [32]byte
	MetadataRef         string
}

// Config for the gateway.
type Config struct {
	RPCURL   string
	ChainID  int64
	Contract common.Address
}

// Gateway encodes and decodes calls against the escrow contract.
type Gateway struct {
	client   EthClient
	signer   Signer
	contract common.Address
	chainID  *big.Int
	abi      abi.ABI
	nftABI   abi.ABI
	breaker  *circuitbreaker.Breaker
	prices   *gas.Oracle
	logger   *slog.Logger
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// WithBreaker guards RPC reads with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(g *Gateway) { g.breaker = b }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a gateway bound to the escrow contract.
func New(cfg Config, signer Signer, opts ...Option) (*Gateway, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}
	nft, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC-721 ABI: %w", err)
	}

	g := &Gateway{
		signer:   signer,
		contract: cfg.Contract,
		chainID:  big.NewInt(cfg.ChainID),
		abi:      parsed,
		nftABI:   nft,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, classify("dial", err)
		}
		g.client = client
	}
	g.prices = gas.NewOracle(g.client)

	return g, nil
}

// Contract returns the bound contract address.
func (g *Gateway) Contract() common.Address { return g.contract }

// Caller returns the acting wallet address.
func (g *Gateway) Caller() common.Address { return g.signer.Address() }

// Close closes the underlying client connection.
func (g *Gateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// escrowTuple mirrors the ABI tuple layout of getEscrow's return value.
type escrowTuple struct {
	Id                  *big.Int
	Seller              common.Address
	Buyer               common.Address
	NftContract         common.Address
	TokenId             *big.Int
	Price               *big.Int
	Deadline            *big.Int
	DisputeDeadline     *big.Int
	State               uint8
	CreatedAt           *big.Int
	SellerAgreed        bool
	BuyerAgreed         bool
	ConversationBinding [32]byte
	MetadataRef         string
}

// GetEscrow returns the on-chain record for id, or nil when the record does
// not exist (including reads the contract reverts). Transport failures
// propagate as errors; absence never does.
func (g *Gateway) GetEscrow(ctx context.Context, id uint64) (*Record, error) {
	data, err := g.abi.Pack("getEscrow", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("getEscrow", err)
	}

	ret, err := g.call(ctx, "getEscrow", data)
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == KindRevert {
			return nil, nil // not found
		}
		return nil, err
	}

	out, err := g.abi.Unpack("getEscrow", ret)
	if err != nil {
		return nil, classify("getEscrow", err)
	}
	tuple := *abi.ConvertType(out[0], new(escrowTuple)).(*escrowTuple)
	if tuple.Id == nil || tuple.Id.Sign() == 0 {
		return nil, nil // zero record: never created
	}

	return recordFromTuple(tuple), nil
}

// GetUserEscrows returns the ids of all escrows the address participates in.
func (g *Gateway) GetUserEscrows(ctx context.Context, user common.Address) ([]uint64, error) {
	data, err := g.abi.Pack("getUserEscrows", user)
	if err != nil {
		return nil, classify("getUserEscrows", err)
	}
	return g.callIDList(ctx, "getUserEscrows", data)
}

// GetConversationEscrows returns the ids of all escrows bound to the given
// conversation key, in contract (creation) order.
func (g *Gateway) GetConversationEscrows(ctx context.Context, binding [32]byte) ([]uint64, error) {
	data, err := g.abi.Pack("getConversationEscrows", binding)
	if err != nil {
		return nil, classify("getConversationEscrows", err)
	}
	return g.callIDList(ctx, "getConversationEscrows", data)
}

// GetEscrowByXMTP returns the most recent escrow id bound to a conversation
// key, or 0 when none exists.
func (g *Gateway) GetEscrowByXMTP(ctx context.Context, binding [32]byte) (uint64, error) {
	data, err := g.abi.Pack("getEscrowByXMTP", binding)
	if err != nil {
		return 0, classify("getEscrowByXMTP", err)
	}
	ret, err := g.call(ctx, "getEscrowByXMTP", data)
	if err != nil {
		return 0, err
	}
	out, err := g.abi.Unpack("getEscrowByXMTP", ret)
	if err != nil {
		return 0, classify("getEscrowByXMTP", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// GetTotalEscrows returns the number of escrows ever created.
func (g *Gateway) GetTotalEscrows(ctx context.Context) (uint64, error) {
	data, err := g.abi.Pack("getTotalEscrows")
	if err != nil {
		return 0, classify("getTotalEscrows", err)
	}
	ret, err := g.call(ctx, "getTotalEscrows", data)
	if err != nil {
		return 0, err
	}
	out, err := g.abi.Unpack("getTotalEscrows", ret)
	if err != nil {
		return 0, classify("getTotalEscrows", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// DisputeFee returns the fixed fee the contract charges to raise a dispute.
func (g *Gateway) DisputeFee(ctx context.Context) (*big.Int, error) {
	data, err := g.abi.Pack("disputeFee")
	if err != nil {
		return nil, classify("disputeFee", err)
	}
	ret, err := g.call(ctx, "disputeFee", data)
	if err != nil {
		return nil, err
	}
	out, err := g.abi.Unpack("disputeFee", ret)
	if err != nil {
		return nil, classify("disputeFee", err)
	}
	return out[0].(*big.Int), nil
}

// CreateEscrow submits a createEscrow transaction. The caller becomes the
// seller; price is converted from decimal units to wei and duration from
// hours to seconds before submission.
func (g *Gateway) CreateEscrow(ctx context.Context, p CreateParams) (*TxHandle, error) {
	price, err := ParsePrice(p.Price)
	if err != nil {
		return nil, classify("createEscrow", err)
	}

	data, err := g.abi.Pack("createEscrow",
		p.Buyer,
		p.NFTContract,
		p.TokenID,
		price,
		new(big.Int).SetUint64(HoursToSeconds(p.DurationHours)),
		p.ConversationBinding,
		p.MetadataRef,
	)
	if err != nil {
		return nil, classify("createEscrow", err)
	}
	return g.transact(ctx, "createEscrow", g.contract, data, nil)
}

// DepositPayment submits the buyer's payment deposit; value must equal the
// escrow price.
func (g *Gateway) DepositPayment(ctx context.Context, id uint64, value *big.Int) (*TxHandle, error) {
	data, err := g.abi.Pack("depositPayment", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("depositPayment", err)
	}
	return g.transact(ctx, "depositPayment", g.contract, data, value)
}

// ApproveNFT submits the ERC-721 approval authorizing the escrow contract to
// transfer the traded token. Must be confirmed before DepositNFT.
func (g *Gateway) ApproveNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*TxHandle, error) {
	data, err := g.nftABI.Pack("approve", g.contract, tokenID)
	if err != nil {
		return nil, classify("approveNFT", err)
	}
	return g.transact(ctx, "approveNFT", nftContract, data, nil)
}

// DepositNFT submits the seller's NFT deposit. The escrow contract must
// already hold approval for the token.
func (g *Gateway) DepositNFT(ctx context.Context, id uint64) (*TxHandle, error) {
	data, err := g.abi.Pack("depositNFT", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("depositNFT", err)
	}
	return g.transact(ctx, "depositNFT", g.contract, data, nil)
}

// CompleteEscrow submits a completion agreement for an active escrow.
func (g *Gateway) CompleteEscrow(ctx context.Context, id uint64) (*TxHandle, error) {
	data, err := g.abi.Pack("completeEscrow", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("completeEscrow", err)
	}
	return g.transact(ctx, "completeEscrow", g.contract, data, nil)
}

// CancelEscrow submits a cancellation with a reason.
func (g *Gateway) CancelEscrow(ctx context.Context, id uint64, reason string) (*TxHandle, error) {
	data, err := g.abi.Pack("cancelEscrow", new(big.Int).SetUint64(id), reason)
	if err != nil {
		return nil, classify("cancelEscrow", err)
	}
	return g.transact(ctx, "cancelEscrow", g.contract, data, nil)
}

// RaiseDispute submits a dispute; fee is the fixed dispute fee and is sent as
// transaction value.
func (g *Gateway) RaiseDispute(ctx context.Context, id uint64, reason string, fee *big.Int) (*TxHandle, error) {
	data, err := g.abi.Pack("raiseDispute", new(big.Int).SetUint64(id), reason)
	if err != nil {
		return nil, classify("raiseDispute", err)
	}
	return g.transact(ctx, "raiseDispute", g.contract, data, fee)
}

// CancelExpiredEscrow cancels an escrow whose deadline has passed.
func (g *Gateway) CancelExpiredEscrow(ctx context.Context, id uint64) (*TxHandle, error) {
	data, err := g.abi.Pack("cancelExpiredEscrow", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("cancelExpiredEscrow", err)
	}
	return g.transact(ctx, "cancelExpiredEscrow", g.contract, data, nil)
}

// ResolveExpiredDispute cancels a dispute whose own deadline has passed.
func (g *Gateway) ResolveExpiredDispute(ctx context.Context, id uint64) (*TxHandle, error) {
	data, err := g.abi.Pack("resolveExpiredDispute", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classify("resolveExpiredDispute", err)
	}
	return g.transact(ctx, "resolveExpiredDispute", g.contract, data, nil)
}

// WaitForReceipt blocks until the transaction is mined or timeout elapses. A
// mined-but-failed transaction classifies as a revert.
func (g *Gateway) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, classify("waitReceipt", ctx.Err())
		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined; keep waiting.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &Error{Kind: KindRevert, Op: "waitReceipt", Reason: "transaction reverted", Err: fmt.Errorf("tx %s reverted", hash.Hex())}
			}
			return receipt, nil
		}
	}
}

// CreatedID extracts the new escrow id from a createEscrow receipt's
// EscrowCreated event.
func (g *Gateway) CreatedID(receipt *types.Receipt) (uint64, error) {
	sig := g.abi.Events["EscrowCreated"].ID
	for _, l := range receipt.Logs {
		if l.Address != g.contract || len(l.Topics) < 2 || l.Topics[0] != sig {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, &Error{Kind: KindConvergence, Op: "createEscrow", Reason: "EscrowCreated event not found in receipt", Err: fmt.Errorf("no EscrowCreated log")}
}

// BlockNumber returns the current chain head.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify("blockNumber", err)
	}
	return n, nil
}

// FilterEvents returns decoded coordinator-relevant contract events in the
// block range [from, to].
func (g *Gateway) FilterEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	created := g.abi.Events["EscrowCreated"].ID
	cancelled := g.abi.Events["EscrowCancelled"].ID
	disputeExpired := g.abi.Events["DisputeExpired"].ID

	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{created, cancelled, disputeExpired}},
	})
	if err != nil {
		return nil, classify("filterEvents", err)
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		var name string
		switch l.Topics[0] {
		case created:
			name = "EscrowCreated"
		case cancelled:
			name = "EscrowCancelled"
		case disputeExpired:
			name = "DisputeExpired"
		default:
			continue
		}
		events = append(events, Event{
			Name:     name,
			EscrowID: new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
			Block:    l.BlockNumber,
			TxHash:   l.TxHash,
		})
	}
	return events, nil
}

// call performs a read, guarded by the circuit breaker when configured.
func (g *Gateway) call(ctx context.Context, op string, data []byte) ([]byte, error) {
	if g.breaker != nil && !g.breaker.Allow("rpc") {
		return nil, &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("rpc circuit open")}
	}

	ret, err := g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &g.contract,
		Data: data,
	}, nil)
	if err != nil {
		classified := classify(op, err)
		if g.breaker != nil {
			if kind, _ := KindOf(classified); kind == KindTransport {
				g.breaker.RecordFailure("rpc")
			}
		}
		return nil, classified
	}
	if g.breaker != nil {
		g.breaker.RecordSuccess("rpc")
	}
	return ret, nil
}

func (g *Gateway) callIDList(ctx context.Context, op string, data []byte) ([]uint64, error) {
	ret, err := g.call(ctx, op, data)
	if err != nil {
		return nil, err
	}
	out, err := g.abi.Unpack(op, ret)
	if err != nil {
		return nil, classify(op, err)
	}
	raw := out[0].([]*big.Int)
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		ids[i] = v.Uint64()
	}
	return ids, nil
}

// transact builds, signs, and submits a transaction. It does not wait for
// confirmation.
func (g *Gateway) transact(ctx context.Context, op string, to common.Address, data []byte, value *big.Int) (*TxHandle, error) {
	ctx, span := traces.StartSpan(ctx, "chain."+op)
	defer span.End()

	from := g.signer.Address()

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(op, err)
	}

	gasPrice, err := g.prices.Price(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation runs the call; a revert here is the contract rejecting
		// the precondition and must surface as such rather than being masked
		// by a default gas limit.
		classified := classify(op, err)
		if kind, _ := KindOf(classified); kind == KindRevert {
			return nil, classified
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := g.signer.SignTx(tx, g.chainID)
	if err != nil {
		return nil, classify(op, err)
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, classify(op, err)
	}
	span.SetAttributes(traces.TxHash(signedTx.Hash().Hex()))

	g.logger.Debug("transaction submitted",
		"op", op,
		"tx", signedTx.Hash().Hex(),
		"nonce", nonce,
	)

	return &TxHandle{Hash: signedTx.Hash(), Nonce: nonce}, nil
}

func recordFromTuple(t escrowTuple) *Record {
	return &Record{
		ID:                  t.Id.Uint64(),
		Seller:              t.Seller,
		Buyer:               t.Buyer,
		NFTContract:         t.NftContract,
		TokenID:             t.TokenId,
		Price:               t.Price,
		Deadline:            time.Unix(t.Deadline.Int64(), 0).UTC(),
		DisputeDeadline:     time.Unix(t.DisputeDeadline.Int64(), 0).UTC(),
		State:               t.State,
		CreatedAt:           time.Unix(t.CreatedAt.Int64(), 0).UTC(),
		SellerAgreed:        t.SellerAgreed,
		BuyerAgreed:         t.BuyerAgreed,
		ConversationBinding: t.ConversationBinding,
		MetadataRef:         t.MetadataRef,
	}
}

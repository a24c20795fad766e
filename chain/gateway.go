// Package chain submits settlement summaries to the campaign contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// SubmitBatchABI describes the settlement entrypoint of the campaign contract.
const SubmitBatchABI = `[{"type":"function","name":"submitBatch","stateMutability":"nonpayable","inputs":[` +
	`{"name":"ipfsCid","type":"string"},` +
	`{"name":"views","type":"uint256"},` +
	`{"name":"clicks","type":"uint256"},` +
	`{"name":"reach","type":"uint256"},` +
	`{"name":"tailHash","type":"bytes32"}],"outputs":[]}]`

// Batch is the payload submitted for one campaign partition.
type Batch struct {
	ContentAddress string
	Views          uint64
	Clicks         uint64
	Reach          uint64
	TailHash       []byte
}

// Receipt confirms an accepted submission.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Broadcast identifies a signed transaction. Raw is its binary encoding.
type Broadcast struct {
	Hash common.Hash
	Raw  []byte
}

// Signed reports whether a transaction was produced.
func (b Broadcast) Signed() bool { return b.Hash != (common.Hash{}) }

// Transactor broadcasts contract calls and waits for their receipts.
type Transactor interface {
	// Send returns a populated Broadcast whenever the transaction was signed,
	// even if broadcasting it failed.
	Send(ctx context.Context, contract common.Address, input []byte) (Broadcast, error)
	Rebroadcast(ctx context.Context, raw []byte) error
	WaitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	// CallError replays a mined transaction as a call and returns its revert error.
	CallError(ctx context.Context, receipt *gethtypes.Receipt) error
}

// Gateway adapts a Transactor to the settlement contract.
type Gateway struct {
	enabled    bool
	transactor Transactor
	abi        abi.ABI
	logger     *slog.Logger
	timeout    time.Duration
}

// Option customises the gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReceiptTimeout bounds how long SubmitBatch waits for mining.
func WithReceiptTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGateway constructs an enabled gateway.
func NewGateway(transactor Transactor, opts ...Option) (*Gateway, error) {
	if transactor == nil {
		return nil, fmt.Errorf("chain: transactor required")
	}
	parsed, err := abi.JSON(strings.NewReader(SubmitBatchABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	g := &Gateway{
		enabled:    true,
		transactor: transactor,
		abi:        parsed,
		logger:     slog.Default(),
		timeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Disabled returns a gateway whose submissions are no-ops.
func Disabled() *Gateway { return &Gateway{} }

// Enabled reports whether submissions reach the chain.
func (g *Gateway) Enabled() bool { return g != nil && g.enabled && g.transactor != nil }

// PadHash32 right-pads hash with zero bytes to 32 bytes.
func PadHash32(hash []byte) ([32]byte, error) {
	var out [32]byte
	if len(hash) > len(out) {
		return out, fmt.Errorf("chain: tail hash is %d bytes, max 32", len(hash))
	}
	copy(out[:], hash)
	return out, nil
}

// Pack encodes the submitBatch call data.
func (g *Gateway) Pack(contentAddress string, views, clicks, reach uint64, tail [32]byte) ([]byte, error) {
	return g.abi.Pack("submitBatch",
		contentAddress,
		new(big.Int).SetUint64(views),
		new(big.Int).SetUint64(clicks),
		new(big.Int).SetUint64(reach),
		tail,
	)
}

// SubmitBatch sends the batch summary to contract. It returns (nil, nil) when
// the gateway is disabled or no contract is configured. Failures are returned
// as *SubmitError.
func (g *Gateway) SubmitBatch(ctx context.Context, contract string, batch Batch) (*Receipt, error) {
	contract = strings.TrimSpace(contract)
	if !g.Enabled() || contract == "" {
		return nil, nil
	}
	if !common.IsHexAddress(contract) {
		return nil, &SubmitError{Kind: KindRejected, Reason: "invalid contract address " + contract}
	}
	tail, err := PadHash32(batch.TailHash)
	if err != nil {
		return nil, &SubmitError{Kind: KindRejected, Reason: "invalid tail hash", Err: err}
	}
	input, err := g.Pack(batch.ContentAddress, batch.Views, batch.Clicks, batch.Reach, tail)
	if err != nil {
		return nil, &SubmitError{Kind: KindRejected, Reason: "pack call", Err: err}
	}

	sent, err := g.transactor.Send(ctx, common.HexToAddress(contract), input)
	if err != nil {
		classified := Classify(err)
		if sent.Signed() {
			// The node may hold the transaction; a retry must resume it, never re-sign.
			classified = &SubmitError{
				Kind:   KindTransient,
				Reason: "broadcast unconfirmed",
				TxHash: sent.Hash.Hex(),
				RawTx:  sent.Raw,
				Err:    err,
			}
		}
		g.logger.Warn("batch submission failed",
			slog.String("contract", contract),
			slog.String("kind", string(classified.Kind)),
			slog.String("reason", classified.Reason),
			slog.String("tx", classified.TxHash),
			slog.Any("error", err))
		return nil, classified
	}
	return g.await(ctx, contract, sent)
}

// Resume waits for a transaction signed by an earlier, interrupted submission.
// When raw is available the transaction is rebroadcast first, in case the node
// never received it. A dropped transaction yields a transient error wrapping
// ErrTxDropped with no TxHash, so the next attempt submits afresh.
func (g *Gateway) Resume(ctx context.Context, contract, txHash string, raw []byte) (*Receipt, error) {
	if !g.Enabled() {
		return nil, nil
	}
	sent := Broadcast{Hash: common.HexToHash(txHash), Raw: raw}
	if len(raw) > 0 {
		if err := g.transactor.Rebroadcast(ctx, raw); err != nil {
			if errors.Is(err, ErrTxDropped) {
				g.logger.Warn("batch transaction dropped",
					slog.String("contract", contract),
					slog.String("tx", txHash))
				return nil, &SubmitError{Kind: KindTransient, Reason: "transaction dropped", Err: err}
			}
			g.logger.Warn("batch rebroadcast failed",
				slog.String("contract", contract),
				slog.String("tx", txHash),
				slog.Any("error", err))
		}
	}
	return g.await(ctx, contract, sent)
}

func (g *Gateway) await(ctx context.Context, contract string, sent Broadcast) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	txHash := sent.Hash.Hex()
	receipt, err := g.transactor.WaitReceipt(waitCtx, sent.Hash)
	if err != nil {
		return nil, &SubmitError{Kind: KindTransient, TxHash: txHash, RawTx: sent.Raw, Err: err}
	}
	if receipt == nil {
		return nil, &SubmitError{Kind: KindTransient, TxHash: txHash, RawTx: sent.Raw, Err: errors.New("receipt missing")}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		failure := g.revertFailure(ctx, receipt)
		failure.TxHash = txHash
		g.logger.Warn("batch transaction reverted",
			slog.String("contract", contract),
			slog.String("tx", txHash),
			slog.String("kind", string(failure.Kind)),
			slog.String("reason", failure.Reason))
		return nil, failure
	}
	out := &Receipt{TxHash: txHash}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// revertFailure classifies a mined but failed transaction by replaying it. A
// replay that does not yield a revert reason reports a generic rejection.
func (g *Gateway) revertFailure(ctx context.Context, receipt *gethtypes.Receipt) *SubmitError {
	generic := &SubmitError{Kind: KindRejected, Reason: "transaction reverted"}
	callErr := g.transactor.CallError(ctx, receipt)
	if callErr == nil {
		return generic
	}
	classified := Classify(callErr)
	if !classified.Kind.Permanent() {
		g.logger.Debug("revert replay failed", slog.Any("error", callErr))
		return generic
	}
	return &SubmitError{Kind: classified.Kind, Reason: classified.Reason, Err: callErr}
}

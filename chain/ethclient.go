package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"adchain/crypto"
)

// Backend is the subset of the Ethereum JSON-RPC API the transactor uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialBackend initialises an EVM RPC client for the provided endpoint.
func DialBackend(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EthTransactor signs and broadcasts transactions with a local key.
type EthTransactor struct {
	backend      Backend
	key          *crypto.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration
	gasMargin    uint64

	// Sends are serialised so pending nonces are not reused.
	mu sync.Mutex
}

// NewEthTransactor builds a transactor. A nil or zero chainID is fetched from the node.
func NewEthTransactor(ctx context.Context, backend Backend, key *crypto.PrivateKey, chainID *big.Int, pollInterval time.Duration) (*EthTransactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: signer key required")
	}
	if chainID == nil || chainID.Sign() == 0 {
		fetched, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: fetch chain id: %w", err)
		}
		chainID = fetched
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &EthTransactor{
		backend:      backend,
		key:          key,
		from:         key.Address(),
		chainID:      new(big.Int).Set(chainID),
		pollInterval: pollInterval,
		gasMargin:    20,
	}, nil
}

// From returns the signer address.
func (t *EthTransactor) From() common.Address { return t.from }

// Send estimates gas, signs a dynamic-fee (or legacy, pre-London) transaction
// and broadcasts it. Gas estimation surfaces contract reverts before anything
// is broadcast. Once the transaction is signed the returned Broadcast is
// populated, including when SendTransaction fails: the node may have accepted
// it before the error reached us.
func (t *EthTransactor) Send(ctx context.Context, contract common.Address, input []byte) (Broadcast, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &contract, Data: input})
	if err != nil {
		return Broadcast{}, err
	}
	gas += gas * t.gasMargin / 100

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return Broadcast{}, fmt.Errorf("fetch nonce: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Broadcast{}, fmt.Errorf("fetch head: %w", err)
	}

	var txData gethtypes.TxData
	if head != nil && head.BaseFee != nil {
		tip, err := t.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return Broadcast{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		txData = &gethtypes.DynamicFeeTx{
			ChainID:   t.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &contract,
			Data:      input,
		}
	} else {
		price, err := t.backend.SuggestGasPrice(ctx)
		if err != nil {
			return Broadcast{}, fmt.Errorf("suggest gas price: %w", err)
		}
		txData = &gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &contract,
			Data:     input,
		}
	}

	signed, err := gethtypes.SignNewTx(t.key.PrivateKey, gethtypes.LatestSignerForChainID(t.chainID), txData)
	if err != nil {
		return Broadcast{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Broadcast{}, fmt.Errorf("encode transaction: %w", err)
	}
	sent := Broadcast{Hash: signed.Hash(), Raw: raw}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return sent, err
	}
	return sent, nil
}

// Rebroadcast resends a transaction signed by an earlier Send. Resending the
// same bytes cannot create a second transaction. ErrTxDropped is returned when
// the nonce was consumed by another transaction and raw was never mined.
func (t *EthTransactor) Rebroadcast(ctx context.Context, raw []byte) error {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.backend.SendTransaction(ctx, tx)
	if err == nil || isAlreadyKnown(err) {
		return nil
	}
	if !isNonceTooLow(err) {
		return err
	}
	receipt, receiptErr := t.backend.TransactionReceipt(ctx, tx.Hash())
	switch {
	case receiptErr == nil && receipt != nil:
		return nil
	case errors.Is(receiptErr, ethereum.NotFound):
		return ErrTxDropped
	case receiptErr != nil:
		return fmt.Errorf("fetch receipt: %w", receiptErr)
	default:
		return err
	}
}

// CallError re-executes a mined transaction as a call against the state of its
// block and returns the error the call produces, or nil when it succeeds.
func (t *EthTransactor) CallError(ctx context.Context, receipt *gethtypes.Receipt) error {
	if receipt == nil {
		return nil
	}
	tx, _, err := t.backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil {
		return fmt.Errorf("fetch transaction: %w", err)
	}
	_, err = t.backend.CallContract(ctx, ethereum.CallMsg{
		From:  t.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	return err
}

func isAlreadyKnown(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "already known") || strings.Contains(lower, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// WaitReceipt polls until the transaction is mined or ctx expires.
func (t *EthTransactor) WaitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

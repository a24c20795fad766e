package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"adchain/crypto"
)

type fakeTransactor struct {
	mu       sync.Mutex
	sendErr  error
	status   uint64
	waitErr  error
	callErr  error
	calls    int
	lastTo   common.Address
	lastData []byte
}

func (f *fakeTransactor) Send(_ context.Context, contract common.Address, input []byte) (Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastTo = contract
	f.lastData = append([]byte(nil), input...)
	if f.sendErr != nil {
		return Broadcast{}, f.sendErr
	}
	return Broadcast{Hash: common.HexToHash(fmt.Sprintf("0x%064x", f.calls))}, nil
}

func (f *fakeTransactor) Rebroadcast(context.Context, []byte) error { return nil }

func (f *fakeTransactor) WaitReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &gethtypes.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func (f *fakeTransactor) CallError(context.Context, *gethtypes.Receipt) error { return f.callErr }

const contractAddr = "0x00000000000000000000000000000000000000c1"

func TestSubmitBatchDisabledOrNoContract(t *testing.T) {
	receipt, err := Disabled().SubmitBatch(context.Background(), contractAddr, Batch{})
	require.NoError(t, err)
	require.Nil(t, receipt)

	fake := &fakeTransactor{status: gethtypes.ReceiptStatusSuccessful}
	gw, err := NewGateway(fake)
	require.NoError(t, err)
	receipt, err = gw.SubmitBatch(context.Background(), "", Batch{})
	require.NoError(t, err)
	require.Nil(t, receipt)
	require.Zero(t, fake.calls)
}

func TestSubmitBatchPacksCall(t *testing.T) {
	fake := &fakeTransactor{status: gethtypes.ReceiptStatusSuccessful}
	gw, err := NewGateway(fake)
	require.NoError(t, err)

	receipt, err := gw.SubmitBatch(context.Background(), contractAddr, Batch{
		ContentAddress: "bafkreiexample",
		Views:          10,
		Clicks:         2,
		Reach:          7,
		TailHash:       []byte{0xaa, 0xbb},
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, uint64(42), receipt.BlockNumber)
	require.Equal(t, common.HexToAddress(contractAddr), fake.lastTo)

	parsed, err := abi.JSON(stringsReader(SubmitBatchABI))
	require.NoError(t, err)
	method := parsed.Methods["submitBatch"]
	require.Equal(t, method.ID, fake.lastData[:4])
	values, err := method.Inputs.Unpack(fake.lastData[4:])
	require.NoError(t, err)
	require.Equal(t, "bafkreiexample", values[0])
	require.Equal(t, big.NewInt(10), values[1])
	require.Equal(t, big.NewInt(2), values[2])
	require.Equal(t, big.NewInt(7), values[3])
	tail := values[4].([32]byte)
	require.Equal(t, byte(0xaa), tail[0])
	require.Equal(t, byte(0xbb), tail[1])
	require.Equal(t, make([]byte, 30), tail[2:])
}

func TestPadHash32(t *testing.T) {
	padded, err := PadHash32([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, padded[:3])
	require.Equal(t, make([]byte, 29), padded[3:])

	full := make([]byte, 32)
	full[31] = 9
	padded, err = PadHash32(full)
	require.NoError(t, err)
	require.Equal(t, byte(9), padded[31])

	_, err = PadHash32(make([]byte, 33))
	require.Error(t, err)
}

type revertError struct {
	msg  string
	data interface{}
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	parsed, err := abi.JSON(stringsReader(`[{"type":"function","name":"Error","inputs":[{"name":"r","type":"string"}]}]`))
	require.NoError(t, err)
	packed, err := parsed.Pack("Error", reason)
	require.NoError(t, err)
	return fmt.Sprintf("0x%x", packed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"timeout", context.DeadlineExceeded, KindTransient},
		{"network", errors.New("dial tcp: connection refused"), KindTransient},
		{"budget text", errors.New("execution reverted: Budget exhausted"), KindBudgetExhausted},
		{"inactive text", errors.New("execution reverted: Campaign not active"), KindCampaignInactive},
		{"access text", errors.New("execution reverted: AccessControl: account is missing role"), KindUnauthorized},
		{"unknown revert", errors.New("execution reverted"), KindRejected},
		{"revert data", revertError{msg: "execution reverted", data: encodeRevert(t, "Campaign is inactive")}, KindCampaignInactive},
		{"custom error", revertError{msg: "execution reverted", data: fmt.Sprintf("0x%x%064x", selectorAccessControl, 1)}, KindUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := Classify(tc.err)
			require.Equal(t, tc.kind, classified.Kind)
			require.Equal(t, tc.kind.Permanent(), IsPermanent(classified))
		})
	}
}

func TestSubmitBatchClassifiesFailures(t *testing.T) {
	fake := &fakeTransactor{sendErr: errors.New("execution reverted: budget exhausted")}
	gw, err := NewGateway(fake)
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, KindBudgetExhausted, submitErr.Kind)
	require.True(t, IsPermanent(err))

	fake = &fakeTransactor{status: gethtypes.ReceiptStatusFailed}
	gw, err = NewGateway(fake)
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	require.Equal(t, KindRejected, KindOf(err))

	fake = &fakeTransactor{waitErr: context.DeadlineExceeded}
	gw, err = NewGateway(fake, WithReceiptTimeout(time.Millisecond))
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, KindTransient, submitErr.Kind)
	require.NotEmpty(t, submitErr.TxHash)

	_, err = gw.SubmitBatch(context.Background(), "not-an-address", Batch{})
	require.True(t, IsPermanent(err))
}

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*gethtypes.Transaction
	baseFee  *big.Int
	pending  int
	estimate error
	// sendErr is returned after the transaction has been recorded, as when a
	// node accepts a transaction but the response is lost.
	sendErr error
	// known rejects resends of recorded transactions like a real node does.
	known   bool
	mined   map[common.Hash]bool
	status  uint64
	callErr error
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }
func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}
func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(100), BaseFee: b.baseFee}, nil
}
func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }
func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)  { return big.NewInt(5), nil }
func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.estimate != nil {
		return 0, b.estimate
	}
	return 100000, nil
}
func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prev := range b.sent {
		if prev.Hash() == tx.Hash() {
			if b.known {
				return errors.New("already known")
			}
			return nil
		}
		if prev.Nonce() == tx.Nonce() {
			return errors.New("nonce too low: next nonce 1, tx nonce 0")
		}
	}
	b.sent = append(b.sent, tx)
	return b.sendErr
}
func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mined != nil && !b.mined[hash] {
		return nil, ethereum.NotFound
	}
	if b.pending > 0 {
		b.pending--
		return nil, ethereum.NotFound
	}
	status := b.status
	if status == 0 && b.callErr == nil {
		status = gethtypes.ReceiptStatusSuccessful
	}
	return &gethtypes.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(101)}, nil
}
func (b *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}
func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, b.callErr
}

func TestEthTransactorSendAndWait(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{baseFee: big.NewInt(10), pending: 2}
	tx, err := NewEthTransactor(context.Background(), backend, key, nil, time.Millisecond)
	require.NoError(t, err)

	gw, err := NewGateway(tx)
	require.NoError(t, err)
	receipt, err := gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid", Views: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(101), receipt.BlockNumber)

	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), sent.Type())
	require.Equal(t, uint64(120000), sent.Gas())
	require.Equal(t, big.NewInt(31337), sent.ChainId())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(sent.ChainId()), sent)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
	require.Equal(t, sent.Hash().Hex(), receipt.TxHash)
}

func TestEthTransactorLegacyAndRevert(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{}
	tx, err := NewEthTransactor(context.Background(), backend, key, big.NewInt(1), time.Millisecond)
	require.NoError(t, err)
	_, err = tx.Send(context.Background(), common.HexToAddress(contractAddr), []byte{1})
	require.NoError(t, err)
	require.Equal(t, uint8(gethtypes.LegacyTxType), backend.sent[0].Type())

	backend.estimate = errors.New("execution reverted: campaign inactive")
	gw, err := NewGateway(tx)
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	require.Equal(t, KindCampaignInactive, KindOf(err))
	require.Len(t, backend.sent, 1)
}

func TestSendErrorAfterSigningIsResumedNotResent(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{baseFee: big.NewInt(10), sendErr: errors.New("Post \"http://node\": context deadline exceeded (Client.Timeout exceeded)"), known: true}
	tx, err := NewEthTransactor(context.Background(), backend, key, nil, time.Millisecond)
	require.NoError(t, err)
	gw, err := NewGateway(tx)
	require.NoError(t, err)

	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid", Views: 3})
	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, KindTransient, submitErr.Kind)
	require.Len(t, backend.sent, 1)
	require.Equal(t, backend.sent[0].Hash().Hex(), submitErr.TxHash)
	require.NotEmpty(t, submitErr.RawTx)

	backend.sendErr = nil
	receipt, err := gw.Resume(context.Background(), contractAddr, submitErr.TxHash, submitErr.RawTx)
	require.NoError(t, err)
	require.Equal(t, submitErr.TxHash, receipt.TxHash)
	require.Len(t, backend.sent, 1, "resume must not sign a second transaction")
}

func TestResumeRebroadcastsUnseenTransaction(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{baseFee: big.NewInt(10), sendErr: errors.New("connection reset by peer")}
	tx, err := NewEthTransactor(context.Background(), backend, key, nil, time.Millisecond)
	require.NoError(t, err)
	gw, err := NewGateway(tx)
	require.NoError(t, err)

	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)

	// The node lost the transaction.
	backend.sent = nil
	backend.sendErr = nil
	receipt, err := gw.Resume(context.Background(), contractAddr, submitErr.TxHash, submitErr.RawTx)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	require.Equal(t, submitErr.TxHash, backend.sent[0].Hash().Hex())
	require.Equal(t, submitErr.TxHash, receipt.TxHash)
}

func TestResumeReportsDroppedTransaction(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{baseFee: big.NewInt(10), sendErr: errors.New("i/o timeout")}
	tx, err := NewEthTransactor(context.Background(), backend, key, nil, time.Millisecond)
	require.NoError(t, err)
	gw, err := NewGateway(tx)
	require.NoError(t, err)

	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	var first *SubmitError
	require.ErrorAs(t, err, &first)

	// Another transaction took the nonce and ours was never mined.
	backend.mu.Lock()
	other, err := gethtypes.SignNewTx(key.PrivateKey, gethtypes.LatestSignerForChainID(big.NewInt(31337)), &gethtypes.DynamicFeeTx{
		ChainID: big.NewInt(31337), Nonce: 0, Gas: 21000, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(30),
	})
	require.NoError(t, err)
	backend.sent = []*gethtypes.Transaction{other}
	backend.mined = map[common.Hash]bool{other.Hash(): true}
	backend.sendErr = nil
	backend.mu.Unlock()

	_, err = gw.Resume(context.Background(), contractAddr, first.TxHash, first.RawTx)
	require.ErrorIs(t, err, ErrTxDropped)
	var dropped *SubmitError
	require.ErrorAs(t, err, &dropped)
	require.Equal(t, KindTransient, dropped.Kind)
	require.Empty(t, dropped.TxHash)
}

func TestMinedRevertIsClassifiedByReplay(t *testing.T) {
	fake := &fakeTransactor{
		status:  gethtypes.ReceiptStatusFailed,
		callErr: errors.New("execution reverted: budget exhausted"),
	}
	gw, err := NewGateway(fake)
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, KindBudgetExhausted, submitErr.Kind)
	require.NotEmpty(t, submitErr.TxHash)

	fake.callErr = errors.New("dial tcp: connection refused")
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	require.Equal(t, KindRejected, KindOf(err))

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := &fakeBackend{baseFee: big.NewInt(10), status: gethtypes.ReceiptStatusFailed, callErr: revertError{msg: "execution reverted", data: fmt.Sprintf("0x%x", selectorInactive)}}
	tx, err := NewEthTransactor(context.Background(), backend, key, nil, time.Millisecond)
	require.NoError(t, err)
	gw, err = NewGateway(tx)
	require.NoError(t, err)
	_, err = gw.SubmitBatch(context.Background(), contractAddr, Batch{ContentAddress: "cid"})
	require.Equal(t, KindCampaignInactive, KindOf(err))
}

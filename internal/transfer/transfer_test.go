package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/crypto"
	"github.com/alanyoungcy/volbet/internal/domain"
)

type fakeBackend struct {
	nonce   uint64
	tip     *big.Int
	baseFee *big.Int
	sendErr error
	// lateErr is returned after the tx has been accepted.
	lateErr error

	nonceReads int
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.nonceReads++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return f.lateErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, true, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"})
	if err != nil {
		t.Fatal(err)
	}
	return crypto.NewSigner(pk, 8453)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const winner = "0x000000000000000000000000000000000000dEaD"

func TestETHTransfer(t *testing.T) {
	be := &fakeBackend{nonce: 5, tip: big.NewInt(100), baseFee: big.NewInt(1000)}
	signer := newSigner(t)
	eth := NewETH(be, signer, nil, quiet())

	amount := *uint256.NewInt(900_000_000_000)
	ref, err := eth.Transfer(context.Background(), winner, amount)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, err := eth.Transfer(context.Background(), winner, amount); err != nil {
		t.Fatalf("second Transfer: %v", err)
	}

	if len(be.sent) != 2 {
		t.Fatalf("sent %d txs", len(be.sent))
	}
	tx := be.sent[0]
	if ref != tx.Hash().Hex() {
		t.Errorf("ref = %s, want %s", ref, tx.Hash().Hex())
	}
	if tx.Nonce() != 5 || be.sent[1].Nonce() != 6 {
		t.Errorf("nonces = %d, %d", tx.Nonce(), be.sent[1].Nonce())
	}
	if be.nonceReads != 1 {
		t.Errorf("nonce read %d times, want 1", be.nonceReads)
	}
	if tx.GasFeeCap().Int64() != 2100 || tx.GasTipCap().Int64() != 100 || tx.Gas() != 21_000 {
		t.Errorf("fees: cap=%s tip=%s gas=%d", tx.GasFeeCap(), tx.GasTipCap(), tx.Gas())
	}
	if tx.Value().Cmp(amount.ToBig()) != 0 || *tx.To() != common.HexToAddress(winner) {
		t.Errorf("value=%s to=%s", tx.Value(), tx.To().Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil || from != signer.Address() {
		t.Errorf("sender = %s, %v", from.Hex(), err)
	}
}

func TestETHTransferRefreshesNonceAfterSendError(t *testing.T) {
	be := &fakeBackend{nonce: 1, tip: big.NewInt(1), baseFee: big.NewInt(1)}
	eth := NewETH(be, newSigner(t), nil, quiet())

	be.sendErr = errors.New("nonce too low")
	if _, err := eth.Transfer(context.Background(), winner, *uint256.NewInt(1)); err == nil {
		t.Fatal("expected send error")
	}
	be.sendErr = nil
	be.nonce = 4
	if _, err := eth.Transfer(context.Background(), winner, *uint256.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	if be.sent[0].Nonce() != 4 {
		t.Errorf("nonce = %d, want re-read 4", be.sent[0].Nonce())
	}
}

func TestETHTransferReportsHashOfTimedOutSend(t *testing.T) {
	be := &fakeBackend{nonce: 2, tip: big.NewInt(1), baseFee: big.NewInt(1)}
	eth := NewETH(be, newSigner(t), nil, quiet())

	be.lateErr = context.DeadlineExceeded
	ref, err := eth.Transfer(context.Background(), winner, *uint256.NewInt(9))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(be.sent) != 1 || ref != be.sent[0].Hash().Hex() {
		t.Fatalf("ref = %q, sent = %d", ref, len(be.sent))
	}

	ctx := context.Background()
	if st, err := eth.TransferState(ctx, ref); err != nil || st != domain.TransferPending {
		t.Errorf("in mempool: state = %s, %v", st, err)
	}
	be.receipts = map[common.Hash]*types.Receipt{
		be.sent[0].Hash(): {Status: types.ReceiptStatusSuccessful},
	}
	if st, _ := eth.TransferState(ctx, ref); st != domain.TransferConfirmed {
		t.Errorf("mined: state = %s", st)
	}
	be.receipts[be.sent[0].Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	if st, _ := eth.TransferState(ctx, ref); st != domain.TransferReverted {
		t.Errorf("reverted: state = %s", st)
	}
	unseen := common.HexToHash("0x01").Hex()
	if st, err := eth.TransferState(ctx, unseen); err != nil || st != domain.TransferUnknown {
		t.Errorf("unseen: state = %s, %v", st, err)
	}
	if _, err := eth.TransferState(ctx, "book-1"); err == nil {
		t.Error("malformed hash accepted")
	}
}

func TestETHTransferRejects(t *testing.T) {
	be := &fakeBackend{tip: big.NewInt(10), baseFee: big.NewInt(100)}
	eth := NewETH(be, newSigner(t), big.NewInt(50), quiet())

	if _, err := eth.Transfer(context.Background(), winner, *uint256.NewInt(1)); !errors.Is(err, ErrGasCap) {
		t.Errorf("err = %v, want ErrGasCap", err)
	}
	if _, err := eth.Transfer(context.Background(), "bob", *uint256.NewInt(1)); err == nil {
		t.Error("expected invalid recipient error")
	}
	if len(be.sent) != 0 {
		t.Errorf("sent %d txs", len(be.sent))
	}
}

func TestBook(t *testing.T) {
	b := NewBook()
	ctx := context.Background()

	if _, err := b.Transfer(ctx, "0xa", *uint256.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Transfer(ctx, "0xa", *uint256.NewInt(7)); err != nil {
		t.Fatal(err)
	}
	if bal := b.Balance("0xa"); bal.Uint64() != 12 {
		t.Errorf("balance = %s", bal.Dec())
	}

	boom := errors.New("boom")
	b.Fail("0xb", boom)
	if _, err := b.Transfer(ctx, "0xb", *uint256.NewInt(1)); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	b.Fail("0xb", nil)
	if _, err := b.Transfer(ctx, "0xb", *uint256.NewInt(1)); err != nil {
		t.Errorf("after clearing failure: %v", err)
	}
	if b.Transfers() != 3 {
		t.Errorf("Transfers = %d", b.Transfers())
	}
}

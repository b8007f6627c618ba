// Package transfer moves payouts to winners: native ETH on chain, or an
// in-memory balance book for simulation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

const nativeTransferGas = 21_000

// Backend is the slice of an Ethereum client used to send transfers;
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// TxSigner signs transactions with the operator key.
type TxSigner interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// ErrGasCap is returned when the network fee exceeds the configured cap.
var ErrGasCap = errors.New("transfer: fee cap above limit")

// ETH sends native-value EIP-1559 transfers from the operator account. Sends
// are serialized so nonces are handed out in order.
type ETH struct {
	backend   Backend
	signer    TxSigner
	maxFeeCap *big.Int
	logger    *slog.Logger

	mu        sync.Mutex
	nonce     uint64
	haveNonce bool
}

// NewETH creates a transferer. maxFeeCap (wei per gas) may be nil for no
// limit.
func NewETH(backend Backend, signer TxSigner, maxFeeCap *big.Int, logger *slog.Logger) *ETH {
	return &ETH{
		backend:   backend,
		signer:    signer,
		maxFeeCap: maxFeeCap,
		logger:    logger.With(slog.String("component", "transfer_eth")),
	}
}

// Transfer sends amount wei to the address to and returns the tx hash. It
// does not wait for inclusion. Once the tx is signed its hash is returned
// even when the send fails, since a node may have accepted it before the
// error (a timeout, a dropped connection).
func (e *ETH) Transfer(ctx context.Context, to string, amount uint256.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("transfer: invalid recipient %q", to)
	}
	recipient := common.HexToAddress(to)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.haveNonce {
		n, err := e.backend.PendingNonceAt(ctx, e.signer.Address())
		if err != nil {
			return "", fmt.Errorf("transfer: pending nonce: %w", err)
		}
		e.nonce, e.haveNonce = n, true
	}

	tip, feeCap, err := e.fees(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.signer.ChainID(),
		Nonce:     e.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       nativeTransferGas,
		To:        &recipient,
		Value:     amount.ToBig(),
	})
	signed, err := e.signer.SignTx(tx)
	if err != nil {
		return "", err
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		// The node may or may not have seen the nonce; re-read it next time.
		e.haveNonce = false
		return signed.Hash().Hex(), fmt.Errorf("transfer: send to %s: %w", recipient.Hex(), err)
	}
	e.nonce++

	e.logger.InfoContext(ctx, "transfer sent",
		slog.String("to", recipient.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", signed.Nonce()),
	)
	return signed.Hash().Hex(), nil
}

// TransferState reports whether the tx with hash txRef was mined, is
// pending or is unknown to the node.
func (e *ETH) TransferState(ctx context.Context, txRef string) (domain.TransferState, error) {
	if len(txRef) != 2+2*common.HashLength {
		return domain.TransferUnknown, fmt.Errorf("transfer: malformed tx hash %q", txRef)
	}
	hash := common.HexToHash(txRef)

	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return domain.TransferConfirmed, nil
		}
		return domain.TransferReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return domain.TransferUnknown, fmt.Errorf("transfer: receipt %s: %w", txRef, err)
	}

	_, _, err = e.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return domain.TransferUnknown, nil
	case err != nil:
		return domain.TransferUnknown, fmt.Errorf("transfer: lookup %s: %w", txRef, err)
	}
	// Known to the node without a receipt: in the mempool, or mined and not
	// indexed yet.
	return domain.TransferPending, nil
}

// fees returns the tip and a fee cap of 2*baseFee + tip.
func (e *ETH) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: gas tip: %w", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	if e.maxFeeCap != nil && e.maxFeeCap.Sign() > 0 && feeCap.Cmp(e.maxFeeCap) > 0 {
		return nil, nil, fmt.Errorf("%w: %s > %s", ErrGasCap, feeCap, e.maxFeeCap)
	}
	return tip, feeCap, nil
}

var (
	_ domain.Transferer      = (*ETH)(nil)
	_ domain.TransferChecker = (*ETH)(nil)
)

package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs with the operator key for one chain.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	txSigner types.Signer
}

// NewSigner binds key to chainID (8453 for Base mainnet, 84532 for Base
// Sepolia).
func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	id := big.NewInt(chainID)
	return &Signer{
		key:      key,
		address:  ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  id,
		txSigner: types.LatestSignerForChainID(id),
	}
}

// Address returns the operator address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the bound chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.txSigner, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// SignText produces an EIP-191 personal signature over msg, hex encoded with
// v in {27, 28} as wallets return it.
func (s *Signer) SignText(msg string) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign text: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}


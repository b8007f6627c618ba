package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// BetMessage is the text a bettor signs to authorize a wager on a round.
func BetMessage(roundID uint64, predictMoreVolatile bool) string {
	return fmt.Sprintf("volbet:bet:%d:%s", roundID, domain.SideLabel(predictMoreVolatile))
}

// RecoverText returns the address that produced an EIP-191 personal
// signature over msg. Both v encodings (0/1 and 27/28) are accepted.
func RecoverText(msg, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: not hex", domain.ErrInvalidSignature)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", domain.ErrInvalidSignature, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyBet checks that sigHex is bettor's signature over the bet message
// for roundID and side.
func VerifyBet(bettor string, roundID uint64, predictMoreVolatile bool, sigHex string) error {
	if !common.IsHexAddress(bettor) {
		return fmt.Errorf("%w: bettor %q is not an address", domain.ErrInvalidSignature, bettor)
	}
	got, err := RecoverText(BetMessage(roundID, predictMoreVolatile), sigHex)
	if err != nil {
		return err
	}
	if got != common.HexToAddress(bettor) {
		return fmt.Errorf("%w: signed by %s", domain.ErrInvalidSignature, got.Hex())
	}
	return nil
}

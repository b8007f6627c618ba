package domain

import "errors"

// Round lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid round transition")
	ErrBettingClosed     = errors.New("betting closed")
	ErrInsufficientWager = errors.New("wager does not match entry fee")
	ErrNotYetSettleable  = errors.New("round not yet settleable")
	ErrAlreadySettled    = errors.New("round already settled")
	ErrStalePrice        = errors.New("stale oracle price")
	ErrOverflow          = errors.New("stake overflow")
	ErrTransferFailed    = errors.New("transfer failed")
)

// Infrastructure errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrLockHeld         = errors.New("lock already held")
	ErrSettlementBusy   = errors.New("settlement in progress elsewhere")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidSignature = errors.New("invalid bettor signature")
)

// Retryable reports whether a periodic caller should simply try again on the
// next tick. Only state machine misuse and overflow are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOverflow):
		return false
	}
	return true
}

// codes maps sentinels to the stable reason codes returned to callers.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrBettingClosed, "BettingClosed"},
	{ErrInsufficientWager, "InsufficientWager"},
	{ErrNotYetSettleable, "NotYetSettleable"},
	{ErrAlreadySettled, "AlreadySettled"},
	{ErrStalePrice, "StalePrice"},
	{ErrOverflow, "Overflow"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrNotFound, "NotFound"},
	{ErrSettlementBusy, "SettlementBusy"},
	{ErrLockHeld, "SettlementBusy"},
	{ErrRateLimited, "RateLimited"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidSignature, "InvalidSignature"},
}

// Code returns the reason code for err, or "Internal" when err wraps none of
// the known sentinels.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

package domain

import "errors"

// Invariant violations. These are surfaced to the caller as-is and never retried.
var (
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidTransition          = errors.New("invalid escrow state transition")
	ErrInvalidFragmentationRule   = errors.New("fragmentation percentages must sum to 100")
	ErrAlreadyFragmented          = errors.New("escrow already fragmented with different amounts")
	ErrNotFragmented              = errors.New("escrow has not been fragmented")
	ErrEscrowFrozen               = errors.New("escrow is frozen")
	ErrInsufficientBalance        = errors.New("insufficient escrow balance")
	ErrUnauthorizedSupplier       = errors.New("supplier is not authorized for this token")
	ErrTokenExpired               = errors.New("token expired")
	ErrInsufficientTokenBalance   = errors.New("insufficient token balance")
	ErrProximityExceeded          = errors.New("supplier is too far from beneficiary")
	ErrLocationUnavailable        = errors.New("live location unavailable or too imprecise; fallback code required")
	ErrInvalidTokenCode           = errors.New("invalid token code")
	ErrFallbackVerificationFailed = errors.New("fallback code verification failed")
)

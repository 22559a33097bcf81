package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

var (
	// ErrPaymentPending is returned while a provider has accepted a movement but not settled it.
	ErrPaymentPending = errors.New("payment pending provider confirmation")
	ErrPartyNotFound  = errors.New("party not found")
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDuplicateRequest is returned when an idempotency reference was already used.
	ErrDuplicateRequest = errors.New("request already processed")
	// ErrRateLimited carries no retry hint; see RateLimitError.
	ErrRateLimited = errors.New("too many requests")
)

// RateLimitError reports a throttled caller and when it may retry.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IdentityResolver resolves a party id into its payment identity.
type IdentityResolver interface {
	ResolveParty(ctx context.Context, partyID uuid.UUID) (domain.Party, error)
}

// Notifier dispatches escrow notifications. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, event domain.EscrowEvent)
}

// FallbackVerifier is the out-of-band one-time code channel used when GPS cannot be trusted.
type FallbackVerifier interface {
	// RequestFallbackCode issues a fresh code for tokenID and returns it with its expiry.
	RequestFallbackCode(ctx context.Context, tokenID uuid.UUID) (code string, expiresAt time.Time, err error)
	// VerifyFallbackCode consumes the code. It returns domain.ErrFallbackVerificationFailed on mismatch.
	VerifyFallbackCode(ctx context.Context, tokenID uuid.UUID, code string) error
}

// RateLimiter counts events per subject inside a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.EscrowEvent) {}

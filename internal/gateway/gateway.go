package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

// Status is a provider-side transaction status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ErrorCode classifies a failed provider operation.
type ErrorCode string

// Business errors: the provider definitively refused the operation.
const (
	ErrCodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidPhoneNumber   ErrorCode = "INVALID_PHONE_NUMBER"
	ErrCodeAccountBlocked       ErrorCode = "ACCOUNT_BLOCKED"
	ErrCodeInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	ErrCodeDuplicateTransaction ErrorCode = "DUPLICATE_TRANSACTION"
)

// Technical errors: the outcome is unknown or transient.
const (
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeNetworkError        ErrorCode = "NETWORK_ERROR"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeTechnicalError      ErrorCode = "TECHNICAL_ERROR"
)

// ErrCodeNoGateway is recorded when no provider serves the recipient's number.
const ErrCodeNoGateway ErrorCode = "NO_GATEWAY"

// DefaultNonRetryableCodes returns the business error codes that must never be retried.
func DefaultNonRetryableCodes() []ErrorCode {
	return []ErrorCode{
		ErrCodeInsufficientFunds,
		ErrCodeInvalidPhoneNumber,
		ErrCodeAccountBlocked,
		ErrCodeInvalidAmount,
		ErrCodeDuplicateTransaction,
	}
}

// ParseErrorCode maps a provider code onto the taxonomy. Unknown codes become TECHNICAL_ERROR.
func ParseErrorCode(raw string) ErrorCode {
	code := ErrorCode(strings.ToUpper(strings.TrimSpace(raw)))
	switch code {
	case ErrCodeInsufficientFunds, ErrCodeInvalidPhoneNumber, ErrCodeAccountBlocked,
		ErrCodeInvalidAmount, ErrCodeDuplicateTransaction, ErrCodeTimeout,
		ErrCodeNetworkError, ErrCodeProviderUnavailable, ErrCodeTechnicalError:
		return code
	}
	return ErrCodeTechnicalError
}

// ErrTransactionNotFound is returned by status lookups when the provider
// never recorded the transaction.
var ErrTransactionNotFound = errors.New("provider has no record of the transaction")

// Result is the outcome of one gateway call.
type Result struct {
	Success               bool
	ProviderTransactionID string
	Status                Status
	ErrorCode             ErrorCode
	Message               string
}

// Failure builds a failed result.
func Failure(code ErrorCode, message string) Result {
	return Result{Status: StatusFailed, ErrorCode: code, Message: message}
}

// Gateway is an adapter to one mobile-money network.
type Gateway interface {
	BlockFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (Result, error)
	TransferFunds(ctx context.Context, fromParty *uuid.UUID, fromPhone string, toParty *uuid.UUID, toPhone string, amount domain.Money, reference string) (Result, error)
	RefundFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (Result, error)
	CheckStatus(ctx context.Context, providerTransactionID string) (Status, error)
	// CheckStatusByReference finds a transaction by the idempotent reference
	// it was submitted with and returns its status and provider id.
	CheckStatusByReference(ctx context.Context, reference string) (Status, string, error)
	SupportsPhoneNumber(phone string) bool
	ProviderName() string
}

// Selector picks a gateway by a first-match scan over a fixed list.
type Selector struct {
	gateways []Gateway
}

func NewSelector(gateways ...Gateway) *Selector {
	list := make([]Gateway, 0, len(gateways))
	for _, g := range gateways {
		if g != nil {
			list = append(list, g)
		}
	}
	return &Selector{gateways: list}
}

// ForPhone returns the first gateway supporting phone.
func (s *Selector) ForPhone(phone string) (Gateway, bool) {
	if s == nil {
		return nil, false
	}
	for _, g := range s.gateways {
		if g.SupportsPhoneNumber(phone) {
			return g, true
		}
	}
	return nil, false
}

// ByName returns the gateway whose ProviderName matches, case-insensitively.
func (s *Selector) ByName(name string) (Gateway, bool) {
	if s == nil {
		return nil, false
	}
	for _, g := range s.gateways {
		if strings.EqualFold(g.ProviderName(), strings.TrimSpace(name)) {
			return g, true
		}
	}
	return nil, false
}

// Providers lists the configured provider names in selection order.
func (s *Selector) Providers() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.gateways))
	for _, g := range s.gateways {
		names = append(names, g.ProviderName())
	}
	return names
}

/**
 * @description
 * This file defines the repository contracts for the escrow engine. The
 * application layer only depends on these interfaces; the PostgreSQL
 * implementation lives alongside and tests use in-memory stubs.
 *
 * @dependencies
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the escrow, ledger and token models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique key (job id, token code, ledger sequence) already exists.
	ErrConflict = errors.New("record already exists")
)

// EscrowRepository persists escrows. Mutations of an existing escrow must go
// through WithEscrowLock or WithTokenLock so they are serialised per escrow.
type EscrowRepository interface {
	CreateEscrow(ctx context.Context, escrow *domain.Escrow) error
	FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	FindEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Escrow, error)

	// WithEscrowLock loads the escrow under a row lock and calls fn. When fn
	// returns nil the (possibly mutated) escrow is saved in the same
	// transaction; any error rolls back. Ledger rows appended with the ctx
	// passed to fn belong to that transaction.
	WithEscrowLock(ctx context.Context, escrowID uuid.UUID, fn func(ctx context.Context, escrow *domain.Escrow) error) error

	// WithTokenLock locks the token's escrow and then the token, and saves both when fn returns nil.
	WithTokenLock(ctx context.Context, tokenID uuid.UUID, fn func(ctx context.Context, token *domain.Token, escrow *domain.Escrow) error) error
}

// LedgerRepository is the append-only event log of money movements.
type LedgerRepository interface {
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
	FindLatestLedgerEntry(ctx context.Context, recordID uuid.UUID) (*domain.LedgerEntry, error)
	FindLatestLedgerEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)
	FindLatestLedgerEntryByProviderTransactionID(ctx context.Context, provider, providerTransactionID string) (*domain.LedgerEntry, error)
	ListLedgerEntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]domain.LedgerEntry, error)
	// ListStalePendingLedgerEntries returns the latest row of every record
	// still PENDING whose last row was written before olderThan.
	ListStalePendingLedgerEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error)
}

// TokenRepository persists redemption tokens.
type TokenRepository interface {
	// CreateToken inserts the token, drawing a fresh code whenever the current one collides.
	CreateToken(ctx context.Context, token *domain.Token) error
	FindTokenByID(ctx context.Context, id uuid.UUID) (*domain.Token, error)
	FindTokenByCode(ctx context.Context, code string) (*domain.Token, error)
	FindTokenByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.Token, error)
	ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]domain.Token, error)
}

// Repository groups every persistence capability of the engine.
type Repository interface {
	EscrowRepository
	LedgerRepository
	TokenRepository
}

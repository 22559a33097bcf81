/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Escrow and token mutations run inside a single transaction holding
 * `SELECT ... FOR UPDATE` row locks; ledger rows are only ever inserted.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// queryer is satisfied by both the pool and an open transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txContextKey struct{}

// withTx marks ctx as running inside the lock transaction tx. Ledger
// reads and appends made with that ctx join the transaction.
func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// conn returns the transaction carried by ctx, or the pool.
func (r *PostgresRepository) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

const escrowColumns = `
	id, job_id, payer_id, payee_id, total_amount, materials_amount, labor_amount,
	materials_released, labor_released, materials_refunded, labor_refunded, refunded_amount,
	status, fragmented, frozen, freeze_reason, refund_reason, block_reference, created_at, updated_at`

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var e domain.Escrow
	var status string
	var total, materials, labor int64
	var materialsReleased, laborReleased, materialsRefunded, laborRefunded, refunded int64
	err := row.Scan(
		&e.ID, &e.JobID, &e.PayerID, &e.PayeeID, &total, &materials, &labor,
		&materialsReleased, &laborReleased, &materialsRefunded, &laborRefunded, &refunded,
		&status, &e.Fragmented, &e.Frozen, &e.FreezeReason, &e.RefundReason, &e.BlockReference,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Total = domain.Money(total)
	e.Materials = domain.Money(materials)
	e.Labor = domain.Money(labor)
	e.MaterialsReleased = domain.Money(materialsReleased)
	e.LaborReleased = domain.Money(laborReleased)
	e.MaterialsRefunded = domain.Money(materialsRefunded)
	e.LaborRefunded = domain.Money(laborRefunded)
	e.Refunded = domain.Money(refunded)
	e.Status = domain.EscrowStatus(status)
	return &e, nil
}

// CreateEscrow inserts a blocked escrow. A second escrow for the same job returns ErrConflict.
func (r *PostgresRepository) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	if e.Status == domain.EscrowStatusNew {
		return fmt.Errorf("refusing to persist unblocked escrow %s", e.ID)
	}
	query := `
		INSERT INTO escrows (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db.Exec(ctx, query,
		e.ID, e.JobID, e.PayerID, e.PayeeID, e.Total.Int64(), e.Materials.Int64(), e.Labor.Int64(),
		e.MaterialsReleased.Int64(), e.LaborReleased.Int64(), e.MaterialsRefunded.Int64(), e.LaborRefunded.Int64(), e.Refunded.Int64(),
		string(e.Status), e.Fragmented, e.Frozen, e.FreezeReason, e.RefundReason, e.BlockReference,
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *PostgresRepository) FindEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Escrow, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1`, jobID))
}

func (r *PostgresRepository) WithEscrowLock(ctx context.Context, escrowID uuid.UUID, fn func(ctx context.Context, escrow *domain.Escrow) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	escrow, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if err := fn(withTx(ctx, tx), escrow); err != nil {
		return err
	}
	if err := saveEscrow(ctx, tx, escrow); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) WithTokenLock(ctx context.Context, tokenID uuid.UUID, fn func(ctx context.Context, token *domain.Token, escrow *domain.Escrow) error) error {
	var escrowID uuid.UUID
	if err := r.db.QueryRow(ctx, `SELECT escrow_id FROM redemption_tokens WHERE id = $1`, tokenID).Scan(&escrowID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to resolve token escrow: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Escrow first, token second: the same order as every other escrow mutation.
	escrow, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	token, err := scanToken(tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM redemption_tokens WHERE id = $1 FOR UPDATE`, tokenID))
	if err != nil {
		return fmt.Errorf("failed to get and lock token: %w", err)
	}

	if err := fn(withTx(ctx, tx), token, escrow); err != nil {
		return err
	}
	if err := saveEscrow(ctx, tx, escrow); err != nil {
		return err
	}
	if err := saveToken(ctx, tx, token); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockEscrow(ctx context.Context, q queryer, escrowID uuid.UUID) (*domain.Escrow, error) {
	escrow, err := scanEscrow(q.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, escrowID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get and lock escrow: %w", err)
	}
	return escrow, nil
}

func saveEscrow(ctx context.Context, q queryer, e *domain.Escrow) error {
	if err := e.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to save escrow %s: %w", e.ID, err)
	}
	query := `
		UPDATE escrows
		SET materials_amount = $2, labor_amount = $3,
			materials_released = $4, labor_released = $5,
			materials_refunded = $6, labor_refunded = $7, refunded_amount = $8,
			status = $9, fragmented = $10, frozen = $11, freeze_reason = $12, refund_reason = $13,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query,
		e.ID, e.Materials.Int64(), e.Labor.Int64(),
		e.MaterialsReleased.Int64(), e.LaborReleased.Int64(),
		e.MaterialsRefunded.Int64(), e.LaborRefunded.Int64(), e.Refunded.Int64(),
		string(e.Status), e.Fragmented, e.Frozen, e.FreezeReason, e.RefundReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func uniqueViolationConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

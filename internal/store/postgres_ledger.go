package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

const ledgerColumns = `
	id, record_id, sequence, escrow_id, from_party, to_party, amount, type, status,
	provider, provider_transaction_id, reference, error_code, failure_reason, metadata, created_at`

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amount int64
	var typ, status string
	var provider, errorCode, failureReason *string
	var metadata []byte
	err := row.Scan(
		&e.ID, &e.RecordID, &e.Sequence, &e.EscrowID, &e.FromParty, &e.ToParty, &amount, &typ, &status,
		&provider, &e.ProviderTransactionID, &e.Reference, &errorCode, &failureReason, &metadata, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Amount = domain.Money(amount)
	e.Type = domain.LedgerEntryType(typ)
	e.Status = domain.LedgerStatus(status)
	e.Provider = derefString(provider)
	e.ErrorCode = derefString(errorCode)
	e.FailureReason = derefString(failureReason)
	e.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode ledger metadata: %w", err)
		}
	}
	return &e, nil
}

func collectLedgerEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// AppendLedgerEntry inserts one row. Rows are never updated; a duplicate
// (record_id, sequence) means another writer already advanced the record.
// Called from inside WithEscrowLock or WithTokenLock, the row commits or
// rolls back with the escrow.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode ledger metadata: %w", err)
	}
	query := `
		INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.conn(ctx).Exec(ctx, query,
		e.ID, e.RecordID, e.Sequence, e.EscrowID, e.FromParty, e.ToParty, e.Amount.Int64(),
		string(e.Type), string(e.Status), nullableString(e.Provider), e.ProviderTransactionID,
		e.Reference, nullableString(e.ErrorCode), nullableString(e.FailureReason), metadata, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindLatestLedgerEntry(ctx context.Context, recordID uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE record_id = $1 ORDER BY sequence DESC LIMIT 1`
	return scanLedgerEntry(r.conn(ctx).QueryRow(ctx, query, recordID))
}

// FindLatestLedgerEntryByReference returns the newest row of the newest record carrying reference.
func (r *PostgresRepository) FindLatestLedgerEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE reference = $1
		ORDER BY created_at DESC, sequence DESC
		LIMIT 1
	`
	return scanLedgerEntry(r.conn(ctx).QueryRow(ctx, query, strings.TrimSpace(reference)))
}

func (r *PostgresRepository) FindLatestLedgerEntryByProviderTransactionID(ctx context.Context, provider, providerTransactionID string) (*domain.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE record_id = (
			SELECT record_id FROM ledger_entries
			WHERE provider = $1 AND provider_transaction_id = $2
			ORDER BY created_at DESC
			LIMIT 1
		)
		ORDER BY sequence DESC
		LIMIT 1
	`
	return scanLedgerEntry(r.db.QueryRow(ctx, query, provider, providerTransactionID))
}

func (r *PostgresRepository) ListLedgerEntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE escrow_id = $1 ORDER BY created_at ASC, sequence ASC`
	rows, err := r.db.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return collectLedgerEntries(rows)
}

func (r *PostgresRepository) ListStalePendingLedgerEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + ledgerColumns + `
		FROM (
			SELECT DISTINCT ON (record_id) *
			FROM ledger_entries
			ORDER BY record_id, sequence DESC
		) latest
		WHERE status = 'PENDING'
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending ledger entries: %w", err)
	}
	return collectLedgerEntries(rows)
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
)

// maxTokenCodeAttempts bounds code regeneration on collisions among live tokens.
const maxTokenCodeAttempts = 10

const tokenCodeConstraint = "redemption_tokens_live_code_key"

const tokenColumns = `
	id, escrow_id, beneficiary_id, code, total_amount, remaining_amount, status,
	authorized_suppliers, expires_at, created_at, updated_at`

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	var total, remaining int64
	var status string
	var suppliers []string
	err := row.Scan(
		&t.ID, &t.EscrowID, &t.BeneficiaryID, &t.Code, &total, &remaining, &status,
		&suppliers, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TotalAmount = domain.Money(total)
	t.RemainingAmount = domain.Money(remaining)
	t.Status = domain.TokenStatus(status)
	t.AuthorizedSuppliers = make([]uuid.UUID, 0, len(suppliers))
	for _, raw := range suppliers {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid authorized supplier %q: %w", raw, err)
		}
		t.AuthorizedSuppliers = append(t.AuthorizedSuppliers, id)
	}
	return &t, nil
}

func supplierStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// CreateToken inserts token, regenerating its code while it collides with a live token.
func (r *PostgresRepository) CreateToken(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO redemption_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::uuid[], $9, $10, $11)
	`
	for attempt := 1; attempt <= maxTokenCodeAttempts; attempt++ {
		if !domain.ValidTokenCode(t.Code) {
			code, err := domain.GenerateTokenCode(nil)
			if err != nil {
				return err
			}
			t.Code = code
		}
		_, err := r.db.Exec(ctx, query,
			t.ID, t.EscrowID, t.BeneficiaryID, t.Code, t.TotalAmount.Int64(), t.RemainingAmount.Int64(),
			string(t.Status), supplierStrings(t.AuthorizedSuppliers), t.ExpiresAt, t.CreatedAt, t.UpdatedAt,
		)
		if err == nil {
			return nil
		}
		switch constraint := uniqueViolationConstraint(err); {
		case constraint == tokenCodeConstraint:
			t.Code = ""
			continue
		case constraint != "":
			return ErrConflict
		}
		return fmt.Errorf("failed to insert redemption token: %w", err)
	}
	return fmt.Errorf("failed to allocate a free token code after %d attempts", maxTokenCodeAttempts)
}

func (r *PostgresRepository) FindTokenByID(ctx context.Context, id uuid.UUID) (*domain.Token, error) {
	return scanToken(r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM redemption_tokens WHERE id = $1`, id))
}

// FindTokenByCode prefers a live token; codes of spent or expired tokens may be reused.
func (r *PostgresRepository) FindTokenByCode(ctx context.Context, code string) (*domain.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM redemption_tokens
		WHERE code = $1
		ORDER BY (status IN ('ACTIVE', 'PARTIALLY_USED')) DESC, created_at DESC
		LIMIT 1
	`
	return scanToken(r.db.QueryRow(ctx, query, domain.NormalizeTokenCode(code)))
}

func (r *PostgresRepository) FindTokenByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.Token, error) {
	return scanToken(r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM redemption_tokens WHERE escrow_id = $1`, escrowID))
}

// ListExpiredTokens returns live tokens whose expiry has passed.
func (r *PostgresRepository) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]domain.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + tokenColumns + `
		FROM redemption_tokens
		WHERE status IN ('ACTIVE', 'PARTIALLY_USED')
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func saveToken(ctx context.Context, q queryer, t *domain.Token) error {
	if t.RemainingAmount < 0 || t.RemainingAmount > t.TotalAmount {
		return fmt.Errorf("refusing to save token %s: remaining %d outside [0, %d]", t.ID, t.RemainingAmount, t.TotalAmount)
	}
	query := `
		UPDATE redemption_tokens
		SET remaining_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, t.ID, t.RemainingAmount.Int64(), strings.TrimSpace(string(t.Status)))
	if err != nil {
		return fmt.Errorf("failed to update redemption token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

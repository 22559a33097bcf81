package domain

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TokenStatus string

const (
	TokenActive        TokenStatus = "ACTIVE"
	TokenPartiallyUsed TokenStatus = "PARTIALLY_USED"
	TokenFullyUsed     TokenStatus = "FULLY_USED"
	TokenExpired       TokenStatus = "EXPIRED"
)

var tokenCodePattern = regexp.MustCompile(`^PA-\d{4}$`)

// ValidTokenCode reports whether code matches PA- followed by four digits.
func ValidTokenCode(code string) bool {
	return tokenCodePattern.MatchString(code)
}

// NormalizeTokenCode uppercases and trims user input before lookup.
func NormalizeTokenCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateTokenCode draws four random digits from r (crypto/rand when nil).
func GenerateTokenCode(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate token code: %w", err)
	}
	code := fmt.Sprintf("PA-%04d", n.Int64())
	if !ValidTokenCode(code) {
		return "", ErrInvalidTokenCode
	}
	return code, nil
}

// Token is a materials redemption voucher (jeton) drawn against one escrow.
type Token struct {
	ID                  uuid.UUID   `json:"id"`
	EscrowID            uuid.UUID   `json:"escrow_id"`
	BeneficiaryID       uuid.UUID   `json:"beneficiary_id"`
	Code                string      `json:"code"`
	TotalAmount         Money       `json:"total_amount"`
	RemainingAmount     Money       `json:"remaining_amount"`
	Status              TokenStatus `json:"status"`
	AuthorizedSuppliers []uuid.UUID `json:"authorized_suppliers"`
	ExpiresAt           time.Time   `json:"expires_at"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// NewToken mints an ACTIVE token for the materials fragment of an escrow.
func NewToken(escrowID, beneficiaryID uuid.UUID, materials Money, suppliers []uuid.UUID, code string, now time.Time, ttl time.Duration) (*Token, error) {
	if materials <= 0 {
		return nil, ErrInvalidAmount
	}
	if !ValidTokenCode(code) {
		return nil, ErrInvalidTokenCode
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &Token{
		ID:                  uuid.New(),
		EscrowID:            escrowID,
		BeneficiaryID:       beneficiaryID,
		Code:                code,
		TotalAmount:         materials,
		RemainingAmount:     materials,
		Status:              TokenActive,
		AuthorizedSuppliers: dedupeIDs(suppliers),
		ExpiresAt:           now.Add(ttl),
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Redemption describes one attempt to spend a token at a supplier.
type Redemption struct {
	SupplierID          uuid.UUID
	Amount              Money
	SupplierLocation    *GeoPoint
	BeneficiaryLocation *GeoPoint
	// ProximityThresholdMeters bounds the supplier/beneficiary distance.
	ProximityThresholdMeters float64
	// MaxAccuracyMeters rejects fixes less precise than this. Zero disables the check.
	MaxAccuracyMeters float64
	// FallbackVerified is set once the out-of-band code was accepted; GPS is then skipped.
	FallbackVerified bool
}

func (t *Token) IsAuthorized(supplierID uuid.UUID) bool {
	for _, id := range t.AuthorizedSuppliers {
		if id == supplierID {
			return true
		}
	}
	return false
}

func (t *Token) IsExpired(now time.Time) bool {
	return t.Status == TokenExpired || !now.Before(t.ExpiresAt)
}

// Redeemable reports whether the token can still be spent at now.
func (t *Token) Redeemable(now time.Time) bool {
	return t.RemainingAmount > 0 && t.Status != TokenFullyUsed && !t.IsExpired(now)
}

// Redeem validates r and consumes r.Amount. It returns the measured distance in
// meters, or -1 when the fallback channel was used instead of GPS. On error
// the token is unchanged.
func (t *Token) Redeem(r Redemption, now time.Time) (float64, error) {
	if r.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if !t.IsAuthorized(r.SupplierID) {
		return 0, ErrUnauthorizedSupplier
	}
	if t.IsExpired(now) {
		return 0, ErrTokenExpired
	}
	if t.Status == TokenFullyUsed || r.Amount > t.RemainingAmount {
		return 0, ErrInsufficientTokenBalance
	}

	distance := -1.0
	if !r.FallbackVerified {
		if !locationUsable(r.SupplierLocation, r.MaxAccuracyMeters) || !locationUsable(r.BeneficiaryLocation, r.MaxAccuracyMeters) {
			return 0, ErrLocationUnavailable
		}
		distance = DistanceMeters(*r.SupplierLocation, *r.BeneficiaryLocation)
		if distance > r.ProximityThresholdMeters {
			return distance, ErrProximityExceeded
		}
	}

	t.RemainingAmount -= r.Amount
	if t.RemainingAmount == 0 {
		t.Status = TokenFullyUsed
	} else {
		t.Status = TokenPartiallyUsed
	}
	t.UpdatedAt = now
	return distance, nil
}

// Restore gives back an amount whose material payout later failed.
func (t *Token) Restore(amount Money, now time.Time) error {
	if amount <= 0 || t.RemainingAmount+amount > t.TotalAmount {
		return ErrInvalidAmount
	}
	t.RemainingAmount += amount
	if t.Status != TokenExpired {
		if t.RemainingAmount == t.TotalAmount {
			t.Status = TokenActive
		} else {
			t.Status = TokenPartiallyUsed
		}
	}
	t.UpdatedAt = now
	return nil
}

// Withdraw removes materials funds refunded to the payer so the token cannot
// spend them. It never goes below zero and returns the amount withdrawn.
func (t *Token) Withdraw(amount Money, now time.Time) Money {
	if amount <= 0 || t.RemainingAmount == 0 {
		return 0
	}
	if amount > t.RemainingAmount {
		amount = t.RemainingAmount
	}
	t.RemainingAmount -= amount
	if t.RemainingAmount == 0 && t.Status != TokenExpired {
		t.Status = TokenFullyUsed
	} else if t.Status == TokenActive {
		t.Status = TokenPartiallyUsed
	}
	t.UpdatedAt = now
	return amount
}

// Expire marks the token EXPIRED. It reports false when nothing changed.
func (t *Token) Expire(now time.Time) bool {
	if t.Status == TokenExpired || t.Status == TokenFullyUsed {
		return false
	}
	t.Status = TokenExpired
	t.UpdatedAt = now
	return true
}

func locationUsable(p *GeoPoint, maxAccuracy float64) bool {
	if p == nil || !p.Valid() {
		return false
	}
	if maxAccuracy > 0 && p.AccuracyMeters > maxAccuracy {
		return false
	}
	return true
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

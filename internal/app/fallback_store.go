package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultFallbackCodeTTL     = 5 * time.Minute
	defaultFallbackMaxAttempts = 5
	fallbackCodeDigits         = 6
	fallbackHashField          = "hash"
	fallbackAttemptsField      = "attempts"
	defaultFallbackKeyPrefix   = "escrow:jeton_fallback"
)

// RedisFallbackVerifier keeps bcrypt hashes of one-time fallback codes in
// Redis hashes. A code is single use and is discarded after maxAttempts
// wrong guesses or when its TTL lapses.
type RedisFallbackVerifier struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxAttempts int
	cost        int
}

func NewRedisFallbackVerifier(client redis.UniversalClient, ttl time.Duration, maxAttempts int) *RedisFallbackVerifier {
	if ttl <= 0 {
		ttl = defaultFallbackCodeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultFallbackMaxAttempts
	}
	return &RedisFallbackVerifier{
		client:      client,
		prefix:      defaultFallbackKeyPrefix,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		cost:        bcrypt.DefaultCost,
	}
}

func (v *RedisFallbackVerifier) key(tokenID uuid.UUID) string {
	return v.prefix + ":" + tokenID.String()
}

// RequestFallbackCode replaces any outstanding code for tokenID.
func (v *RedisFallbackVerifier) RequestFallbackCode(ctx context.Context, tokenID uuid.UUID) (string, time.Time, error) {
	code, err := generateNumericCode(fallbackCodeDigits)
	if err != nil {
		return "", time.Time{}, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), v.cost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("hash fallback code: %w", err)
	}

	key := v.key(tokenID)
	_, err = v.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fallbackHashField, string(hashed), fallbackAttemptsField, 0)
		p.Expire(ctx, key, v.ttl)
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store fallback code: %w", err)
	}
	return code, time.Now().UTC().Add(v.ttl), nil
}

// VerifyFallbackCode consumes a matching code. Concurrent verifications of
// the same code succeed at most once.
func (v *RedisFallbackVerifier) VerifyFallbackCode(ctx context.Context, tokenID uuid.UUID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.ErrFallbackVerificationFailed
	}
	key := v.key(tokenID)

	data, err := v.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load fallback code: %w", err)
	}
	hashed, ok := data[fallbackHashField]
	if !ok || hashed == "" {
		return domain.ErrFallbackVerificationFailed
	}
	if attempts, _ := strconv.Atoi(data[fallbackAttemptsField]); attempts >= v.maxAttempts {
		_ = v.client.Del(ctx, key).Err()
		return domain.ErrFallbackVerificationFailed
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code)); err != nil {
		attempts, incErr := v.client.HIncrBy(ctx, key, fallbackAttemptsField, 1).Result()
		if incErr == nil && int(attempts) >= v.maxAttempts {
			_ = v.client.Del(ctx, key).Err()
		}
		return domain.ErrFallbackVerificationFailed
	}

	deleted, err := v.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("consume fallback code: %w", err)
	}
	if deleted == 0 {
		return domain.ErrFallbackVerificationFailed
	}
	return nil
}

func generateNumericCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

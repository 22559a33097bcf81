package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/observability"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const (
	redeemRateLimitScope   = "jeton_redeem"
	fallbackRateLimitScope = "jeton_fallback"
	defaultExpiryBatch     = 100
)

// TokenConfig holds the redemption policy.
type TokenConfig struct {
	ProximityThresholdMeters float64
	MaxAccuracyMeters        float64
	CustodianPhone           string
	RedeemLimitPerMinute     int
	ExpiryBatchSize          int
}

// ReservationDispatcher pays out a committed reservation and releases it
// again when the provider refuses. EscrowService implements it.
type ReservationDispatcher interface {
	DispatchReservation(ctx context.Context, r *Reservation) (domain.LedgerEntry, error)
}

// TokenService redeems materials tokens at suppliers and expires stale ones.
type TokenService struct {
	repo         store.Repository
	orchestrator *Orchestrator
	payouts      ReservationDispatcher
	identity     IdentityResolver
	fallback     FallbackVerifier
	limiter      RateLimiter
	notifier     Notifier
	cfg          TokenConfig
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewTokenService(repo store.Repository, orchestrator *Orchestrator, payouts ReservationDispatcher, identity IdentityResolver, fallback FallbackVerifier, limiter RateLimiter, notifier Notifier, cfg TokenConfig, logger *slog.Logger, metrics *observability.Metrics) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.ProximityThresholdMeters <= 0 {
		cfg.ProximityThresholdMeters = 100
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = defaultExpiryBatch
	}
	return &TokenService{
		repo:         repo,
		orchestrator: orchestrator,
		payouts:      payouts,
		identity:     identity,
		fallback:     fallback,
		limiter:      limiter,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With("component", "token_service"),
		metrics:      metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Redeem spends part of a token at an authorized supplier and pays the
// supplier from the materials fragment. The token debit and the PENDING
// payout row commit together before the provider is called; a refused
// payout restores the token.
func (s *TokenService) Redeem(ctx context.Context, req domain.RedeemTokenRequest) (result *domain.RedeemTokenResult, err error) {
	defer func() { s.metrics.RecordRedemption(redemptionLabel(err)) }()

	amount, err := domain.NewMoney(req.Amount)
	if err != nil || amount.IsZero() {
		return nil, domain.ErrInvalidAmount
	}
	code := domain.NormalizeTokenCode(req.Code)
	if !domain.ValidTokenCode(code) {
		return nil, domain.ErrInvalidTokenCode
	}
	if req.SupplierID == uuid.Nil {
		return nil, fmt.Errorf("%w: supplier_id is required", ErrInvalidRequest)
	}
	if err := s.throttle(ctx, redeemRateLimitScope, req.SupplierID.String()); err != nil {
		return nil, err
	}

	token, err := s.repo.FindTokenByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrInvalidTokenCode
		}
		return nil, err
	}
	if !token.IsAuthorized(req.SupplierID) {
		return nil, domain.ErrUnauthorizedSupplier
	}

	useFallback := req.FallbackCode != ""
	if useFallback && s.fallback == nil {
		return nil, domain.ErrFallbackVerificationFailed
	}

	supplier, err := s.identity.ResolveParty(ctx, req.SupplierID)
	if err != nil {
		return nil, err
	}
	beneficiaryLocation := req.BeneficiaryLocation
	if beneficiaryLocation == nil && !useFallback {
		if beneficiary, err := s.identity.ResolveParty(ctx, token.BeneficiaryID); err == nil {
			beneficiaryLocation = beneficiary.Location
		} else {
			s.logger.Warn("beneficiary location lookup failed", "token_id", token.ID, "error", err)
		}
	}
	supplierLocation := req.SupplierLocation
	if supplierLocation == nil {
		supplierLocation = supplier.Location
	}

	recordID := uuid.New()
	reference := fmt.Sprintf("jeton-redeem:%s:%s", token.ID, recordID)
	log := s.logger.With("token_id", token.ID, "escrow_id", token.EscrowID, "supplier_id", req.SupplierID)

	var (
		reservation *Reservation
		redeemed    domain.Token
		escrow      domain.Escrow
		distance    float64
		metadata    map[string]string
	)
	err = s.repo.WithTokenLock(ctx, token.ID, func(ctx context.Context, t *domain.Token, e *domain.Escrow) error {
		var err error
		distance, err = t.Redeem(domain.Redemption{
			SupplierID:               req.SupplierID,
			Amount:                   amount,
			SupplierLocation:         supplierLocation,
			BeneficiaryLocation:      beneficiaryLocation,
			ProximityThresholdMeters: s.cfg.ProximityThresholdMeters,
			MaxAccuracyMeters:        s.cfg.MaxAccuracyMeters,
			FallbackVerified:         useFallback,
		}, s.now())
		if err != nil {
			if errors.Is(err, domain.ErrProximityExceeded) {
				log.Warn("redemption rejected: supplier too far from beneficiary", "distance_m", distance)
			}
			return err
		}
		if err := e.ReleaseMaterials(amount); err != nil {
			return err
		}
		// The one-time code is spent only once everything else accepted the redemption.
		if useFallback {
			if err := s.fallback.VerifyFallbackCode(ctx, t.ID, req.FallbackCode); err != nil {
				return err
			}
		}

		metadata = map[string]string{
			domain.MetaFragment: string(domain.FragmentMaterials),
			domain.MetaTokenID:  t.ID.String(),
		}
		if useFallback {
			metadata[domain.MetaFallbackUsed] = "true"
		} else {
			metadata[domain.MetaSupplierDistance] = strconv.FormatFloat(distance, 'f', 1, 64)
		}
		r, err := s.orchestrator.Reserve(ctx, MoneyMovement{
			RecordID:  recordID,
			Type:      domain.LedgerMaterialRelease,
			Operation: OpTransfer,
			EscrowID:  &e.ID,
			FromPhone: s.cfg.CustodianPhone,
			ToParty:   &req.SupplierID,
			ToPhone:   supplier.Phone,
			Amount:    amount,
			Reference: reference,
			Metadata:  metadata,
		})
		if err != nil {
			return err
		}
		reservation, redeemed, escrow = r, *t, *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.payouts.DispatchReservation(ctx, reservation)
	if err != nil {
		return nil, err
	}
	s.recordValidation(ctx, &redeemed, entry, req.SupplierID, metadata)

	result = &domain.RedeemTokenResult{Token: &redeemed, Ledger: &entry, DistanceMeters: distance}
	log.Info("token redeemed", "amount", amount.Int64(), "remaining", redeemed.RemainingAmount.Int64(), "status", redeemed.Status, "payout_status", entry.Status)
	s.notifyRedeemed(ctx, &escrow, &redeemed, amount)
	return result, nil
}

// recordValidation writes the JETON_VALIDATION row of an accepted payout.
func (s *TokenService) recordValidation(ctx context.Context, t *domain.Token, payout domain.LedgerEntry, supplierID uuid.UUID, payoutMeta map[string]string) {
	meta := map[string]string{
		domain.MetaTokenID:        t.ID.String(),
		domain.MetaRedeemedAmount: moneyMeta(payout.Amount),
		"payout_record_id":        payout.RecordID.String(),
	}
	for _, k := range []string{domain.MetaFallbackUsed, domain.MetaSupplierDistance} {
		if v, ok := payoutMeta[k]; ok {
			meta[k] = v
		}
	}
	if _, err := s.orchestrator.RecordInternal(ctx, InternalEntry{
		Type:      domain.LedgerJetonValidation,
		EscrowID:  &t.EscrowID,
		FromParty: &t.BeneficiaryID,
		ToParty:   &supplierID,
		Amount:    payout.Amount,
		Reference: payout.Reference + ":validation",
		Metadata:  meta,
	}); err != nil {
		s.logger.Error("failed to record token validation", "token_id", t.ID, "error", err)
	}
}

func (s *TokenService) notifyRedeemed(ctx context.Context, e *domain.Escrow, t *domain.Token, amount domain.Money) {
	event := domain.NewEscrowEvent(domain.EventJetonRedeemed, e, amount, s.now())
	event.Recipients = append(event.Recipients, t.AuthorizedSuppliers...)
	event.Data["token_code"] = t.Code
	event.Data["remaining"] = moneyMeta(t.RemainingAmount)
	event.Data["token_status"] = string(t.Status)
	s.notifier.Notify(ctx, event)
}

// RequestFallbackCode issues a one-time code for a live token and hands it to
// the notification channel, which delivers it to the beneficiary by SMS.
func (s *TokenService) RequestFallbackCode(ctx context.Context, tokenCode string) (time.Time, error) {
	if s.fallback == nil {
		return time.Time{}, fmt.Errorf("%w: fallback verification is not configured", ErrInvalidRequest)
	}
	code := domain.NormalizeTokenCode(tokenCode)
	if !domain.ValidTokenCode(code) {
		return time.Time{}, domain.ErrInvalidTokenCode
	}
	token, err := s.repo.FindTokenByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, domain.ErrInvalidTokenCode
		}
		return time.Time{}, err
	}
	if !token.Redeemable(s.now()) {
		if token.IsExpired(s.now()) {
			return time.Time{}, domain.ErrTokenExpired
		}
		return time.Time{}, domain.ErrInsufficientTokenBalance
	}
	if err := s.throttle(ctx, fallbackRateLimitScope, token.ID.String()); err != nil {
		return time.Time{}, err
	}

	otp, expiresAt, err := s.fallback.RequestFallbackCode(ctx, token.ID)
	if err != nil {
		return time.Time{}, err
	}
	s.notifier.Notify(ctx, domain.EscrowEvent{
		EventID:    uuid.New(),
		Type:       domain.EventFallbackCodeRequested,
		EscrowID:   token.EscrowID,
		Recipients: []uuid.UUID{token.BeneficiaryID},
		Data: map[string]string{
			"token_code":    token.Code,
			"fallback_code": otp,
			"expires_at":    expiresAt.Format(time.RFC3339),
		},
		OccurredAt: s.now(),
	})
	s.logger.Info("fallback code issued", "token_id", token.ID, "expires_at", expiresAt)
	return expiresAt, nil
}

// ExpireTokens moves live tokens past their expiry to EXPIRED. It returns the
// number of tokens expired. Materials left on an expired token stay in the
// escrow for a refund or an operator decision.
func (s *TokenService) ExpireTokens(ctx context.Context) (int, error) {
	now := s.now()
	tokens, err := s.repo.ListExpiredTokens(ctx, now, s.cfg.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range tokens {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		var (
			changed  bool
			snapshot domain.Token
			escrow   domain.Escrow
		)
		err := s.repo.WithTokenLock(ctx, candidate.ID, func(ctx context.Context, t *domain.Token, e *domain.Escrow) error {
			if !t.IsExpired(now) {
				return nil
			}
			changed = t.Expire(now)
			snapshot, escrow = *t, *e
			return nil
		})
		if err != nil {
			s.logger.Error("failed to expire token", "token_id", candidate.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		expired++
		event := domain.NewEscrowEvent(domain.EventJetonExpired, &escrow, snapshot.RemainingAmount, now)
		event.Recipients = []uuid.UUID{escrow.PayerID, snapshot.BeneficiaryID}
		event.Data["token_code"] = snapshot.Code
		s.notifier.Notify(ctx, event)
	}
	if expired > 0 {
		s.logger.Info("expired redemption tokens", "count", expired)
	}
	return expired, nil
}

// throttle fails open when the limiter backend is unavailable.
func (s *TokenService) throttle(ctx context.Context, scope, subject string) error {
	if s.limiter == nil || s.cfg.RedeemLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, s.cfg.RedeemLimitPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
		return nil
	}
	if count > s.cfg.RedeemLimitPerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func redemptionLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrUnauthorizedSupplier):
		return "unauthorized_supplier"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrProximityExceeded):
		return "proximity_exceeded"
	case errors.Is(err, domain.ErrLocationUnavailable):
		return "location_unavailable"
	case errors.Is(err, domain.ErrFallbackVerificationFailed):
		return "fallback_failed"
	case errors.Is(err, domain.ErrInvalidTokenCode):
		return "invalid_code"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return outcomeLabel(err)
	}
}

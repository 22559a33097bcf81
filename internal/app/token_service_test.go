package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
)

// Abidjan, Plateau. Offsets in latitude are roughly 111 km per degree.
var siteLocation = domain.GeoPoint{Latitude: 5.3200, Longitude: -4.0160, AccuracyMeters: 10}

func offsetNorth(p domain.GeoPoint, meters float64) *domain.GeoPoint {
	p.Latitude += meters / 111195.0
	return &p
}

type fakeFallback struct {
	mu    sync.Mutex
	codes map[uuid.UUID]string
}

func (f *fakeFallback) RequestFallbackCode(ctx context.Context, tokenID uuid.UUID) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codes == nil {
		f.codes = map[uuid.UUID]string{}
	}
	f.codes[tokenID] = "482913"
	return "482913", time.Now().Add(5 * time.Minute), nil
}

func (f *fakeFallback) VerifyFallbackCode(ctx context.Context, tokenID uuid.UUID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if want, ok := f.codes[tokenID]; !ok || want != code {
		return domain.ErrFallbackVerificationFailed
	}
	delete(f.codes, tokenID)
	return nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	key := scope + ":" + subject
	l.counts[key]++
	return l.counts[key], 42, nil
}

type tokenHarness struct {
	*harness
	tokens   *TokenService
	fallback *fakeFallback
	limiter  *fakeLimiter
	view     *domain.EscrowView
}

func newTokenHarness(t *testing.T, cfg TokenConfig) *tokenHarness {
	t.Helper()
	h := newHarness(EscrowConfig{})
	h.identity.add(h.payeeID, payeePhone, &siteLocation)
	h.identity.add(h.supplierID, supplierPhone, offsetNorth(siteLocation, 40))

	th := &tokenHarness{harness: h, fallback: &fakeFallback{}, limiter: &fakeLimiter{}}
	if cfg.ProximityThresholdMeters == 0 {
		cfg.ProximityThresholdMeters = 100
	}
	cfg.CustodianPhone = custodianPhone
	th.tokens = NewTokenService(h.repo, h.orch, h.escrows, h.identity, th.fallback, th.limiter, h.notifier, cfg, discardLogger(), nil)
	th.view = openEscrow(t, h, 100000)
	return th
}

func (th *tokenHarness) redeem(amount int64) domain.RedeemTokenRequest {
	return domain.RedeemTokenRequest{
		Code:       th.view.Token.Code,
		SupplierID: th.supplierID,
		Amount:     amount,
	}
}

func TestRedeemWithinProximityPaysSupplier(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})

	res, err := th.tokens.Redeem(context.Background(), th.redeem(20000))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Token.RemainingAmount != 45000 || res.Token.Status != domain.TokenPartiallyUsed {
		t.Fatalf("expected 45000 remaining, got %d %s", res.Token.RemainingAmount, res.Token.Status)
	}
	if res.DistanceMeters < 35 || res.DistanceMeters > 45 {
		t.Fatalf("expected about 40m, got %.1f", res.DistanceMeters)
	}
	if call := th.gw.lastCall(); call.op != OpTransfer || call.phone != supplierPhone || call.amount != 20000 {
		t.Fatalf("unexpected supplier payout: %+v", call)
	}

	escrow, _ := th.repo.FindEscrowByID(context.Background(), th.view.Escrow.ID)
	if escrow.MaterialsReleased != 20000 || escrow.MaterialsRemaining() != res.Token.RemainingAmount {
		t.Fatalf("escrow materials must track the token, released %d", escrow.MaterialsReleased)
	}
	releases := th.repo.entries(domain.LedgerMaterialRelease)
	if len(releases) != 2 || releases[1].Status != domain.LedgerCompleted {
		t.Fatalf("expected PENDING and COMPLETED material rows, got %+v", releases)
	}
	validations := th.repo.entries(domain.LedgerJetonValidation)
	if len(validations) != 1 || validations[0].Metadata[domain.MetaRedeemedAmount] != "20000" {
		t.Fatalf("expected one validation row, got %+v", validations)
	}
	event, ok := th.notifier.last(domain.EventJetonRedeemed)
	if !ok || event.Data["remaining"] != "45000" {
		t.Fatalf("expected jeton.redeemed event with remaining 45000, got %+v", event)
	}
}

func TestRedeemBeyondProximityIsRejected(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	calls := th.gw.callCount()

	req := th.redeem(20000)
	req.SupplierLocation = offsetNorth(siteLocation, 500)
	_, err := th.tokens.Redeem(context.Background(), req)
	if !errors.Is(err, domain.ErrProximityExceeded) {
		t.Fatalf("expected ErrProximityExceeded, got %v", err)
	}
	if th.gw.callCount() != calls {
		t.Fatalf("rejected redemption must not reach the gateway")
	}
	token, _ := th.repo.FindTokenByID(context.Background(), th.view.Token.ID)
	if token.RemainingAmount != 65000 || token.Status != domain.TokenActive {
		t.Fatalf("token must be unchanged, got %d %s", token.RemainingAmount, token.Status)
	}
}

func TestRedeemRejectsUnauthorizedSupplier(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	req := th.redeem(1000)
	req.SupplierID = uuid.New()

	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrUnauthorizedSupplier) {
		t.Fatalf("expected ErrUnauthorizedSupplier, got %v", err)
	}
}

func TestRedeemRejectsUnknownCode(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	req := th.redeem(1000)
	req.Code = "PA-0000"
	if th.view.Token.Code == req.Code {
		req.Code = "PA-0001"
	}
	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrInvalidTokenCode) {
		t.Fatalf("expected ErrInvalidTokenCode, got %v", err)
	}
	req.Code = "not-a-code"
	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrInvalidTokenCode) {
		t.Fatalf("expected ErrInvalidTokenCode for malformed code, got %v", err)
	}
}

func TestRedeemCannotOverspendToken(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := th.tokens.Redeem(context.Background(), th.redeem(40000))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if successes != 1 || len(failures) != 1 || !errors.Is(failures[0], domain.ErrInsufficientTokenBalance) {
		t.Fatalf("expected exactly one redemption to win, got %d successes and %v", successes, failures)
	}
	token, _ := th.repo.FindTokenByID(context.Background(), th.view.Token.ID)
	if token.RemainingAmount != 25000 {
		t.Fatalf("expected 25000 remaining, got %d", token.RemainingAmount)
	}
}

func TestRedeemFullBalanceMarksTokenUsed(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})

	res, err := th.tokens.Redeem(context.Background(), th.redeem(65000))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Token.Status != domain.TokenFullyUsed {
		t.Fatalf("expected FULLY_USED, got %s", res.Token.Status)
	}
	if _, err := th.tokens.Redeem(context.Background(), th.redeem(1)); !errors.Is(err, domain.ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}
}

func TestRedeemPayoutFailureLeavesTokenUnchanged(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	th.gw.script(gateway.Failure(gateway.ErrCodeInvalidPhoneNumber, "unknown supplier wallet"))

	_, err := th.tokens.Redeem(context.Background(), th.redeem(20000))
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	token, _ := th.repo.FindTokenByID(context.Background(), th.view.Token.ID)
	escrow, _ := th.repo.FindEscrowByID(context.Background(), th.view.Escrow.ID)
	if token.RemainingAmount != 65000 || escrow.MaterialsReleased != 0 {
		t.Fatalf("failed payout must not consume the token: token %d escrow %d", token.RemainingAmount, escrow.MaterialsReleased)
	}
	if len(th.repo.entries(domain.LedgerJetonValidation)) != 0 {
		t.Fatalf("no validation row for a failed payout")
	}
}

func TestFailedPendingMaterialReleaseRestoresToken(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	th.gw.script(pendingResult("OM-MAT-1"))

	res, err := th.tokens.Redeem(context.Background(), th.redeem(30000))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if _, err := th.escrows.SettleMovement(context.Background(), *res.Ledger, StatusUpdate{Status: gateway.StatusFailed}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	token, _ := th.repo.FindTokenByID(context.Background(), th.view.Token.ID)
	escrow, _ := th.repo.FindEscrowByID(context.Background(), th.view.Escrow.ID)
	if token.RemainingAmount != 65000 || token.Status != domain.TokenActive || escrow.MaterialsReleased != 0 {
		t.Fatalf("failed payout must be compensated: token %d %s escrow %d", token.RemainingAmount, token.Status, escrow.MaterialsReleased)
	}
}

func TestRedeemWithoutLocationRequiresFallbackCode(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	th.identity.add(th.supplierID, supplierPhone, nil)

	if _, err := th.tokens.Redeem(context.Background(), th.redeem(10000)); !errors.Is(err, domain.ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}

	if _, err := th.tokens.RequestFallbackCode(context.Background(), th.view.Token.Code); err != nil {
		t.Fatalf("request fallback code: %v", err)
	}
	event, ok := th.notifier.last(domain.EventFallbackCodeRequested)
	if !ok || event.Data["fallback_code"] == "" || event.Recipients[0] != th.payeeID {
		t.Fatalf("fallback code must be sent to the beneficiary, got %+v", event)
	}

	req := th.redeem(10000)
	req.FallbackCode = "000000"
	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrFallbackVerificationFailed) {
		t.Fatalf("expected ErrFallbackVerificationFailed, got %v", err)
	}

	req.FallbackCode = event.Data["fallback_code"]
	res, err := th.tokens.Redeem(context.Background(), req)
	if err != nil {
		t.Fatalf("redeem with fallback: %v", err)
	}
	if res.DistanceMeters != -1 || res.Ledger.Metadata[domain.MetaFallbackUsed] != "true" {
		t.Fatalf("expected fallback redemption, got distance %.1f meta %v", res.DistanceMeters, res.Ledger.Metadata)
	}
}

func TestRedeemIsRateLimitedPerSupplier(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{RedeemLimitPerMinute: 1})

	if _, err := th.tokens.Redeem(context.Background(), th.redeem(1000)); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, err := th.tokens.Redeem(context.Background(), th.redeem(1000))
	var limited *RateLimitError
	if !errors.As(err, &limited) || !errors.Is(err, ErrRateLimited) || limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestRedeemFailsOpenWhenLimiterUnavailable(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{RedeemLimitPerMinute: 1})
	th.limiter.err = errors.New("redis: connection refused")

	for i := 0; i < 2; i++ {
		if _, err := th.tokens.Redeem(context.Background(), th.redeem(1000)); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}
}

func TestExpireTokensLeavesMaterialsInEscrow(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	th.tokens.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }

	n, err := th.tokens.ExpireTokens(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one expired token, got %d %v", n, err)
	}
	token, _ := th.repo.FindTokenByID(context.Background(), th.view.Token.ID)
	if token.Status != domain.TokenExpired || token.RemainingAmount != 65000 {
		t.Fatalf("expected EXPIRED with balance kept, got %s %d", token.Status, token.RemainingAmount)
	}
	escrow, _ := th.repo.FindEscrowByID(context.Background(), th.view.Escrow.ID)
	if escrow.MaterialsRemaining() != 65000 {
		t.Fatalf("materials stay in escrow, got %d", escrow.MaterialsRemaining())
	}
	if _, ok := th.notifier.last(domain.EventJetonExpired); !ok {
		t.Fatalf("expected jeton.expired event")
	}

	if n, _ := th.tokens.ExpireTokens(context.Background()); n != 0 {
		t.Fatalf("second pass must expire nothing, got %d", n)
	}
	if _, err := th.tokens.Redeem(context.Background(), th.redeem(1000)); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRejectedRedemptionKeepsFallbackCode(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	th.identity.add(th.supplierID, supplierPhone, nil)
	if _, err := th.tokens.RequestFallbackCode(context.Background(), th.view.Token.Code); err != nil {
		t.Fatalf("request fallback code: %v", err)
	}
	event, _ := th.notifier.last(domain.EventFallbackCodeRequested)

	req := th.redeem(70000)
	req.FallbackCode = event.Data["fallback_code"]
	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}

	req.Amount = 20000
	res, err := th.tokens.Redeem(context.Background(), req)
	if err != nil {
		t.Fatalf("the code must survive a rejected redemption: %v", err)
	}
	if res.Token.RemainingAmount != 45000 {
		t.Fatalf("expected 45000 remaining, got %d", res.Token.RemainingAmount)
	}
	if _, err := th.tokens.Redeem(context.Background(), req); !errors.Is(err, domain.ErrFallbackVerificationFailed) {
		t.Fatalf("the code is spent by the accepted redemption, got %v", err)
	}
}

func TestRedeemCancelledDuringPayoutIsNotPaidTwice(t *testing.T) {
	th := newTokenHarness(t, TokenConfig{})
	calls := th.gw.callCount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	th.gw.onCall = cancel
	res, err := th.tokens.Redeem(ctx, th.redeem(65000))
	if err != nil {
		t.Fatalf("payout reached the provider and must be recorded, got %v", err)
	}
	th.gw.onCall = nil
	if res.Ledger.Status != domain.LedgerCompleted || res.Token.Status != domain.TokenFullyUsed {
		t.Fatalf("unexpected redemption: %s %s", res.Ledger.Status, res.Token.Status)
	}

	if _, err := th.tokens.Redeem(context.Background(), th.redeem(65000)); !errors.Is(err, domain.ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}
	if got := th.gw.callCount() - calls; got != 1 {
		t.Fatalf("expected one supplier payout, got %d", got)
	}
	if len(th.repo.entries(domain.LedgerJetonValidation)) != 1 {
		t.Fatalf("expected one validation row")
	}
}

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
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/observability"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const (
	defaultMaxRetries  = 3
	defaultBaseDelay   = time.Second
	defaultCallTimeout = 30 * time.Second

	// Final ledger rows are retried a few times before giving up; the money has already moved.
	ledgerWriteAttempts = 3
	ledgerWriteBackoff  = 150 * time.Millisecond

	internalProvider = "internal"
)

// Operation is the gateway capability a movement invokes.
type Operation string

const (
	OpBlock    Operation = "block"
	OpTransfer Operation = "transfer"
	OpRefund   Operation = "refund"
)

// PaymentError is returned when a movement ended FAILED. Entry is the terminal ledger row.
type PaymentError struct {
	Code     gateway.ErrorCode
	Message  string
	Attempts int
	Entry    domain.LedgerEntry
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s failed after %d attempt(s): %s %s", e.Entry.Type, e.Attempts, e.Code, e.Message)
}

// MoneyMovement describes one orchestrated money movement.
type MoneyMovement struct {
	// RecordID names the ledger record up front so the reference can embed
	// it. A nil id gets a fresh one.
	RecordID  uuid.UUID
	Type      domain.LedgerEntryType
	Operation Operation
	EscrowID  *uuid.UUID
	FromParty *uuid.UUID
	FromPhone string
	ToParty   *uuid.UUID
	ToPhone   string
	Amount    domain.Money
	Reference string
	Metadata  map[string]string
}

// routingPhone is the number whose operator handles the movement.
func (m MoneyMovement) routingPhone() string {
	if m.Operation == OpBlock {
		return m.FromPhone
	}
	return m.ToPhone
}

// Outcome is the result of Execute. Entry is the latest ledger row written for the movement.
type Outcome struct {
	Entry    domain.LedgerEntry
	Result   gateway.Result
	Attempts int
}

func (o Outcome) Completed() bool { return o.Entry.Status == domain.LedgerCompleted }

// Pending reports a movement the provider accepted but has not settled yet.
func (o Outcome) Pending() bool { return o.Entry.Status == domain.LedgerPending }

// Reservation is a movement whose PENDING row is written but whose gateway
// call has not run yet.
type Reservation struct {
	Movement MoneyMovement
	Entry    domain.LedgerEntry
	gateway  gateway.Gateway
}

// OrchestratorConfig tunes the retry policy.
type OrchestratorConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	CallTimeout       time.Duration
	NonRetryableCodes []gateway.ErrorCode
}

// Orchestrator is the only writer of ledger rows. It selects a gateway,
// records a PENDING row and runs the call under bounded retry.
type Orchestrator struct {
	ledger       store.LedgerRepository
	gateways     *gateway.Selector
	logger       *slog.Logger
	metrics      *observability.Metrics
	maxRetries   int
	baseDelay    time.Duration
	callTimeout  time.Duration
	nonRetryable map[gateway.ErrorCode]struct{}
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

func NewOrchestrator(ledger store.LedgerRepository, gateways *gateway.Selector, cfg OrchestratorConfig, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	codes := cfg.NonRetryableCodes
	if len(codes) == 0 {
		codes = gateway.DefaultNonRetryableCodes()
	}
	nonRetryable := make(map[gateway.ErrorCode]struct{}, len(codes))
	for _, code := range codes {
		nonRetryable[code] = struct{}{}
	}
	return &Orchestrator{
		ledger:       ledger,
		gateways:     gateways,
		logger:       logger.With("component", "payment_orchestrator"),
		metrics:      metrics,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		callTimeout:  cfg.CallTimeout,
		nonRetryable: nonRetryable,
		sleep:        sleepContext,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Gateways exposes the selector for status lookups by provider name.
func (o *Orchestrator) Gateways() *gateway.Selector { return o.gateways }

// IsRetryable reports whether a failure with code may be attempted again.
func (o *Orchestrator) IsRetryable(code gateway.ErrorCode) bool {
	_, terminal := o.nonRetryable[code]
	return !terminal
}

// backoff returns the delay before attempt n (n >= 2).
func (o *Orchestrator) backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return o.baseDelay * time.Duration(1<<uint(attempt-2))
}

// WorstCaseDispatch is the longest a dispatch can take: every attempt
// running into the call timeout plus every backoff. Callers that bound a
// movement with a deadline should allow at least this much.
func (o *Orchestrator) WorstCaseDispatch() time.Duration {
	total := time.Duration(o.maxRetries) * o.callTimeout
	for attempt := 2; attempt <= o.maxRetries; attempt++ {
		total += o.backoff(attempt)
	}
	return total
}

// Execute reserves and dispatches m, recording a failure itself. It suits
// movements with no escrow state to hold back, such as the initial block.
// A FAILED movement returns a *PaymentError together with the outcome.
func (o *Orchestrator) Execute(ctx context.Context, m MoneyMovement) (Outcome, error) {
	r, err := o.Reserve(ctx, m)
	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) {
		if werr := o.appendEntry(ctx, &paymentErr.Entry); werr != nil {
			return Outcome{}, werr
		}
		return Outcome{Entry: paymentErr.Entry, Result: gateway.Failure(paymentErr.Code, paymentErr.Message)}, err
	}
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := o.Dispatch(ctx, r)
	if errors.As(err, &paymentErr) {
		if werr := o.appendWithRetry(ctx, &outcome.Entry); werr != nil {
			o.logger.Error("failed ledger row not recorded", "record_id", outcome.Entry.RecordID, "error", werr)
			return outcome, fmt.Errorf("record failed ledger entry: %w", werr)
		}
	}
	return outcome, err
}

// Reserve writes the PENDING row of m. Called inside WithEscrowLock or
// WithTokenLock the row commits with the escrow change, so the ledger shows
// a movement in flight exactly when the escrow holds its funds back.
// When no gateway serves the routing phone nothing is written and the
// *PaymentError carries the unsaved FAILED row.
func (o *Orchestrator) Reserve(ctx context.Context, m MoneyMovement) (*Reservation, error) {
	if m.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	entry := domain.NewLedgerRecord(m.Type, domain.LedgerPending, m.Amount, m.Reference, o.now())
	if m.RecordID != uuid.Nil {
		entry.ID, entry.RecordID = m.RecordID, m.RecordID
	}
	entry.EscrowID = m.EscrowID
	entry.FromParty = m.FromParty
	entry.ToParty = m.ToParty
	for k, v := range m.Metadata {
		entry.Metadata[k] = v
	}
	if m.FromPhone != "" {
		entry.Metadata[domain.MetaFromPhone] = m.FromPhone
	}
	if m.ToPhone != "" {
		entry.Metadata[domain.MetaToPhone] = m.ToPhone
	}

	gw, ok := o.gateways.ForPhone(m.routingPhone())
	if !ok {
		res := gateway.Failure(gateway.ErrCodeNoGateway, "no mobile money provider serves "+m.routingPhone())
		failed := entry.WithFailure(string(res.ErrorCode), res.Message)
		failed.Status = domain.LedgerFailed
		o.logger.Warn("no gateway for recipient phone", "type", m.Type, "reference", m.Reference, "phone", m.routingPhone())
		return nil, &PaymentError{Code: res.ErrorCode, Message: res.Message, Entry: failed}
	}

	entry.Provider = gw.ProviderName()
	if err := o.appendEntry(ctx, &entry); err != nil {
		return nil, fmt.Errorf("record pending ledger entry: %w", err)
	}
	return &Reservation{Movement: m, Entry: entry, gateway: gw}, nil
}

// Dispatch runs a reserved movement under bounded retry. COMPLETED and
// accepted PENDING outcomes are recorded before it returns. A FAILED outcome
// comes back with a *PaymentError and its terminal row unsaved in
// Outcome.Entry, for the caller to record along with the release of the
// reservation. When ctx ends during a backoff the last failure was
// technical, so the provider outcome is unknown and the record stays
// PENDING for the reconciler.
func (o *Orchestrator) Dispatch(ctx context.Context, r *Reservation) (Outcome, error) {
	m, entry := r.Movement, r.Entry
	log := o.logger.With("record_id", entry.RecordID, "type", m.Type, "reference", m.Reference,
		"amount", m.Amount.Int64(), "provider", entry.Provider)

	var (
		res      gateway.Result
		attempts int
	)
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
				log.Warn("retry abandoned: context done during backoff; leaving record pending",
					"attempt", attempt, "last_code", res.ErrorCode, "error", err)
				return Outcome{Entry: entry, Result: res, Attempts: attempts}, nil
			}
		}
		attempts = attempt
		res = o.call(ctx, r.gateway, m)
		if res.Success {
			break
		}
		if !o.IsRetryable(res.ErrorCode) {
			log.Warn("gateway returned non-retryable failure", "attempt", attempt, "code", res.ErrorCode, "message", res.Message)
			break
		}
		log.Warn("gateway call failed", "attempt", attempt, "max_attempts", o.maxRetries, "code", res.ErrorCode, "message", res.Message)
	}

	var next domain.LedgerEntry
	switch {
	case res.Success && res.Status == gateway.StatusPending:
		next = entry.Next(domain.LedgerPending, o.now()).WithProviderTransactionID(res.ProviderTransactionID)
	case res.Success:
		next = entry.Next(domain.LedgerCompleted, o.now()).WithProviderTransactionID(res.ProviderTransactionID)
	default:
		next = entry.Next(domain.LedgerFailed, o.now()).
			WithProviderTransactionID(res.ProviderTransactionID).
			WithFailure(string(res.ErrorCode), failureReason(res))
	}
	next.Metadata[domain.MetaAttempts] = strconv.Itoa(attempts)
	outcome := Outcome{Entry: next, Result: res, Attempts: attempts}

	if !res.Success {
		log.Error("money movement failed", "attempts", attempts, "code", res.ErrorCode, "reason", next.FailureReason)
		return outcome, &PaymentError{Code: res.ErrorCode, Message: res.Message, Attempts: attempts, Entry: next}
	}
	if err := o.appendWithRetry(ctx, &next); err != nil && !errors.Is(err, store.ErrConflict) {
		// The provider already moved the funds. The record stays PENDING and
		// the reconciler finds it by reference.
		log.Error("ledger out of sync with provider outcome", "status", next.Status, "provider_tx_id", res.ProviderTransactionID, "error", err)
		return outcome, nil
	}
	log.Info("money movement accepted", "status", next.Status, "attempts", attempts, "provider_tx_id", res.ProviderTransactionID)
	return outcome, nil
}

// RecordFailure writes the FAILED row Dispatch returned. Inside a lock it
// joins the transaction that releases the reservation.
func (o *Orchestrator) RecordFailure(ctx context.Context, failed domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if err := o.appendEntry(ctx, &failed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	return &failed, nil
}

// call performs one gateway attempt under its own timeout. The call is
// detached from caller cancellation; errors and panics become TECHNICAL_ERROR.
func (o *Orchestrator) call(ctx context.Context, gw gateway.Gateway, m MoneyMovement) (res gateway.Result) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("gateway call panicked", "provider", gw.ProviderName(), "operation", m.Operation, "panic", r)
			res = gateway.Failure(gateway.ErrCodeTechnicalError, fmt.Sprintf("gateway panic: %v", r))
		}
		outcome := "ok"
		if !res.Success {
			outcome = string(res.ErrorCode)
		}
		o.metrics.ObserveGatewayCall(gw.ProviderName(), string(m.Operation), outcome, time.Since(started))
	}()

	var err error
	switch m.Operation {
	case OpBlock:
		if m.FromParty == nil {
			return gateway.Failure(gateway.ErrCodeTechnicalError, "block requires a payer")
		}
		res, err = gw.BlockFunds(callCtx, *m.FromParty, m.FromPhone, m.Amount, m.Reference)
	case OpTransfer:
		res, err = gw.TransferFunds(callCtx, m.FromParty, m.FromPhone, m.ToParty, m.ToPhone, m.Amount, m.Reference)
	case OpRefund:
		if m.ToParty == nil {
			return gateway.Failure(gateway.ErrCodeTechnicalError, "refund requires a payer")
		}
		res, err = gw.RefundFunds(callCtx, *m.ToParty, m.ToPhone, m.Amount, m.Reference)
	default:
		return gateway.Failure(gateway.ErrCodeTechnicalError, "unknown operation "+string(m.Operation))
	}
	if err != nil {
		o.logger.Error("gateway call returned error", "provider", gw.ProviderName(), "operation", m.Operation, "error", err)
		return gateway.Failure(gateway.ErrCodeTechnicalError, err.Error())
	}
	if res.Success && res.Status == gateway.StatusFailed {
		res.Success = false
	}
	if res.Success && res.Status == "" {
		res.Status = gateway.StatusCompleted
	}
	if !res.Success && res.ErrorCode == "" {
		res.ErrorCode = gateway.ErrCodeTechnicalError
	}
	return res
}

// StatusUpdate is an authoritative provider outcome for a pending record.
type StatusUpdate struct {
	Status                gateway.Status
	ProviderTransactionID string
	ErrorCode             string
	Reason                string
	Source                string
}

// ApplyProviderStatus appends the terminal row for a pending record. It
// returns the new row, or nil when nothing changed: the record is already
// terminal, the status is still pending, or a concurrent writer won.
func (o *Orchestrator) ApplyProviderStatus(ctx context.Context, latest domain.LedgerEntry, update StatusUpdate) (*domain.LedgerEntry, error) {
	if latest.Status.IsTerminal() {
		return nil, nil
	}

	var next domain.LedgerEntry
	switch update.Status {
	case gateway.StatusCompleted:
		next = latest.Next(domain.LedgerCompleted, o.now())
	case gateway.StatusFailed, gateway.StatusCancelled:
		status := domain.LedgerFailed
		if update.Status == gateway.StatusCancelled {
			status = domain.LedgerCancelled
		}
		code := update.ErrorCode
		if code == "" {
			code = "PROVIDER_" + string(update.Status)
		}
		reason := update.Reason
		if reason == "" {
			reason = "provider reported " + string(update.Status)
		}
		next = latest.Next(status, o.now()).WithFailure(code, reason)
	default:
		return nil, nil
	}
	if latest.ProviderTransactionID == nil {
		next = next.WithProviderTransactionID(update.ProviderTransactionID)
	}
	if update.Source != "" {
		next.Metadata[domain.MetaStatusSource] = update.Source
	}

	if err := o.appendEntry(ctx, &next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	o.logger.Info("ledger record settled from provider status",
		"record_id", next.RecordID, "type", next.Type, "status", next.Status, "source", update.Source)
	return &next, nil
}

// InternalEntry is a custodian-side bookkeeping movement with no provider call.
type InternalEntry struct {
	Type      domain.LedgerEntryType
	EscrowID  *uuid.UUID
	FromParty *uuid.UUID
	ToParty   *uuid.UUID
	Amount    domain.Money
	Reference string
	Metadata  map[string]string
}

// RecordInternal writes a COMPLETED row for a movement internal to the custodian.
func (o *Orchestrator) RecordInternal(ctx context.Context, in InternalEntry) (domain.LedgerEntry, error) {
	if in.Amount < 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	entry := domain.NewLedgerRecord(in.Type, domain.LedgerCompleted, in.Amount, in.Reference, o.now())
	entry.EscrowID = in.EscrowID
	entry.FromParty = in.FromParty
	entry.ToParty = in.ToParty
	entry.Provider = internalProvider
	for k, v := range in.Metadata {
		entry.Metadata[k] = v
	}
	if err := o.appendWithRetry(ctx, &entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("record %s ledger entry: %w", in.Type, err)
	}
	return entry, nil
}

func (o *Orchestrator) appendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := o.ledger.AppendLedgerEntry(ctx, entry); err != nil {
		return err
	}
	o.metrics.RecordLedgerEntry(string(entry.Type), string(entry.Status))
	return nil
}

func (o *Orchestrator) appendWithRetry(ctx context.Context, entry *domain.LedgerEntry) error {
	writeCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= ledgerWriteAttempts; attempt++ {
		lastErr = o.appendEntry(writeCtx, entry)
		if lastErr == nil || errors.Is(lastErr, store.ErrConflict) {
			return lastErr
		}
		if attempt == ledgerWriteAttempts {
			break
		}
		if err := o.sleep(writeCtx, ledgerWriteBackoff); err != nil {
			break
		}
	}
	return lastErr
}

func failureReason(res gateway.Result) string {
	if res.Message != "" {
		return res.Message
	}
	return "provider returned " + string(res.ErrorCode)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

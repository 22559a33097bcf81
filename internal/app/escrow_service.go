/**
 * @description
 * EscrowService drives the escrow lifecycle: opening (block, fragment, mint),
 * labor releases, refunds, freezes and the settlement of movements that a
 * provider confirmed asynchronously. Every mutation of an escrow happens
 * inside the repository's row lock. A payout is first reserved: the escrow
 * change and the PENDING ledger row commit together, then the provider is
 * called, and a refusal releases the reservation.
 *
 * @dependencies
 * - internal/domain: escrow, token and ledger models.
 * - internal/store: repository contracts.
 * - Orchestrator: the only writer of ledger rows.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/observability"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// EscrowConfig holds the business parameters of the escrow lifecycle.
type EscrowConfig struct {
	Rule              domain.FragmentationRule
	ServiceFeePercent int
	TokenTTL          time.Duration
	CustodianPhone    string
}

// EscrowService implements the escrow operations exposed to the marketplace.
type EscrowService struct {
	repo         store.Repository
	orchestrator *Orchestrator
	identity     IdentityResolver
	notifier     Notifier
	cfg          EscrowConfig
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewEscrowService(repo store.Repository, orchestrator *Orchestrator, identity IdentityResolver, notifier Notifier, cfg EscrowConfig, logger *slog.Logger, metrics *observability.Metrics) *EscrowService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.Rule.Validate() != nil {
		cfg.Rule = domain.DefaultFragmentationRule()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.ServiceFeePercent < 0 || cfg.ServiceFeePercent >= 100 {
		cfg.ServiceFeePercent = 0
	}
	return &EscrowService{
		repo:         repo,
		orchestrator: orchestrator,
		identity:     identity,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With("component", "escrow_service"),
		metrics:      metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// BlockReference is the idempotent provider reference of a job's escrow block.
func BlockReference(jobID uuid.UUID) string {
	return "escrow-block:" + jobID.String()
}

// Open blocks the job amount, persists the escrow, fragments it and mints
// the materials token. Each step is resumable, so calling Open again for the
// same job finishes whatever a previous call left undone.
func (s *EscrowService) Open(ctx context.Context, req domain.OpenEscrowRequest) (view *domain.EscrowView, err error) {
	defer func() { s.metrics.RecordEscrowOperation("open", outcomeLabel(err)) }()

	if req.JobID == uuid.Nil || req.PayerID == uuid.Nil || req.PayeeID == uuid.Nil {
		return nil, fmt.Errorf("%w: job_id, payer_id and payee_id are required", ErrInvalidRequest)
	}
	if req.PayerID == req.PayeeID {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrInvalidRequest)
	}
	total, err := domain.NewMoney(req.Amount)
	if err != nil || total.IsZero() {
		return nil, domain.ErrInvalidAmount
	}

	existing, err := s.repo.FindEscrowByJobID(ctx, req.JobID)
	switch {
	case err == nil:
		if existing.Total != total || existing.PayerID != req.PayerID || existing.PayeeID != req.PayeeID {
			return nil, fmt.Errorf("%w: escrow for job %s was opened with different terms", ErrDuplicateRequest, req.JobID)
		}
		return s.complete(ctx, existing, req.AuthorizedSuppliers)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup escrow by job: %w", err)
	}

	escrow := domain.NewEscrow(req.JobID, req.PayerID, req.PayeeID, s.now())
	reference := BlockReference(req.JobID)
	log := s.logger.With("job_id", req.JobID, "reference", reference)

	latest, err := s.repo.FindLatestLedgerEntryByReference(ctx, reference)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup block ledger entry: %w", err)
	}

	var providerRef string
	switch {
	case latest != nil && latest.Status == domain.LedgerPending:
		return nil, ErrPaymentPending
	case latest != nil && latest.Status == domain.LedgerCompleted:
		if latest.Amount != total {
			return nil, fmt.Errorf("%w: job %s was blocked for %d", ErrDuplicateRequest, req.JobID, latest.Amount)
		}
		if latest.EscrowID != nil {
			escrow.ID = *latest.EscrowID
		}
		providerRef = derefString(latest.ProviderTransactionID)
		log.Info("resuming open after completed block", "escrow_id", escrow.ID)
	default:
		payer, err := s.identity.ResolveParty(ctx, req.PayerID)
		if err != nil {
			return nil, err
		}
		outcome, err := s.orchestrator.Execute(ctx, MoneyMovement{
			Type:      domain.LedgerEscrowBlock,
			Operation: OpBlock,
			EscrowID:  &escrow.ID,
			FromParty: &escrow.PayerID,
			FromPhone: payer.Phone,
			ToPhone:   s.cfg.CustodianPhone,
			Amount:    total,
			Reference: reference,
			Metadata: map[string]string{
				domain.MetaJobID:     req.JobID.String(),
				domain.MetaPayeeID:   req.PayeeID.String(),
				domain.MetaSuppliers: joinIDs(req.AuthorizedSuppliers),
			},
		})
		if err != nil {
			return nil, err
		}
		if outcome.Pending() {
			log.Info("block accepted by provider, awaiting confirmation", "escrow_id", escrow.ID)
			return nil, ErrPaymentPending
		}
		providerRef = outcome.Result.ProviderTransactionID
	}

	if providerRef == "" {
		providerRef = reference
	}
	if err := escrow.Block(total, providerRef); err != nil {
		return nil, err
	}
	if err := s.repo.CreateEscrow(ctx, escrow); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("persist escrow: %w", err)
		}
		// A concurrent Open for the same job persisted first.
		existing, findErr := s.repo.FindEscrowByJobID(ctx, req.JobID)
		if findErr != nil {
			return nil, fmt.Errorf("reload escrow after conflict: %w", findErr)
		}
		return s.complete(ctx, existing, req.AuthorizedSuppliers)
	}
	log.Info("escrow blocked", "escrow_id", escrow.ID, "amount", total.Int64())
	s.notify(ctx, domain.EventEscrowBlocked, escrow, total, nil)

	return s.complete(ctx, escrow, req.AuthorizedSuppliers)
}

// complete fragments a blocked escrow and mints its token when missing.
func (s *EscrowService) complete(ctx context.Context, escrow *domain.Escrow, suppliers []uuid.UUID) (*domain.EscrowView, error) {
	fragmentedNow := false
	err := s.repo.WithEscrowLock(ctx, escrow.ID, func(ctx context.Context, e *domain.Escrow) error {
		if !e.Fragmented && e.Status == domain.EscrowStatusBlocked {
			if err := e.Fragment(s.cfg.Rule); err != nil {
				return err
			}
			fragmentedNow = true
		}
		*escrow = *e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fragment escrow %s: %w", escrow.ID, err)
	}
	if fragmentedNow {
		s.logger.Info("escrow fragmented", "escrow_id", escrow.ID, "materials", escrow.Materials.Int64(), "labor", escrow.Labor.Int64())
		event := domain.NewEscrowEvent(domain.EventEscrowFragmented, escrow, escrow.Total, s.now())
		event.Data["materials"] = moneyMeta(escrow.Materials)
		event.Data["labor"] = moneyMeta(escrow.Labor)
		s.notifier.Notify(ctx, event)
	}

	view := &domain.EscrowView{Escrow: escrow}
	if !escrow.Fragmented || escrow.Materials.IsZero() {
		return view, nil
	}

	token, err := s.repo.FindTokenByEscrowID(ctx, escrow.ID)
	switch {
	case err == nil:
		view.Token = token
		return view, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	code, err := domain.GenerateTokenCode(nil)
	if err != nil {
		return nil, err
	}
	token, err = domain.NewToken(escrow.ID, escrow.PayeeID, escrow.Materials, suppliers, code, s.now(), s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("persist token: %w", err)
		}
		if token, err = s.repo.FindTokenByEscrowID(ctx, escrow.ID); err != nil {
			return nil, fmt.Errorf("reload token after conflict: %w", err)
		}
		view.Token = token
		return view, nil
	}

	s.logger.Info("redemption token minted", "escrow_id", escrow.ID, "token_id", token.ID, "amount", token.TotalAmount.Int64())
	event := domain.NewEscrowEvent(domain.EventJetonGenerated, escrow, token.TotalAmount, s.now())
	event.Recipients = []uuid.UUID{escrow.PayeeID}
	event.Data["code"] = token.Code
	event.Data["expires_at"] = token.ExpiresAt.Format(time.RFC3339)
	s.notifier.Notify(ctx, event)

	view.Token = token
	return view, nil
}

// Get returns the escrow and its token, if one was minted.
func (s *EscrowService) Get(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowView, error) {
	escrow, err := s.repo.FindEscrowByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	view := &domain.EscrowView{Escrow: escrow}
	token, err := s.repo.FindTokenByEscrowID(ctx, escrowID)
	switch {
	case err == nil:
		view.Token = token
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// Ledger lists every ledger row written for the escrow, oldest first.
func (s *EscrowService) Ledger(ctx context.Context, escrowID uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := s.repo.FindEscrowByID(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.repo.ListLedgerEntriesByEscrow(ctx, escrowID)
}

// ReleaseLabor pays part of the labor fragment to the payee, withholding the
// service fee. The release is reserved on the escrow and in the ledger in one
// transaction before the provider is called.
func (s *EscrowService) ReleaseLabor(ctx context.Context, escrowID uuid.UUID, req domain.ReleaseLaborRequest) (result *domain.MovementResult, err error) {
	defer func() { s.metrics.RecordEscrowOperation("release_labor", outcomeLabel(err)) }()

	amount, err := domain.NewMoney(req.Amount)
	if err != nil || amount.IsZero() {
		return nil, domain.ErrInvalidAmount
	}
	escrow, err := s.repo.FindEscrowByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	payee, err := s.identity.ResolveParty(ctx, escrow.PayeeID)
	if err != nil {
		return nil, err
	}

	recordID := uuid.New()
	milestone := strings.TrimSpace(req.MilestoneID)
	suffix := milestone
	if suffix == "" {
		suffix = recordID.String()
	}
	fee := amount.Percent(s.cfg.ServiceFeePercent)
	metadata := map[string]string{domain.MetaFragment: string(domain.FragmentLabor)}
	if milestone != "" {
		metadata[domain.MetaMilestone] = milestone
	}
	if fee > 0 {
		metadata[domain.MetaServiceFee] = moneyMeta(fee)
	}
	movement := MoneyMovement{
		RecordID:  recordID,
		Type:      domain.LedgerLaborRelease,
		Operation: OpTransfer,
		EscrowID:  &escrow.ID,
		FromPhone: s.cfg.CustodianPhone,
		ToParty:   &escrow.PayeeID,
		ToPhone:   payee.Phone,
		Amount:    amount - fee,
		Reference: fmt.Sprintf("labor-release:%s:%s", escrowID, suffix),
		Metadata:  metadata,
	}

	var (
		reservation *Reservation
		reserved    domain.Escrow
	)
	err = s.repo.WithEscrowLock(ctx, escrowID, func(ctx context.Context, e *domain.Escrow) error {
		if milestone != "" {
			if err := s.ensureUnused(ctx, movement.Reference); err != nil {
				return err
			}
		}
		if err := e.ReleaseLabor(amount); err != nil {
			return err
		}
		r, err := s.orchestrator.Reserve(ctx, movement)
		if err != nil {
			return err
		}
		reservation, reserved = r, *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.DispatchReservation(ctx, reservation)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.LedgerCompleted && fee > 0 {
		s.recordServiceFee(ctx, entry, fee)
	}
	result = &domain.MovementResult{Escrow: &reserved, Ledger: &entry}

	s.logger.Info("labor released", "escrow_id", escrowID, "amount", amount.Int64(), "status", entry.Status)
	s.notify(ctx, domain.EventEscrowReleased, result.Escrow, amount, map[string]string{
		domain.MetaFragment: string(domain.FragmentLabor),
		"ledger_status":     string(entry.Status),
	})
	return result, nil
}

// Refund returns funds to the payer. A zero amount refunds the whole
// remaining balance. Materials funds drawn by the refund are withdrawn from
// the token so they can no longer be redeemed.
func (s *EscrowService) Refund(ctx context.Context, escrowID uuid.UUID, req domain.RefundRequest) (result *domain.MovementResult, err error) {
	defer func() { s.metrics.RecordEscrowOperation("refund", outcomeLabel(err)) }()

	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	escrow, err := s.repo.FindEscrowByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	payer, err := s.identity.ResolveParty(ctx, escrow.PayerID)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	recordID := uuid.New()

	var (
		reservation *Reservation
		reserved    domain.Escrow
	)
	err = s.withEscrowAndToken(ctx, escrowID, func(ctx context.Context, e *domain.Escrow, token *domain.Token) error {
		amount := domain.Money(req.Amount)
		if amount == 0 {
			amount = e.Remaining()
		}
		alloc, err := e.Refund(amount, reason)
		if err != nil {
			return err
		}

		metadata := map[string]string{
			domain.MetaRefundMaterials: moneyMeta(alloc.Materials),
			domain.MetaRefundLabor:     moneyMeta(alloc.Labor),
		}
		if reason != "" {
			metadata[domain.MetaRefundReason] = reason
		}
		if token != nil && alloc.Materials > 0 {
			withdrawn := token.Withdraw(alloc.Materials, s.now())
			metadata[domain.MetaTokenID] = token.ID.String()
			metadata[domain.MetaTokenWithdrawn] = moneyMeta(withdrawn)
		}

		r, err := s.orchestrator.Reserve(ctx, MoneyMovement{
			RecordID:  recordID,
			Type:      domain.LedgerRefund,
			Operation: OpRefund,
			EscrowID:  &e.ID,
			FromPhone: s.cfg.CustodianPhone,
			ToParty:   &e.PayerID,
			ToPhone:   payer.Phone,
			Amount:    alloc.Amount,
			Reference: fmt.Sprintf("refund:%s:%s", escrowID, recordID),
			Metadata:  metadata,
		})
		if err != nil {
			return err
		}
		reservation, reserved = r, *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.DispatchReservation(ctx, reservation)
	if err != nil {
		return nil, err
	}
	result = &domain.MovementResult{Escrow: &reserved, Ledger: &entry}

	s.logger.Info("escrow refunded", "escrow_id", escrowID, "amount", entry.Amount.Int64(), "status", entry.Status)
	s.notify(ctx, domain.EventEscrowRefunded, result.Escrow, entry.Amount, map[string]string{
		"reason":        reason,
		"ledger_status": string(entry.Status),
	})
	return result, nil
}

// DispatchReservation calls the provider for a committed reservation and
// returns the latest ledger row. When the provider refuses the movement the
// reservation is released and the FAILED row written in one transaction,
// and the *PaymentError is returned. Once the reservation is committed the
// caller's cancellation no longer stops the movement from reaching a
// recorded outcome; an outcome that stays unknown is left PENDING.
func (s *EscrowService) DispatchReservation(ctx context.Context, r *Reservation) (domain.LedgerEntry, error) {
	outcome, err := s.orchestrator.Dispatch(ctx, r)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		return outcome.Entry, err
	}

	failed := outcome.Entry
	settleCtx := context.WithoutCancel(ctx)
	if _, cerr := s.compensate(settleCtx, r.Entry, func(ctx context.Context) (*domain.LedgerEntry, error) {
		return s.orchestrator.RecordFailure(ctx, failed)
	}); cerr != nil {
		s.logger.Error("provider refused a reserved movement but the reservation could not be released; reconciliation will retry",
			"record_id", r.Entry.RecordID, "reference", r.Entry.Reference, "error", cerr)
	}
	return failed, err
}

// Freeze blocks releases and refunds until Unfreeze, typically while a dispute is open.
func (s *EscrowService) Freeze(ctx context.Context, escrowID uuid.UUID, reason string) (*domain.Escrow, error) {
	var (
		out     *domain.Escrow
		changed bool
	)
	err := s.repo.WithEscrowLock(ctx, escrowID, func(ctx context.Context, e *domain.Escrow) error {
		changed = !e.Frozen
		e.Freeze(reason)
		out = e
		return nil
	})
	s.metrics.RecordEscrowOperation("freeze", outcomeLabel(err))
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("escrow frozen", "escrow_id", escrowID, "reason", out.FreezeReason)
		s.notify(ctx, domain.EventEscrowFrozen, out, 0, map[string]string{"reason": out.FreezeReason})
	}
	return out, nil
}

func (s *EscrowService) Unfreeze(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	var (
		out     *domain.Escrow
		changed bool
	)
	err := s.repo.WithEscrowLock(ctx, escrowID, func(ctx context.Context, e *domain.Escrow) error {
		changed = e.Frozen
		e.Unfreeze()
		out = e
		return nil
	})
	s.metrics.RecordEscrowOperation("unfreeze", outcomeLabel(err))
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("escrow unfrozen", "escrow_id", escrowID)
		s.notify(ctx, domain.EventEscrowUnfrozen, out, 0, nil)
	}
	return out, nil
}

// SettleMovement applies an authoritative provider outcome to a pending
// ledger record. A failed release or refund is compensated under the escrow
// lock in the same transaction that records the failure, so the escrow and
// the ledger cannot disagree about it. It returns nil when nothing changed.
func (s *EscrowService) SettleMovement(ctx context.Context, latest domain.LedgerEntry, update StatusUpdate) (*domain.LedgerEntry, error) {
	if latest.Status.IsTerminal() {
		return nil, nil
	}
	failed := update.Status == gateway.StatusFailed || update.Status == gateway.StatusCancelled
	if failed && latest.EscrowID != nil && compensable(latest.Type) {
		return s.compensate(ctx, latest, func(ctx context.Context) (*domain.LedgerEntry, error) {
			return s.orchestrator.ApplyProviderStatus(ctx, latest, update)
		})
	}

	next, err := s.orchestrator.ApplyProviderStatus(ctx, latest, update)
	if err != nil || next == nil {
		return next, err
	}
	if next.Status == domain.LedgerCompleted {
		s.afterCompleted(ctx, *next)
	}
	return next, nil
}

func compensable(typ domain.LedgerEntryType) bool {
	return typ == domain.LedgerLaborRelease || typ == domain.LedgerMaterialRelease || typ == domain.LedgerRefund
}

// errNothingApplied rolls back a compensation when another writer already settled the record.
var errNothingApplied = errors.New("ledger record already settled")

// ErrCompensationFailed is returned when a failed movement cannot be undone
// on the escrow. The record stays PENDING and needs an operator.
var ErrCompensationFailed = errors.New("compensation could not be applied")

// compensate reverses the escrow and token effects of latest and writes the
// terminal row with record, all in one transaction. If either step fails
// nothing is written and the record stays PENDING.
func (s *EscrowService) compensate(ctx context.Context, latest domain.LedgerEntry, record func(ctx context.Context) (*domain.LedgerEntry, error)) (*domain.LedgerEntry, error) {
	log := s.logger.With("escrow_id", *latest.EscrowID, "record_id", latest.RecordID, "type", latest.Type)

	var applied *domain.LedgerEntry
	err := s.withEscrowAndToken(ctx, *latest.EscrowID, func(ctx context.Context, e *domain.Escrow, token *domain.Token) error {
		current, err := s.repo.FindLatestLedgerEntry(ctx, latest.RecordID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return errNothingApplied
		}
		if err := s.reverse(e, token, latest); err != nil {
			return fmt.Errorf("%w: %v", ErrCompensationFailed, err)
		}
		next, err := record(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			return errNothingApplied
		}
		applied = next
		return nil
	})
	if errors.Is(err, errNothingApplied) {
		return nil, nil
	}
	if err != nil {
		log.Error("failed movement not compensated; record left pending", "error", err)
		return nil, err
	}
	log.Warn("provider refused a reserved movement; escrow compensated", "status", applied.Status, "amount", latest.Amount.Int64())
	return applied, nil
}

// reverse undoes the escrow and token effects of a movement that finally failed.
func (s *EscrowService) reverse(e *domain.Escrow, token *domain.Token, entry domain.LedgerEntry) error {
	now := s.now()
	switch entry.Type {
	case domain.LedgerLaborRelease:
		fee, err := metaMoney(entry.Metadata, domain.MetaServiceFee)
		if err != nil {
			return err
		}
		return e.ReverseRelease(domain.FragmentLabor, entry.Amount+fee)
	case domain.LedgerMaterialRelease:
		if err := e.ReverseRelease(domain.FragmentMaterials, entry.Amount); err != nil {
			return err
		}
		if token == nil {
			return fmt.Errorf("material release %s has no token to restore", entry.RecordID)
		}
		return token.Restore(entry.Amount, now)
	case domain.LedgerRefund:
		materials, err := metaMoney(entry.Metadata, domain.MetaRefundMaterials)
		if err != nil {
			return err
		}
		labor, err := metaMoney(entry.Metadata, domain.MetaRefundLabor)
		if err != nil {
			return err
		}
		if err := e.ReverseRefund(domain.RefundAllocation{Amount: entry.Amount, Materials: materials, Labor: labor}); err != nil {
			return err
		}
		withdrawn, err := metaMoney(entry.Metadata, domain.MetaTokenWithdrawn)
		if err != nil {
			return err
		}
		if withdrawn > 0 && token != nil {
			return token.Restore(withdrawn, now)
		}
		return nil
	}
	return nil
}

// afterCompleted finishes work that waited on a provider confirmation.
func (s *EscrowService) afterCompleted(ctx context.Context, entry domain.LedgerEntry) {
	switch entry.Type {
	case domain.LedgerEscrowBlock:
		req, ok := openRequestFromLedger(entry)
		if !ok {
			return
		}
		if _, err := s.Open(ctx, req); err != nil {
			s.logger.Error("failed to finish open after block confirmation", "job_id", req.JobID, "error", err)
		}
	case domain.LedgerLaborRelease:
		fee, err := metaMoney(entry.Metadata, domain.MetaServiceFee)
		if err == nil && fee > 0 {
			s.recordServiceFee(ctx, entry, fee)
		}
	}
}

func (s *EscrowService) recordServiceFee(ctx context.Context, payout domain.LedgerEntry, fee domain.Money) {
	_, err := s.orchestrator.RecordInternal(ctx, InternalEntry{
		Type:      domain.LedgerServiceFee,
		EscrowID:  payout.EscrowID,
		FromParty: payout.ToParty,
		Amount:    fee,
		Reference: payout.Reference + ":fee",
		Metadata:  map[string]string{"payout_record_id": payout.RecordID.String()},
	})
	if err != nil {
		s.logger.Error("failed to record service fee", "reference", payout.Reference, "fee", fee.Int64(), "error", err)
	}
}

// ensureUnused rejects a reference whose movement succeeded or is still in flight.
func (s *EscrowService) ensureUnused(ctx context.Context, reference string) error {
	latest, err := s.repo.FindLatestLedgerEntryByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.Status == domain.LedgerFailed || latest.Status == domain.LedgerCancelled {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrDuplicateRequest, reference, latest.Status)
}

// withEscrowAndToken locks the escrow, and its token when one exists, for fn.
func (s *EscrowService) withEscrowAndToken(ctx context.Context, escrowID uuid.UUID, fn func(ctx context.Context, e *domain.Escrow, token *domain.Token) error) error {
	token, err := s.repo.FindTokenByEscrowID(ctx, escrowID)
	switch {
	case err == nil:
		return s.repo.WithTokenLock(ctx, token.ID, func(ctx context.Context, t *domain.Token, e *domain.Escrow) error {
			return fn(ctx, e, t)
		})
	case errors.Is(err, store.ErrNotFound):
		return s.repo.WithEscrowLock(ctx, escrowID, func(ctx context.Context, e *domain.Escrow) error {
			return fn(ctx, e, nil)
		})
	default:
		return err
	}
}

func (s *EscrowService) notify(ctx context.Context, typ domain.EscrowEventType, e *domain.Escrow, amount domain.Money, data map[string]string) {
	event := domain.NewEscrowEvent(typ, e, amount, s.now())
	for k, v := range data {
		event.Data[k] = v
	}
	s.notifier.Notify(ctx, event)
}

func openRequestFromLedger(entry domain.LedgerEntry) (domain.OpenEscrowRequest, bool) {
	if entry.FromParty == nil {
		return domain.OpenEscrowRequest{}, false
	}
	jobID, err := uuid.Parse(entry.Metadata[domain.MetaJobID])
	if err != nil {
		return domain.OpenEscrowRequest{}, false
	}
	payeeID, err := uuid.Parse(entry.Metadata[domain.MetaPayeeID])
	if err != nil {
		return domain.OpenEscrowRequest{}, false
	}
	return domain.OpenEscrowRequest{
		JobID:               jobID,
		PayerID:             *entry.FromParty,
		PayeeID:             payeeID,
		Amount:              entry.Amount.Int64(),
		AuthorizedSuppliers: splitIDs(entry.Metadata[domain.MetaSuppliers]),
	}, true
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != uuid.Nil {
			parts = append(parts, id.String())
		}
	}
	return strings.Join(parts, ",")
}

func splitIDs(raw string) []uuid.UUID {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		if id, err := uuid.Parse(strings.TrimSpace(part)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func metaMoney(meta map[string]string, key string) (domain.Money, error) {
	raw, ok := meta[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s metadata %q: %w", key, raw, err)
	}
	return domain.NewMoney(n)
}

func moneyMeta(m domain.Money) string {
	return strconv.FormatInt(m.Int64(), 10)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// outcomeLabel maps an operation error onto a bounded metric label.
func outcomeLabel(err error) string {
	var paymentErr *PaymentError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &paymentErr):
		return "payment_failed"
	case errors.Is(err, ErrPaymentPending):
		return "pending"
	case errors.Is(err, domain.ErrEscrowFrozen):
		return "frozen"
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInsufficientTokenBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFragmented):
		return "invalid_state"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}

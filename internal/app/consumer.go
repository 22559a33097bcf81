package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const consumerHandleTimeout = 15 * time.Second

var (
	ErrUnknownProviderStatus = errors.New("unknown provider status")
	// ErrStatusAmountMismatch is returned when a callback reports a different amount than the ledger.
	ErrStatusAmountMismatch = errors.New("provider status amount does not match ledger")
)

// StatusHandler applies provider callbacks, whether they arrive on the
// webhook or on the broker. A record already terminal is never rewritten,
// so replayed callbacks are harmless.
type StatusHandler struct {
	ledger  store.LedgerRepository
	settler Settler
	logger  *slog.Logger
}

func NewStatusHandler(ledger store.LedgerRepository, settler Settler, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{ledger: ledger, settler: settler, logger: logger.With("component", "provider_status")}
}

// Apply settles the record the event refers to. It returns nil, nil when the
// record is unknown or nothing changed.
func (h *StatusHandler) Apply(ctx context.Context, event domain.ProviderStatusEvent, source string) (*domain.LedgerEntry, error) {
	status, ok := gateway.ParseStatus(event.Status)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderStatus, event.Status)
	}
	log := h.logger.With("provider", event.Provider, "provider_tx_id", event.ProviderTransactionID, "reference", event.Reference, "source", source)

	latest, err := h.findRecord(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("no ledger record matches provider status; acknowledging")
			return nil, nil
		}
		return nil, fmt.Errorf("lookup ledger record: %w", err)
	}
	if event.Amount > 0 && event.Amount != latest.Amount.Int64() {
		log.Error("provider status amount mismatch", "record_id", latest.RecordID, "ledger_amount", latest.Amount.Int64(), "event_amount", event.Amount)
		return nil, ErrStatusAmountMismatch
	}
	if latest.Status.IsTerminal() {
		log.Info("ledger record already terminal; ignoring replay", "record_id", latest.RecordID, "status", latest.Status)
		return nil, nil
	}

	return h.settler.SettleMovement(ctx, *latest, StatusUpdate{
		Status:                status,
		ProviderTransactionID: event.ProviderTransactionID,
		ErrorCode:             strings.TrimSpace(event.ErrorCode),
		Reason:                strings.TrimSpace(event.Reason),
		Source:                source,
	})
}

func (h *StatusHandler) findRecord(ctx context.Context, event domain.ProviderStatusEvent) (*domain.LedgerEntry, error) {
	if event.ProviderTransactionID != "" && event.Provider != "" {
		latest, err := h.ledger.FindLatestLedgerEntryByProviderTransactionID(ctx, strings.ToLower(event.Provider), event.ProviderTransactionID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return latest, err
		}
	}
	if event.Reference != "" {
		return h.ledger.FindLatestLedgerEntryByReference(ctx, event.Reference)
	}
	return nil, store.ErrNotFound
}

// HandleMessage consumes provider.transaction.* events. Malformed payloads
// are acknowledged and dropped; storage failures re-queue the message.
func (h *StatusHandler) HandleMessage(body []byte) bool {
	var event domain.ProviderStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to unmarshal provider status event", "error", err)
		return true
	}
	if event.ProviderTransactionID == "" && event.Reference == "" {
		h.logger.Warn("provider status event has neither transaction id nor reference", "event_id", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerHandleTimeout)
	defer cancel()

	if _, err := h.Apply(ctx, event, "broker"); err != nil {
		if errors.Is(err, ErrUnknownProviderStatus) || errors.Is(err, ErrStatusAmountMismatch) {
			return true
		}
		h.logger.Error("provider status processing failed", "provider_tx_id", event.ProviderTransactionID, "error", err)
		return false
	}
	return true
}

// DisputeActions is the part of EscrowService the dispute consumer drives.
type DisputeActions interface {
	Freeze(ctx context.Context, escrowID uuid.UUID, reason string) (*domain.Escrow, error)
	Unfreeze(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error)
	Refund(ctx context.Context, escrowID uuid.UUID, req domain.RefundRequest) (*domain.MovementResult, error)
}

// EscrowLookup resolves the escrow of a job when a dispute event carries only the job id.
type EscrowLookup interface {
	FindEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Escrow, error)
}

// DisputeConsumer freezes escrows while a dispute is open and applies the resolution.
type DisputeConsumer struct {
	escrows DisputeActions
	lookup  EscrowLookup
	timeout time.Duration
	logger  *slog.Logger
}

// NewDisputeConsumer builds the consumer. timeout bounds each message and
// should exceed the longest refund; zero means consumerHandleTimeout.
func NewDisputeConsumer(escrows DisputeActions, lookup EscrowLookup, timeout time.Duration, logger *slog.Logger) *DisputeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = consumerHandleTimeout
	}
	return &DisputeConsumer{escrows: escrows, lookup: lookup, timeout: timeout, logger: logger.With("component", "dispute_consumer")}
}

func (c *DisputeConsumer) HandleOpened(body []byte) bool {
	return c.handle(body, func(ctx context.Context, escrowID uuid.UUID, event domain.DisputeEvent) error {
		reason := "dispute " + event.DisputeID
		if event.Reason != "" {
			reason += ": " + event.Reason
		}
		_, err := c.escrows.Freeze(ctx, escrowID, reason)
		return err
	})
}

func (c *DisputeConsumer) HandleResolved(body []byte) bool {
	return c.handle(body, func(ctx context.Context, escrowID uuid.UUID, event domain.DisputeEvent) error {
		if _, err := c.escrows.Unfreeze(ctx, escrowID); err != nil {
			return err
		}
		if !strings.EqualFold(event.Resolution, domain.DisputeResolutionRefund) {
			return nil
		}
		_, err := c.escrows.Refund(ctx, escrowID, domain.RefundRequest{Reason: "dispute " + event.DisputeID + " resolved in favour of payer"})
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrInvalidAmount) {
			// Nothing left to refund; a redelivery after a successful refund lands here.
			c.logger.Info("dispute refund skipped: escrow already settled", "escrow_id", escrowID, "dispute_id", event.DisputeID)
			return nil
		}
		return err
	})
}

func (c *DisputeConsumer) handle(body []byte, apply func(ctx context.Context, escrowID uuid.UUID, event domain.DisputeEvent) error) bool {
	var event domain.DisputeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal dispute event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	escrowID := event.EscrowID
	if escrowID == uuid.Nil && event.JobID != uuid.Nil && c.lookup != nil {
		escrow, err := c.lookup.FindEscrowByJobID(ctx, event.JobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.logger.Warn("dispute references a job without escrow; acknowledging", "job_id", event.JobID)
				return true
			}
			c.logger.Error("failed to resolve escrow for dispute", "job_id", event.JobID, "error", err)
			return false
		}
		escrowID = escrow.ID
	}
	if escrowID == uuid.Nil {
		c.logger.Warn("dispute event has no escrow or job id", "dispute_id", event.DisputeID)
		return true
	}

	if err := apply(ctx, escrowID, event); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("dispute references an unknown escrow; acknowledging", "escrow_id", escrowID)
			return true
		}
		var paymentErr *PaymentError
		if errors.As(err, &paymentErr) {
			c.logger.Error("dispute refund failed at provider", "escrow_id", escrowID, "code", paymentErr.Code)
			return true
		}
		c.logger.Error("dispute processing failed", "escrow_id", escrowID, "dispute_id", event.DisputeID, "error", err)
		return false
	}
	c.logger.Info("dispute event applied", "escrow_id", escrowID, "dispute_id", event.DisputeID)
	return true
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/observability"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const (
	defaultReconcileMinAge    = 15 * time.Minute
	defaultReconcileBatchSize = 100
	statusQueryTimeout        = 15 * time.Second
)

// Settler applies an authoritative provider status to a pending ledger record.
type Settler interface {
	SettleMovement(ctx context.Context, latest domain.LedgerEntry, update StatusUpdate) (*domain.LedgerEntry, error)
}

type ReconcilerConfig struct {
	MinAge    time.Duration
	BatchSize int
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Examined     int `json:"examined"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	StillPending int `json:"still_pending"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// Reconciler polls providers for records whose webhook never arrived.
// Records without a provider transaction id are looked up by reference. A
// terminal state is only written on a provider answer: a definite status, or
// no transaction at all under the reference. Anything else stays PENDING.
type Reconciler struct {
	ledger   store.LedgerRepository
	gateways *gateway.Selector
	settler  Settler
	cfg      ReconcilerConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewReconciler(ledger store.LedgerRepository, gateways *gateway.Selector, settler Settler, cfg ReconcilerConfig, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = defaultReconcileMinAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileBatchSize
	}
	return &Reconciler{
		ledger:   ledger,
		gateways: gateways,
		settler:  settler,
		cfg:      cfg,
		logger:   logger.With("component", "reconciler"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce examines one batch of stale pending records.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := r.now().Add(-r.cfg.MinAge)

	entries, err := r.ledger.ListStalePendingLedgerEntries(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		outcome := r.reconcile(ctx, entry)
		r.metrics.RecordReconcileOutcome(outcome)
		switch outcome {
		case "completed":
			report.Completed++
		case "failed":
			report.Failed++
		case "cancelled":
			report.Cancelled++
		case "pending":
			report.StillPending++
		case "error":
			report.Errors++
		default:
			report.Skipped++
		}
	}

	if report.Examined > 0 {
		r.logger.Info("reconciliation pass finished",
			"examined", report.Examined, "completed", report.Completed, "failed", report.Failed,
			"cancelled", report.Cancelled, "still_pending", report.StillPending,
			"skipped", report.Skipped, "errors", report.Errors)
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, entry domain.LedgerEntry) string {
	log := r.logger.With("record_id", entry.RecordID, "type", entry.Type, "provider", entry.Provider, "reference", entry.Reference)

	gw, ok := r.gateways.ByName(entry.Provider)
	if !ok {
		log.Warn("pending record references an unknown gateway; leaving pending")
		return "unknown_gateway"
	}

	ptxID := derefString(entry.ProviderTransactionID)
	reason := ""
	queryCtx, cancel := context.WithTimeout(ctx, statusQueryTimeout)
	status, err := r.query(queryCtx, gw, entry.Reference, &ptxID)
	cancel()
	switch {
	case errors.Is(err, gateway.ErrTransactionNotFound) && entry.ProviderTransactionID == nil:
		// The record is older than MinAge and the provider never saw the call.
		status, reason = gateway.StatusFailed, "provider has no transaction for reference "+entry.Reference
		log.Warn("provider has no transaction for pending record; settling as failed")
	case err != nil:
		log.Warn("provider status query failed; leaving pending", "provider_tx_id", ptxID, "error", err)
		return "error"
	}
	if status != gateway.StatusCompleted && status != gateway.StatusFailed && status != gateway.StatusCancelled {
		return "pending"
	}
	if reason == "" {
		reason = "provider status query reported " + string(status)
	}

	next, err := r.settler.SettleMovement(ctx, entry, StatusUpdate{
		Status:                status,
		ProviderTransactionID: ptxID,
		Reason:                reason,
		Source:                "reconciliation",
	})
	if err != nil {
		log.Error("failed to settle reconciled record", "status", status, "error", err)
		return "error"
	}
	if next == nil {
		return "already_settled"
	}
	log.Info("pending record settled by reconciliation", "status", next.Status)
	switch next.Status {
	case domain.LedgerCompleted:
		return "completed"
	case domain.LedgerCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// query asks the provider for the status of a record. Without a provider
// transaction id the lookup goes by the idempotent reference, and *ptxID is
// filled in from the answer.
func (r *Reconciler) query(ctx context.Context, gw gateway.Gateway, reference string, ptxID *string) (gateway.Status, error) {
	if *ptxID != "" {
		return gw.CheckStatus(ctx, *ptxID)
	}
	status, found, err := gw.CheckStatusByReference(ctx, reference)
	if err != nil {
		return "", err
	}
	*ptxID = found
	return status, nil
}

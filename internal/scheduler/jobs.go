/**
 * @description
 * Scheduled jobs of the escrow engine: reconciliation of pending provider
 * movements and expiry of stale redemption tokens.
 */
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rg4amia/monartisanpro-app-sub001/internal/app"
)

const defaultJobTimeout = 10 * time.Minute

// ReconcileRunner runs one reconciliation pass.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (app.ReconcileReport, error)
}

// TokenExpirer expires tokens past their expiry date.
type TokenExpirer interface {
	ExpireTokens(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	reconciler ReconcileRunner
	tokens     TokenExpirer
	logger     *slog.Logger
	timeout    time.Duration

	reconciling atomic.Bool
	expiring    atomic.Bool
}

func NewJobs(reconciler ReconcileRunner, tokens TokenExpirer, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		reconciler: reconciler,
		tokens:     tokens,
		logger:     logger,
		timeout:    defaultJobTimeout,
	}
}

// ReconcilePendingMovements polls providers for stale PENDING ledger records.
// A run still in progress makes the next tick a no-op.
func (j *Jobs) ReconcilePendingMovements() {
	if !j.reconciling.CompareAndSwap(false, true) {
		j.logger.Warn("previous reconciliation still running; skipping tick")
		return
	}
	defer j.reconciling.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.reconciler.RunOnce(ctx)
	if err != nil {
		j.logger.Error("reconciliation job failed", "error", err, "examined", report.Examined)
		return
	}
	j.logger.Info("reconciliation job finished",
		"examined", report.Examined, "completed", report.Completed, "failed", report.Failed,
		"still_pending", report.StillPending, "errors", report.Errors)
}

// ExpireRedemptionTokens moves expired tokens to EXPIRED.
func (j *Jobs) ExpireRedemptionTokens() {
	if !j.expiring.CompareAndSwap(false, true) {
		j.logger.Warn("previous token expiry still running; skipping tick")
		return
	}
	defer j.expiring.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.tokens.ExpireTokens(ctx)
	if err != nil {
		j.logger.Error("token expiry job failed", "error", err, "expired", n)
		return
	}
	j.logger.Info("token expiry job finished", "expired", n)
}

/**
 * @description
 * This is the main entry point for the standalone reconciler.
 * It is a non-HTTP, long-running process that runs the reconciliation and token
 * expiry jobs on their cron schedules. Deployments that run it should disable the
 * same schedules in the escrow service. With -once it runs a single reconciliation
 * pass and an expiry sweep, then exits, which suits an external cron.
 */
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rg4amia/monartisanpro-app-sub001/internal/bootstrap"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/config"
)

func main() {
	once := flag.Bool("once", false, "run one reconciliation pass and token expiry sweep, then exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	engine, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize escrow engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *once {
		code := runOnce(engine, logger)
		engine.Close()
		os.Exit(code)
	}

	scheduler := engine.Scheduler()
	if scheduler.Start() == 0 {
		logger.Error("no job scheduled; check RECONCILE_SCHEDULE and TOKEN_EXPIRY_SCHEDULE")
		engine.Close()
		os.Exit(1)
	}
	logger.Info("scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for running jobs to finish
	logger.Info("scheduler stopped gracefully")
}

func runOnce(engine *bootstrap.Engine, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	code := 0
	report, err := engine.Reconciler.RunOnce(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		code = 1
	} else {
		logger.Info("reconciliation finished", "report", report)
	}

	expired, err := engine.Tokens.ExpireTokens(ctx)
	if err != nil {
		logger.Error("token expiry failed", "error", err)
		code = 1
	} else {
		logger.Info("token expiry finished", "expired", expired)
	}
	return code
}

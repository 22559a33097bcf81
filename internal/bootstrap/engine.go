/**
 * @description
 * Shared process wiring for the escrow engine binaries. Both the HTTP service and
 * the standalone reconciler build the same object graph: a Postgres pool, the
 * provider gateways, the payment orchestrator and the escrow/token services.
 * Optional infrastructure (Redis and RabbitMQ) degrades with a
 * warning instead of preventing boot.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: database pool.
 * - github.com/redis/go-redis/v9: fallback codes and redemption throttling.
 * - github.com/prometheus/client_golang: metrics registry.
 * - golang.org/x/time/rate: per-provider outbound throttling.
 */
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/app"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/config"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/observability"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/scheduler"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/identityclient"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/momoclient"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/rabbitmq"
	"golang.org/x/time/rate"
)

// Engine is the fully wired escrow engine.
type Engine struct {
	Config     config.Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	DB         *pgxpool.Pool
	Repository *store.PostgresRepository
	Redis      *redis.Client
	Publisher  rabbitmq.Publisher

	Gateways     *gateway.Selector
	Orchestrator *app.Orchestrator
	Escrows      *app.EscrowService
	Tokens       *app.TokenService
	Reconciler   *app.Reconciler
	Statuses     *app.StatusHandler

	closers []func()
}

// New connects to the infrastructure named in cfg and builds the services.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL must be configured")
	}
	if strings.TrimSpace(cfg.CustodianPhone) == "" {
		return nil, errors.New("CUSTODIAN_PHONE must be configured")
	}
	if strings.TrimSpace(cfg.IdentityServiceURL) == "" {
		return nil, errors.New("IDENTITY_SERVICE_URL must be configured")
	}

	e := &Engine{Config: cfg, Logger: logger}

	e.Registry = prometheus.NewRegistry()
	e.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.Metrics = observability.NewMetrics(e.Registry)

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	e.DB = pool
	e.closers = append(e.closers, pool.Close)
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	e.Repository = store.NewPostgresRepository(pool)

	e.Redis = connectRedis(ctx, cfg.RedisURL)
	if e.Redis != nil {
		client := e.Redis
		e.closers = append(e.closers, func() { client.Close() })
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		e.Publisher = &rabbitmq.EventProducerFallback{}
	} else {
		e.Publisher = producer
		e.closers = append(e.closers, producer.Close)
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	e.Gateways = buildGateways(cfg)
	if len(e.Gateways.Providers()) == 0 {
		e.Close()
		return nil, errors.New("no payment provider configured; set at least one *_BASE_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"gateways configured\" providers=%s", strings.Join(e.Gateways.Providers(), ","))

	codes := make([]gateway.ErrorCode, 0, len(cfg.NonRetryableCodes()))
	for _, code := range cfg.NonRetryableCodes() {
		codes = append(codes, gateway.ErrorCode(code))
	}
	e.Orchestrator = app.NewOrchestrator(e.Repository, e.Gateways, app.OrchestratorConfig{
		MaxRetries:        cfg.PaymentMaxRetries,
		BaseDelay:         cfg.RetryBaseDelay(),
		CallTimeout:       cfg.GatewayCallTimeout(),
		NonRetryableCodes: codes,
	}, logger, e.Metrics)

	identity := app.NewIdentityClientResolver(identityclient.NewClient(cfg.IdentityServiceURL, cfg.IdentityServiceAPIKey))
	notifier := app.NewEventNotifier(e.Publisher, cfg.EventsExchange, logger)

	rule, err := domain.NewFragmentationRule(cfg.MaterialsPercent, cfg.LaborPercent)
	if err != nil {
		rule = domain.DefaultFragmentationRule()
	}
	e.Escrows = app.NewEscrowService(e.Repository, e.Orchestrator, identity, notifier, app.EscrowConfig{
		Rule:              rule,
		ServiceFeePercent: cfg.ServiceFeePercent,
		TokenTTL:          cfg.TokenTTL(),
		CustodianPhone:    cfg.CustodianPhone,
	}, logger, e.Metrics)

	var fallback app.FallbackVerifier
	var limiter app.RateLimiter
	if e.Redis != nil {
		fallback = app.NewRedisFallbackVerifier(e.Redis, cfg.FallbackCodeTTL(), cfg.FallbackCodeMaxAttempts)
		limiter = app.NewRedisRateLimiter(e.Redis, cfg.RedisPrefix)
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis unavailable; fallback codes and redemption throttling disabled\"")
	}
	e.Tokens = app.NewTokenService(e.Repository, e.Orchestrator, e.Escrows, identity, fallback, limiter, notifier, app.TokenConfig{
		ProximityThresholdMeters: cfg.ProximityThresholdMeters,
		MaxAccuracyMeters:        cfg.MaxLocationAccuracyMeters,
		CustodianPhone:           cfg.CustodianPhone,
		RedeemLimitPerMinute:     cfg.RedeemRateLimitPerMinute,
	}, logger, e.Metrics)

	e.Reconciler = app.NewReconciler(e.Repository, e.Gateways, e.Escrows, app.ReconcilerConfig{
		MinAge:    cfg.ReconcileMinAge(),
		BatchSize: cfg.ReconcileBatchSize,
	}, logger, e.Metrics)
	e.Statuses = app.NewStatusHandler(e.Repository, e.Escrows, logger)

	return e, nil
}

// movementMargin covers the ledger writes around a provider call.
const movementMargin = 15 * time.Second

// MovementTimeout is how long a request or message carrying a money movement
// may run: the worst-case provider dispatch plus the ledger work around it.
func (e *Engine) MovementTimeout() time.Duration {
	return e.Orchestrator.WorstCaseDispatch() + movementMargin
}

// Scheduler builds the cron scheduler for reconciliation and token expiry.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	jobs := scheduler.NewJobs(e.Reconciler, e.Tokens, e.Logger)
	return scheduler.NewScheduler(jobs, e.Logger, scheduler.Schedules{
		Reconcile:   e.Config.ReconcileSchedule,
		TokenExpiry: e.Config.TokenExpirySchedule,
	})
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// buildGateways registers every provider with a base URL. Each provider gets
// its own limiter so one slow network cannot starve the others.
func buildGateways(cfg config.Config) *gateway.Selector {
	rps := cfg.GatewayRequestsPerSecond
	burst := int(math.Max(1, math.Ceil(rps)))
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }

	var gateways []gateway.Gateway
	if cfg.OrangeMoneyBaseURL != "" {
		client := momoclient.NewClient(gateway.ProviderOrangeMoney, cfg.OrangeMoneyBaseURL, cfg.OrangeMoneyAPIKey)
		gateways = append(gateways, gateway.NewOrangeMoney(client, newLimiter()))
	}
	if cfg.MTNMoMoBaseURL != "" {
		client := momoclient.NewClient(gateway.ProviderMTNMoMo, cfg.MTNMoMoBaseURL, cfg.MTNMoMoAPIKey)
		gateways = append(gateways, gateway.NewMTNMoMo(client, newLimiter()))
	}
	if cfg.MoovMoneyBaseURL != "" {
		client := momoclient.NewClient(gateway.ProviderMoovMoney, cfg.MoovMoneyBaseURL, cfg.MoovMoneyAPIKey)
		gateways = append(gateways, gateway.NewMoovMoney(client, newLimiter()))
	}
	return gateway.NewSelector(gateways...)
}

// Package main is the entry point for the Monsaas entitlement API
// server.
//
// It loads configuration, selects the storage backend (in-memory for
// local development, PostgreSQL otherwise), wires the plan catalog,
// usage ledger, security monitor, and entitlement checker into the
// HTTP chassis, and starts listening for requests.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on
// the configured port. Graceful shutdown is handled via OS signal
// interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"monsaas/internal/alerts"
	"monsaas/internal/billing"
	"monsaas/internal/config"
	"monsaas/internal/core"
	"monsaas/internal/db"
	"monsaas/internal/entitlement"
	"monsaas/internal/external"
	"monsaas/internal/lock"
	"monsaas/internal/monitor"
	"monsaas/internal/queue"
	"monsaas/internal/telemetry"
	"monsaas/internal/types"
	"monsaas/internal/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly
// exit on error.
func run() error {
	// For local development the SecretProvider is nil; SSM resolution
	// is bypassed when APP_ENV=local.
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region)
	}

	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("monsaas entitlement API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	clock := types.RealClock{}

	// CloudWatch metrics are wired outside local mode only; a nil
	// emitter disables emission throughout the stack.
	var (
		emitter     *telemetry.CloudWatchEmitter
		checkerOpts []entitlement.Option
		anomalies   monitor.AnomalyMetrics
		sink        types.EventSink
	)
	if cfg.Environment != "local" || cfg.Alert.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS SDK config: %w", err)
		}

		if cfg.Environment != "local" {
			emitter = telemetry.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), logger)
			checkerOpts = append(checkerOpts, entitlement.WithMetrics(emitter))
			anomalies = emitter
		}

		if cfg.Alert.QueueURL != "" {
			sink = queue.NewAlertPublisher(sqs.NewFromConfig(awsCfg), cfg.Alert.QueueURL, clock, logger)
		}
	}
	if sink == nil && cfg.Alert.WebhookURL != "" {
		if err := alerts.ValidateWebhookURL(cfg.Alert.WebhookURL); err != nil {
			return fmt.Errorf("validating alert webhook URL: %w", err)
		}
		webhookCfg := alerts.DefaultWebhookConfig(cfg.Alert.WebhookURL)
		webhookCfg.UserAgent = cfg.Alert.UserAgent
		sink = alerts.NewWebhookSink(alerts.NewSafeHTTPClient(cfg.Alert.Timeout), webhookCfg, logger)
	}

	// Storage backend selection. An empty DATABASE_URL selects the
	// in-memory backend: single-instance state, lost on restart, meant
	// for local development only.
	var (
		store       usage.Store
		eventRepo   monitor.EventRepo
		eventLister core.EventLister
		plans       core.PlanResolver
		subscribers external.SubscriberStore
		guard       lock.Guard
		probes      []core.HealthProbe
	)
	if cfg.Database.URL.Unmask() == "" {
		logger.Warn("DATABASE_URL not set, using in-memory backend")
		store = usage.NewMemoryStore()
		memEvents := newMemoryEventRepo()
		eventRepo = memEvents
		eventLister = memEvents
		memSubs := newMemorySubscriberStore()
		plans = memSubs
		subscribers = memSubs
		guard = lock.NewKeyedGuard(cfg.Lock.AcquireTimeout, logger)
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
		if err != nil {
			return fmt.Errorf("parsing database URL: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return fmt.Errorf("creating database pool: %w", err)
		}
		defer pool.Close()

		store = db.NewUsageRepository(pool)
		secRepo := db.NewSecurityEventRepository(pool)
		eventRepo = secRepo
		eventLister = secRepo
		subRepo := db.NewSubscriberRepository(pool)
		plans = subRepo
		subscribers = subRepo
		probes = append(probes, &dbProbe{pool: pool})

		switch cfg.Lock.Backend {
		case "postgres":
			guard = db.NewAdvisoryGuard(pool, cfg.Lock.AcquireTimeout)
		default:
			guard = lock.NewKeyedGuard(cfg.Lock.AcquireTimeout, logger)
		}
	}

	monCfg := monitor.DefaultConfig()
	monCfg.RaceWindow = cfg.Security.RaceWindow
	monCfg.RaceThreshold = cfg.Security.RaceThreshold
	monCfg.VelocityWindow = cfg.Security.VelocityWindow
	monCfg.VelocityMultiplier = cfg.Security.VelocityMultiplier
	monCfg.VelocityMinimum = cfg.Security.VelocityMinimum
	monCfg.EscalationThreshold = cfg.Security.EscalationThreshold
	monCfg.EscalationWindow = cfg.Security.EscalationWindow
	mon := monitor.New(eventRepo, sink, anomalies, monCfg, clock, logger)

	catalog := billing.NewStaticCatalog()
	ledger := usage.NewLedger(store, clock, logger)
	checker := entitlement.NewChecker(catalog, ledger, guard, mon, logger, checkerOpts...)

	srv, err := core.NewServer(cfg, checker, plans, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Events = eventLister
	srv.HealthProbes = probes

	if cfg.Billing.StripeWebhookSecret.Unmask() != "" {
		srv.Webhooks = external.NewStripeRelay(subscribers, cfg.Billing.StripeWebhookSecret, logger)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhook endpoint disabled")
	}

	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// isLambdaEnvironment returns true if the process is running inside
// AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda is a placeholder for API Gateway proxy mode.
func runLambda(logger *slog.Logger) error {
	// TODO: bridge the chi router through aws-lambda-go-api-proxy once
	// that dependency is added; until then the API deploys as a
	// container behind an ALB.
	logger.Error("Lambda proxy mode is not wired; run with APP_ENV=local for HTTP mode")
	return fmt.Errorf("lambda proxy mode not wired")
}

// runHTTPServer starts the server in standard HTTP mode with graceful
// shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given
// log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

// dbProbe reports database connectivity for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string                    { return "database" }
func (p *dbProbe) Check(ctx context.Context) error { return p.pool.Ping(ctx) }

// =============================================================================
// In-memory backend for local development
//
// These implementations back the server when DATABASE_URL is empty. They
// hold state in process memory: adequate for a single local instance,
// never for a deployment.
// =============================================================================

// memoryEventRepo stores security events in an in-process slice.
type memoryEventRepo struct {
	mu     sync.Mutex
	events []types.SecurityEvent
}

func newMemoryEventRepo() *memoryEventRepo {
	return &memoryEventRepo{}
}

func (r *memoryEventRepo) Append(_ context.Context, event *types.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *memoryEventRepo) CountRecentByType(_ context.Context, userID string, eventType types.SecurityEventType, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.events {
		e := &r.events[i]
		if e.UserID == userID && e.Type == eventType && e.Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *memoryEventRepo) ListRecent(_ context.Context, limit int) ([]types.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SecurityEvent, len(r.events))
	copy(out, r.events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memorySubscriberStore holds billing projections in process memory.
type memorySubscriberStore struct {
	mu   sync.Mutex
	subs map[string]types.Subscriber
}

func newMemorySubscriberStore() *memorySubscriberStore {
	return &memorySubscriberStore{subs: make(map[string]types.Subscriber)}
}

func (s *memorySubscriberStore) GetPlan(_ context.Context, userID string) (*types.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "no subscription on record", nil)
	}
	return &sub, nil
}

func (s *memorySubscriberStore) UpsertPlan(_ context.Context, sub *types.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[sub.UserID]; ok && existing.LastBillingEventAt.After(sub.LastBillingEventAt) {
		return false, nil
	}
	s.subs[sub.UserID] = *sub
	return true, nil
}

// Compile-time assertions that the in-memory backends satisfy their
// contracts.
var (
	_ monitor.EventRepo        = (*memoryEventRepo)(nil)
	_ core.EventLister         = (*memoryEventRepo)(nil)
	_ core.PlanResolver        = (*memorySubscriberStore)(nil)
	_ external.SubscriberStore = (*memorySubscriberStore)(nil)
	_ core.HealthProbe         = (*dbProbe)(nil)
)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/vulnforge/vulnforge/internal/api"
	"github.com/vulnforge/vulnforge/internal/config"
	"github.com/vulnforge/vulnforge/internal/config/fileloader"
	domain "github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/internal/etl"
	"github.com/vulnforge/vulnforge/internal/etl/feed"
	"github.com/vulnforge/vulnforge/internal/infra/storage/checkpoint/memory"
	"github.com/vulnforge/vulnforge/internal/infra/storage/checkpoint/postgres"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
	"github.com/vulnforge/vulnforge/pkg/common/otel"
)

const serviceType = "engine"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, logg, sigCh); err != nil {
		logg.Error(ctx, "engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger, sigCh <-chan os.Signal) error {
	prob := 0.05
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("failed to parse OTEL_SAMPLING_RATIO: %w", err)
		}
		prob = parsed
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability:      prob,
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	configPath := os.Getenv("ENGINE_CONFIG")
	if configPath == "" {
		configPath = "config/engine.yaml"
	}
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	checkpoints, closeStore, err := buildCheckpointStore(ctx, cfg, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	feedCfg := feed.DefaultConfig()
	if cfg.Feed.Pages > 0 {
		feedCfg.Pages = cfg.Feed.Pages
	}
	if cfg.Feed.RequestsPerSecond > 0 {
		feedCfg.RequestsPerSecond = cfg.Feed.RequestsPerSecond
	}
	if cfg.Feed.Burst > 0 {
		feedCfg.Burst = cfg.Feed.Burst
	}
	feedCfg.ItemsPerPage = cfg.Feed.ItemsPerPage
	feedCfg.FailEvery = cfg.Feed.FailEvery
	feedCfg.QuotaEvery = cfg.Feed.QuotaEvery
	if cfg.Feed.QuotaRetryAfter.Std() > 0 {
		feedCfg.QuotaRetryAfter = cfg.Feed.QuotaRetryAfter.Std()
	}
	executor := feed.NewSimulator(feedCfg, logg)

	registrations := make([]etl.ProviderRegistration, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		sourceType, err := domain.ParseSourceType(p.SourceType)
		if err != nil {
			return fmt.Errorf("invalid provider %s: %w", p.ID, err)
		}
		registrations = append(registrations, etl.ProviderRegistration{ID: p.ID, SourceType: sourceType})
	}

	metrics, err := etl.NewEngineMetrics(otelapi.GetMeterProvider().Meter(serviceType))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	engine, err := etl.NewEngine(registrations, checkpoints, executor,
		workLoopConfig(cfg.Engine), logg, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap engine: %w", err)
	}

	server := api.NewServer(cfg.Server, logg, tracer, engine)

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(serverCtx) }()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "received signal, draining", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	stopServer()

	shutdownTimeout := cfg.Server.ShutdownTimeout.Std()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	logg.Info(ctx, "engine drained cleanly")
	return nil
}

func workLoopConfig(cfg config.EngineConfig) etl.WorkLoopConfig {
	wl := etl.DefaultWorkLoopConfig()
	if cfg.PollInterval.Std() > 0 {
		wl.PollInterval = cfg.PollInterval.Std()
	}
	if cfg.QuotaRetryDefault.Std() > 0 {
		wl.QuotaRetryDefault = cfg.QuotaRetryDefault.Std()
	}
	if cfg.BackoffInitial.Std() > 0 {
		wl.BackoffInitial = cfg.BackoffInitial.Std()
	}
	if cfg.BackoffMax.Std() > 0 {
		wl.BackoffMax = cfg.BackoffMax.Std()
	}
	return wl
}

// buildCheckpointStore connects the configured checkpoint store. Without a
// postgres section the engine runs on the in-memory store, which loses
// checkpoints on restart.
func buildCheckpointStore(
	ctx context.Context, cfg *config.Config, tracer trace.Tracer,
) (domain.CheckpointRepository, func(), error) {
	if cfg.Postgres == nil {
		return memory.NewCheckpointStore(), func() {}, nil
	}

	sslMode := cfg.Postgres.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Host,
		cfg.Postgres.Port, cfg.Postgres.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres.NewCheckpointStore(pool, tracer), pool.Close, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

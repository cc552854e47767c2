package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/display"
	"qms/dispatch-service/internal/fanout"
	"qms/dispatch-service/internal/fanout/redisbus"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/metrics"
	"qms/dispatch-service/internal/projection"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "dispatch-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, displaysPath string
	var migrateOnly bool

	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flagSet.StringVar(&displaysPath, "displays", "", "display configuration YAML (overrides DISPLAY_CONFIG)")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply database migrations and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if displaysPath != "" {
		cfg.DisplayConfig = displaysPath
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(serviceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger, migrateOnly)
	if err != nil {
		return err
	}
	defer closeStore()
	if migrateOnly {
		return nil
	}

	displays, err := loadDisplays(cfg.DisplayConfig)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	h := hub.New(displays, logger.Named("hub"), m)
	var publisher fanout.Publisher = h
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		bus := redisbus.New(client, cfg.RedisChannel, h, logger.Named("relay"))
		publisher = fanout.Multi{h, bus}
		go func() {
			if err := bus.Run(ctx); err != nil {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
	}

	day := lifecycle.NewServiceDay(cfg.Location)
	engine := lifecycle.NewEngine(st, lifecycle.NewLocks(), lifecycle.Options{
		ServiceDay: day,
		Logger:     logger.Named("engine"),
		Metrics:    m,
	})
	coordinator := dispatch.New(engine, publisher, dispatch.Options{
		BulkConcurrency: cfg.BulkConcurrency,
		Logger:          logger.Named("dispatch"),
	})
	queries := projection.New(st, coordinator, displays, projection.Options{
		ServiceDay: day,
		Logger:     logger.Named("projection"),
	})

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set; staff endpoints will reject every request")
	}
	handler := httpapi.NewHandler(coordinator, queries, httpapi.Options{
		Hub:  h,
		Auth: httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:    cfg.RateLimitPerMinute,
			IPBurst:        cfg.RateLimitBurst,
			StaffPerMinute: cfg.StaffRateLimitPerMinute,
			StaffBurst:     cfg.StaffRateLimitBurst,

			TrustProxyHeaders: cfg.TrustProxyHeaders,
			IdleTTL:           cfg.RateLimitIdleTTL,
		},
		Gatherer: registry,
		Logger:   logger.Named("http"),
		Metrics:  m,
	})

	// No WriteTimeout: realtime sessions stream for as long as the screen is open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.SweepInterval > 0 {
		go sweepLoop(ctx, coordinator, cfg.SweepInterval, logger)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, migrateOnly bool) (store.Store, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		if migrateOnly {
			return nil, nil, errors.New("--migrate-only requires the postgres backend")
		}
		seed := memory.Seed{}
		if cfg.MemorySeed != "" {
			loaded, err := memory.LoadSeed(cfg.MemorySeed)
			if err != nil {
				return nil, nil, err
			}
			seed = loaded
		} else {
			logger.Warn("memory store started without MEMORY_SEED; no reference data is available")
		}
		return memory.New(seed), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.MigrateOnStart || migrateOnly {
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func loadDisplays(path string) (*display.Registry, error) {
	if path == "" {
		return display.NewRegistry()
	}
	return display.Load(path)
}

// sweepLoop cancels stale tickets of every department on a fixed interval.
func sweepLoop(ctx context.Context, coordinator *dispatch.Coordinator, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			count, err := coordinator.SweepStaleTickets(sweepCtx, "")
			cancel()
			if err != nil {
				logger.Warn("stale ticket sweep failed", zap.Int("cancelled", count), zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("stale tickets cancelled", zap.Int("cancelled", count))
			}
		}
	}
}

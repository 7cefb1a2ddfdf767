// Package main is the entry point for the leadflow pipeline engine.
// It wires the stores, the message bus, the lead service client, the
// timeout sweep and the admin HTTP API together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/dedup"
	"github.com/pitabwire/leadflow/internal/events"
	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/lead"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/internal/orchestrator"
	"github.com/pitabwire/leadflow/internal/pipeline"
	"github.com/pitabwire/leadflow/internal/storage"
	"github.com/pitabwire/leadflow/internal/sweep"
	"github.com/pitabwire/leadflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores groups the three persistence backends and their readiness check.
type stores struct {
	definitions pipeline.DefinitionStore
	instances   instance.Store
	approvals   approval.Store
	health      observability.HealthChecker
	close       func()
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "leadflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	repo := pipeline.NewRepository(st.definitions, logger)
	if err := seedDefinitions(ctx, repo, cfg.Definitions, metrics, logger); err != nil {
		logger.Error("pipeline seeding failed", zap.Error(err))
		return 1
	}

	instances := instance.NewService(st.instances, logger)
	approvals := approval.NewService(st.approvals, cfg.Approvals, logger)

	readiness := observability.ReadinessChecks{Store: st.health}
	orchOpts := []orchestrator.Option{
		orchestrator.WithWaitTimeouts(cfg.Waits),
		orchestrator.WithMetrics(metrics),
	}

	if cfg.Lead.BaseURL != "" {
		client := lead.NewClient(cfg.Lead, logger,
			lead.WithToken(os.Getenv(cfg.Lead.TokenEnv)),
			lead.WithMetrics(metrics),
		)
		orchOpts = append(orchOpts,
			orchestrator.WithStageUpdater(client),
			orchestrator.WithConditionEvaluator(client),
		)
		readiness.Lead = client
	} else {
		logger.Warn("lead service not configured, stage updates are skipped and decision steps fail")
	}

	var conn *events.Connection
	switch cfg.Events.Driver {
	case "amqp":
		conn, err = events.Dial(os.Getenv(cfg.Events.URLEnv), cfg.Events.ReconnectDelay, logger)
		if err != nil {
			logger.Error("event bus connection failed", zap.Error(err))
			return 1
		}
		defer conn.Close()
		if err := declareTopology(conn, cfg.Events); err != nil {
			logger.Error("event bus topology failed", zap.Error(err))
			return 1
		}
		orchOpts = append(orchOpts, orchestrator.WithPublisher(events.NewPublisher(conn, cfg.Events.Exchange, logger)))
		readiness.Bus = conn
	case "memory", "":
		logger.Info("using in-memory event publisher, no inbound consumer")
		bus := events.NewMemoryPublisher(1000)
		orchOpts = append(orchOpts, orchestrator.WithPublisher(bus))
		readiness.Bus = bus
	default:
		logger.Error("unsupported events driver", zap.String("driver", cfg.Events.Driver))
		return 1
	}

	orch := orchestrator.New(repo, instances, approvals, cfg.Orchestrator, logger, orchOpts...)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	var wg sync.WaitGroup

	if conn != nil {
		store, closeDedup, err := buildDedup(cfg.Dedup, logger)
		if err != nil {
			logger.Error("dedup store initialization failed", zap.Error(err))
			return 1
		}
		if closeDedup != nil {
			defer closeDedup()
		}
		if store != nil {
			readiness.Dedup = store
		}

		consumer := events.NewConsumer(conn, orch, events.ConsumerConfig{
			Queue:    cfg.Events.Queue,
			Prefetch: cfg.Events.Prefetch,
			Workers:  cfg.Events.Workers,
			Dedup:    store,
			DedupTTL: cfg.Dedup.TTL,
		}, logger, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", zap.Error(err))
			}
		}()
	}

	var sw *sweep.Sweep
	if cfg.Sweep.Enabled {
		sw, err = sweep.New(cfg.Sweep, orch, logger, metrics)
		if err != nil {
			logger.Error("sweep initialization failed", zap.Error(err))
			return 1
		}
		sw.Start(bgCtx)
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Logger:       logger,
		Metrics:      metrics,
		Pipelines:    repo,
		Instances:    instances,
		Approvals:    approvals,
		Orchestrator: orch,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if sw != nil {
		if err := sw.Stop(shutdownCtx); err != nil {
			logger.Error("sweep shutdown error", zap.Error(err))
		}
	}

	// Consumers finish their in-flight deliveries before the connection closes.
	bgCancel()
	wg.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exit
}

// buildStores opens the persistence backends named by cfg.Driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		defs := pipeline.NewMemoryStore()
		return &stores{
			definitions: defs,
			instances:   instance.NewMemoryStore(),
			approvals:   approval.NewMemoryStore(),
			health:      defs,
			close:       func() {},
		}, nil
	case "postgres":
		pool, err := storage.OpenPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgresStores(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func postgresStores(pool *pgxpool.Pool) *stores {
	return &stores{
		definitions: pipeline.NewPgStore(pool),
		instances:   instance.NewPgStore(pool),
		approvals:   approval.NewPgStore(pool),
		health:      storage.PoolChecker{Pool: pool},
		close:       pool.Close,
	}
}

// seedDefinitions loads pipeline YAML files and creates the ones not yet
// stored.
func seedDefinitions(ctx context.Context, repo *pipeline.Repository, cfg config.DefinitionsConfig, metrics *observability.Metrics, logger *zap.Logger) error {
	if len(cfg.Directories) == 0 {
		return nil
	}
	seeds, err := pipeline.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return err
	}
	n, err := repo.Apply(ctx, seeds, cfg.ActivateSeed)
	if err != nil {
		return err
	}
	metrics.RecordDefinitionsSeeded(n)
	logger.Info("pipeline seeds applied", zap.Int("files", len(seeds)), zap.Int("created", n))
	return nil
}

// declareTopology declares exchanges, queues and bindings on a dedicated
// channel.
func declareTopology(conn *events.Connection, cfg config.EventsConfig) error {
	ch, err := conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return events.TopologyFrom(cfg).Declare(ch)
}

// buildDedup creates the inbound deduplication store. It returns a nil
// store when deduplication is disabled.
func buildDedup(cfg config.DedupConfig, logger *zap.Logger) (dedup.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory dedup store")
		return dedup.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("dedup: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return dedup.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dedup driver: %q", cfg.Driver)
	}
}

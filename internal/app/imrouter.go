package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/flashio/internal/config"
	"github.com/wisbric/flashio/internal/httpserver"
	"github.com/wisbric/flashio/internal/platform"
	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/contentfilter"
	"github.com/wisbric/flashio/pkg/offline"
	"github.com/wisbric/flashio/pkg/presence"
	"github.com/wisbric/flashio/pkg/receipt"
	"github.com/wisbric/flashio/pkg/router"
	"github.com/wisbric/flashio/pkg/sequencer"
)

// RunIMRouter is the entry point for cmd/imrouter. It connects to
// infrastructure, runs migrations, wires the Core B pipeline, and starts
// the requested mode.
func RunIMRouter(ctx context.Context, cfg *config.IMRouter) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting imrouter", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.IMRouter()...)

	producer, err := bus.NewProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Error("closing kafka producer", "error", err)
		}
	}()

	dedupWindow, err := time.ParseDuration(cfg.DedupWindow)
	if err != nil {
		return fmt.Errorf("parsing dedup window %q: %w", cfg.DedupWindow, err)
	}
	messageTTL, err := time.ParseDuration(cfg.MessageTTL)
	if err != nil {
		return fmt.Errorf("parsing message ttl %q: %w", cfg.MessageTTL, err)
	}

	presenceRegistry := presence.NewRegistry(rdb, time.Duration(cfg.PresenceLeaseTTLSec)*time.Second, logger)

	seqStore := sequencer.NewStore(db)
	seq := sequencer.New(rdb, seqStore, cfg.SequencerSnapshotEvery, cfg.SequencerSafetyMargin, logger)

	var terms []contentfilter.Term
	for _, w := range cfg.BlockedTerms {
		if w == "" {
			continue
		}
		terms = append(terms, contentfilter.Term{Word: w, Action: contentfilter.ActionBlock})
	}
	filter := contentfilter.New(terms, logger)

	// Gateway processes are dialed directly on the gateway_id they
	// register with (spec §9 open question: no separate service registry
	// in scope, so gateway_id doubles as its dialable address).
	pusher := router.NewGRPCPusher(func(gatewayID string) (string, error) { return gatewayID, nil })
	defer func() {
		if err := pusher.Close(); err != nil {
			logger.Error("closing gateway connections", "error", err)
		}
	}()

	rtr := router.New(filter, seq, presenceRegistry, pusher, producer, rdb, router.Config{
		MaxContentLength: cfg.MaxContentLength,
		GatewayTimeout:   time.Duration(cfg.GatewayRPCTimeout) * time.Millisecond,
		MaxRetries:       cfg.MaxRetries,
		RetryBase:        time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		DedupWindow:      dedupWindow,
	}, logger)

	offlineStore := offline.NewPostgresStore(db)
	offlineWriter := offline.NewWriter(offlineStore, rdb, messageTTL, logger)
	offlineSweeper := offline.NewSweeper(offlineStore, int64(cfg.OfflineSweepBatchRows), logger)

	receiptStore := receipt.NewPostgresStore(db)
	receiptTracker := receipt.New(receiptStore, presenceRegistry, producer)

	switch cfg.Mode {
	case "api":
		return runIMRouterAPI(ctx, cfg, logger, db, rdb, metricsReg, presenceRegistry, rtr, receiptTracker, offlineStore)
	case "worker":
		return runIMRouterWorker(ctx, cfg, logger, presenceRegistry, offlineWriter, offlineSweeper)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runIMRouterAPI(ctx context.Context, cfg *config.IMRouter, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, presenceRegistry *presence.Registry, rtr *router.Router, receiptTracker *receipt.Tracker, offlineStore *offline.PostgresStore) error {
	// Lookup runs in this process too (spec §4.7), so the local cache needs
	// its own Watch loop here — relying solely on the worker process's Watch
	// left api-process lookups stale with no bound on staleness.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := presenceRegistry.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("presence watch loop", "error", err)
		}
	}()

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)

	routerHandler := router.NewHandler(rtr, logger)
	srv.APIRouter.Mount("/messages", routerHandler.Routes())

	presenceHandler := presence.NewHandler(presenceRegistry, logger)
	srv.APIRouter.Mount("/presence", presenceHandler.Routes())

	receiptHandler := receipt.NewHandler(receiptTracker, logger)
	srv.APIRouter.Mount("/read-receipts", receiptHandler.Routes())

	offlineHandler := offline.NewHandler(offlineStore, logger)
	srv.APIRouter.Mount("/offline", offlineHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runIMRouterWorker(ctx context.Context, cfg *config.IMRouter, logger *slog.Logger, presenceRegistry *presence.Registry, offlineWriter *offline.Writer, offlineSweeper *offline.Sweeper) error {
	logger.Info("imrouter worker started")

	consumer, err := bus.NewBatchConsumer(cfg.KafkaBrokers, "imrouter-offline-writer", []string{bus.TopicOfflineMsg},
		cfg.OfflineBatchSize, time.Duration(cfg.OfflineBatchTimeout)*time.Millisecond, offlineWriter.HandleBatch, logger)
	if err != nil {
		return fmt.Errorf("creating offline consumer: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Error("closing offline consumer", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		offlineSweeper.RunLoop(gctx, time.Duration(cfg.OfflineSweepIntervalSec)*time.Second)
		return nil
	})
	g.Go(func() error {
		if err := presenceRegistry.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("presence watch loop: %w", err)
		}
		return nil
	})

	return g.Wait()
}

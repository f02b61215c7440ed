// Package app wires the flash-sale service (cmd/flashsale) and the
// messaging service (cmd/imrouter) together from their domain packages.
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
	"github.com/wisbric/flashio/pkg/activity"
	"github.com/wisbric/flashio/pkg/admission"
	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/checkout"
	"github.com/wisbric/flashio/pkg/inventory"
	"github.com/wisbric/flashio/pkg/materializer"
	"github.com/wisbric/flashio/pkg/order"
	"github.com/wisbric/flashio/pkg/reconciler"
	"github.com/wisbric/flashio/pkg/sweeper"
)

// RunFlashSale is the entry point for cmd/flashsale. It connects to
// infrastructure, runs migrations, wires the Core A pipeline, and starts
// the requested mode.
func RunFlashSale(ctx context.Context, cfg *config.FlashSale) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting flashsale", "mode", cfg.Mode, "listen", cfg.ListenAddr())

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

	metricsReg := telemetry.NewMetricsRegistry(telemetry.FlashSale()...)

	producer, err := bus.NewProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Error("closing kafka producer", "error", err)
		}
	}()

	activityStore := activity.NewStore(db)
	orderStore := order.NewStore(db)
	reconcilerStore := reconciler.NewStore(db)

	gate := admission.NewGate(rdb, admission.Config{
		Rate:                cfg.TokenBucketRate,
		Capacity:            cfg.TokenBucketCapacity,
		QueueDepthMultiple:  cfg.QueueDepthMultiple,
		BackpressureEtaSecs: float64(cfg.TokenBucketCapacity) / cfg.TokenBucketRate,
	}, logger)

	engine := inventory.NewEngine(rdb, producer, orderStore, activityStore, logger)
	warmer := inventory.CompositeWarmer{Gate: gate, Engine: engine}
	lifecycle := activity.NewManager(activityStore, warmer, logger)
	engine.SetSoldOutObserver(lifecycle)

	cacheTTL := time.Duration(cfg.OrderStatusCacheTTLHours) * time.Hour
	mat := materializer.New(orderStore, rdb, cacheTTL, logger)

	statusCacheSet := func(ctx context.Context, orderID string, status order.Status) error {
		return rdb.Set(ctx, "order_status:"+orderID, string(status), cacheTTL).Err()
	}
	sw := sweeper.New(orderStore, engine, time.Duration(cfg.PaymentWindowSeconds)*time.Second, int64(cfg.SweeperBatchRows), statusCacheSet, logger)

	rec := reconciler.New(rdb, orderStore, reconciler.ActivityAdapter{Store: activityStore}, reconcilerStore, time.Duration(cfg.ReconcilerLockTTLSec)*time.Second, logger)

	switch cfg.Mode {
	case "api":
		return runFlashSaleAPI(ctx, cfg, logger, db, rdb, metricsReg, gate, engine, orderStore, activityStore, lifecycle)
	case "worker":
		return runFlashSaleWorker(ctx, cfg, logger, producer, mat, sw, rec, lifecycle)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runFlashSaleAPI(ctx context.Context, cfg *config.FlashSale, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, gate *admission.Gate, engine *inventory.Engine, orderStore *order.Store, activityStore *activity.Store, lifecycle *activity.Manager) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)

	checkoutHandler := checkout.NewHandler(gate, engine, orderStore, rdb, logger)
	srv.APIRouter.Mount("/", checkoutHandler.Routes())

	activityHandler := activity.NewHandler(activityStore, lifecycle, logger)
	srv.APIRouter.Mount("/activities", activityHandler.Routes())

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

func runFlashSaleWorker(ctx context.Context, cfg *config.FlashSale, logger *slog.Logger, producer *bus.Producer, mat *materializer.Materializer, sw *sweeper.Sweeper, rec *reconciler.Reconciler, lifecycle *activity.Manager) error {
	logger.Info("flashsale worker started")

	consumer, err := bus.NewBatchConsumer(cfg.KafkaBrokers, "flashsale-materializer", []string{bus.TopicOrderEvents},
		cfg.MaterializerBatchSize, time.Duration(cfg.MaterializerBatchTimeout)*time.Millisecond, mat.HandleBatch, logger)
	if err != nil {
		return fmt.Errorf("creating materializer consumer: %w", err)
	}
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		sw.RunLoop(gctx, time.Duration(cfg.SweeperIntervalSec)*time.Second)
		return nil
	})
	g.Go(func() error {
		rec.RunLoop(gctx, time.Duration(cfg.ReconcilerIntervalSec)*time.Second)
		return nil
	})
	g.Go(func() error {
		lifecycle.RunLoop(gctx, 1*time.Second)
		return nil
	})

	return g.Wait()
}

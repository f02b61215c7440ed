// Package reconciler implements the Reconciler (spec §4.6): a per-SKU
// periodic consistency check between the fast store and the durable order
// ledger, with durable-store-wins repair.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/order"
)

// DiscrepancyKind names the kinds of mismatch spec §4.6 detects.
type DiscrepancyKind string

const (
	OrderCountMismatch DiscrepancyKind = "OrderCountMismatch"
	TotalStockMismatch DiscrepancyKind = "TotalStockMismatch"
	StockMismatch      DiscrepancyKind = "StockMismatch"
)

// LogStatus is the status column of a ReconciliationLog row.
type LogStatus string

const (
	LogNormal      LogStatus = "Normal"
	LogDiscrepancy LogStatus = "Discrepancy"
	LogFixed       LogStatus = "Fixed"
)

// ActiveSKU is one SKU the Reconciler checks on each tick.
type ActiveSKU struct {
	SKUID      string
	TotalStock int64
}

// ActivityLister is the subset of the Lifecycle Manager the Reconciler
// consults to know which SKUs are currently live.
type ActivityLister interface {
	ListActiveSKUs(ctx context.Context) ([]ActiveSKU, error)
}

// LogWriter persists a ReconciliationLog row.
type LogWriter interface {
	InsertReconciliationLog(ctx context.Context, l Log) error
}

// OrderCounter is the subset of the durable order store the Reconciler
// needs, narrowed to an interface so it can be faked in tests.
type OrderCounter interface {
	CountBySKUStatuses(ctx context.Context, skuID string, statuses ...order.Status) (int64, error)
}

// Log is a single reconciliation run's findings for one SKU.
type Log struct {
	SKUID             string
	RedisStock        int64
	RedisSold         int64
	DurableOrderCount int64
	Discrepancies     []DiscrepancyKind
	Status            LogStatus
}

// Reconciler periodically checks every active SKU's fast-store counters
// against the durable order ledger and repairs discrepancies, grounded on
// escalation.Engine's tick-and-report loop shape.
type Reconciler struct {
	rdb      redis.Cmdable
	orders   OrderCounter
	activity ActivityLister
	logs     LogWriter
	lockTTL  time.Duration
	logger   *slog.Logger
}

// New constructs a Reconciler.
func New(rdb redis.Cmdable, orders OrderCounter, activity ActivityLister, logs LogWriter, lockTTL time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{rdb: rdb, orders: orders, activity: activity, logs: logs, lockTTL: lockTTL, logger: logger}
}

// RunLoop runs Tick once at start then every interval.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	r.logger.Info("reconciler loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler loop stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	skus, err := r.activity.ListActiveSKUs(ctx)
	if err != nil {
		r.logger.Error("listing active skus", "error", err)
		return
	}
	for _, sku := range skus {
		if err := r.reconcileOne(ctx, sku); err != nil {
			r.logger.Error("reconciling sku", "sku_id", sku.SKUID, "error", err)
		}
	}
}

func lockKey(skuID string) string { return "reconciler_lock:" + skuID }

func (r *Reconciler) reconcileOne(ctx context.Context, sku ActiveSKU) error {
	acquired, err := r.rdb.SetNX(ctx, lockKey(sku.SKUID), "1", r.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquiring advisory lock for sku %s: %w", sku.SKUID, err)
	}
	if !acquired {
		// Another reconciler instance holds the repair window; skip this tick.
		return nil
	}
	defer r.rdb.Del(ctx, lockKey(sku.SKUID))

	redisStock, err := r.rdb.Get(ctx, "stock:"+sku.SKUID).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading redis stock for sku %s: %w", sku.SKUID, err)
	}
	redisSold, err := r.rdb.Get(ctx, "sold:"+sku.SKUID).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading redis sold for sku %s: %w", sku.SKUID, err)
	}

	durableCount, err := r.orders.CountBySKUStatuses(ctx, sku.SKUID, order.StatusPendingPayment, order.StatusPaid)
	if err != nil {
		return fmt.Errorf("counting durable orders for sku %s: %w", sku.SKUID, err)
	}

	var discrepancies []DiscrepancyKind
	if redisSold != durableCount {
		discrepancies = append(discrepancies, OrderCountMismatch)
	}
	if redisStock+redisSold != sku.TotalStock {
		discrepancies = append(discrepancies, TotalStockMismatch)
	}
	expectedRemaining := sku.TotalStock - durableCount
	if redisStock != expectedRemaining {
		discrepancies = append(discrepancies, StockMismatch)
	}

	logEntry := Log{
		SKUID:             sku.SKUID,
		RedisStock:        redisStock,
		RedisSold:         redisSold,
		DurableOrderCount: durableCount,
		Discrepancies:     discrepancies,
		Status:            LogNormal,
	}

	if len(discrepancies) == 0 {
		return r.writeLog(ctx, logEntry)
	}

	logEntry.Status = LogDiscrepancy
	for _, kind := range discrepancies {
		telemetry.ReconcilerDiscrepanciesTotal.WithLabelValues(sku.SKUID, string(kind)).Inc()
	}

	correctSold := durableCount
	correctRemaining := sku.TotalStock - correctSold
	if correctRemaining < 0 {
		r.logger.Error("reconciler repair rejected: would drive remaining negative",
			"sku_id", sku.SKUID, "correct_sold", correctSold, "correct_remaining", correctRemaining)
		return r.writeLog(ctx, logEntry)
	}

	if err := r.rdb.Set(ctx, "stock:"+sku.SKUID, correctRemaining, 0).Err(); err != nil {
		return fmt.Errorf("repairing stock for sku %s: %w", sku.SKUID, err)
	}
	if err := r.rdb.Set(ctx, "sold:"+sku.SKUID, correctSold, 0).Err(); err != nil {
		return fmt.Errorf("repairing sold for sku %s: %w", sku.SKUID, err)
	}

	logEntry.Status = LogFixed
	r.logger.Info("reconciler repaired discrepancy", "sku_id", sku.SKUID, "discrepancies", discrepancies,
		"correct_sold", correctSold, "correct_remaining", correctRemaining)

	return r.writeLog(ctx, logEntry)
}

func (r *Reconciler) writeLog(ctx context.Context, l Log) error {
	if err := r.logs.InsertReconciliationLog(ctx, l); err != nil {
		return fmt.Errorf("writing reconciliation log for sku %s: %w", l.SKUID, err)
	}
	return nil
}

// discrepanciesJSON is a helper for stores that persist Discrepancies as a
// JSON column.
func discrepanciesJSON(kinds []DiscrepancyKind) ([]byte, error) {
	return json.Marshal(kinds)
}

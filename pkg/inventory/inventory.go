// Package inventory implements the Inventory Engine (spec §4.2): atomic
// deduct/rollback/warmup over the fast store, with the order bus publish as
// the durable commit point for a successful deduct.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/order"
)

// Outcome is the result category of a Deduct call.
type Outcome int

const (
	Success Outcome = iota
	OutOfStock
	OverLimit
	SystemError
)

// DeductResult is returned by Deduct.
type DeductResult struct {
	Outcome   Outcome
	OrderID   uuid.UUID
	Remaining int64
}

// StockInfo is returned by Stock.
type StockInfo struct {
	Total     int64
	Remaining int64
	Sold      int64
}

// ErrAlreadyWarmed is returned by Warmup when the SKU's stock cell already
// exists and force was not set.
var ErrAlreadyWarmed = errors.New("inventory: sku already warmed up")

// ActivityLookup is the subset of the Lifecycle Manager the engine consults
// to enforce "deduct outside InProgress returns OutOfStock" (spec §4.5) and
// the per-user limit (spec §4.2/I-A4).
type ActivityLookup interface {
	ActiveSKU(ctx context.Context, skuID string) (activityID uuid.UUID, perUserLimit int64, active bool, err error)
}

// OrderLedger is the subset of the durable order store the engine needs:
// the per-user active-order count (for the limit check) and the StockLog
// bookkeeping around rollback. Narrowed to an interface so it can be faked
// in tests without a live Postgres.
type OrderLedger interface {
	CountActiveForUser(ctx context.Context, userID, skuID string) (int64, error)
	StockLogExists(ctx context.Context, orderID uuid.UUID, op order.StockOp) (bool, error)
	InsertStockLog(ctx context.Context, l order.StockLog) error
}

// SoldOutObserver is notified when a deduct observes a SKU's stock reach
// zero, so the Lifecycle Manager can end the activity early (spec §4.5).
type SoldOutObserver interface {
	ObserveSoldOut(ctx context.Context, skuID string) error
}

// Engine is the Inventory Engine for all SKUs, keyed by namespaced Redis
// keys per SKU, grounded on the seckill pack's deduct/confirm/cancel script
// shape (other_examples/63b58c05_issac1998-mall…inventory_manager.go),
// simplified to a single try/commit deduct since this design has no
// separate confirm phase — the bus publish itself is the commit point.
type Engine struct {
	rdb      redis.Cmdable
	producer *bus.Producer
	orders   OrderLedger
	activity ActivityLookup
	soldOut  SoldOutObserver
	logger   *slog.Logger
}

// NewEngine constructs an Inventory Engine.
func NewEngine(rdb redis.Cmdable, producer *bus.Producer, orders OrderLedger, activity ActivityLookup, logger *slog.Logger) *Engine {
	return &Engine{rdb: rdb, producer: producer, orders: orders, activity: activity, logger: logger}
}

// SetSoldOutObserver wires the Lifecycle Manager's sold-out notification.
// Separate from NewEngine because activity.Manager is constructed from a
// CompositeWarmer wrapping this Engine, so the Engine must exist first.
func (e *Engine) SetSoldOutObserver(o SoldOutObserver) {
	e.soldOut = o
}

func stockKey(skuID string) string      { return "stock:" + skuID }
func soldKey(skuID string) string       { return "sold:" + skuID }
func soldOutKey(skuID string) string    { return "sold_out:" + skuID }
func stockTotalKey(skuID string) string { return "stock_total:" + skuID }

// warmupScript sets stock/sold atomically, clears any stale sold_out flag,
// and refuses to overwrite an existing stock cell unless forced.
const warmupScript = `
local stock_key = KEYS[1]
local sold_key = KEYS[2]
local sold_out_key = KEYS[3]
local total_key = KEYS[4]
local total = tonumber(ARGV[1])
local force = ARGV[2]

if force ~= '1' and redis.call('EXISTS', stock_key) == 1 then
	return 0
end

redis.call('SET', stock_key, total)
redis.call('SET', sold_key, 0)
redis.call('SET', total_key, total)
redis.call('DEL', sold_out_key)
return 1
`

// Warmup initializes a SKU's StockCell. Satisfies activity.Warmer.
func (e *Engine) Warmup(ctx context.Context, skuID string, total int64, force bool) error {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	res, err := e.rdb.Eval(ctx, warmupScript,
		[]string{stockKey(skuID), soldKey(skuID), soldOutKey(skuID), stockTotalKey(skuID)},
		total, forceArg,
	).Int()
	if err != nil {
		return fmt.Errorf("warming up sku %s: %w", skuID, err)
	}
	if res == 0 {
		return fmt.Errorf("sku %s: %w", skuID, ErrAlreadyWarmed)
	}
	return nil
}

// Teardown removes a SKU's StockCell. Satisfies activity.Warmer.
func (e *Engine) Teardown(ctx context.Context, skuID string) error {
	if err := e.rdb.Del(ctx, stockKey(skuID), soldKey(skuID), soldOutKey(skuID), stockTotalKey(skuID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("tearing down sku %s: %w", skuID, err)
	}
	return nil
}

// deductScript is the single atomic deduct of spec §4.2: no partial effect.
// sold_out is set when a deduct finds stock already at zero; the deduct that
// takes the last unit leaves it unset.
const deductScript = `
local stock_key = KEYS[1]
local sold_key = KEYS[2]
local sold_out_key = KEYS[3]
local qty = tonumber(ARGV[1])

if redis.call('EXISTS', sold_out_key) == 1 then
	return {0, -1}
end

local stock = tonumber(redis.call('GET', stock_key))
if stock == nil then
	return {-1, 0}
end

if stock < qty then
	if stock == 0 then
		redis.call('SET', sold_out_key, '1')
	end
	return {0, stock}
end

stock = stock - qty
redis.call('SET', stock_key, stock)
redis.call('INCRBY', sold_key, qty)

return {1, stock}
`

// Deduct attempts to purchase qty units of skuID for userID. It is atomic on
// the fast store and publishes the pending order to the order bus as the
// durable commit point; if that publish fails after a successful deduct,
// the fast-store decrement is rolled back synchronously and SystemError is
// returned, preserving I-A2.
func (e *Engine) Deduct(ctx context.Context, userID, skuID string, qty int64) (DeductResult, error) {
	activityID, perUserLimit, active, err := e.activity.ActiveSKU(ctx, skuID)
	if err != nil {
		return DeductResult{Outcome: SystemError}, fmt.Errorf("looking up activity for sku %s: %w", skuID, err)
	}
	if !active {
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "out_of_stock").Inc()
		return DeductResult{Outcome: OutOfStock}, nil
	}

	activeCount, err := e.orders.CountActiveForUser(ctx, userID, skuID)
	if err != nil {
		return DeductResult{Outcome: SystemError}, fmt.Errorf("checking per-user limit: %w", err)
	}
	if activeCount >= perUserLimit {
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "over_limit").Inc()
		return DeductResult{Outcome: OverLimit}, nil
	}

	res, err := e.rdb.Eval(ctx, deductScript,
		[]string{stockKey(skuID), soldKey(skuID), soldOutKey(skuID)},
		qty,
	).Result()
	if err != nil {
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "system_error").Inc()
		return DeductResult{Outcome: SystemError}, fmt.Errorf("deducting sku %s: %w", skuID, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "system_error").Inc()
		return DeductResult{Outcome: SystemError}, fmt.Errorf("deducting sku %s: unexpected script result %v", skuID, res)
	}

	code, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)

	switch code {
	case -1:
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "system_error").Inc()
		return DeductResult{Outcome: SystemError}, fmt.Errorf("sku %s: stock cell not warmed up", skuID)
	case 0:
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "out_of_stock").Inc()
		return DeductResult{Outcome: OutOfStock, Remaining: max64(remaining, 0)}, nil
	}

	orderID := uuid.New()
	ev := order.Event{
		OrderID:     orderID,
		UserID:      userID,
		SKUID:       skuID,
		ActivityID:  activityID,
		Qty:         qty,
		StockBefore: remaining + qty,
		StockAfter:  remaining,
		CreatedAt:   time.Now(),
	}

	payload, err := marshalEvent(ev)
	if err != nil {
		e.compensate(ctx, skuID, qty)
		return DeductResult{Outcome: SystemError}, fmt.Errorf("encoding order event: %w", err)
	}

	if err := e.producer.Publish(ctx, bus.TopicOrderEvents, []byte(userID), payload); err != nil {
		e.logger.Error("order bus publish failed after deduct, rolling back", "sku_id", skuID, "order_id", orderID, "error", err)
		e.compensate(ctx, skuID, qty)
		telemetry.InventoryDeductTotal.WithLabelValues(skuID, "system_error").Inc()
		return DeductResult{Outcome: SystemError}, fmt.Errorf("publishing order event: %w", err)
	}

	telemetry.InventoryDeductTotal.WithLabelValues(skuID, "success").Inc()

	if remaining == 0 && e.soldOut != nil {
		if err := e.soldOut.ObserveSoldOut(ctx, skuID); err != nil {
			e.logger.Error("ending sold-out activity", "sku_id", skuID, "error", err)
		}
	}

	return DeductResult{Outcome: Success, OrderID: orderID, Remaining: remaining}, nil
}

// compensate runs the compensating rollback when a publish fails after a
// successful fast-store deduct (spec §4.2, preserving I-A2). Best-effort: a
// failure here is logged, and the Reconciler will detect and repair the
// resulting discrepancy on its next pass.
func (e *Engine) compensate(ctx context.Context, skuID string, qty int64) {
	if err := e.rollbackFastStore(ctx, skuID, qty); err != nil {
		e.logger.Error("compensating rollback failed, relying on reconciler", "sku_id", skuID, "error", err)
	}
}

const rollbackScript = `
local stock_key = KEYS[1]
local sold_key = KEYS[2]
local sold_out_key = KEYS[3]
local qty = tonumber(ARGV[1])

local stock = tonumber(redis.call('GET', stock_key)) or 0
stock = stock + qty
redis.call('SET', stock_key, stock)
redis.call('DECRBY', sold_key, qty)
if stock > 0 then
	redis.call('DEL', sold_out_key)
end
return stock
`

func (e *Engine) rollbackFastStore(ctx context.Context, skuID string, qty int64) error {
	return e.rdb.Eval(ctx, rollbackScript, []string{stockKey(skuID), soldKey(skuID), soldOutKey(skuID)}, qty).Err()
}

// Rollback restores qty units to skuID's StockCell for a given order,
// idempotent on (order_id, Rollback) per spec §3/I-A3: a second call for an
// order already rolled back is a no-op that returns the current stock.
func (e *Engine) Rollback(ctx context.Context, skuID string, orderID uuid.UUID, qty int64) (int64, error) {
	already, err := e.orders.StockLogExists(ctx, orderID, order.OpRollback)
	if err != nil {
		return 0, fmt.Errorf("checking rollback idempotency for order %s: %w", orderID, err)
	}
	if already {
		info, err := e.Stock(ctx, skuID)
		if err != nil {
			return 0, err
		}
		return info.Remaining, nil
	}

	remaining, err := e.rdb.Eval(ctx, rollbackScript, []string{stockKey(skuID), soldKey(skuID), soldOutKey(skuID)}, qty).Int64()
	if err != nil {
		telemetry.InventoryRollbackTotal.WithLabelValues(skuID).Inc()
		return 0, fmt.Errorf("rolling back order %s sku %s: %w", orderID, skuID, err)
	}

	if err := e.orders.InsertStockLog(ctx, order.StockLog{
		SKUID:   skuID,
		OrderID: orderID,
		Op:      order.OpRollback,
		Qty:     qty,
		After:   remaining,
	}); err != nil {
		e.logger.Error("recording rollback stock log", "order_id", orderID, "sku_id", skuID, "error", err)
	}

	telemetry.InventoryRollbackTotal.WithLabelValues(skuID).Inc()
	return remaining, nil
}

// Stock returns the current StockInfo for skuID.
func (e *Engine) Stock(ctx context.Context, skuID string) (StockInfo, error) {
	pipe := e.rdb.Pipeline()
	totalCmd := pipe.Get(ctx, stockTotalKey(skuID))
	stockCmd := pipe.Get(ctx, stockKey(skuID))
	soldCmd := pipe.Get(ctx, soldKey(skuID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return StockInfo{}, fmt.Errorf("reading stock for sku %s: %w", skuID, err)
	}

	total, _ := totalCmd.Int64()
	remaining, _ := stockCmd.Int64()
	sold, _ := soldCmd.Int64()

	return StockInfo{Total: total, Remaining: remaining, Sold: sold}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Package admission implements the Admission Gate (spec §4.1): a per-SKU
// token bucket over the fast store that grants, rejects, or queues an
// incoming purchase request before it ever reaches the Inventory Engine.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
)

// Status is the outcome of a tryAcquire call.
type Status int

const (
	// Granted means the caller may proceed to the Inventory Engine.
	Granted Status = iota
	// Queuing means the caller should retry after roughly EtaSeconds.
	Queuing
	// SoldOut means the SKU's bucket has been torn down; stop retrying.
	SoldOut
)

// Result is the outcome of a single tryAcquire call.
type Result struct {
	Status     Status
	EtaSeconds float64
}

// Config holds the tunables of spec §4.1, one token bucket shape per SKU
// unless overridden.
type Config struct {
	Rate                float64 // tokens/sec
	Capacity            int64
	QueueDepthMultiple  int64 // bounds negative tokens at -capacity*QueueDepthMultiple
	BackpressureEtaSecs float64
}

// acquireScript is the server-side atomic refill+decrement, grounded on the
// same EVAL-with-hash-tagged-keys shape as the seckill inventory manager in
// the example pack: refill is computed from elapsed wall-clock time, then a
// single token is decremented, with the negative-token queue depth clamped
// to a configured multiple of capacity.
const acquireScript = `
local sold_out_key = KEYS[1]
local tokens_key = KEYS[2]
local last_key = KEYS[3]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local queue_bound = tonumber(ARGV[4])

if redis.call('EXISTS', sold_out_key) == 1 then
	return {0, 0}
end

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then
	tokens = capacity
end

local last = tonumber(redis.call('GET', last_key))
if last == nil then
	last = now
end

local delta = now - last
if delta < 0 then
	delta = 0
end

local refill = math.floor(delta * rate)
tokens = tokens + refill
if tokens > capacity then
	tokens = capacity
end

tokens = tokens - 1

if tokens < (0 - queue_bound) then
	tokens = tokens + 1
	redis.call('SET', tokens_key, tokens)
	redis.call('SET', last_key, now)
	return {2, queue_bound}
end

redis.call('SET', tokens_key, tokens)
redis.call('SET', last_key, now)

if tokens >= 0 then
	return {1, tokens}
end

return {2, 0 - tokens}
`

// Gate is the Admission Gate for one fast-store backend, shared across all
// SKUs (keys are namespaced per-SKU).
type Gate struct {
	rdb    redis.Cmdable
	cfg    Config
	logger *slog.Logger
}

// NewGate constructs an Admission Gate.
func NewGate(rdb redis.Cmdable, cfg Config, logger *slog.Logger) *Gate {
	if cfg.BackpressureEtaSecs <= 0 {
		cfg.BackpressureEtaSecs = 1
	}
	return &Gate{rdb: rdb, cfg: cfg, logger: logger}
}

func soldOutKey(skuID string) string { return "sold_out:" + skuID }
func tokensKey(skuID string) string  { return "token_bucket:" + skuID }
func lastKey(skuID string) string    { return "token_bucket_last:" + skuID }

// TryAcquire attempts to admit one request for skuID. Any fast-store error
// is mapped to Queuing — it never converts into Granted (spec §4.1 failure
// semantics) and it never blocks the caller.
func (g *Gate) TryAcquire(ctx context.Context, skuID, userID string) Result {
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := g.rdb.Eval(ctx, acquireScript,
		[]string{soldOutKey(skuID), tokensKey(skuID), lastKey(skuID)},
		now, g.cfg.Rate, g.cfg.Capacity, g.cfg.Capacity*g.cfg.QueueDepthMultiple,
	).Result()
	if err != nil {
		g.logger.Warn("admission gate: fast store error, degrading to queuing",
			"sku_id", skuID, "error", err)
		telemetry.AdmissionQueuedTotal.WithLabelValues(skuID, "backpressure").Inc()
		return Result{Status: Queuing, EtaSeconds: g.cfg.BackpressureEtaSecs}
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		g.logger.Error("admission gate: unexpected script result shape", "sku_id", skuID, "result", res)
		telemetry.AdmissionQueuedTotal.WithLabelValues(skuID, "backpressure").Inc()
		return Result{Status: Queuing, EtaSeconds: g.cfg.BackpressureEtaSecs}
	}

	code, _ := arr[0].(int64)
	magnitude, _ := arr[1].(int64)

	switch code {
	case 0:
		telemetry.AdmissionSoldOutTotal.WithLabelValues(skuID).Inc()
		return Result{Status: SoldOut}
	case 1:
		telemetry.AdmissionGrantedTotal.WithLabelValues(skuID).Inc()
		return Result{Status: Granted}
	default:
		eta := math.Ceil(float64(magnitude) / g.cfg.Rate)
		telemetry.AdmissionQueuedTotal.WithLabelValues(skuID, "queue_depth").Inc()
		return Result{Status: Queuing, EtaSeconds: eta}
	}
}

// NotifySoldOut sets sold_out:<sku> and drops the bucket so no further
// acquires succeed (spec §4.1).
func (g *Gate) NotifySoldOut(ctx context.Context, skuID string) error {
	pipe := g.rdb.TxPipeline()
	pipe.Set(ctx, soldOutKey(skuID), "1", 0)
	pipe.Del(ctx, tokensKey(skuID), lastKey(skuID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notifying sold out for sku %s: %w", skuID, err)
	}
	return nil
}

// Reset clears any stale sold_out flag and bucket state for skuID, called by
// the Lifecycle Manager's warmup hook so a reused SKU id starts with a fresh
// bucket.
func (g *Gate) Reset(ctx context.Context, skuID string) error {
	if err := g.rdb.Del(ctx, soldOutKey(skuID), tokensKey(skuID), lastKey(skuID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("resetting admission gate for sku %s: %w", skuID, err)
	}
	return nil
}

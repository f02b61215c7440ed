// Package materializer implements the Order Materializer (spec §4.3): a
// batching consumer of the order bus that writes Orders and StockLog rows
// durably and caches order status in the fast store.
package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/order"
)

// defaultCacheTTL is how long order_status:<order_id> lives in the fast
// store after materialization when New is given a non-positive cacheTTL
// (spec §4.3 step 4).
const defaultCacheTTL = 24 * time.Hour

// Ledger is the durable writes the Materializer needs, narrowed to an
// interface so it can be exercised against a fake in tests.
type Ledger interface {
	Exists(ctx context.Context, orderID uuid.UUID) (bool, error)
	InsertWithStockLog(ctx context.Context, ev order.Event, l order.StockLog) error
}

// Materializer consumes TopicOrderEvents in batches and commits them
// durably, one transaction per message (each order row with its Deduct
// StockLog row); a batch is not committed as a single transaction, so a
// failed batch can leave its earlier messages already committed, and those
// are skipped by the Exists check on redelivery.
type Materializer struct {
	orders   Ledger
	rdb      redis.Cmdable
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New constructs a Materializer.
func New(orders Ledger, rdb redis.Cmdable, cacheTTL time.Duration, logger *slog.Logger) *Materializer {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Materializer{orders: orders, rdb: rdb, cacheTTL: cacheTTL, logger: logger}
}

func orderStatusKey(orderID string) string { return "order_status:" + orderID }

// HandleBatch is a bus.BatchHandler: it processes one batch of order-bus
// messages, each materialized independently (so one malformed message does
// not sink the whole batch), but the batch size itself is what bounds how
// much work a single Postgres round-trip per message performs.
func (m *Materializer) HandleBatch(ctx context.Context, msgs []bus.Message) error {
	for _, msg := range msgs {
		var ev order.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			m.logger.Error("discarding unparseable order event", "error", err, "partition", msg.Partition, "offset", msg.Offset)
			continue
		}

		if err := m.materializeOne(ctx, ev); err != nil {
			return fmt.Errorf("materializing order %s: %w", ev.OrderID, err)
		}
	}

	telemetry.MaterializerBatchSize.Observe(float64(len(msgs)))
	return nil
}

func (m *Materializer) materializeOne(ctx context.Context, ev order.Event) error {
	exists, err := m.orders.Exists(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("checking idempotency: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.orders.InsertWithStockLog(ctx, ev, order.StockLog{
		SKUID:   ev.SKUID,
		OrderID: ev.OrderID,
		Op:      order.OpDeduct,
		Qty:     ev.Qty,
		Before:  ev.StockBefore,
		After:   ev.StockAfter,
	}); err != nil {
		return fmt.Errorf("inserting order and stock log: %w", err)
	}

	if err := m.rdb.Set(ctx, orderStatusKey(ev.OrderID.String()), string(order.StatusPendingPayment), m.cacheTTL).Err(); err != nil {
		m.logger.Error("caching order status failed, durable write already committed", "order_id", ev.OrderID, "error", err)
	}

	return nil
}

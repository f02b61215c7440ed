// Package sweeper implements the Timeout & Rollback Sweeper (spec §4.4): a
// periodic job that times out stale PendingPayment orders and rolls back
// their stock.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/order"
)

// Rollbacker is the Inventory Engine operation the sweeper drives.
type Rollbacker interface {
	Rollback(ctx context.Context, skuID string, orderID uuid.UUID, qty int64) (int64, error)
}

// OrderLedger is the subset of the durable order store the sweeper needs.
type OrderLedger interface {
	ListPendingPaymentBefore(ctx context.Context, cutoffSQL string, limit int64) ([]order.Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, expected, newStatus order.Status) (bool, error)
}

// Sweeper periodically times out Orders that have sat in PendingPayment
// past the payment window and reverses their stock deduction.
type Sweeper struct {
	orders         OrderLedger
	engine         Rollbacker
	paymentWindow  time.Duration
	batchRows      int64
	statusCacheSet func(ctx context.Context, orderID string, status order.Status) error
	logger         *slog.Logger
}

// New constructs a Sweeper. statusCacheSet updates the fast-store
// order_status:<order_id> cache entry (spec §4.4's final step); it may be
// nil if the caller does not want that side effect (e.g. in tests).
func New(orders OrderLedger, engine Rollbacker, paymentWindow time.Duration, batchRows int64, statusCacheSet func(ctx context.Context, orderID string, status order.Status) error, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		orders:         orders,
		engine:         engine,
		paymentWindow:  paymentWindow,
		batchRows:      batchRows,
		statusCacheSet: statusCacheSet,
		logger:         logger,
	}
}

// RunLoop runs Sweep once at start then every interval, grounded on the
// same run-once-then-ticker shape as the Lifecycle Manager's loop
// (roster.RunScheduleTopUpLoop / escalation.Engine.Run).
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) {
	s.logger.Info("sweeper loop started", "interval", interval, "payment_window", s.paymentWindow)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper loop stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := fmt.Sprintf("now() - interval '%d seconds'", int64(s.paymentWindow.Seconds()))
	due, err := s.orders.ListPendingPaymentBefore(ctx, cutoff, s.batchRows)
	if err != nil {
		s.logger.Error("listing timed-out orders", "error", err)
		return
	}

	for _, o := range due {
		if err := s.timeoutOne(ctx, o); err != nil {
			s.logger.Error("timing out order", "order_id", o.OrderID, "error", err)
		}
	}
}

func (s *Sweeper) timeoutOne(ctx context.Context, o order.Order) error {
	ok, err := s.orders.UpdateStatus(ctx, o.OrderID, order.StatusPendingPayment, order.StatusTimeout)
	if err != nil {
		return fmt.Errorf("transitioning order %s to timeout: %w", o.OrderID, err)
	}
	if !ok {
		// Already transitioned concurrently (paid, or cancelled elsewhere); nothing to do.
		return nil
	}

	if _, err := s.engine.Rollback(ctx, o.SKUID, o.OrderID, o.Qty); err != nil {
		return fmt.Errorf("rolling back order %s: %w", o.OrderID, err)
	}

	if s.statusCacheSet != nil {
		if err := s.statusCacheSet(ctx, o.OrderID.String(), order.StatusTimeout); err != nil {
			s.logger.Error("updating order status cache", "order_id", o.OrderID, "error", err)
		}
	}

	telemetry.SweeperTimeoutsTotal.Inc()
	s.logger.Info("order timed out and rolled back", "order_id", o.OrderID, "sku_id", o.SKUID)
	return nil
}

package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable store for Orders and StockLog rows. Both live in the
// same store since the Materializer writes them together in one
// transaction (spec §4.3). It holds a concrete *pgxpool.Pool (rather than
// the narrower dbtx.DBTX) because InsertWithStockLog needs a real
// transaction, the same reason pkg/offline.PostgresStore does.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates an order Store backed by the given database pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `order_id, user_id, sku_id, activity_id, qty, status, created_at, paid_at, cancelled_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.OrderID, &o.UserID, &o.SKUID, &o.ActivityID, &o.Qty, &o.Status, &o.CreatedAt, &o.PaidAt, &o.CancelledAt)
	return o, err
}

// Exists reports whether an Order with order_id has already been
// materialized (spec §4.3 step 1 idempotency check).
func (s *Store) Exists(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking order existence: %w", err)
	}
	return exists, nil
}

// InsertWithStockLog durably commits an Order and its Deduct StockLog in a
// single transaction, so a crash or Kafka redelivery between the two writes
// can never leave one committed without the other — the Materializer's
// Exists(order_id) idempotency check (spec §4.3 step 1) only holds if both
// rows land atomically (I-A3).
func (s *Store) InsertWithStockLog(ctx context.Context, ev Event, l StockLog) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning order materialization transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO orders (order_id, user_id, sku_id, activity_id, qty, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id) DO NOTHING`,
		ev.OrderID, ev.UserID, ev.SKUID, ev.ActivityID, ev.Qty, StatusPendingPayment, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting order %s: %w", ev.OrderID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO stock_log (sku_id, order_id, op, qty, before, after, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (order_id, op) DO NOTHING`,
		l.SKUID, l.OrderID, l.Op, l.Qty, l.Before, l.After,
	); err != nil {
		return fmt.Errorf("inserting stock log for order %s: %w", l.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing order materialization transaction: %w", err)
	}
	return nil
}

// Get returns an Order by ID.
func (s *Store) Get(ctx context.Context, orderID uuid.UUID) (Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if err != nil {
		return Order{}, fmt.Errorf("getting order %s: %w", orderID, err)
	}
	return o, nil
}

// UpdateStatus transitions an Order to newStatus, predicated on its current
// status matching expected (spec §4.4's optimistic predicate).
func (s *Store) UpdateStatus(ctx context.Context, orderID uuid.UUID, expected, newStatus Status) (bool, error) {
	var query string
	switch newStatus {
	case StatusPaid:
		query = `UPDATE orders SET status = $1, paid_at = now() WHERE order_id = $2 AND status = $3`
	case StatusCancelled, StatusTimeout:
		query = `UPDATE orders SET status = $1, cancelled_at = now() WHERE order_id = $2 AND status = $3`
	default:
		query = `UPDATE orders SET status = $1 WHERE order_id = $2 AND status = $3`
	}

	tag, err := s.db.Exec(ctx, query, newStatus, orderID, expected)
	if err != nil {
		return false, fmt.Errorf("updating order %s status: %w", orderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingPaymentBefore returns PendingPayment orders created before cutoff,
// bounded by limit (spec §4.4).
func (s *Store) ListPendingPaymentBefore(ctx context.Context, cutoffSQL string, limit int64) ([]Order, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 AND created_at < `+cutoffSQL+` ORDER BY created_at LIMIT $2`,
		StatusPendingPayment, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing timed-out orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountActiveForUser returns the number of Orders in {PendingPayment, Paid}
// for (user, sku) — the per-user-limit check of spec §4.2/I-A4.
func (s *Store) CountActiveForUser(ctx context.Context, userID, skuID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = $1 AND sku_id = $2 AND status IN ($3, $4)`,
		userID, skuID, StatusPendingPayment, StatusPaid,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active orders for user %s sku %s: %w", userID, skuID, err)
	}
	return count, nil
}

// CountBySKUStatuses returns the durable order count for sku in the given
// statuses — used by the Reconciler (§4.6) to compute durable_order_count.
func (s *Store) CountBySKUStatuses(ctx context.Context, skuID string, statuses ...Status) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE sku_id = $1 AND status = ANY($2)`,
		skuID, statuses,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting orders for sku %s: %w", skuID, err)
	}
	return count, nil
}

// InsertStockLog appends a StockLog row, idempotent on (order_id, op) via a
// unique constraint: a duplicate insert is treated as "already recorded",
// not an error.
func (s *Store) InsertStockLog(ctx context.Context, l StockLog) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO stock_log (sku_id, order_id, op, qty, before, after, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (order_id, op) DO NOTHING`,
		l.SKUID, l.OrderID, l.Op, l.Qty, l.Before, l.After,
	)
	if err != nil {
		return fmt.Errorf("inserting stock log for order %s: %w", l.OrderID, err)
	}
	return nil
}

// StockLogExists reports whether a StockLog(order_id, op) row already
// exists — the idempotency check rollback and materialization rely on.
func (s *Store) StockLogExists(ctx context.Context, orderID uuid.UUID, op StockOp) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_log WHERE order_id = $1 AND op = $2)`, orderID, op).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking stock log existence for order %s: %w", orderID, err)
	}
	return exists, nil
}

var errNoRows = pgx.ErrNoRows

// IsNotFound reports whether err represents a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, errNoRows)
}

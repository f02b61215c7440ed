// Package order holds the durable Order and StockLog entities written by
// the Order Materializer (spec §4.3) and mutated by the Sweeper (§4.4) and
// Reconciler (§4.6).
package order

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Order (spec §3, table Order).
type Status string

const (
	StatusPendingPayment Status = "PendingPayment"
	StatusPaid           Status = "Paid"
	StatusCancelled      Status = "Cancelled"
	StatusTimeout        Status = "Timeout"
)

// Order is a single flash-sale purchase.
type Order struct {
	OrderID     uuid.UUID
	UserID      string
	SKUID       string
	ActivityID  uuid.UUID
	Qty         int64
	Status      Status
	CreatedAt   time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
}

// StockOp is the kind of mutation a StockLog entry records.
type StockOp string

const (
	OpDeduct   StockOp = "Deduct"
	OpRollback StockOp = "Rollback"
)

// StockLog is an append-only audit row for every inventory mutation. Unique
// on (order_id, op) — this is what makes rollback and materialization
// idempotent (spec §3, I-A3).
type StockLog struct {
	ID      int64
	SKUID   string
	OrderID uuid.UUID
	Op      StockOp
	Qty     int64
	Before  int64
	After   int64
	TS      time.Time
}

// Event is the payload published to the order bus by the Inventory Engine's
// deduct (spec §4.2) and consumed by the Order Materializer (spec §4.3).
// StockBefore/StockAfter carry the Lua deduct script's observed stock
// levels through to the materialized StockLog audit row.
type Event struct {
	OrderID     uuid.UUID `json:"order_id"`
	UserID      string    `json:"user_id"`
	SKUID       string    `json:"sku_id"`
	ActivityID  uuid.UUID `json:"activity_id"`
	Qty         int64     `json:"qty"`
	StockBefore int64     `json:"stock_before"`
	StockAfter  int64     `json:"stock_after"`
	CreatedAt   time.Time `json:"created_at"`
}

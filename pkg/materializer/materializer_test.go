package materializer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/order"
)

type fakeLedger struct {
	existing  map[uuid.UUID]bool
	inserted  []order.Event
	stockLogs map[uuid.UUID]map[order.StockOp]bool
	insertErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		existing:  make(map[uuid.UUID]bool),
		stockLogs: make(map[uuid.UUID]map[order.StockOp]bool),
	}
}

func (f *fakeLedger) Exists(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return f.existing[orderID], nil
}

// InsertWithStockLog mimics the real Store's single-transaction commit: both
// the order and its stock log land together, or neither does.
func (f *fakeLedger) InsertWithStockLog(ctx context.Context, ev order.Event, l order.StockLog) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.existing[ev.OrderID] = true
	f.inserted = append(f.inserted, ev)
	if f.stockLogs[l.OrderID] == nil {
		f.stockLogs[l.OrderID] = make(map[order.StockOp]bool)
	}
	f.stockLogs[l.OrderID][l.Op] = true
	return nil
}

func newTestMaterializer(t *testing.T, ledger Ledger) (*Materializer, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ledger, rdb, time.Hour, logger), rdb
}

func encodeEvent(t *testing.T, ev order.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshaling event: %v", err)
	}
	return b
}

func TestHandleBatch_MaterializesOrderAndStockLog(t *testing.T) {
	ledger := newFakeLedger()
	m, rdb := newTestMaterializer(t, ledger)

	ev := order.Event{
		OrderID:    uuid.New(),
		UserID:     "user-1",
		SKUID:      "sku-1",
		ActivityID: uuid.New(),
		Qty:        1,
		CreatedAt:  time.Now(),
	}

	err := m.HandleBatch(context.Background(), []bus.Message{{Value: encodeEvent(t, ev)}})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if !ledger.existing[ev.OrderID] {
		t.Error("order was not inserted")
	}
	if !ledger.stockLogs[ev.OrderID][order.OpDeduct] {
		t.Error("stock log deduct entry was not inserted")
	}

	val, err := rdb.Get(context.Background(), orderStatusKey(ev.OrderID.String())).Result()
	if err != nil {
		t.Fatalf("reading cached order status: %v", err)
	}
	if val != string(order.StatusPendingPayment) {
		t.Errorf("got cached status %q, want %q", val, order.StatusPendingPayment)
	}
}

func TestHandleBatch_IdempotentOnDuplicateOrder(t *testing.T) {
	ledger := newFakeLedger()
	m, _ := newTestMaterializer(t, ledger)

	ev := order.Event{OrderID: uuid.New(), UserID: "user-1", SKUID: "sku-1", Qty: 1, CreatedAt: time.Now()}
	ledger.existing[ev.OrderID] = true

	err := m.HandleBatch(context.Background(), []bus.Message{{Value: encodeEvent(t, ev)}})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(ledger.inserted) != 0 {
		t.Errorf("expected no insert for an already-materialized order, got %d", len(ledger.inserted))
	}
}

func TestHandleBatch_SkipsUnparseableMessage(t *testing.T) {
	ledger := newFakeLedger()
	m, _ := newTestMaterializer(t, ledger)

	err := m.HandleBatch(context.Background(), []bus.Message{{Value: []byte("not json")}})
	if err != nil {
		t.Fatalf("HandleBatch should not fail the whole batch on one bad message: %v", err)
	}
	if len(ledger.inserted) != 0 {
		t.Errorf("expected no inserts, got %d", len(ledger.inserted))
	}
}

package inventory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/order"
)

type fakeActivityLookup struct {
	activityID   uuid.UUID
	perUserLimit int64
	active       bool
	err          error
}

func (f fakeActivityLookup) ActiveSKU(ctx context.Context, skuID string) (uuid.UUID, int64, bool, error) {
	return f.activityID, f.perUserLimit, f.active, f.err
}

type fakeOrderLedger struct {
	activeCount  int64
	rollbackDone map[uuid.UUID]bool
	insertedLogs []order.StockLog
}

func (f *fakeOrderLedger) CountActiveForUser(ctx context.Context, userID, skuID string) (int64, error) {
	return f.activeCount, nil
}

func (f *fakeOrderLedger) StockLogExists(ctx context.Context, orderID uuid.UUID, op order.StockOp) (bool, error) {
	if f.rollbackDone == nil {
		return false, nil
	}
	return f.rollbackDone[orderID] && op == order.OpRollback, nil
}

func (f *fakeOrderLedger) InsertStockLog(ctx context.Context, l order.StockLog) error {
	f.insertedLogs = append(f.insertedLogs, l)
	if f.rollbackDone == nil {
		f.rollbackDone = make(map[uuid.UUID]bool)
	}
	if l.Op == order.OpRollback {
		f.rollbackDone[l.OrderID] = true
	}
	return nil
}

type fakeSoldOutObserver struct {
	observed []string
}

func (f *fakeSoldOutObserver) ObserveSoldOut(ctx context.Context, skuID string) error {
	f.observed = append(f.observed, skuID)
	return nil
}

// newTestEngine registers exactly sends producer expectations (successes when
// producerOK, failures otherwise): the sarama mock reports any expectation
// left unconsumed when it is closed.
func newTestEngine(t *testing.T, activity fakeActivityLookup, orders *fakeOrderLedger, producerOK bool, sends int) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tcfg := mocks.NewTestConfig()
	sp := mocks.NewSyncProducer(t, tcfg)
	for i := 0; i < sends; i++ {
		if producerOK {
			sp.ExpectSendMessageAndSucceed()
		} else {
			sp.ExpectSendMessageAndFail(errors.New("broker unavailable"))
		}
	}
	t.Cleanup(func() { sp.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	producer := bus.NewProducerFromClient(sp, logger)

	return NewEngine(rdb, producer, orders, activity, logger), mr
}

func TestDeduct_Success(t *testing.T) {
	activityID := uuid.New()
	activity := fakeActivityLookup{activityID: activityID, perUserLimit: 2, active: true}
	orders := &fakeOrderLedger{activeCount: 0}
	e, _ := newTestEngine(t, activity, orders, true, 1)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 3, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	res, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if res.Outcome != Success {
		t.Fatalf("got outcome %v, want Success", res.Outcome)
	}
	if res.Remaining != 2 {
		t.Errorf("got remaining %d, want 2", res.Remaining)
	}
}

func TestDeduct_OutOfStockSetsSoldOut(t *testing.T) {
	activity := fakeActivityLookup{activityID: uuid.New(), perUserLimit: 5, active: true}
	orders := &fakeOrderLedger{}
	e, mr := newTestEngine(t, activity, orders, true, 1)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 1, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	first, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err != nil || first.Outcome != Success {
		t.Fatalf("first deduct: res=%v err=%v", first, err)
	}

	second, err := e.Deduct(ctx, "user-2", "sku-1", 1)
	if err != nil {
		t.Fatalf("second deduct: %v", err)
	}
	if second.Outcome != OutOfStock {
		t.Fatalf("got outcome %v, want OutOfStock", second.Outcome)
	}
	if !mr.Exists(soldOutKey("sku-1")) {
		t.Errorf("expected %s to be set after a deduct against zero stock", soldOutKey("sku-1"))
	}
}

func TestDeduct_ExhaustingStockNotifiesSoldOutObserver(t *testing.T) {
	activity := fakeActivityLookup{activityID: uuid.New(), perUserLimit: 5, active: true}
	orders := &fakeOrderLedger{}
	e, _ := newTestEngine(t, activity, orders, true, 1)
	observer := &fakeSoldOutObserver{}
	e.SetSoldOutObserver(observer)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 1, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	res, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err != nil || res.Outcome != Success {
		t.Fatalf("deduct: res=%v err=%v", res, err)
	}
	if res.Remaining != 0 {
		t.Fatalf("got remaining %d, want 0", res.Remaining)
	}
	if len(observer.observed) != 1 || observer.observed[0] != "sku-1" {
		t.Fatalf("got observed=%v, want [sku-1]", observer.observed)
	}
}

func TestDeduct_OverLimit(t *testing.T) {
	activity := fakeActivityLookup{activityID: uuid.New(), perUserLimit: 1, active: true}
	orders := &fakeOrderLedger{activeCount: 1}
	e, _ := newTestEngine(t, activity, orders, true, 0)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 5, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	res, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if res.Outcome != OverLimit {
		t.Fatalf("got outcome %v, want OverLimit", res.Outcome)
	}
}

func TestDeduct_NotActiveReturnsOutOfStock(t *testing.T) {
	activity := fakeActivityLookup{active: false}
	orders := &fakeOrderLedger{}
	e, _ := newTestEngine(t, activity, orders, true, 0)
	ctx := context.Background()

	res, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if res.Outcome != OutOfStock {
		t.Fatalf("got outcome %v, want OutOfStock", res.Outcome)
	}
}

func TestDeduct_PublishFailureRollsBackStock(t *testing.T) {
	activity := fakeActivityLookup{activityID: uuid.New(), perUserLimit: 5, active: true}
	orders := &fakeOrderLedger{}
	e, _ := newTestEngine(t, activity, orders, false, 1)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 3, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	res, err := e.Deduct(ctx, "user-1", "sku-1", 1)
	if err == nil {
		t.Fatal("expected an error when bus publish fails")
	}
	if res.Outcome != SystemError {
		t.Fatalf("got outcome %v, want SystemError", res.Outcome)
	}

	info, err := e.Stock(ctx, "sku-1")
	if err != nil {
		t.Fatalf("Stock: %v", err)
	}
	if info.Remaining != 3 {
		t.Errorf("got remaining %d after compensated rollback, want 3 (unchanged)", info.Remaining)
	}
	if info.Sold != 0 {
		t.Errorf("got sold %d after compensated rollback, want 0", info.Sold)
	}
}

func TestRollback_IdempotentOnSecondCall(t *testing.T) {
	activity := fakeActivityLookup{activityID: uuid.New(), perUserLimit: 5, active: true}
	orders := &fakeOrderLedger{}
	e, _ := newTestEngine(t, activity, orders, true, 1)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 5, false); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	res, err := e.Deduct(ctx, "user-1", "sku-1", 2)
	if err != nil || res.Outcome != Success {
		t.Fatalf("deduct: res=%v err=%v", res, err)
	}

	remaining1, err := e.Rollback(ctx, "sku-1", res.OrderID, 2)
	if err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if remaining1 != 5 {
		t.Fatalf("got remaining %d after rollback, want 5", remaining1)
	}

	remaining2, err := e.Rollback(ctx, "sku-1", res.OrderID, 2)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if remaining2 != 5 {
		t.Fatalf("second rollback should be a no-op: got remaining %d, want 5", remaining2)
	}
}

func TestWarmup_RefusesWithoutForce(t *testing.T) {
	activity := fakeActivityLookup{active: true}
	orders := &fakeOrderLedger{}
	e, _ := newTestEngine(t, activity, orders, true, 0)
	ctx := context.Background()

	if err := e.Warmup(ctx, "sku-1", 10, false); err != nil {
		t.Fatalf("first warmup: %v", err)
	}
	if err := e.Warmup(ctx, "sku-1", 20, false); !errors.Is(err, ErrAlreadyWarmed) {
		t.Fatalf("got err=%v, want ErrAlreadyWarmed", err)
	}
	if err := e.Warmup(ctx, "sku-1", 20, true); err != nil {
		t.Fatalf("forced warmup: %v", err)
	}
}

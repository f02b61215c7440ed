package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/pkg/admission"
	"github.com/wisbric/flashio/pkg/inventory"
	"github.com/wisbric/flashio/pkg/order"
)

type fakeGate struct {
	result admission.Result
}

func (f fakeGate) TryAcquire(ctx context.Context, skuID, userID string) admission.Result {
	return f.result
}

type fakeEngine struct {
	deductResult inventory.DeductResult
	deductErr    error
	stockInfo    inventory.StockInfo
	stockErr     error
}

func (f fakeEngine) Deduct(ctx context.Context, userID, skuID string, qty int64) (inventory.DeductResult, error) {
	return f.deductResult, f.deductErr
}

func (f fakeEngine) Stock(ctx context.Context, skuID string) (inventory.StockInfo, error) {
	return f.stockInfo, f.stockErr
}

type fakeOrderLookup struct {
	order order.Order
	err   error
}

func (f fakeOrderLookup) Get(ctx context.Context, orderID uuid.UUID) (order.Order, error) {
	return f.order, f.err
}

func newTestHandler(t *testing.T, gate Gate, engine Engine, orders OrderLookup) (*Handler, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(gate, engine, orders, rdb, logger), rdb
}

func doRequest(h *Handler, method, target string, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlePurchase_SoldOutReturnsGone(t *testing.T) {
	gate := fakeGate{result: admission.Result{Status: admission.SoldOut}}
	h, _ := newTestHandler(t, gate, fakeEngine{}, fakeOrderLookup{})

	rec := doRequest(h, http.MethodPost, "/skus/sku-1/purchase", `{"user_id":"u1","qty":1}`)
	if rec.Code != http.StatusGone {
		t.Fatalf("got status %d, want 410", rec.Code)
	}
}

func TestHandlePurchase_QueuingReturnsAcceptedWithEta(t *testing.T) {
	gate := fakeGate{result: admission.Result{Status: admission.Queuing, EtaSeconds: 2.5}}
	h, _ := newTestHandler(t, gate, fakeEngine{}, fakeOrderLookup{})

	rec := doRequest(h, http.MethodPost, "/skus/sku-1/purchase", `{"user_id":"u1","qty":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rec.Code)
	}
	var resp PurchaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.EtaSeconds != 2.5 {
		t.Errorf("got eta %v, want 2.5", resp.EtaSeconds)
	}
}

func TestHandlePurchase_GrantedSuccessReturnsOK(t *testing.T) {
	gate := fakeGate{result: admission.Result{Status: admission.Granted}}
	orderID := uuid.New()
	engine := fakeEngine{deductResult: inventory.DeductResult{Outcome: inventory.Success, OrderID: orderID, Remaining: 4}}
	h, _ := newTestHandler(t, gate, engine, fakeOrderLookup{})

	rec := doRequest(h, http.MethodPost, "/skus/sku-1/purchase", `{"user_id":"u1","qty":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp PurchaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OrderID != orderID.String() {
		t.Errorf("got order id %q, want %q", resp.OrderID, orderID.String())
	}
}

func TestHandlePurchase_RejectsMissingUserID(t *testing.T) {
	gate := fakeGate{result: admission.Result{Status: admission.Granted}}
	h, _ := newTestHandler(t, gate, fakeEngine{}, fakeOrderLookup{})

	rec := doRequest(h, http.MethodPost, "/skus/sku-1/purchase", `{"qty":1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
}

func TestHandleStock_ReturnsStockInfo(t *testing.T) {
	engine := fakeEngine{stockInfo: inventory.StockInfo{Total: 100, Remaining: 40, Sold: 60}}
	h, _ := newTestHandler(t, fakeGate{}, engine, fakeOrderLookup{})

	rec := doRequest(h, http.MethodGet, "/skus/sku-1/stock", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp StockResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Remaining != 40 {
		t.Errorf("got remaining %d, want 40", resp.Remaining)
	}
}

func TestHandleGetOrder_CacheHitSkipsDurableLookup(t *testing.T) {
	h, rdb := newTestHandler(t, fakeGate{}, fakeEngine{}, fakeOrderLookup{err: fmt.Errorf("should not be called")})
	orderID := uuid.New()
	if err := rdb.Set(context.Background(), "order_status:"+orderID.String(), "Paid", 0).Err(); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	rec := doRequest(h, http.MethodGet, "/orders/"+orderID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "Paid" {
		t.Errorf("got status %q, want Paid", resp.Status)
	}
}

func TestHandleGetOrder_CacheMissFallsBackToDurableStore(t *testing.T) {
	orderID := uuid.New()
	orders := fakeOrderLookup{order: order.Order{OrderID: orderID, UserID: "u1", SKUID: "sku-1", Qty: 2, Status: order.StatusPaid}}
	h, _ := newTestHandler(t, fakeGate{}, fakeEngine{}, orders)

	rec := doRequest(h, http.MethodGet, "/orders/"+orderID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.UserID != "u1" {
		t.Errorf("got user %q, want u1", resp.UserID)
	}
}

func TestHandleGetOrder_RejectsInvalidUUID(t *testing.T) {
	h, _ := newTestHandler(t, fakeGate{}, fakeEngine{}, fakeOrderLookup{})

	rec := doRequest(h, http.MethodGet, "/orders/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

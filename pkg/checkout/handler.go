// Package checkout exposes the public purchase flow over HTTP: admission
// through the token bucket (spec §4.1), then an atomic deduct against the
// Inventory Engine (spec §4.2), plus read-only stock and order-status
// lookups.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/httpserver"
	"github.com/wisbric/flashio/pkg/admission"
	"github.com/wisbric/flashio/pkg/inventory"
	"github.com/wisbric/flashio/pkg/order"
)

// Gate is the subset of the Admission Gate the handler calls.
type Gate interface {
	TryAcquire(ctx context.Context, skuID, userID string) admission.Result
}

// Engine is the subset of the Inventory Engine the handler calls.
type Engine interface {
	Deduct(ctx context.Context, userID, skuID string, qty int64) (inventory.DeductResult, error)
	Stock(ctx context.Context, skuID string) (inventory.StockInfo, error)
}

// OrderLookup is the subset of the durable order store the handler needs
// for the order status fallback when the fast-store cache misses.
type OrderLookup interface {
	Get(ctx context.Context, orderID uuid.UUID) (order.Order, error)
}

// Handler serves the purchase, stock, and order-status endpoints.
type Handler struct {
	gate   Gate
	engine Engine
	orders OrderLookup
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewHandler constructs a checkout Handler.
func NewHandler(gate Gate, engine Engine, orders OrderLookup, rdb redis.Cmdable, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, engine: engine, orders: orders, rdb: rdb, logger: logger}
}

// Routes returns a chi.Router with all checkout routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/skus/{sku_id}/purchase", h.handlePurchase)
	r.Get("/skus/{sku_id}/stock", h.handleStock)
	r.Get("/orders/{order_id}", h.handleGetOrder)
	return r
}

// PurchaseRequest is the body of a purchase attempt.
type PurchaseRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Qty    int64  `json:"qty" validate:"required,gte=1"`
}

// PurchaseResponse reports the outcome of a purchase attempt. EtaSeconds
// is only set when Status is "Queuing"; OrderID and Remaining only when an
// actual deduct was attempted.
type PurchaseResponse struct {
	Status     string  `json:"status"`
	EtaSeconds float64 `json:"eta_seconds,omitempty"`
	OrderID    string  `json:"order_id,omitempty"`
	Remaining  int64   `json:"remaining,omitempty"`
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	skuID := chi.URLParam(r, "sku_id")

	var req PurchaseRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	admitted := h.gate.TryAcquire(ctx, skuID, req.UserID)
	switch admitted.Status {
	case admission.SoldOut:
		httpserver.Respond(w, http.StatusGone, PurchaseResponse{Status: "SoldOut"})
		return
	case admission.Queuing:
		httpserver.Respond(w, http.StatusAccepted, PurchaseResponse{Status: "Queuing", EtaSeconds: admitted.EtaSeconds})
		return
	}

	dr, err := h.engine.Deduct(ctx, req.UserID, skuID, req.Qty)
	if err != nil {
		h.logger.Error("deducting stock", "sku_id", skuID, "user_id", req.UserID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process purchase")
		return
	}

	// Status codes per spec §6's external contract: 200 Granted, 202
	// Queuing, 410 SoldOut, 422 OverLimit.
	switch dr.Outcome {
	case inventory.Success:
		httpserver.Respond(w, http.StatusOK, PurchaseResponse{Status: "Granted", OrderID: dr.OrderID.String(), Remaining: dr.Remaining})
	case inventory.OutOfStock:
		httpserver.Respond(w, http.StatusGone, PurchaseResponse{Status: "SoldOut", Remaining: dr.Remaining})
	case inventory.OverLimit:
		httpserver.Respond(w, http.StatusUnprocessableEntity, PurchaseResponse{Status: "OverLimit"})
	default:
		httpserver.Respond(w, http.StatusInternalServerError, PurchaseResponse{Status: "SystemError"})
	}
}

// StockResponse reports a SKU's current fast-store stock counters.
type StockResponse struct {
	Total     int64 `json:"total"`
	Remaining int64 `json:"remaining"`
	Sold      int64 `json:"sold"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	skuID := chi.URLParam(r, "sku_id")

	info, err := h.engine.Stock(r.Context(), skuID)
	if err != nil {
		h.logger.Error("reading stock", "sku_id", skuID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read stock")
		return
	}

	httpserver.Respond(w, http.StatusOK, StockResponse{Total: info.Total, Remaining: info.Remaining, Sold: info.Sold})
}

// OrderResponse is the order-status read model. Status is all that's
// guaranteed fresh on the fast-store cache-hit path; the remaining fields
// are only populated on the durable-store fallback.
type OrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	SKUID   string `json:"sku_id,omitempty"`
	Qty     int64  `json:"qty,omitempty"`
}

// handleGetOrder reads order_status:<order_id> from the fast store first
// (spec §4.3 step 4's read-through cache), falling back to the durable
// order row on a cache miss.
func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "order_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "order_id must be a valid UUID")
		return
	}

	ctx := r.Context()
	if status, err := h.rdb.Get(ctx, "order_status:"+idStr).Result(); err == nil {
		httpserver.Respond(w, http.StatusOK, OrderResponse{OrderID: idStr, Status: status})
		return
	} else if !errors.Is(err, redis.Nil) {
		h.logger.Warn("reading order status cache, falling back to durable store", "order_id", idStr, "error", err)
	}

	o, err := h.orders.Get(ctx, id)
	if err != nil {
		if order.IsNotFound(err) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		h.logger.Error("reading order", "order_id", idStr, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read order")
		return
	}

	httpserver.Respond(w, http.StatusOK, OrderResponse{
		OrderID: o.OrderID.String(),
		Status:  string(o.Status),
		UserID:  o.UserID,
		SKUID:   o.SKUID,
		Qty:     o.Qty,
	})
}

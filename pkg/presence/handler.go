package presence

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/flashio/internal/httpserver"
)

// Registrar is the subset of Registry the handler drives. Real clients are
// gateway processes registering the devices they hold a live connection
// for, not end users, but the contract is the same shape either way.
type Registrar interface {
	Register(ctx context.Context, userID, deviceID, gatewayID string) error
	Renew(ctx context.Context, userID, deviceID string) error
	Deregister(ctx context.Context, userID, deviceID string) error
	Lookup(ctx context.Context, userID string) ([]Binding, error)
}

// Handler exposes the Presence Registry (spec §4.7) to gateway processes.
type Handler struct {
	registry Registrar
	logger   *slog.Logger
}

// NewHandler constructs a presence Handler.
func NewHandler(registry Registrar, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Routes returns a chi.Router with all presence routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/renew", h.handleRenew)
	r.Post("/deregister", h.handleDeregister)
	r.Get("/{user_id}", h.handleLookup)
	return r
}

// bindingRequest is the common body shape for register/renew/deregister.
type bindingRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	DeviceID  string `json:"device_id" validate:"required"`
	GatewayID string `json:"gateway_id,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.GatewayID == "" {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", "gateway_id is required")
		return
	}

	if err := h.registry.Register(r.Context(), req.UserID, req.DeviceID, req.GatewayID); err != nil {
		h.logger.Error("registering presence", "user_id", req.UserID, "device_id", req.DeviceID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to register presence")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.Renew(r.Context(), req.UserID, req.DeviceID); err != nil {
		h.logger.Warn("renewing presence lease", "user_id", req.UserID, "device_id", req.DeviceID, "error", err)
		httpserver.RespondError(w, http.StatusConflict, "lease_expired", "lease not found or already expired; re-register")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (h *Handler) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.Deregister(r.Context(), req.UserID, req.DeviceID); err != nil {
		h.logger.Error("deregistering presence", "user_id", req.UserID, "device_id", req.DeviceID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to deregister presence")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

// bindingResponse is the JSON shape of a Binding.
type bindingResponse struct {
	DeviceID  string `json:"device_id"`
	GatewayID string `json:"gateway_id"`
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	bindings, err := h.registry.Lookup(r.Context(), userID)
	if err != nil {
		h.logger.Error("looking up presence", "user_id", userID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up presence")
		return
	}

	out := make([]bindingResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, bindingResponse{DeviceID: b.DeviceID, GatewayID: b.GatewayID})
	}
	httpserver.Respond(w, http.StatusOK, out)
}

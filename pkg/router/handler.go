package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/flashio/internal/httpserver"
)

// Routable is the subset of Router the handler needs.
type Routable interface {
	Route(ctx context.Context, req Request) (Response, error)
}

// Handler exposes the message-routing contract of spec §4.9 over HTTP.
type Handler struct {
	router Routable
	logger *slog.Logger
}

// NewHandler constructs a router Handler.
func NewHandler(router Routable, logger *slog.Logger) *Handler {
	return &Handler{router: router, logger: logger}
}

// Routes returns a chi.Router with the single routing endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", h.handleRoute)
	return r
}

// RouteRequest is the wire shape of a route call.
type RouteRequest struct {
	MsgID     string            `json:"msg_id" validate:"required"`
	Sender    string            `json:"sender" validate:"required"`
	Recipient string            `json:"recipient,omitempty"`
	Group     string            `json:"group,omitempty"`
	Content   string            `json:"content"`
	TS        time.Time         `json:"ts" validate:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RouteResponse is the wire shape of a route outcome.
type RouteResponse struct {
	Sequence       int64  `json:"sequence,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.router.Route(r.Context(), Request{
		MsgID:     req.MsgID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Group:     req.Group,
		Content:   req.Content,
		TS:        req.TS,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.logger.Error("routing message", "msg_id", req.MsgID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to route message")
		return
	}

	out := RouteResponse{Sequence: resp.Sequence, DeliveryStatus: string(resp.DeliveryStatus), Error: resp.Error}
	if resp.Error != "" {
		httpserver.Respond(w, http.StatusUnprocessableEntity, out)
		return
	}
	httpserver.Respond(w, http.StatusOK, out)
}

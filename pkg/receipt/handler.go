package receipt

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/flashio/internal/httpserver"
)

// Marker is the subset of Tracker the handler needs.
type Marker interface {
	MarkRead(ctx context.Context, p MarkReadParams) error
}

// Handler exposes the Read-Receipt Tracker (spec §4.12) over HTTP.
type Handler struct {
	tracker Marker
	logger  *slog.Logger
}

// NewHandler constructs a receipt Handler.
func NewHandler(tracker Marker, logger *slog.Logger) *Handler {
	return &Handler{tracker: tracker, logger: logger}
}

// Routes returns a chi.Router with the mark-read endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleMarkRead)
	return r
}

// MarkReadRequest is the wire shape of a mark-read call.
type MarkReadRequest struct {
	MsgID    string `json:"msg_id" validate:"required"`
	ReaderID string `json:"reader_id" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
	SenderID string `json:"sender_id" validate:"required"`
	ConvID   string `json:"conv_id" validate:"required"`
	ConvType string `json:"conv_type" validate:"required,oneof=private group"`
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	err := h.tracker.MarkRead(r.Context(), MarkReadParams{
		MsgID:    req.MsgID,
		ReaderID: req.ReaderID,
		DeviceID: req.DeviceID,
		SenderID: req.SenderID,
		ConvID:   req.ConvID,
		ConvType: req.ConvType,
	})
	if err != nil {
		h.logger.Error("marking message read", "msg_id", req.MsgID, "reader_id", req.ReaderID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to mark message read")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

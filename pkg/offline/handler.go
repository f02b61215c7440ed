package offline

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/flashio/internal/httpserver"
)

// Lister is the subset of the durable store the handler needs to page
// through a user's undelivered messages (spec §6 P7).
type Lister interface {
	ListUnread(ctx context.Context, userID string, afterSeq, limit int64) ([]Message, error)
}

// Handler exposes the offline message backlog for reconnecting clients.
type Handler struct {
	store  Lister
	logger *slog.Logger
}

// NewHandler constructs an offline Handler.
func NewHandler(store Lister, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with the unread-listing endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{user_id}/unread", h.handleListUnread)
	return r
}

// MessageResponse is the JSON representation of an offline Message.
type MessageResponse struct {
	MsgID    string    `json:"msg_id"`
	SenderID string    `json:"sender_id"`
	ConvID   string    `json:"conv_id"`
	ConvType string    `json:"conv_type"`
	Content  string    `json:"content"`
	Sequence int64     `json:"sequence"`
	TS       time.Time `json:"ts"`
}

// the cursor carried in after_seq is the last-seen sequence number in the
// conversation; it is a plain integer rather than httpserver's opaque
// base64 cursor because the offline backlog is already ordered by the
// Sequencer's per-conversation seq, a stronger key than created_at+id.
func (h *Handler) handleListUnread(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = n
	}

	limit := int64(httpserver.DefaultPageSize)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		limit = n
	}

	msgs, err := h.store.ListUnread(r.Context(), userID, afterSeq, limit+1)
	if err != nil {
		h.logger.Error("listing unread offline messages", "user_id", userID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list unread messages")
		return
	}

	hasMore := int64(len(msgs)) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			MsgID:    m.MsgID.String(),
			SenderID: m.SenderID,
			ConvID:   m.ConvID,
			ConvType: m.ConvType,
			Content:  m.Content,
			Sequence: m.Sequence,
			TS:       m.TS,
		})
	}

	var nextAfterSeq *int64
	if hasMore && len(out) > 0 {
		nextAfterSeq = &out[len(out)-1].Sequence
	}

	httpserver.Respond(w, http.StatusOK, struct {
		Items        []MessageResponse `json:"items"`
		HasMore      bool              `json:"has_more"`
		NextAfterSeq *int64            `json:"next_after_seq,omitempty"`
	}{Items: out, HasMore: hasMore, NextAfterSeq: nextAfterSeq})
}

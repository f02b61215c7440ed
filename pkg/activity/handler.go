package activity

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/flashio/internal/httpserver"
)

// Handler serves the admin activity-scheduling API: create, inspect, list,
// and manually start/end a flash sale (spec §4.5).
type Handler struct {
	store   *Store
	manager *Manager
	logger  *slog.Logger
}

// NewHandler constructs an activity Handler.
func NewHandler(store *Store, manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{store: store, manager: manager, logger: logger}
}

// Routes returns a chi.Router with all activity routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/start", h.handleStart)
		r.Post("/end", h.handleEnd)
	})
	return r
}

// CreateRequest is the body of a schedule-activity call.
type CreateRequest struct {
	SKUID        string    `json:"sku_id" validate:"required"`
	Name         string    `json:"name" validate:"required"`
	TotalStock   int64     `json:"total_stock" validate:"required,gte=1"`
	PerUserLimit int64     `json:"per_user_limit" validate:"required,gte=1"`
	StartTS      time.Time `json:"start_ts" validate:"required"`
	EndTS        time.Time `json:"end_ts" validate:"required"`
}

// Response is the JSON representation of an Activity.
type Response struct {
	ID           string    `json:"id"`
	SKUID        string    `json:"sku_id"`
	Name         string    `json:"name"`
	TotalStock   int64     `json:"total_stock"`
	PerUserLimit int64     `json:"per_user_limit"`
	StartTS      time.Time `json:"start_ts"`
	EndTS        time.Time `json:"end_ts"`
	Status       string    `json:"status"`
}

func toResponse(a Activity) Response {
	return Response{
		ID:           a.ID.String(),
		SKUID:        a.SKUID,
		Name:         a.Name,
		TotalStock:   a.TotalStock,
		PerUserLimit: a.PerUserLimit,
		StartTS:      a.StartTS,
		EndTS:        a.EndTS,
		Status:       string(a.Status),
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	a, err := h.store.Create(r.Context(), CreateParams{
		SKUID:        req.SKUID,
		Name:         req.Name,
		TotalStock:   req.TotalStock,
		PerUserLimit: req.PerUserLimit,
		StartTS:      req.StartTS,
		EndTS:        req.EndTS,
	})
	if err != nil {
		h.logger.Error("creating activity", "sku_id", req.SKUID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create activity")
		return
	}

	httpserver.Respond(w, http.StatusCreated, toResponse(a))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	activities, err := h.store.ListActive(r.Context())
	if err != nil {
		h.logger.Error("listing activities", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list activities")
		return
	}

	out := make([]Response, 0, len(activities))
	for _, a := range activities {
		out = append(out, toResponse(a))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "id must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	a, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("getting activity", "activity_id", id, "error", err)
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(a))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.manager.Start(r.Context(), id); err != nil {
		h.logger.Error("starting activity", "activity_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start activity")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.manager.End(r.Context(), id); err != nil {
		h.logger.Error("ending activity", "activity_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to end activity")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ended"})
}

package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRoutable struct {
	resp Response
	err  error
}

func (f fakeRoutable) Route(ctx context.Context, req Request) (Response, error) {
	return f.resp, f.err
}

func TestHandleRoute_ReturnsDeliveredStatus(t *testing.T) {
	h := NewHandler(fakeRoutable{resp: Response{Sequence: 7, DeliveryStatus: StatusDelivered}}, testLogger())

	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	body := `{"msg_id":"m1","sender":"alice","recipient":"bob","content":"hi","ts":"2026-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp RouteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Sequence != 7 || resp.DeliveryStatus != "Delivered" {
		t.Errorf("got %+v, want sequence 7 delivered", resp)
	}
}

func TestHandleRoute_BlockedContentReturnsUnprocessable(t *testing.T) {
	h := NewHandler(fakeRoutable{resp: Response{Error: ErrSensitiveContent}}, testLogger())

	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	body := `{"msg_id":"m1","sender":"alice","recipient":"bob","content":"bad","ts":"2026-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
}

func TestHandleRoute_RejectsMissingRequiredFields(t *testing.T) {
	h := NewHandler(fakeRoutable{}, testLogger())

	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
}

package receipt

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeMarker struct {
	err error
}

func (f fakeMarker) MarkRead(ctx context.Context, p MarkReadParams) error { return f.err }

func newTestHandlerRouter(m Marker) chi.Router {
	h := NewHandler(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	return r
}

func TestHandleMarkRead_Succeeds(t *testing.T) {
	r := newTestHandlerRouter(fakeMarker{})

	body := `{"msg_id":"m1","reader_id":"bob","device_id":"d1","sender_id":"alice","conv_id":"alice:bob","conv_type":"private"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMarkRead_RejectsInvalidConvType(t *testing.T) {
	r := newTestHandlerRouter(fakeMarker{})

	body := `{"msg_id":"m1","reader_id":"bob","device_id":"d1","sender_id":"alice","conv_id":"alice:bob","conv_type":"bogus"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
}

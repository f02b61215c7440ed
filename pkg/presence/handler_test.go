package presence

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

type fakeRegistrar struct {
	registerErr error
	renewErr    error
	bindings    []Binding
}

func (f *fakeRegistrar) Register(ctx context.Context, userID, deviceID, gatewayID string) error {
	return f.registerErr
}
func (f *fakeRegistrar) Renew(ctx context.Context, userID, deviceID string) error { return f.renewErr }
func (f *fakeRegistrar) Deregister(ctx context.Context, userID, deviceID string) error {
	return nil
}
func (f *fakeRegistrar) Lookup(ctx context.Context, userID string) ([]Binding, error) {
	return f.bindings, nil
}

func newTestRouter(reg Registrar) chi.Router {
	h := NewHandler(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	return r
}

func TestHandleRegister_RequiresGatewayID(t *testing.T) {
	r := newTestRouter(&fakeRegistrar{})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"user_id":"u1","device_id":"d1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
}

func TestHandleRegister_Succeeds(t *testing.T) {
	r := newTestRouter(&fakeRegistrar{})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"user_id":"u1","device_id":"d1","gateway_id":"gw1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRenew_FailsWithConflictOnExpiredLease(t *testing.T) {
	r := newTestRouter(&fakeRegistrar{renewErr: context.DeadlineExceeded})

	req := httptest.NewRequest(http.MethodPost, "/renew", strings.NewReader(`{"user_id":"u1","device_id":"d1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want 409", rec.Code)
	}
}

func TestHandleLookup_ReturnsBindings(t *testing.T) {
	r := newTestRouter(&fakeRegistrar{bindings: []Binding{{DeviceID: "d1", GatewayID: "gw1"}}})

	req := httptest.NewRequest(http.MethodGet, "/u1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var out []bindingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out) != 1 || out[0].GatewayID != "gw1" {
		t.Errorf("got %+v, want one binding on gw1", out)
	}
}

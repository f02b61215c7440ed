package offline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type fakeLister struct {
	messages []Message
}

func (f fakeLister) ListUnread(ctx context.Context, userID string, afterSeq, limit int64) ([]Message, error) {
	var out []Message
	for _, m := range f.messages {
		if m.Sequence > afterSeq {
			out = append(out, m)
		}
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestListHandler(messages []Message) chi.Router {
	h := NewHandler(fakeLister{messages: messages}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	return r
}

func TestHandleListUnread_ReturnsMessagesOrderedBySequence(t *testing.T) {
	msgs := []Message{
		{MsgID: uuid.New(), UserID: "bob", SenderID: "alice", ConvID: "alice:bob", Sequence: 1, TS: time.Now()},
		{MsgID: uuid.New(), UserID: "bob", SenderID: "alice", ConvID: "alice:bob", Sequence: 2, TS: time.Now()},
	}
	r := newTestListHandler(msgs)

	req := httptest.NewRequest(http.MethodGet, "/bob/unread", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Items   []MessageResponse `json:"items"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(resp.Items))
	}
	if resp.Items[0].Sequence != 1 || resp.Items[1].Sequence != 2 {
		t.Errorf("got sequences %d, %d, want 1, 2", resp.Items[0].Sequence, resp.Items[1].Sequence)
	}
}

func TestHandleListUnread_RespectsAfterSeqCursor(t *testing.T) {
	msgs := []Message{
		{MsgID: uuid.New(), UserID: "bob", SenderID: "alice", Sequence: 1, TS: time.Now()},
		{MsgID: uuid.New(), UserID: "bob", SenderID: "alice", Sequence: 2, TS: time.Now()},
	}
	r := newTestListHandler(msgs)

	req := httptest.NewRequest(http.MethodGet, "/bob/unread?after_seq=1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp struct {
		Items []MessageResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Sequence != 2 {
		t.Fatalf("got %+v, want a single message with sequence 2", resp.Items)
	}
}

func TestHandleListUnread_RejectsInvalidAfterSeq(t *testing.T) {
	r := newTestListHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/bob/unread?after_seq=not-a-number", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

package contentfilter

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApply_NilFilterIsNoop(t *testing.T) {
	var f *Filter
	out, err := f.Apply("hello world")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "hello world" {
		t.Errorf("got %q, want unchanged content", out)
	}
}

func TestApply_EmptyFilterIsNoop(t *testing.T) {
	f := New(nil, testLogger())
	out, err := f.Apply("hello world")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "hello world" {
		t.Errorf("got %q, want unchanged content", out)
	}
}

func TestApply_BlockReturnsErrBlocked(t *testing.T) {
	f := New([]Term{{Word: "badword", Action: ActionBlock}}, testLogger())
	_, err := f.Apply("this has a badword in it")
	if err == nil {
		t.Fatal("expected ErrBlocked")
	}
	var blocked *ErrBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("got error %v, want *ErrBlocked", err)
	}
	if blocked.Term != "badword" {
		t.Errorf("got term %q, want badword", blocked.Term)
	}
}

func TestApply_ReplacePreservesRuneLength(t *testing.T) {
	f := New([]Term{{Word: "spam", Action: ActionReplace}}, testLogger())
	out, err := f.Apply("buy spam now")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "buy **** now" {
		t.Errorf("got %q, want asterisked replacement", out)
	}
}

func TestApply_AuditPassesThroughUnchanged(t *testing.T) {
	f := New([]Term{{Word: "watch", Action: ActionAudit}}, testLogger())
	out, err := f.Apply("watch this")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "watch this" {
		t.Errorf("got %q, want unchanged content for an audit match", out)
	}
}

func TestApply_NormalizesUnicodeBeforeComparison(t *testing.T) {
	// "e" + combining acute (NFD) should match a dictionary entry written
	// in precomposed NFC form ("é").
	f := New([]Term{{Word: "café", Action: ActionBlock}}, testLogger())
	_, err := f.Apply("café is open")
	if err == nil {
		t.Fatal("expected NFD-composed content to match the NFC dictionary entry")
	}
}

func TestApply_CaseInsensitive(t *testing.T) {
	f := New([]Term{{Word: "Spam", Action: ActionBlock}}, testLogger())
	if _, err := f.Apply("SPAM everywhere"); err == nil {
		t.Fatal("expected case-insensitive match to block")
	}
}

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/execution"
)

type memStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fixedHandler struct {
	resp   execution.Response
	status int
}

func (f fixedHandler) HandleSubmission(context.Context, execution.Submission) (execution.Response, int) {
	return f.resp, f.status
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandler_RecordsSuccess(t *testing.T) {
	out := "hi\n"
	store := &memStore{}
	h := NewHandler(fixedHandler{
		resp:   execution.Response{ID: "s1", Stdout: &out, Outcome: execution.OutcomeStdout},
		status: http.StatusOK,
	}, store, discardLogger(), nil)

	resp, status := h.HandleSubmission(context.Background(), execution.NewSubmission("print('hi')", ""))
	if status != http.StatusOK || resp.Stdout == nil || *resp.Stdout != out {
		t.Fatalf("response not passed through: %d %+v", status, resp)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.SessionID != "s1" || rec.Outcome != "stdout" || rec.Status != http.StatusOK {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.CodeBytes != len("print('hi')") {
		t.Errorf("code bytes = %d", rec.CodeBytes)
	}
	if rec.Error != "" {
		t.Errorf("success should carry no error, got %q", rec.Error)
	}
}

func TestHandler_RecordsFailureMessage(t *testing.T) {
	store := &memStore{}
	h := NewHandler(fixedHandler{
		resp:   execution.Response{ID: "s2", Error: execution.MsgTimeout, Outcome: execution.OutcomeTimeout},
		status: http.StatusInternalServerError,
	}, store, discardLogger(), nil)

	h.HandleSubmission(context.Background(), execution.NewSubmission("while(true){}", ""))
	if got := store.records[0].Error; got != execution.MsgTimeout {
		t.Errorf("error = %q, want %q", got, execution.MsgTimeout)
	}
}

func TestHandler_WriteFailureIsNotSurfaced(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	var failures int
	h := NewHandler(fixedHandler{
		resp:   execution.Response{ID: "s3", Outcome: execution.OutcomeStdout},
		status: http.StatusOK,
	}, store, discardLogger(), func() { failures++ })

	_, status := h.HandleSubmission(context.Background(), execution.NewSubmission("1", ""))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if failures != 1 {
		t.Errorf("onError called %d times, want 1", failures)
	}
}

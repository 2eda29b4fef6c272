// Package audit keeps an append-only trail of terminal submission outcomes.
// Code text and captured output are never stored, only their sizes and the
// outcome label.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/execution"
)

// DefaultRecentLimit bounds Recent when the caller passes no limit.
const DefaultRecentLimit = 100

// Record is one terminal submission.
type Record struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	CodeBytes  int       `json:"code_bytes"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists records. Implementations live in internal/storage.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler wraps an execution.Handler and records every response it returns.
// A failed write is logged and counted, never surfaced to the caller.
type Handler struct {
	inner   execution.Handler
	store   Store
	logger  *slog.Logger
	onError func()
	now     func() time.Time
}

var _ execution.Handler = (*Handler)(nil)

// NewHandler creates a recording Handler. onError may be nil.
func NewHandler(inner execution.Handler, store Store, logger *slog.Logger, onError func()) *Handler {
	return &Handler{
		inner:   inner,
		store:   store,
		logger:  logger,
		onError: onError,
		now:     time.Now,
	}
}

func (h *Handler) HandleSubmission(ctx context.Context, sub execution.Submission) (execution.Response, int) {
	start := h.now()
	resp, status := h.inner.HandleSubmission(ctx, sub)

	rec := Record{
		ID:         uuid.New(),
		SessionID:  resp.ID,
		Outcome:    string(resp.Outcome),
		Status:     status,
		DurationMS: h.now().Sub(start).Milliseconds(),
		CreatedAt:  start.UTC(),
	}
	if code, ok := sub.CodeText(); ok {
		rec.CodeBytes = len(code)
	}
	if status != http.StatusOK {
		rec.Error = resp.Error
	}

	// The caller may have gone away; the record still belongs to the trail.
	if err := h.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		h.logger.Warn("writing audit record failed",
			slog.String("session_id", rec.SessionID),
			slog.String("outcome", rec.Outcome),
			slog.String("error", err.Error()),
		)
		if h.onError != nil {
			h.onError()
		}
	}
	return resp, status
}

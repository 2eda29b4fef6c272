// Package execution is the lifecycle controller: it validates a submission,
// resolves its session, runs it in a worker under a timeout and a memory
// monitor, decides the outcome and always reclaims the worker.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/runbox/internal/interp"
	"github.com/jkaninda/runbox/internal/worker"
)

// Error taxonomy. Response.Err wraps exactly one of these.
var (
	ErrValidation      = errors.New("validation failed")
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrValidation)
	ErrTimeout         = errors.New("execution timed out")
	ErrMemoryLimit     = errors.New("memory limit exceeded")
	ErrSuperseded      = errors.New("execution superseded")
	ErrWorkerFailed    = errors.New("worker reported an error")
	ErrUnexpected      = errors.New("worker produced no result")
	ErrShuttingDown    = errors.New("service shutting down")
	ErrInternal        = errors.New("internal error")
)

// User-facing messages.
const (
	MsgInvalidJSON   = "Invalid JSON payload"
	MsgInvalidCode   = "Code must be a non-empty string"
	MsgTimeout       = "Execution timeout. Session terminated."
	MsgMemoryLimit   = "Memory limit exceeded. Session terminated."
	MsgSuperseded    = "Execution superseded by a newer submission. Session reset."
	MsgUnexpected    = "Unexpected error. Session terminated."
	MsgShuttingDown  = "Service shutting down. Session terminated."
	MsgInternalError = "Internal server error"
)

// Outcome labels a terminal state for metrics and the audit trail.
type Outcome string

const (
	OutcomeStdout      Outcome = "stdout"
	OutcomeStderr      Outcome = "stderr"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeMemory      Outcome = "memory_exceeded"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeWorkerError Outcome = "worker_error"
	OutcomeUnexpected  Outcome = "unexpected"
	OutcomeShutdown    Outcome = "shutdown"
	OutcomeInternal    Outcome = "internal"
)

// Success reports whether the outcome produced a result for the caller.
func (o Outcome) Success() bool {
	return o == OutcomeStdout || o == OutcomeStderr
}

// Submission is the structural input of one request. Code is kept untyped so
// a non-string payload can be rejected with the same validation error.
type Submission struct {
	Code any     `json:"code"`
	ID   *string `json:"id,omitempty"`
}

// NewSubmission builds a submission from plain values. An empty id means none.
func NewSubmission(code, id string) Submission {
	sub := Submission{Code: code}
	if id != "" {
		sub.ID = &id
	}
	return sub
}

// ParseSubmission decodes a JSON request body. A body that is not a JSON
// object fails with ErrValidation. A non-string id is kept as its JSON text,
// so it resolves to an unknown session rather than a parse error.
func ParseSubmission(data []byte) (Submission, error) {
	var raw struct {
		Code any             `json:"code"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Submission{}, fmt.Errorf("%w: %s: %w", ErrValidation, MsgInvalidJSON, err)
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return Submission{}, fmt.Errorf("%w: %s: body is null", ErrValidation, MsgInvalidJSON)
	}
	sub := Submission{Code: raw.Code}
	if len(raw.ID) == 0 || string(raw.ID) == "null" {
		return sub, nil
	}
	var id string
	if err := json.Unmarshal(raw.ID, &id); err != nil {
		id = string(raw.ID)
	}
	sub.ID = &id
	return sub, nil
}

// CodeText returns the submitted code when it is a string.
func (s Submission) CodeText() (string, bool) {
	code, ok := s.Code.(string)
	return code, ok
}

// Response is the body returned for a submission. At most one of Stdout,
// Stderr and Error is set.
type Response struct {
	ID     string  `json:"id,omitempty"`
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
	Error  string  `json:"error,omitempty"`

	Outcome Outcome `json:"-"`
	Err     error   `json:"-"`
}

// Handler runs submissions. Controller implements it; wrappers add metrics,
// tracing and auditing.
type Handler interface {
	HandleSubmission(ctx context.Context, sub Submission) (Response, int)
}

// Launcher starts workers. *worker.Runner implements it.
type Launcher interface {
	Start(ctx context.Context, code string, execCtx *interp.Context, flag *worker.Flag) (*worker.Handle, error)
}

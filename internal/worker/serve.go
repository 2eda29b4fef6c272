package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jkaninda/runbox/internal/interp"
)

const (
	// maxRequestBytes caps what a worker accepts on stdin.
	maxRequestBytes = 16 << 20

	defaultMaxOutputBytes = 1 << 20
)

// Serve is the worker side of an execution: it reads one Request from r, runs
// the code and writes one Message to w. Failures of the submitted code become
// a trace on stderr; only I/O failures are returned.
func Serve(r io.Reader, w io.Writer) error {
	in, err := io.ReadAll(io.LimitReader(r, maxRequestBytes+1))
	if err != nil {
		return reply(w, Message{Error: "reading worker request: " + err.Error()})
	}
	if len(in) > maxRequestBytes {
		return reply(w, Message{Error: "worker request too large"})
	}

	var req Request
	if err := json.Unmarshal(in, &req); err != nil {
		return reply(w, Message{Error: "invalid worker request"})
	}

	return reply(w, Execute(req))
}

// Execute runs a request in the current process.
func Execute(req Request) Message {
	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, remaining: limit}
	errW := &limitedWriter{w: &stderr, remaining: limit}

	ctx := req.Context
	if ctx == nil {
		ctx = interp.Build()
	}

	rt, err := interp.NewRuntime(ctx, outW, errW)
	if err != nil {
		return Message{Error: fmt.Sprintf("preparing runtime: %v", err)}
	}

	if err := rt.Exec(req.Code); err != nil {
		return Message{Stderr: interp.FormatTrace(err), Context: rt.Snapshot(), Dropped: rt.Dropped()}
	}
	return Message{Stdout: stdout.String(), Stderr: stderr.String(), Context: rt.Snapshot(), Dropped: rt.Dropped()}
}

func reply(w io.Writer, msg Message) error {
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		return fmt.Errorf("writing worker reply: %w", err)
	}
	return nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/runbox/internal/execution"
)

// sessionHandler echoes code to stdout and remembers which ids it saw.
type sessionHandler struct {
	ids []string
}

func (h *sessionHandler) HandleSubmission(_ context.Context, sub execution.Submission) (execution.Response, int) {
	id := ""
	if sub.ID != nil {
		id = *sub.ID
	}
	h.ids = append(h.ids, id)

	code, _ := sub.CodeText()
	switch code {
	case "throw":
		msg := "Error: boom\n"
		return execution.Response{ID: "s1", Stderr: &msg}, http.StatusOK
	case "loop":
		return execution.Response{ID: "s1", Error: execution.MsgTimeout}, http.StatusRequestTimeout
	}
	out := code + "\n"
	return execution.Response{ID: "s1", Stdout: &out}, http.StatusOK
}

func TestRunSources_SharesSession(t *testing.T) {
	h := &sessionHandler{}
	var stdout, stderr bytes.Buffer

	if err := runSources(context.Background(), h, []string{"a", "b"}, &stdout, &stderr); err != nil {
		t.Fatalf("runSources: %v", err)
	}
	if stdout.String() != "a\nb\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if len(h.ids) != 2 || h.ids[0] != "" || h.ids[1] != "s1" {
		t.Errorf("ids = %v, want [\"\" s1]", h.ids)
	}
}

func TestRunSources_StopsOnFailure(t *testing.T) {
	tests := []struct {
		name       string
		sources    []string
		wantStderr string
		wantCalls  int
	}{
		{name: "stderr", sources: []string{"throw", "never"}, wantStderr: "Error: boom\n", wantCalls: 1},
		{name: "timeout", sources: []string{"a", "loop", "never"}, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &sessionHandler{}
			var stdout, stderr bytes.Buffer

			err := runSources(context.Background(), h, tt.sources, &stdout, &stderr)
			if !errors.Is(err, errExecFailed) {
				t.Fatalf("err = %v, want errExecFailed", err)
			}
			if len(h.ids) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(h.ids), tt.wantCalls)
			}
			if stderr.String() != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestExecSources(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "main.js")
	if err := os.WriteFile(file, []byte("print(2)"), 0o600); err != nil {
		t.Fatal(err)
	}

	execEval = []string{"x = 1"}
	t.Cleanup(func() { execEval = nil })

	got, err := execSources([]string{file, "-"}, strings.NewReader("print(3)"))
	if err != nil {
		t.Fatalf("execSources: %v", err)
	}
	want := []string{"x = 1", "print(2)", "print(3)"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sources = %q, want %q", got, want)
	}

	if _, err := execSources([]string{filepath.Join(dir, "missing.js")}, nil); err == nil {
		t.Error("expected error for a missing file")
	}
}

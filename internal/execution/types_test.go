package execution

import (
	"errors"
	"testing"
)

func TestParseSubmission(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		code    any
		id      *string
	}{
		{name: "code only", body: `{"code": "print(1)"}`, code: "print(1)"},
		{name: "code and id", body: `{"code": "x", "id": "abc"}`, code: "x", id: strPtr("abc")},
		{name: "null id", body: `{"code": "x", "id": null}`, code: "x"},
		{name: "numeric id kept as text", body: `{"code": "x", "id": 42}`, code: "x", id: strPtr("42")},
		{name: "non-string code", body: `{"code": 5}`, code: float64(5)},
		{name: "malformed", body: `{"code": `, wantErr: true},
		{name: "array body", body: `[]`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
		{name: "null body", body: " null\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ParseSubmission([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sub.Code != tt.code {
				t.Errorf("code = %#v, want %#v", sub.Code, tt.code)
			}
			switch {
			case tt.id == nil && sub.ID != nil:
				t.Errorf("id = %q, want none", *sub.ID)
			case tt.id != nil && (sub.ID == nil || *sub.ID != *tt.id):
				t.Errorf("id = %v, want %q", sub.ID, *tt.id)
			}
		})
	}
}

func TestOutcome_Success(t *testing.T) {
	if !OutcomeStdout.Success() || !OutcomeStderr.Success() {
		t.Error("stdout and stderr outcomes are successes")
	}
	for _, o := range []Outcome{OutcomeTimeout, OutcomeMemory, OutcomeSuperseded, OutcomeUnexpected, OutcomeInvalid} {
		if o.Success() {
			t.Errorf("%s should not be a success", o)
		}
	}
}

func strPtr(s string) *string { return &s }

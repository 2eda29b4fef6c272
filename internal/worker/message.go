package worker

import "github.com/jkaninda/runbox/internal/interp"

// MemoryLimitMessage is the error the monitor posts when it kills a worker.
const MemoryLimitMessage = "Memory limit exceeded"

// Request is what the parent writes to a worker's stdin.
type Request struct {
	Code           string          `json:"code"`
	Context        *interp.Context `json:"context"`
	MaxOutputBytes int             `json:"max_output_bytes,omitempty"`
}

// Message is the single outcome of one execution attempt. Exactly one shape
// is populated: output plus context, a failure trace plus context, or Error.
type Message struct {
	Stdout  string          `json:"stdout,omitempty"`
	Stderr  string          `json:"stderr,omitempty"`
	Context *interp.Context `json:"context,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Dropped names the bindings of the incoming context that could not be restored.
	Dropped []string `json:"dropped,omitempty"`
}

// Failed reports whether the message carries an error instead of a result.
func (m Message) Failed() bool {
	return m.Error != ""
}

package worker

import "sync/atomic"

// Reason records who raised a cancellation flag.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonMemory
	ReasonTimeout
	ReasonReclaimed
	ReasonTeardown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMemory:
		return "memory"
	case ReasonTimeout:
		return "timeout"
	case ReasonReclaimed:
		return "reclaimed"
	case ReasonTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Flag is a one-shot cancellation signal shared by a worker, its monitor and
// the controller. Only the first Raise wins and its reason is kept.
type Flag struct {
	v atomic.Int32
}

// NewFlag returns an unraised flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Raise sets the flag with reason r. It reports false if the flag was already raised.
func (f *Flag) Raise(r Reason) bool {
	return f.v.CompareAndSwap(int32(ReasonNone), int32(r))
}

// Raised reports whether the flag is set.
func (f *Flag) Raised() bool {
	return f.v.Load() != int32(ReasonNone)
}

// Reason returns the reason of the first Raise, or ReasonNone.
func (f *Flag) Reason() Reason {
	return Reason(f.v.Load())
}

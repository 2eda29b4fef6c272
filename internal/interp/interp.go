// Package interp hosts the restricted scripting environment submitted code runs in.
//
// Code is JavaScript evaluated by goja. A prelude installs a fixed allow-list of
// helpers (print, len, range, ...) and a gated require hook.
// Only the variable bindings a submission leaves on the global object survive
// between submissions; they travel as a serialisable Context.
package interp

import (
	"encoding/json"
	"slices"
)

// Builtins is the allow-list of helpers installed into every runtime.
var Builtins = []string{
	// arithmetic
	"abs", "divmod", "pow", "round",
	// conversions
	"bool", "int", "float", "str",
	// containers
	"list", "dict", "set", "tuple",
	// iteration
	"enumerate", "filter", "map", "zip", "range", "reversed", "sorted",
	// aggregation and output
	"len", "max", "min", "sum", "print", "isinstance",
	// gated module loading
	"require",
}

// ErrorClasses are the error constructors the prelude defines. Their names
// appear as the failure kind in traces.
var ErrorClasses = []string{
	"PermissionError", "ModuleNotFoundError", "ValueError", "ZeroDivisionError", "KeyError",
}

// RestrictedModules are module names require refuses to load.
var RestrictedModules = []string{
	"os", "sys", "shutil", "pathlib", "tempfile",
	"socket", "http", "urllib", "ssl", "requests", "ftplib",
	"subprocess", "multiprocessing", "ctypes", "threading",
	"builtins", "sysconfig",
	"fs", "child_process", "net", "process",
}

var restricted = func() map[string]struct{} {
	m := make(map[string]struct{}, len(RestrictedModules))
	for _, name := range RestrictedModules {
		m[name] = struct{}{}
	}
	return m
}()

// IsRestricted reports whether require must refuse name.
func IsRestricted(name string) bool {
	_, ok := restricted[name]
	return ok
}

// IsBuiltin reports whether name is part of the allow-list.
func IsBuiltin(name string) bool {
	return slices.Contains(Builtins, name)
}

// BindingKind tells how a binding is carried across the process boundary.
type BindingKind string

const (
	KindValue     BindingKind = "value"
	KindFunction  BindingKind = "function"
	KindMethod    BindingKind = "method" // shorthand method source, restored from an object literal
	KindUndefined BindingKind = "undefined"
)

// Binding is one global variable of a session.
type Binding struct {
	Kind   BindingKind     `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Source string          `json:"source,omitempty"`
}

// Context holds the variable bindings a session accumulates.
type Context struct {
	Bindings map[string]Binding `json:"bindings"`
}

// Build returns a fresh, empty Context.
func Build() *Context {
	return &Context{Bindings: make(map[string]Binding)}
}

// Len returns the number of bindings.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Bindings)
}

// Names returns the binding names in sorted order.
func (c *Context) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Bindings))
	for name := range c.Bindings {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	out := Build()
	if c == nil {
		return out
	}
	for name, b := range c.Bindings {
		if b.Value != nil {
			b.Value = append(json.RawMessage(nil), b.Value...)
		}
		out.Bindings[name] = b
	}
	return out
}

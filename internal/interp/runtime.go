package interp

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
)

// MaxCallStackSize bounds recursion inside a runtime.
const MaxCallStackSize = 4096

//go:embed prelude.js
var preludeSource string

// prelude is compiled once per process; every runtime runs the same program.
var prelude = goja.MustCompile("prelude.js", preludeSource, false)

// ErrRestore wraps the failure of a single binding that could not be
// materialised in a runtime.
var ErrRestore = errors.New("restoring binding")

// Runtime is a goja runtime prepared with the allow-list and a session's bindings.
// It is not safe for concurrent use.
type Runtime struct {
	vm       *goja.Runtime
	global   *goja.Object
	baseline map[string]struct{}
	encode   goja.Callable
	decode   goja.Callable
	dropped  []string
	lost     error
}

// NewRuntime builds a runtime whose print output goes to stdout and whose
// console.error output goes to stderr, then restores ctx into it.
// Bindings that fail to restore are skipped; Dropped and RestoreErr report them.
func NewRuntime(ctx *Context, stdout, stderr io.Writer) (*Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(MaxCallStackSize)

	hooks := vm.NewObject()
	if err := hooks.Set("write", func(stream, text string) {
		w := stdout
		if stream == "stderr" {
			w = stderr
		}
		_, _ = io.WriteString(w, text)
	}); err != nil {
		return nil, fmt.Errorf("installing write hook: %w", err)
	}
	if err := hooks.Set("denied", IsRestricted); err != nil {
		return nil, fmt.Errorf("installing require gate: %w", err)
	}

	fnVal, err := vm.RunProgram(prelude)
	if err != nil {
		return nil, fmt.Errorf("running prelude: %w", err)
	}
	install, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, errors.New("prelude did not evaluate to a function")
	}
	bridgeVal, err := install(goja.Undefined(), vm.GlobalObject(), hooks)
	if err != nil {
		return nil, fmt.Errorf("installing builtins: %w", err)
	}
	bridge := bridgeVal.ToObject(vm)

	r := &Runtime{vm: vm, global: vm.GlobalObject()}
	if r.encode, ok = goja.AssertFunction(bridge.Get("encode")); !ok {
		return nil, errors.New("prelude bridge has no encode")
	}
	if r.decode, ok = goja.AssertFunction(bridge.Get("decode")); !ok {
		return nil, errors.New("prelude bridge has no decode")
	}

	for _, name := range []string{"eval", "Function"} {
		if err := r.global.Delete(name); err != nil {
			return nil, fmt.Errorf("removing %s: %w", name, err)
		}
	}

	r.baseline = make(map[string]struct{})
	for _, key := range r.global.Keys() {
		r.baseline[key] = struct{}{}
	}

	r.restore(ctx)
	return r, nil
}

// Dropped returns the names of bindings that could not be restored.
func (r *Runtime) Dropped() []string {
	return r.dropped
}

// RestoreErr joins the per-binding restore failures, each wrapping ErrRestore.
func (r *Runtime) RestoreErr() error {
	return r.lost
}

// Exec runs code on the runtime.
func (r *Runtime) Exec(code string) error {
	_, err := r.vm.RunScript("<stdin>", code)
	return err
}

// Snapshot captures the bindings code left on the global object.
// Host objects, cyclic values, native functions and functions whose source
// does not compile on its own are dropped.
func (r *Runtime) Snapshot() *Context {
	out := Build()
	for _, name := range r.global.Keys() {
		if _, ok := r.baseline[name]; ok {
			continue
		}
		b, ok := r.capture(r.global.Get(name))
		if !ok {
			continue
		}
		out.Bindings[name] = b
	}
	return out
}

func (r *Runtime) capture(v goja.Value) (Binding, bool) {
	if v == nil || goja.IsUndefined(v) {
		return Binding{Kind: KindUndefined}, true
	}
	if _, ok := goja.AssertFunction(v); ok {
		src := v.String()
		if strings.Contains(src, "[native code]") {
			return Binding{}, false
		}
		if _, err := goja.Compile("", "("+src+")", false); err == nil {
			return Binding{Kind: KindFunction, Source: src}, true
		}
		if _, err := goja.Compile("", "({"+src+"})", false); err == nil {
			return Binding{Kind: KindMethod, Source: src}, true
		}
		return Binding{}, false
	}
	encoded, err := r.encode(goja.Undefined(), v)
	if err != nil || encoded == nil || goja.IsUndefined(encoded) {
		return Binding{}, false
	}
	return Binding{Kind: KindValue, Value: json.RawMessage(encoded.String())}, true
}

func (r *Runtime) restore(ctx *Context) {
	var errs []error
	for _, name := range ctx.Names() {
		if IsBuiltin(name) {
			continue
		}
		if err := r.restoreBinding(name, ctx.Bindings[name]); err != nil {
			r.dropped = append(r.dropped, name)
			errs = append(errs, fmt.Errorf("%w %q: %w", ErrRestore, name, err))
		}
	}
	r.lost = errors.Join(errs...)
}

func (r *Runtime) restoreBinding(name string, b Binding) error {
	var v goja.Value
	var err error
	switch b.Kind {
	case KindUndefined:
		v = goja.Undefined()
	case KindFunction:
		v, err = r.vm.RunScript("<context>", "("+b.Source+")")
	case KindMethod:
		v, err = r.method(b.Source)
	case KindValue:
		v, err = r.decode(goja.Undefined(), r.vm.ToValue(string(b.Value)))
	default:
		err = fmt.Errorf("unknown binding kind %q", b.Kind)
	}
	if err != nil {
		return err
	}
	return r.global.Set(name, v)
}

// method evaluates a shorthand method inside an object literal and returns
// the function it defines.
func (r *Runtime) method(src string) (goja.Value, error) {
	holder, err := r.vm.RunScript("<context>", "({"+src+"})")
	if err != nil {
		return nil, err
	}
	obj := holder.ToObject(r.vm)
	keys := obj.Keys()
	if len(keys) != 1 {
		return nil, fmt.Errorf("method source defines %d properties", len(keys))
	}
	v := obj.Get(keys[0])
	if _, ok := goja.AssertFunction(v); !ok {
		return nil, errors.New("method source is not a function")
	}
	return v, nil
}

package interp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

var kindPrefix = regexp.MustCompile(`^([A-Z][A-Za-z]*Error): (.*?)(?:\s+at\s.*)?$`)

// Describe extracts the failure kind and message from an execution error.
func Describe(err error) (kind, message string) {
	if err == nil {
		return "", ""
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			kind, message = "Error", ""
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				kind = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				message = msg.String()
			}
			// Compile errors arrive with their kind already in the message.
			return kind, strings.TrimPrefix(message, kind+": ")
		}
		if v := ex.Value(); v != nil {
			return "Error", v.String()
		}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return "SyntaxError", syntax.Message
	}

	first, _, _ := strings.Cut(err.Error(), "\n")
	if m := kindPrefix.FindStringSubmatch(first); m != nil {
		return m[1], m[2]
	}
	return "Error", first
}

// FormatTrace renders an execution failure as a single-frame traceback.
func FormatTrace(err error) string {
	kind, message := Describe(err)
	return fmt.Sprintf("Traceback (most recent call last):\n File \"<stdin>\", line 1, in <module>\n%s: %s\n", kind, message)
}

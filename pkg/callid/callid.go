// Package callid derives the stable identity under which a distributed map
// call persists its state.
//
// An identity is the sanitized function name, optionally followed by
// "@<namespace>". The same registered function always yields the same
// identity across process restarts; argument content is deliberately not
// part of it (see runstore's input digest check for the collision policy).
package callid

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// MaxLen bounds identities so they remain usable as directory names.
const MaxLen = 200

// FuncName returns the fully-qualified symbol name of fn, e.g.
// "main.square" or "github.com/acme/jobs.Resize".
func FuncName(fn any) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("function is nil")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return "", fmt.Errorf("expected a func, got %T", fn)
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "", fmt.Errorf("cannot resolve symbol for %T", fn)
	}
	name := strings.TrimSuffix(f.Name(), "-fm")
	if name == "" {
		return "", fmt.Errorf("cannot resolve symbol for %T", fn)
	}
	return name, nil
}

// Resolve builds the identity for a function name and optional namespace.
func Resolve(name, namespace string) (string, error) {
	id := Sanitize(name)
	if id == "" {
		return "", fmt.Errorf("function name %q yields an empty call identity", name)
	}
	if ns := Sanitize(namespace); ns != "" {
		id = id + "@" + ns
	}
	if len(id) > MaxLen {
		return "", fmt.Errorf("call identity exceeds %d characters: %q", MaxLen, id)
	}
	return id, nil
}

// Sanitize maps an arbitrary string onto the directory-safe alphabet
// [A-Za-z0-9._-]. Path separators become "_".
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" || out == "_" {
		return ""
	}
	return out
}

// Validate checks an identity supplied from outside (CLI arguments) so it
// cannot escape the state root.
func Validate(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("call identity is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid call identity %q", id)
	}
	return nil
}

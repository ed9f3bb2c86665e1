package taskunit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one task: it receives the encoded element and returns the
// encoded result.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

var (
	registryMu sync.RWMutex
	handlers   = make(map[string]Handler)
)

// Register makes a handler executable by name in this binary. Registration
// must happen during package initialization so the remote re-exec of the
// same binary sees the same set of names.
func Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := handlers[name]; dup {
		return fmt.Errorf("handler %q registered twice", name)
	}
	handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func Lookup(name string) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

// Registered lists registered handler names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

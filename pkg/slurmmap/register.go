package slurmmap

import (
	"context"
	"fmt"

	"github.com/3leaps/slurmmap/pkg/callid"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// Func is a function registered for distributed execution.
type Func[In, Out any] struct {
	name string
}

// Name is the registry name, also the base of the call identity.
func (f *Func[In, Out]) Name() string {
	return f.name
}

// Register makes fn executable on compute nodes. It must be called during
// package initialization (typically as a package-level var) so that the
// binary re-executed on a node registers the same names. An empty name
// uses the fully-qualified symbol of fn. Register panics on duplicate
// names, like other init-time registries.
func Register[In, Out any](name string, fn func(context.Context, In) (Out, error)) *Func[In, Out] {
	if fn == nil {
		panic("slurmmap: Register with nil function")
	}
	if name == "" {
		n, err := callid.FuncName(fn)
		if err != nil {
			panic(fmt.Sprintf("slurmmap: %v", err))
		}
		name = n
	}

	handler := func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if err := taskunit.Decode(input, &in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return taskunit.Encode(out)
	}
	if err := taskunit.Register(name, handler); err != nil {
		panic(fmt.Sprintf("slurmmap: %v", err))
	}
	return &Func[In, Out]{name: name}
}

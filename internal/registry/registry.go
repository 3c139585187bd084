// Package registry holds the table of named detection engines.
//
// A Registry is populated once at startup, sealed, and then only read while
// requests are served. Lookups take no lock: every Register happens before
// Seal, and Seal happens before the server starts accepting requests.
// Teardown runs after the server has stopped.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/macdet/macdet/internal/detection"
)

var (
	ErrNotFound  = errors.New("engine not registered")
	ErrSealed    = errors.New("registry is sealed")
	ErrDuplicate = errors.New("engine already registered")
)

type Registry struct {
	engines map[string]detection.Engine
	order   []string
	sealed  bool
}

func New() *Registry {
	return &Registry{engines: map[string]detection.Engine{}}
}

// Register adds an engine under name. It fails once the registry is sealed.
func (r *Registry) Register(name string, e detection.Engine) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("engine name is empty")
	}
	if e == nil {
		return fmt.Errorf("engine %q is nil", name)
	}
	if r.sealed {
		return fmt.Errorf("register %q: %w", name, ErrSealed)
	}
	if _, ok := r.engines[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicate)
	}
	r.engines[name] = e
	r.order = append(r.order, name)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() { r.sealed = true }

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (detection.Engine, error) {
	if r == nil {
		return nil, ErrNotFound
	}
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return e, nil
}

// Names lists registered engines in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.engines)
}

// Teardown releases every engine implementing detection.Closer, in reverse
// registration order, and empties the registry. All close errors are joined.
func (r *Registry) Teardown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if c, ok := r.engines[name].(detection.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	r.engines = map[string]detection.Engine{}
	r.order = nil
	r.sealed = true
	return errors.Join(errs...)
}

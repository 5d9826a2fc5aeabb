// Package schema holds the materializer registry and event payload
// definitions: everything that is fixed at schema-build time and
// immutable for the process lifetime.
package schema

import (
	"errors"
	"fmt"

	"github.com/tidelog/tidelog/internal/event"
)

// Materializer maps an event payload to the relational writes that apply
// it. Materializers must be pure and deterministic: replaying the same
// log from empty state must always produce the same relational state,
// because crash recovery and new-client bootstrap both work by replay.
type Materializer func(ev event.Event) ([]event.WriteOp, error)

// UnknownEventError reports materialization of an event name with no
// registered materializer. This is fatal: a client cannot safely skip an
// event it does not understand, so the error must propagate rather than
// be dropped.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q: no materializer registered", e.Name)
}

// IsUnknownEvent reports whether err is an UnknownEventError.
func IsUnknownEvent(err error) bool {
	var ue *UnknownEventError
	return errors.As(err, &ue)
}

// Registry is the immutable name -> materializer table. Build it once at
// schema-load time, then treat it as read-only.
type Registry struct {
	materializers map[string]Materializer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{materializers: make(map[string]Materializer)}
}

// Register adds a materializer for an event name. Duplicate registration
// is a configuration error surfaced at schema-build time, never at
// runtime. The reserved raw-write name cannot be registered.
func (r *Registry) Register(name string, m Materializer) error {
	if name == event.RawWriteEventName {
		return fmt.Errorf("register %q: name is reserved for raw writes", name)
	}
	if m == nil {
		return fmt.Errorf("register %q: nil materializer", name)
	}
	if _, exists := r.materializers[name]; exists {
		return fmt.Errorf("register %q: duplicate materializer", name)
	}
	r.materializers[name] = m
	return nil
}

// MustRegister is Register for static schema definitions where a
// duplicate is a programming error.
func (r *Registry) MustRegister(name string, m Materializer) {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
}

// Has reports whether a materializer is registered for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.materializers[name]
	return ok
}

// Names returns the number of registered event names.
func (r *Registry) Len() int {
	return len(r.materializers)
}

// Materialize looks up the event's materializer and returns the
// relational writes it produces. The reserved raw-write event bypasses
// the registry and carries its write operation in the payload.
func (r *Registry) Materialize(ev event.Event) ([]event.WriteOp, error) {
	if ev.Name == event.RawWriteEventName {
		op, err := event.DecodeRawWrite(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", ev.ID, err)
		}
		return []event.WriteOp{op}, nil
	}

	m, ok := r.materializers[ev.Name]
	if !ok {
		return nil, &UnknownEventError{Name: ev.Name}
	}

	ops, err := m(ev)
	if err != nil {
		return nil, fmt.Errorf("materialize %s (%s): %w", ev.ID, ev.Name, err)
	}
	return ops, nil
}

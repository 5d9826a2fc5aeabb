package schema

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Definitions validates event payloads against CUE definitions compiled
// once at schema-load time. Each event name may have a definition named
// #<EventName>; payloads for names without a definition pass unchecked
// (schema coverage is opt-in per event name).
type Definitions struct {
	ctx  *cue.Context
	root cue.Value
}

// PayloadError reports a payload that failed schema validation.
type PayloadError struct {
	Name string
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload for event %q: %v", e.Name, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// LoadDefinitions compiles CUE source holding the event payload
// definitions. Compilation errors are fatal configuration errors.
func LoadDefinitions(src string) (*Definitions, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("events.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile event definitions: %w", err)
	}
	return &Definitions{ctx: ctx, root: root}, nil
}

// NoDefinitions returns an empty definition set that accepts every
// payload. Used when a deployment opts out of payload validation.
func NoDefinitions() *Definitions {
	ctx := cuecontext.New()
	return &Definitions{ctx: ctx, root: ctx.CompileString("{}")}
}

// Validate unifies the payload with the definition for name, if one
// exists. Returns a PayloadError on mismatch.
func (d *Definitions) Validate(name string, payload json.RawMessage) error {
	def := d.root.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return nil
	}

	if len(payload) == 0 {
		return &PayloadError{Name: name, Err: fmt.Errorf("empty payload")}
	}

	// JSON is valid CUE, so the payload compiles directly.
	data := d.ctx.CompileBytes(payload)
	if err := data.Err(); err != nil {
		return &PayloadError{Name: name, Err: err}
	}

	unified := def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &PayloadError{Name: name, Err: err}
	}
	return nil
}

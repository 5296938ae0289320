// Package target implements the user-code dispatch mechanism the
// harness uses for non-shell follow-ons and children: a named
// registry of Target implementations, selected at runtime by a tagged
// JSON payload embedded in a record's JobSpec.Command field.
//
// The original scriptTree commands
// (original_source/src/jobTreeSlave.py's loadStack) dynamically import
// a Python class by name and unpickle its saved state. Go has no
// analogous dynamic-import story, so this package follows the
// teacher's internal/raft.RaftCommand shape instead: a name string
// (Payload.Name) picks a concrete Go type out of a static registry, and a
// json.RawMessage payload is unmarshaled into it once chosen.
package target

import (
	"context"
	"encoding/json"
	"fmt"
)

// Target is user code that can be dispatched in-process by the
// harness, as an alternative to a shell command.
type Target interface {
	// Run executes the target's logic. Returning a non-nil error marks
	// the owning job record red, identically to a non-zero shell exit.
	Run(ctx context.Context, tc *Context) error
}

// Factory produces a zero-value Target of one registered kind, ready
// to have its state unmarshaled into it.
type Factory func() Target

// Payload is the wire form a JobSpec.Command carries when it names a
// target instead of a shell command: {"target":"<name>","state":{...}}.
type Payload struct {
	Name  string          `json:"target"`
	State json.RawMessage `json:"state"`
}

// IsPayload reports whether command looks like a Target dispatch
// payload rather than a shell command line.
func IsPayload(command string) bool {
	var p Payload
	return json.Unmarshal([]byte(command), &p) == nil && p.Name != ""
}

// Registry maps target names to the factory that builds them.
// Grounded on the teacher's CommandType-keyed dispatch in
// internal/raft/commands.go, generalized from two fixed command types
// to an open set of registered names.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds name to the registry. Registering the same name twice
// panics: it can only happen at process init, and silently shadowing
// a target would be a programming error worth surfacing immediately.
func (r *Registry) Register(name string, factory Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("target: %q registered twice", name))
	}
	r.factories[name] = factory
}

// Decode unmarshals command into its registered Target, ready to Run.
func (r *Registry) Decode(command string) (Target, error) {
	var p Payload
	if err := json.Unmarshal([]byte(command), &p); err != nil {
		return nil, fmt.Errorf("target: decode payload: %w", err)
	}

	factory, ok := r.factories[p.Name]
	if !ok {
		return nil, fmt.Errorf("target: %q is not registered", p.Name)
	}

	t := factory()
	if len(p.State) > 0 {
		if err := json.Unmarshal(p.State, t); err != nil {
			return nil, fmt.Errorf("target: decode state for %q: %w", p.Name, err)
		}
	}
	return t, nil
}

// Encode serializes a named target and its current field values into
// the payload form a JobSpec.Command carries.
func Encode(name string, t Target) (string, error) {
	state, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("target: encode state for %q: %w", name, err)
	}
	payload, err := json.Marshal(Payload{Name: name, State: state})
	if err != nil {
		return "", fmt.Errorf("target: encode payload for %q: %w", name, err)
	}
	return string(payload), nil
}

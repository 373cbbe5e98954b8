// Package tools holds the client-side view of the tools a server exposes:
// descriptors, call requests and results, and the registry that projects
// descriptors into the function-calling format the model expects.
package tools

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/nugget/mcpchat/internal/schema"
)

// Registry caches discovered tool descriptors. Register replaces the
// whole set at once; readers always see either the old or the new set,
// never a mix.
type Registry struct {
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	ordered []Descriptor
	byName  map[string]int
}

var emptySnapshot = &snapshot{byName: map[string]int{}}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot)
	return r
}

func (r *Registry) load() *snapshot {
	if s := r.current.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Register replaces the registered tools with descs. The order of descs
// is kept and drives every ordered projection. On error the previous set
// stays in place.
func (r *Registry) Register(descs []Descriptor) error {
	next := &snapshot{
		ordered: make([]Descriptor, 0, len(descs)),
		byName:  make(map[string]int, len(descs)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return fmt.Errorf("tool descriptor with empty name")
		}
		if _, dup := next.byName[d.Name]; dup {
			return fmt.Errorf("duplicate tool name %q", d.Name)
		}
		if d.InputSchema == nil {
			d.InputSchema = schema.Object()
		}
		next.byName[d.Name] = len(next.ordered)
		next.ordered = append(next.ordered, d)
	}
	r.current.Store(next)
	return nil
}

// Describe returns the descriptor for name, or *ErrToolUnavailable.
func (r *Registry) Describe(name string) (Descriptor, error) {
	s := r.load()
	i, ok := s.byName[name]
	if !ok {
		return Descriptor{}, &ErrToolUnavailable{ToolName: name}
	}
	return s.ordered[i], nil
}

// List returns the registered descriptors in registration order.
func (r *Registry) List() []Descriptor {
	return slices.Clone(r.load().ordered)
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	s := r.load()
	names := make([]string, len(s.ordered))
	for i, d := range s.ordered {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.load().ordered)
}

// ToModelSchema projects the registry into function-calling tool
// definitions, in registration order. Parameter schemas have titles
// stripped; the projection is identical for identical registrations.
func (r *Registry) ToModelSchema() []map[string]any {
	s := r.load()
	result := make([]map[string]any, 0, len(s.ordered))
	for _, d := range s.ordered {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.InputSchema.Clean(),
			},
		})
	}
	return result
}

// Validate checks req against its tool's input schema. It returns
// *ErrToolUnavailable for unknown tools and *ValidationError for bad
// arguments.
func (r *Registry) Validate(req CallRequest) error {
	desc, err := r.Describe(req.ToolName)
	if err != nil {
		return err
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := desc.InputSchema.Validate(args); err != nil {
		verr := &ValidationError{ToolName: req.ToolName, Reason: err.Error(), Err: err}
		var fe *schema.FieldError
		if errors.As(err, &fe) {
			verr.Field = fe.Path
			verr.Reason = fe.Reason
		}
		return verr
	}
	return nil
}

// Filter narrows descs to the names in include (when non-empty) and drops
// any name in exclude. Order is preserved.
func Filter(descs []Descriptor, include, exclude []string) []Descriptor {
	if len(include) == 0 && len(exclude) == 0 {
		return descs
	}
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if len(include) > 0 && !slices.Contains(include, d.Name) {
			continue
		}
		if slices.Contains(exclude, d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}

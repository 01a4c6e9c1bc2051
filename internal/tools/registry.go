package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolNameLength is the maximum length of a tool name.
const MaxToolNameLength = 256

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Filter selects tools in List. Every tag must be present on a tool for it to match.
type Filter struct {
	Stability Stability
	Tags      []string
}

type entry struct {
	tool   Tool
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry maps tool names to implementations. Tools are registered during
// startup; lookups afterwards are read-only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool. The name must be unique and the input schema must compile.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	desc := tool.Descriptor()
	if err := validateName(desc.Name); err != nil {
		return err
	}
	if desc.Stability == "" {
		desc.Stability = StabilityStable
	}
	if !desc.Stability.Valid() {
		return fmt.Errorf("tool %s: unknown stability %q", desc.Name, desc.Stability)
	}
	if len(desc.InputSchema) == 0 {
		desc.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	if desc.Tags == nil {
		desc.Tags = []string{}
	}
	schema, err := jsonschema.CompileString(desc.Name+".schema.json", string(desc.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s: compile input schema: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = &entry{tool: tool, desc: desc, schema: schema}
	r.order = append(r.order, desc.Name)
	return nil
}

// MustRegister registers tools and panics on the first error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Tool returns the tool registered under name.
func (r *Registry) Tool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Descriptor returns the descriptor of the named tool.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns descriptors matching f in registration order.
func (r *Registry) List(f Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		if f.Stability != "" && e.desc.Stability != f.Stability {
			continue
		}
		if !hasAllTags(e.desc.Tags, f.Tags) {
			continue
		}
		out = append(out, e.desc)
	}
	return out
}

// ValidationError reports input that does not satisfy a tool's schema.
type ValidationError struct {
	Tool   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input for %s does not match schema: %s", e.Tool, strings.Join(e.Errors, "; "))
}

// Validate checks input against the named tool's schema. Empty input is
// validated as an empty object.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return &ValidationError{Tool: name, Errors: []string{err.Error()}}
	}
	if err := e.schema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Tool: name, Errors: flattenValidation(verr)}
		}
		return &ValidationError{Tool: name, Errors: []string{err.Error()}}
	}
	return nil
}

func flattenValidation(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{location + ": " + err.Message}
	}
	var out []string
	for _, cause := range err.Causes {
		out = append(out, flattenValidation(cause)...)
	}
	return out
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("tool name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

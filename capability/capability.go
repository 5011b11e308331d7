// Package capability declares the set of operations a session may invoke.
// Each capability pairs a descriptor (name, description, input contract) with
// a handler. The registry is built once at process start and is immutable
// afterwards from the caller's perspective.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicateCapability is returned when registering a name twice.
	ErrDuplicateCapability = errors.New("capability name already registered")
	// ErrUnknownCapability is returned when resolving an unregistered name.
	ErrUnknownCapability = errors.New("unknown capability")
)

// InvalidArgumentsError reports contract validation failure with per-field
// diagnostics so automated callers can self-correct.
type InvalidArgumentsError struct {
	Fields map[string]string
}

func (e *InvalidArgumentsError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid arguments"
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// Handler executes a capability against arguments that already passed
// contract validation and coercion.
type Handler func(ctx context.Context, args json.RawMessage) (*Result, error)

// Descriptor is the advertised surface of a capability.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// Capability pairs a descriptor with its handler.
type Capability struct {
	Descriptor Descriptor
	Handler    Handler
}

// ContentBlock is one piece of the human-readable rendering of a result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the envelope returned by a successful dispatch: a human-readable
// rendering plus the structured payload.
type Result struct {
	Content []ContentBlock  `json:"content"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TextResult builds a Result with a single text block.
func TextResult(s string) *Result {
	return &Result{Content: []ContentBlock{{Type: "text", Text: s}}}
}

// Registry owns the capability set. Registration happens during process
// start; resolution and validation are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	caps     []Descriptor
	handlers map[string]Handler
}

// NewRegistry constructs a registry and registers the given capabilities,
// failing on the first duplicate name.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(caps))}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a capability. A duplicate name fails with
// ErrDuplicateCapability.
func (r *Registry) Register(c Capability) error {
	if c.Descriptor.Name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[c.Descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Descriptor.Name)
	}
	r.caps = append(r.caps, c.Descriptor)
	r.handlers[c.Descriptor.Name] = c.Handler
	return nil
}

// Resolve returns the capability registered under name.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	for _, d := range r.caps {
		if d.Name == name {
			return Capability{Descriptor: d, Handler: h}, nil
		}
	}
	return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
}

// Descriptors returns a copy of the registered descriptors in registration
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.caps))
	copy(out, r.caps)
	return out
}

// Validate applies the capability's input contract to raw arguments. It
// coerces per-field as declared by the schema and returns the coerced
// arguments, or an *InvalidArgumentsError carrying per-field diagnostics.
// Coercion is total and deterministic: the same raw input always yields the
// same coerced value or the same rejection. Validate never invokes the
// handler.
func (r *Registry) Validate(c Capability, raw json.RawMessage) (json.RawMessage, error) {
	return coerceArguments(c.Descriptor.InputSchema, raw)
}

// config collects options applied by New.
type config struct {
	description     string
	allowAdditional bool
}

// Option configures New.
type Option func(*config)

// WithDescription sets the capability description used in listings.
func WithDescription(desc string) Option {
	return func(c *config) { c.description = desc }
}

// WithAllowAdditionalFields controls whether fields outside the contract are
// tolerated. Default is strict rejection.
func WithAllowAdditionalFields(allow bool) Option {
	return func(c *config) { c.allowAdditional = allow }
}

// New constructs a capability from a typed argument struct A. The input
// contract is reflected from A; the handler decodes the coerced arguments
// into A and invokes fn.
func New[A any](name string, fn func(ctx context.Context, args A) (*Result, error), opts ...Option) Capability {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := reflectInputSchema[A](cfg.allowAdditional)
	desc := Descriptor{Name: name, Description: cfg.description, InputSchema: schema}

	handler := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		var a A
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("failed to decode coerced arguments for %s: %w", name, err)
			}
		}
		return fn(ctx, a)
	}

	return Capability{Descriptor: desc, Handler: handler}
}

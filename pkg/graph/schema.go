package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/params"
)

// ParamKind tells whether a param is a node input or output.
type ParamKind string

const (
	ParamInput  ParamKind = "input"
	ParamOutput ParamKind = "output"
)

// ParamSpec declares one param of a node class.
type ParamSpec struct {
	Name string      `validate:"required,excludesall=:/"`
	Kind ParamKind   `validate:"required,oneof=input output"`
	Type params.Type `validate:"required"`

	// Default is the literal of a primitive input. Formula strings and curves are allowed.
	Default params.Value

	// Socket is the ownership mode of an object input. Empty means read-only.
	Socket params.SocketMode

	Doc string
}

// IsObject reports whether the param carries objects rather than primitive values.
func (p ParamSpec) IsObject() bool { return p.Type.IsObject() }

// Group is a named set of params shown together in a property panel.
type Group struct {
	Name   string      `validate:"required"`
	Params []ParamSpec `validate:"dive"`
}

// Tab is a page of param groups.
type Tab struct {
	Name   string  `validate:"required"`
	Groups []Group `validate:"dive"`
}

// Schema is the tab/group/param tree of a node class.
type Schema struct {
	Tabs []Tab `validate:"dive"`
}

// Params flattens the schema in declaration order.
func (s Schema) Params() []ParamSpec {
	var out []ParamSpec
	for _, tab := range s.Tabs {
		for _, g := range tab.Groups {
			out = append(out, g.Params...)
		}
	}
	return out
}

// SimpleSchema puts every param into a single "Parameters" tab and group.
func SimpleSchema(specs ...ParamSpec) Schema {
	return Schema{Tabs: []Tab{{
		Name:   "Parameters",
		Groups: []Group{{Name: "Parameters", Params: specs}},
	}}}
}

// In declares an input param.
func In(name string, t params.Type, def params.Value) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamInput, Type: t, Default: def}
}

// InSocket declares an object input with an explicit ownership mode.
func InSocket(name string, t params.Type, mode params.SocketMode) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamInput, Type: t, Socket: mode}
}

// Out declares an output param.
func Out(name string, t params.Type) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamOutput, Type: t}
}

// Body is the node-specific computation invoked by DoApply.
type Body interface {
	Apply(ac *ApplyContext) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ac *ApplyContext) error

func (f BodyFunc) Apply(ac *ApplyContext) error { return f(ac) }

// Descriptor registers a node class: its constructor and parameter schema.
type Descriptor struct {
	Name     string `validate:"required,excludesall=:/"`
	Category string
	Schema   Schema

	// New returns a fresh body per node instance.
	New func() Body `validate:"required"`

	// Subnet nodes host a nested graph.
	Subnet bool
}

// Registry holds the node classes available to graphs.
type Registry struct {
	mu       sync.RWMutex
	classes  map[string]*Descriptor
	validate *validator.Validate
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{
		classes:  make(map[string]*Descriptor),
		validate: validator.New(),
	}
}

// Register adds a class. Duplicate names and invalid schemas are rejected.
func (r *Registry) Register(desc Descriptor) error {
	if err := r.validate.Struct(desc); err != nil {
		return engine.NewStructuralError(fmt.Sprintf("invalid class %q", desc.Name), err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := checkSchema(desc.Schema); err != nil {
		return engine.NewStructuralError(fmt.Sprintf("invalid schema for class %q", desc.Name), err).
			WithCode(engine.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[desc.Name]; exists {
		return engine.NewStructuralError(fmt.Sprintf("class %q already registered", desc.Name), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	d := desc
	r.classes[desc.Name] = &d
	return nil
}

// MustRegister registers desc and panics on error. Used for built-in classes.
func (r *Registry) MustRegister(desc Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.classes[name]
	return d, ok
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkSchema(s Schema) error {
	seen := map[ParamKind]map[string]bool{ParamInput: {}, ParamOutput: {}}
	for _, p := range s.Params() {
		if err := checkParamSpec(p); err != nil {
			return err
		}
		if seen[p.Kind][p.Name] {
			return fmt.Errorf("duplicate %s param %q", p.Kind, p.Name)
		}
		seen[p.Kind][p.Name] = true
	}
	return nil
}

func checkParamSpec(p ParamSpec) error {
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("param %q: %w", p.Name, err)
	}
	if p.Socket != "" {
		if !p.IsObject() || p.Kind != ParamInput {
			return fmt.Errorf("param %q: socket mode only applies to object inputs", p.Name)
		}
		if err := p.Socket.Validate(); err != nil {
			return fmt.Errorf("param %q: %w", p.Name, err)
		}
	}
	if p.Default != nil {
		if p.IsObject() || p.Kind != ParamInput {
			return fmt.Errorf("param %q: only primitive inputs take a default", p.Name)
		}
		if err := checkLiteral(p.Type, p.Default); err != nil {
			return fmt.Errorf("param %q: %w", p.Name, err)
		}
	}
	return nil
}

// checkLiteral verifies a literal can be assigned to a primitive param of type t.
func checkLiteral(t params.Type, v params.Value) error {
	switch x := v.(type) {
	case params.String:
		if params.IsFormula(x) && t != params.TypeString {
			return nil
		}
		if t != params.TypeString && t != params.TypeNull {
			return fmt.Errorf("string literal for %s param", t)
		}
		return nil
	case *params.Curve:
		if t == params.TypeCurve || t == params.TypeFloat || t == params.TypeInt || t == params.TypeNull {
			return x.Validate()
		}
		return fmt.Errorf("curve literal for %s param", t)
	default:
		if t == params.TypeCurve {
			return fmt.Errorf("%s literal for curve param", v.Type())
		}
		_, err := params.Convert(v, t)
		return err
	}
}

package graph

import (
	"sort"

	"github.com/google/uuid"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
)

// Edge is a directed link between a producer param and a consumer param, addressed by
// node names within one graph. FromKey selects one item of a dict output; ToKey names the
// slot a producer fills in a dict/list input.
type Edge struct {
	FromNode  string          `yaml:"from_node" json:"from_node" validate:"required"`
	FromParam string          `yaml:"from_param" json:"from_param" validate:"required"`
	FromKey   string          `yaml:"from_key,omitempty" json:"from_key,omitempty"`
	ToNode    string          `yaml:"to_node" json:"to_node" validate:"required"`
	ToParam   string          `yaml:"to_param" json:"to_param" validate:"required"`
	ToKey     string          `yaml:"to_key,omitempty" json:"to_key,omitempty"`
	Mode      params.LinkMode `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// link is the arena form of an Edge: endpoints are node uuids so renames never break it.
type link struct {
	from, to           string
	fromParam, toParam string
	fromKey, toKey     string
	mode               params.LinkMode
}

func (l *link) same(o *link) bool {
	return l.from == o.from && l.to == o.to &&
		l.fromParam == o.fromParam && l.toParam == o.toParam &&
		l.fromKey == o.fromKey && l.toKey == o.toKey
}

// ObjectParam is an object-carrying slot of a node.
type ObjectParam struct {
	spec  ParamSpec
	links []*link
	value objects.Object
}

// Spec returns the declaration of the param.
func (p *ObjectParam) Spec() ParamSpec { return p.spec }

// Value returns the object currently held by the param.
func (p *ObjectParam) Value() objects.Object { return p.value }

// PrimParam is a primitive-valued slot of a node. Inputs carry a literal that is resolved
// when the param has no link.
type PrimParam struct {
	spec    ParamSpec
	literal params.Value
	links   []*link
	value   params.Value
}

// Spec returns the declaration of the param.
func (p *PrimParam) Spec() ParamSpec { return p.spec }

// Literal returns the unresolved literal of an input.
func (p *PrimParam) Literal() params.Value { return p.literal }

// Value returns the last resolved or computed value.
func (p *PrimParam) Value() params.Value { return p.value }

// Node is a unit of computation inside a Graph.
type Node struct {
	name     string
	uuid     string
	uuidPath string
	class    string
	desc     *Descriptor
	body     Body

	graphID        string
	subgraphID     string
	sharedSubgraph bool

	pos    [2]float64
	view   bool
	locked bool
	dirty  bool
	status engine.NodeStatus

	inputs      map[string]*ObjectParam
	primInputs  map[string]*PrimParam
	outputs     map[string]*ObjectParam
	primOutputs map[string]*PrimParam

	// inputOrder is the pull order of DoApply: declaration order of every input.
	inputOrder []string

	applies int
	version int
}

func newNode(g *Graph, desc *Descriptor, class, name string) *Node {
	n := &Node{
		name:        name,
		uuid:        uuid.New().String(),
		class:       class,
		desc:        desc,
		body:        desc.New(),
		graphID:     g.id,
		dirty:       true,
		status:      engine.NodeStatusPending,
		inputs:      make(map[string]*ObjectParam),
		primInputs:  make(map[string]*PrimParam),
		outputs:     make(map[string]*ObjectParam),
		primOutputs: make(map[string]*PrimParam),
	}
	n.uuidPath = n.uuid
	if host := g.env.HostOf(g); host != nil {
		n.uuidPath = host.uuidPath + "/" + n.uuid
	}
	for _, spec := range desc.Schema.Params() {
		n.addParam(spec)
	}
	return n
}

func (n *Node) addParam(spec ParamSpec) {
	switch {
	case spec.Kind == ParamInput && spec.IsObject():
		n.inputs[spec.Name] = &ObjectParam{spec: spec}
		n.inputOrder = append(n.inputOrder, spec.Name)
	case spec.Kind == ParamInput:
		n.primInputs[spec.Name] = &PrimParam{spec: spec, literal: spec.Default}
		n.inputOrder = append(n.inputOrder, spec.Name)
	case spec.IsObject():
		n.outputs[spec.Name] = &ObjectParam{spec: spec}
	default:
		n.primOutputs[spec.Name] = &PrimParam{spec: spec}
	}
}

// dropParam removes a param declaration. The caller detaches its links first.
func (n *Node) dropParam(kind ParamKind, name string) {
	if kind == ParamOutput {
		delete(n.outputs, name)
		delete(n.primOutputs, name)
		return
	}
	delete(n.inputs, name)
	delete(n.primInputs, name)
	for i, in := range n.inputOrder {
		if in == name {
			n.inputOrder = append(n.inputOrder[:i], n.inputOrder[i+1:]...)
			break
		}
	}
}

func (n *Node) inputLinks(name string) []*link {
	if p, ok := n.inputs[name]; ok {
		return p.links
	}
	if p, ok := n.primInputs[name]; ok {
		return p.links
	}
	return nil
}

func (n *Node) outputLinks(name string) []*link {
	if p, ok := n.outputs[name]; ok {
		return p.links
	}
	if p, ok := n.primOutputs[name]; ok {
		return p.links
	}
	return nil
}

// allOutputLinks returns every link leaving the node, in output-name order.
func (n *Node) allOutputLinks() []*link {
	var out []*link
	for _, name := range n.OutputNames() {
		out = append(out, n.outputLinks(name)...)
	}
	return out
}

func (n *Node) allInputLinks() []*link {
	var out []*link
	for _, name := range n.inputOrder {
		out = append(out, n.inputLinks(name)...)
	}
	return out
}

func (n *Node) Name() string     { return n.name }
func (n *Node) UUID() string     { return n.uuid }
func (n *Node) UUIDPath() string { return n.uuidPath }

// Class is the display class: the registered class name, or the asset name for asset
// instances.
func (n *Node) Class() string { return n.class }

func (n *Node) Dirty() bool               { return n.dirty }
func (n *Node) Status() engine.NodeStatus { return n.status }
func (n *Node) View() bool                { return n.view }
func (n *Node) Pos() [2]float64           { return n.pos }

// Locked reports whether an asset instance is still an unedited copy of its template.
func (n *Node) Locked() bool { return n.locked }

// IsSubnet reports whether the node hosts a nested graph.
func (n *Node) IsSubnet() bool { return n.subgraphID != "" }

// Applies counts body invocations, failed ones included.
func (n *Node) Applies() int { return n.applies }

// Version counts successful applies. It is the version suffix of registered object keys.
func (n *Node) Version() int { return n.version }

// Body returns the node-specific computation.
func (n *Node) Body() Body { return n.body }

// Input returns the object input param called name.
func (n *Node) Input(name string) (*ObjectParam, bool) {
	p, ok := n.inputs[name]
	return p, ok
}

// PrimInput returns the primitive input param called name.
func (n *Node) PrimInput(name string) (*PrimParam, bool) {
	p, ok := n.primInputs[name]
	return p, ok
}

// Output returns the object currently held by output name.
func (n *Node) Output(name string) objects.Object {
	if p, ok := n.outputs[name]; ok {
		return p.value
	}
	return nil
}

// OutputValue returns the primitive output name.
func (n *Node) OutputValue(name string) params.Value {
	if p, ok := n.primOutputs[name]; ok {
		return p.value
	}
	return nil
}

// InputNames lists every input in pull order.
func (n *Node) InputNames() []string {
	return append([]string(nil), n.inputOrder...)
}

// OutputNames lists every output, sorted.
func (n *Node) OutputNames() []string {
	names := make([]string, 0, len(n.outputs)+len(n.primOutputs))
	for name := range n.outputs {
		names = append(names, name)
	}
	for name := range n.primOutputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the declarations of every param the node currently carries. For subnet
// hosts this includes the params derived from the nested graph.
func (n *Node) Specs() []ParamSpec {
	var out []ParamSpec
	for _, name := range n.inputOrder {
		if p, ok := n.inputs[name]; ok {
			out = append(out, p.spec)
		} else {
			out = append(out, n.primInputs[name].spec)
		}
	}
	for _, name := range n.OutputNames() {
		if p, ok := n.outputs[name]; ok {
			out = append(out, p.spec)
		} else {
			out = append(out, n.primOutputs[name].spec)
		}
	}
	return out
}

func (n *Node) String() string {
	return n.name + "(" + n.class + ")"
}

package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
)

// Built-in class names.
const (
	ClassSubnet    = "Subnet"
	ClassSubInput  = "SubInput"
	ClassSubOutput = "SubOutput"
)

// RegisterBuiltins registers the subnet host class and its boundary marker classes.
func RegisterBuiltins(reg *Registry) error {
	builtins := []Descriptor{
		{
			Name:     ClassSubnet,
			Category: "subgraph",
			New:      func() Body { return &subnetBody{} },
			Subnet:   true,
		},
		{
			Name:     ClassSubInput,
			Category: "subgraph",
			Schema: SimpleSchema(
				In("name", params.TypeString, params.String("")),
				In("type", params.TypeString, params.String(string(params.TypePrim))),
				In("socket", params.TypeString, params.String(string(params.SocketClone))),
				In("default", params.TypeNull, nil),
				Out("port", params.TypePrim),
				Out("value", params.TypeNull),
			),
			New: func() Body { return &subInputBody{} },
		},
		{
			Name:     ClassSubOutput,
			Category: "subgraph",
			Schema: SimpleSchema(
				InSocket("port", params.TypePrim, params.SocketClone),
				In("value", params.TypeNull, nil),
				In("name", params.TypeString, params.String("")),
				In("type", params.TypeString, params.String(string(params.TypePrim))),
			),
			New: func() Body { return &subOutputBody{} },
		},
	}
	for _, d := range builtins {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// subInputBody publishes the value its host injected, or its default when applied
// outside a host.
type subInputBody struct {
	injected bool
	obj      objects.Object
	val      params.Value
}

func (b *subInputBody) Apply(ac *ApplyContext) error {
	if portType(ac.node).IsObject() {
		return ac.SetOutput("port", b.obj)
	}
	v := b.val
	if !b.injected || v == nil {
		v = ac.InputValue("default")
	}
	return ac.SetOutputValue("value", v)
}

// subOutputBody captures what the nested graph feeds into it.
type subOutputBody struct {
	obj objects.Object
	val params.Value
}

func (b *subOutputBody) Apply(ac *ApplyContext) error {
	b.obj = ac.Input("port")
	b.val = ac.InputValue("value")
	return nil
}

// subnetBody injects host inputs into the SubInput markers, applies the nested graph
// and collects the SubOutput markers into host outputs.
type subnetBody struct{}

func (subnetBody) Apply(ac *ApplyContext) error {
	sub := ac.Subgraph()
	if sub == nil {
		return fmt.Errorf("subnet %q has no nested graph", ac.node.name)
	}
	host := ac.node

	seen := make(map[string]bool)
	for _, in := range markers(sub, ClassSubInput) {
		body, ok := in.body.(*subInputBody)
		if !ok {
			continue
		}
		name := portName(in)
		body.injected = true
		body.obj, body.val = nil, nil
		if p, ok := host.inputs[name]; ok {
			body.obj = p.value
		} else if p, ok := host.primInputs[name]; ok {
			body.val = p.value
		}
		ac.env.markDirty(in, true, false, true, false, seen)
	}

	if err := sub.Apply(ac.ctx); err != nil {
		return err
	}

	for _, out := range markers(sub, ClassSubOutput) {
		body, ok := out.body.(*subOutputBody)
		if !ok {
			continue
		}
		name := portName(out)
		if _, ok := host.outputs[name]; ok {
			if err := ac.SetOutput(name, body.obj); err != nil {
				return err
			}
		} else if _, ok := host.primOutputs[name]; ok && body.val != nil {
			if err := ac.SetOutputValue(name, body.val); err != nil {
				return err
			}
		}
	}
	return nil
}

// markers returns the boundary nodes of class in g, ordered by name.
func markers(g *Graph, class string) []*Node {
	var out []*Node
	for _, n := range sortedNodes(g) {
		if n.desc != nil && n.desc.Name == class {
			out = append(out, n)
		}
	}
	return out
}

func literalString(n *Node, param string) string {
	p, ok := n.primInputs[param]
	if !ok || p.literal == nil {
		return ""
	}
	if s, ok := p.literal.(params.String); ok {
		return string(s)
	}
	return ""
}

// portName is the host param a marker stands for: its name literal, or the node name.
func portName(n *Node) string {
	if name := literalString(n, "name"); name != "" {
		return name
	}
	return n.name
}

func portType(n *Node) params.Type {
	t := params.Type(literalString(n, "type"))
	if t.Validate() != nil {
		return params.TypePrim
	}
	return t
}

func portSpec(n *Node, kind ParamKind) ParamSpec {
	spec := ParamSpec{Name: portName(n), Kind: kind, Type: portType(n)}
	if kind == ParamInput {
		if spec.IsObject() {
			spec.Socket = params.SocketMode(literalString(n, "socket"))
			if spec.Socket.Validate() != nil {
				spec.Socket = params.SocketClone
			}
		} else if p, ok := n.primInputs["default"]; ok {
			if _, isNull := p.literal.(params.Null); p.literal != nil && !isNull {
				spec.Default = p.literal
			}
		}
	}
	return spec
}

// SubnetSpecs derives the host params of a nested graph from its SubInput and SubOutput
// markers.
func SubnetSpecs(sub *Graph) ([]ParamSpec, error) {
	var specs []ParamSpec
	seen := map[ParamKind]map[string]bool{ParamInput: {}, ParamOutput: {}}
	add := func(n *Node, kind ParamKind) error {
		spec := portSpec(n, kind)
		if seen[kind][spec.Name] {
			return engine.NewStructuralError(fmt.Sprintf("duplicate subnet %s %q in graph %q", kind, spec.Name, sub.name), nil).
				WithCode(engine.ErrCodeAlreadyExists)
		}
		if err := checkParamSpec(spec); err != nil {
			return engine.NewStructuralError("invalid subnet port", err).WithCode(engine.ErrCodeValidation)
		}
		seen[kind][spec.Name] = true
		specs = append(specs, spec)
		return nil
	}
	for _, n := range markers(sub, ClassSubInput) {
		if err := add(n, ParamInput); err != nil {
			return nil, err
		}
	}
	for _, n := range markers(sub, ClassSubOutput) {
		if err := add(n, ParamOutput); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// SyncSubnetParams aligns the params of subnet node name with its nested graph's markers.
// Params whose declaration is unchanged keep their links and literals.
func (g *Graph) SyncSubnetParams(name string) error {
	n, err := g.lookup(name)
	if err != nil {
		return err
	}
	return g.env.syncSubnetParams(n)
}

func (e *Env) syncSubnetParams(host *Node) error {
	sub, ok := e.graphs[host.subgraphID]
	if !ok {
		return engine.NewStructuralError(fmt.Sprintf("node %q is not a subnet", host.name), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	specs, err := SubnetSpecs(sub)
	if err != nil {
		return err
	}
	g := e.graphs[host.graphID]

	want := make(map[ParamKind]map[string]ParamSpec)
	want[ParamInput] = make(map[string]ParamSpec)
	want[ParamOutput] = make(map[string]ParamSpec)
	for _, s := range specs {
		want[s.Kind][s.Name] = s
	}

	changed := false
	for _, have := range host.Specs() {
		w, keep := want[have.Kind][have.Name]
		if keep && w.Type == have.Type && w.Socket == have.Socket {
			if p, ok := host.primInputs[have.Name]; ok && have.Kind == ParamInput {
				if p.literal == nil || params.Equal(p.literal, p.spec.Default) {
					p.literal = w.Default
				}
				p.spec = w
			}
			delete(want[have.Kind], have.Name)
			continue
		}
		var links []*link
		if have.Kind == ParamInput {
			links = host.inputLinks(have.Name)
		} else {
			links = host.outputLinks(have.Name)
		}
		for _, l := range links {
			g.detach(l)
			if c, ok := e.nodes[l.to]; ok && c != host {
				e.markDirty(c, true, false, true, true, make(map[string]bool))
			}
		}
		host.dropParam(have.Kind, have.Name)
		changed = true
	}

	for _, kind := range []ParamKind{ParamInput, ParamOutput} {
		names := make([]string, 0, len(want[kind]))
		for name := range want[kind] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			host.addParam(want[kind][name])
			changed = true
		}
	}

	if changed {
		e.markDirty(host, true, false, true, true, make(map[string]bool))
	}
	return nil
}

// NewSubnetInstance creates a subnet node displayed as class whose nested graph is a fork
// of tmpl, or tmpl itself when share is set. Forked instances start locked.
func (g *Graph) NewSubnetInstance(ctx context.Context, class, name string, tmpl *Graph, share bool) (*Node, error) {
	desc, ok := g.env.Classes.Lookup(ClassSubnet)
	if !ok {
		return nil, engine.NewStructuralError("subnet class not registered", nil).WithCode(engine.ErrCodeNotFound)
	}
	n, err := g.createNode(desc, class, name)
	if err != nil {
		return nil, err
	}

	if share {
		if sub, ok := g.env.graphs[n.subgraphID]; ok {
			g.env.dropGraph(sub)
		}
		n.subgraphID = tmpl.id
		n.sharedSubgraph = true
	} else if err := tmpl.Fork(ctx, g.env.graphs[n.subgraphID]); err != nil {
		_ = g.RemoveNode(n.name)
		return nil, err
	}

	if err := g.env.syncSubnetParams(n); err != nil {
		_ = g.RemoveNode(n.name)
		return nil, err
	}
	n.locked = !share
	return n, nil
}

// RebuildInstance replaces the nested graph of a forked instance with a fresh fork of
// tmpl. Links on params that survive the new schema are kept.
func (g *Graph) RebuildInstance(ctx context.Context, n *Node, tmpl *Graph) error {
	if n.sharedSubgraph {
		return nil
	}
	sub, ok := g.env.graphs[n.subgraphID]
	if !ok {
		return engine.NewStructuralError(fmt.Sprintf("node %q is not a subnet", n.name), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	sub.Clear()
	if err := tmpl.Fork(ctx, sub); err != nil {
		return err
	}
	if err := g.env.syncSubnetParams(n); err != nil {
		return err
	}
	n.locked = true
	g.env.markDirty(n, true, true, true, true, make(map[string]bool))
	return nil
}

// SetNodeClass changes the display class of subnet node name. Asset renames use it to
// retag their instances.
func (g *Graph) SetNodeClass(name, class string) error {
	n, err := g.lookup(name)
	if err != nil {
		return err
	}
	if n.subgraphID == "" {
		return engine.NewStructuralError(fmt.Sprintf("node %q is not a subnet", name), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	n.class = class
	return nil
}

// Shared reports whether a subnet node edits its template graph in place.
func (n *Node) Shared() bool { return n.sharedSubgraph }

package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// Graph owns a set of nodes and the links between them. A graph either is a root graph
// or is nested inside a subnet node of another graph.
type Graph struct {
	env  *Env
	id   string
	name string

	// host is the uuid of the subnet node this graph is nested in.
	host string

	nodes map[string]*Node
	names map[string]string

	visiting map[string]bool
	stack    []*Node
}

func (g *Graph) ID() string   { return g.id }
func (g *Graph) Name() string { return g.name }
func (g *Graph) Env() *Env    { return g.env }

// Host returns the subnet node this graph is nested in, or nil.
func (g *Graph) Host() *Node { return g.env.HostOf(g) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node called name.
func (g *Graph) Node(name string) (*Node, bool) {
	id, ok := g.names[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Nodes returns every node ordered by name.
func (g *Graph) Nodes() []*Node { return sortedNodes(g) }

// Subgraph returns the graph nested in subnet node n.
func (g *Graph) Subgraph(n *Node) (*Graph, bool) {
	if n.subgraphID == "" {
		return nil, false
	}
	return g.env.Graph(n.subgraphID)
}

func (g *Graph) lookup(name string) (*Node, error) {
	n, ok := g.Node(name)
	if !ok {
		return nil, engine.NewStructuralError(fmt.Sprintf("node %q not found in graph %q", name, g.name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return n, nil
}

// CreateNode instantiates class cls under name. An empty name is replaced by the class
// name and a counter. Class names that are not registered but name an asset create an
// asset instance.
func (g *Graph) CreateNode(ctx context.Context, cls, name string) (*Node, error) {
	desc, ok := g.env.Classes.Lookup(cls)
	if !ok {
		if g.env.Assets != nil && g.env.Assets.IsAsset(cls) {
			return g.env.Assets.InstantiateAsset(ctx, g, cls, name)
		}
		return nil, engine.NewStructuralError(fmt.Sprintf("unknown node class %q", cls), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("create_node")
	}
	return g.createNode(desc, cls, name)
}

func (g *Graph) createNode(desc *Descriptor, class, name string) (*Node, error) {
	if name == "" {
		name = g.autoName(class)
	}
	if _, exists := g.names[name]; exists {
		return nil, engine.NewStructuralError(fmt.Sprintf("node %q already exists in graph %q", name, g.name), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithOperation("create_node")
	}

	n := newNode(g, desc, class, name)
	g.nodes[n.uuid] = n
	g.names[name] = n.uuid
	g.env.nodes[n.uuid] = n
	if desc.Subnet {
		sub := g.env.newGraph(name, n.uuid)
		n.subgraphID = sub.id
	}

	g.env.logger.Debug().
		Str("graph", g.name).
		Str("node", name).
		Str("class", class).
		Msg("Node created")
	g.env.notify(telemetry.TopicNodeCreated, g, name, "")
	g.touched()
	return n, nil
}

func (g *Graph) autoName(class string) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%d", class, i)
		if _, exists := g.names[name]; !exists {
			return name
		}
	}
}

// RemoveNode deletes a node and every link touching it. Nodes that consumed its outputs
// become dirty.
func (g *Graph) RemoveNode(name string) error {
	n, err := g.lookup(name)
	if err != nil {
		return err
	}

	consumers := make([]*Node, 0)
	for _, l := range n.allOutputLinks() {
		if c, ok := g.env.nodes[l.to]; ok && c != n {
			consumers = append(consumers, c)
		}
		g.detach(l)
	}
	for _, l := range n.allInputLinks() {
		g.detach(l)
	}

	delete(g.names, name)
	delete(g.nodes, n.uuid)
	g.env.dropNode(n)

	seen := make(map[string]bool)
	for _, c := range consumers {
		g.env.markDirty(c, true, false, true, true, seen)
	}

	g.env.logger.Debug().Str("graph", g.name).Str("node", name).Msg("Node removed")
	g.env.notify(telemetry.TopicNodeRemoved, g, name, "")
	g.touched()
	return nil
}

// RenameNode changes a node name. Consumers are dirtied since fan-in dict keys default to
// producer names.
func (g *Graph) RenameNode(oldName, newName string) error {
	n, err := g.lookup(oldName)
	if err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if newName == "" {
		return engine.NewStructuralError("node name must not be empty", nil).WithCode(engine.ErrCodeValidation)
	}
	if _, exists := g.names[newName]; exists {
		return engine.NewStructuralError(fmt.Sprintf("node %q already exists in graph %q", newName, g.name), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithOperation("rename_node")
	}

	delete(g.names, oldName)
	g.names[newName] = n.uuid
	n.name = newName

	seen := map[string]bool{n.uuid: true}
	for _, l := range n.allOutputLinks() {
		if c, ok := g.env.nodes[l.to]; ok {
			g.env.markDirty(c, true, false, true, true, seen)
		}
	}

	g.env.notify(telemetry.TopicNodeRenamed, g, newName, oldName)
	g.touched()
	return nil
}

// Clear removes every node.
func (g *Graph) Clear() {
	for _, n := range sortedNodes(g) {
		for _, l := range n.allInputLinks() {
			g.detach(l)
		}
	}
	for id, n := range g.nodes {
		g.env.dropNode(n)
		delete(g.nodes, id)
	}
	g.names = make(map[string]string)
	g.env.notify(telemetry.TopicGraphCleared, g, "", "")
	g.touched()
}

// AddLink connects two params. Object outputs feed object inputs, primitive outputs feed
// primitive inputs, and primitive outputs may also fan into dict/list inputs where they
// are boxed as numbers. A non-collection input holds one link; adding another replaces it.
func (g *Graph) AddLink(e Edge) error {
	l, err := g.resolveEdge(e)
	if err != nil {
		return err
	}
	src, dst := g.env.nodes[l.from], g.env.nodes[l.to]

	existing := dst.inputLinks(l.toParam)
	for _, x := range existing {
		if x.same(l) {
			x.mode = l.mode
			return nil
		}
	}
	if !inputType(dst, l.toParam).IsCollection() && len(existing) > 0 {
		g.detach(existing[0])
	}

	if p, ok := src.outputs[l.fromParam]; ok {
		p.links = append(p.links, l)
	} else {
		src.primOutputs[l.fromParam].links = append(src.primOutputs[l.fromParam].links, l)
	}
	if p, ok := dst.inputs[l.toParam]; ok {
		p.links = append(p.links, l)
	} else {
		dst.primInputs[l.toParam].links = append(dst.primInputs[l.toParam].links, l)
	}

	g.env.markDirty(dst, true, false, true, true, make(map[string]bool))
	g.touched()
	return nil
}

// RemoveLink disconnects a link previously added with the same endpoints and keys.
func (g *Graph) RemoveLink(e Edge) error {
	src, err := g.lookup(e.FromNode)
	if err != nil {
		return err
	}
	dst, err := g.lookup(e.ToNode)
	if err != nil {
		return err
	}
	want := &link{
		from: src.uuid, to: dst.uuid,
		fromParam: e.FromParam, toParam: e.ToParam,
		fromKey: e.FromKey, toKey: e.ToKey,
	}
	for _, l := range dst.inputLinks(e.ToParam) {
		if l.same(want) {
			g.detach(l)
			g.env.markDirty(dst, true, false, true, true, make(map[string]bool))
			g.touched()
			return nil
		}
	}
	return engine.NewStructuralError(
		fmt.Sprintf("no link %s.%s -> %s.%s", e.FromNode, e.FromParam, e.ToNode, e.ToParam), nil,
	).WithCode(engine.ErrCodeNotFound).WithOperation("remove_link")
}

// resolveEdge validates e and returns its arena form. The graph is not modified.
func (g *Graph) resolveEdge(e Edge) (*link, error) {
	src, err := g.lookup(e.FromNode)
	if err != nil {
		return nil, err
	}
	dst, err := g.lookup(e.ToNode)
	if err != nil {
		return nil, err
	}
	mismatch := func(format string, args ...interface{}) error {
		return engine.NewStructuralError(fmt.Sprintf(format, args...), nil).
			WithCode(engine.ErrCodeTypeMismatch).WithOperation("add_link")
	}
	if src == dst {
		return nil, engine.NewStructuralError(fmt.Sprintf("node %q cannot feed itself", src.name), nil).
			WithCode(engine.ErrCodeCycle).WithOperation("add_link")
	}

	mode := e.Mode
	if mode == "" {
		mode = params.LinkCopy
	}
	if err := mode.Validate(); err != nil {
		return nil, engine.NewStructuralError("invalid link", err).WithCode(engine.ErrCodeValidation)
	}

	srcObj, srcIsObj := src.outputs[e.FromParam]
	srcPrim, srcIsPrim := src.primOutputs[e.FromParam]
	if !srcIsObj && !srcIsPrim {
		return nil, engine.NewStructuralError(fmt.Sprintf("node %q has no output %q", src.name, e.FromParam), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("add_link")
	}
	dstObj, dstIsObj := dst.inputs[e.ToParam]
	dstPrim, dstIsPrim := dst.primInputs[e.ToParam]
	if !dstIsObj && !dstIsPrim {
		return nil, engine.NewStructuralError(fmt.Sprintf("node %q has no input %q", dst.name, e.ToParam), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("add_link")
	}

	switch {
	case srcIsObj && dstIsObj:
		from := srcObj.spec.Type
		if e.FromKey != "" {
			if from != params.TypeDict {
				return nil, mismatch("key %q selects from %s output %s.%s, need dict", e.FromKey, from, src.name, e.FromParam)
			}
			from = params.TypePrim
		}
		to := dstObj.spec.Type
		if e.ToKey != "" && !to.IsCollection() {
			return nil, mismatch("key %q targets %s input %s.%s, need dict or list", e.ToKey, to, dst.name, e.ToParam)
		}
		if !params.Compatible(from, to) {
			return nil, mismatch("cannot link %s output %s.%s to %s input %s.%s",
				from, src.name, e.FromParam, to, dst.name, e.ToParam)
		}
	case srcIsPrim && dstIsPrim:
		if e.FromKey != "" || e.ToKey != "" {
			return nil, mismatch("keys only apply to object links")
		}
		if !params.Compatible(srcPrim.spec.Type, dstPrim.spec.Type) {
			return nil, mismatch("cannot link %s output %s.%s to %s input %s.%s",
				srcPrim.spec.Type, src.name, e.FromParam, dstPrim.spec.Type, dst.name, e.ToParam)
		}
	case srcIsPrim && dstIsObj && dstObj.spec.Type.IsCollection():
		if e.FromKey != "" {
			return nil, mismatch("key %q selects from primitive output %s.%s", e.FromKey, src.name, e.FromParam)
		}
	default:
		return nil, mismatch("cannot link %s.%s to %s.%s: object and primitive params do not mix",
			src.name, e.FromParam, dst.name, e.ToParam)
	}

	return &link{
		from: src.uuid, to: dst.uuid,
		fromParam: e.FromParam, toParam: e.ToParam,
		fromKey: e.FromKey, toKey: e.ToKey,
		mode: mode,
	}, nil
}

func inputType(n *Node, name string) params.Type {
	if p, ok := n.inputs[name]; ok {
		return p.spec.Type
	}
	if p, ok := n.primInputs[name]; ok {
		return p.spec.Type
	}
	return ""
}

// detach removes l from both endpoint params.
func (g *Graph) detach(l *link) {
	remove := func(links []*link) []*link {
		for i, x := range links {
			if x == l {
				return append(links[:i:i], links[i+1:]...)
			}
		}
		return links
	}
	if src, ok := g.env.nodes[l.from]; ok {
		if p, ok := src.outputs[l.fromParam]; ok {
			p.links = remove(p.links)
		} else if p, ok := src.primOutputs[l.fromParam]; ok {
			p.links = remove(p.links)
		}
	}
	if dst, ok := g.env.nodes[l.to]; ok {
		if p, ok := dst.inputs[l.toParam]; ok {
			p.links = remove(p.links)
		} else if p, ok := dst.primInputs[l.toParam]; ok {
			p.links = remove(p.links)
		}
	}
}

// Links returns every link as an Edge, ordered by consumer name then input order.
func (g *Graph) Links() []Edge {
	var out []Edge
	for _, n := range sortedNodes(g) {
		for _, l := range n.allInputLinks() {
			out = append(out, g.edgeOf(l))
		}
	}
	return out
}

func (g *Graph) edgeOf(l *link) Edge {
	return Edge{
		FromNode: g.env.nodes[l.from].name, FromParam: l.fromParam, FromKey: l.fromKey,
		ToNode: g.env.nodes[l.to].name, ToParam: l.toParam, ToKey: l.toKey,
		Mode: l.mode,
	}
}

// SetParam replaces the literal of a primitive input. Formula strings and curves are
// stored unresolved; other literals are converted to the declared type.
func (g *Graph) SetParam(nodeName, param string, v params.Value) error {
	n, err := g.lookup(nodeName)
	if err != nil {
		return err
	}
	p, ok := n.primInputs[param]
	if !ok {
		if _, isObj := n.inputs[param]; isObj {
			return engine.NewStructuralError(fmt.Sprintf("%s.%s is an object input and takes no literal", nodeName, param), nil).
				WithCode(engine.ErrCodeTypeMismatch).WithOperation("set_param")
		}
		return engine.NewStructuralError(fmt.Sprintf("node %q has no input %q", nodeName, param), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("set_param")
	}
	if v == nil {
		v = params.Null{}
	}
	if err := checkLiteral(p.spec.Type, v); err != nil {
		return engine.NewStructuralError(fmt.Sprintf("invalid literal for %s.%s", nodeName, param), err).
			WithCode(engine.ErrCodeTypeMismatch).WithOperation("set_param")
	}
	if _, isCurve := v.(*params.Curve); !isCurve && !params.IsFormula(v) {
		if v, err = params.Convert(v, p.spec.Type); err != nil {
			return engine.NewStructuralError(fmt.Sprintf("invalid literal for %s.%s", nodeName, param), err).
				WithCode(engine.ErrCodeTypeMismatch).WithOperation("set_param")
		}
	}
	p.literal = v

	g.env.markDirty(n, true, false, true, true, make(map[string]bool))
	g.touched()
	return nil
}

// SetView flags a node for visual output. It only changes how outputs are registered.
func (g *Graph) SetView(nodeName string, on bool) error {
	n, err := g.lookup(nodeName)
	if err != nil {
		return err
	}
	n.view = on
	g.env.edits++
	return nil
}

// SetPos moves a node in the editor canvas.
func (g *Graph) SetPos(nodeName string, x, y float64) error {
	n, err := g.lookup(nodeName)
	if err != nil {
		return err
	}
	n.pos = [2]float64{x, y}
	return nil
}

// MarkDirty sets or clears the dirty flag of n. Setting it propagates to consumers when
// recursive is set and always bubbles to the hosting subnet node; wholeSubnet also dirties
// every node nested inside n.
func (g *Graph) MarkDirty(n *Node, on, wholeSubnet, recursive bool) {
	g.env.markDirty(n, on, wholeSubnet, recursive, true, make(map[string]bool))
	g.env.edits++
}

// touched records an edit of g. An edited nested graph dirties its host and unlocks it.
func (g *Graph) touched() {
	g.env.edits++
	host := g.env.HostOf(g)
	if host == nil {
		return
	}
	host.locked = false
	g.env.markDirty(host, true, false, true, true, make(map[string]bool))
}

// Objects returns the object outputs of every node in name order. Used by tests and
// inspection tools.
func (g *Graph) Objects() map[string]objects.Object {
	out := make(map[string]objects.Object)
	for _, n := range sortedNodes(g) {
		for name, p := range n.outputs {
			if p.value != nil {
				out[n.name+"."+name] = p.value
			}
		}
	}
	return out
}

func (g *Graph) String() string {
	names := make([]string, 0, len(g.names))
	for name := range g.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("graph(%s, nodes=%v)", g.name, names)
}

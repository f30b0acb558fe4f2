package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// ApplyContext is handed to a node body. Inputs have been pulled when Apply is called.
type ApplyContext struct {
	ctx  context.Context
	env  *Env
	node *Node
}

func (ac *ApplyContext) Ctx() context.Context { return ac.ctx }
func (ac *ApplyContext) Node() *Node          { return ac.node }
func (ac *ApplyContext) FrameID() int         { return ac.env.frameID() }

// Input returns the object pulled into input name, or nil.
func (ac *ApplyContext) Input(name string) objects.Object {
	if p, ok := ac.node.inputs[name]; ok {
		return p.value
	}
	return nil
}

// InputValue returns the resolved value of primitive input name, or nil.
func (ac *ApplyContext) InputValue(name string) params.Value {
	if p, ok := ac.node.primInputs[name]; ok {
		return p.value
	}
	return nil
}

// HasInput reports whether input name is linked.
func (ac *ApplyContext) HasInput(name string) bool {
	return len(ac.node.inputLinks(name)) > 0
}

// Float returns primitive input name as a float, zero when it is not numeric.
func (ac *ApplyContext) Float(name string) float64 {
	if c, ok := params.Components(ac.InputValue(name)); ok && len(c) > 0 {
		return c[0]
	}
	return 0
}

// Int returns primitive input name rounded to an int.
func (ac *ApplyContext) Int(name string) int {
	v, err := params.Convert(ac.InputValue(name), params.TypeInt)
	if err != nil {
		return 0
	}
	return int(v.(params.Int))
}

// Str returns primitive input name as text.
func (ac *ApplyContext) Str(name string) string {
	v := ac.InputValue(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(params.String); ok {
		return string(s)
	}
	return v.String()
}

// SetOutput stores obj in object output name.
func (ac *ApplyContext) SetOutput(name string, obj objects.Object) error {
	p, ok := ac.node.outputs[name]
	if !ok {
		return fmt.Errorf("node %q has no object output %q", ac.node.name, name)
	}
	p.value = obj
	return nil
}

// SetOutputValue stores v in primitive output name, converted to its declared type.
func (ac *ApplyContext) SetOutputValue(name string, v params.Value) error {
	p, ok := ac.node.primOutputs[name]
	if !ok {
		return fmt.Errorf("node %q has no primitive output %q", ac.node.name, name)
	}
	conv, err := params.Convert(v, p.spec.Type)
	if err != nil {
		return fmt.Errorf("output %s.%s: %w", ac.node.name, name, err)
	}
	p.value = conv
	return nil
}

// Logger returns a logger tagged with the node identity and frame.
func (ac *ApplyContext) Logger() zerolog.Logger {
	return ac.env.logger.With().
		Str("node", ac.node.name).
		Str("uuid_path", ac.node.uuidPath).
		Int("frame", ac.env.frameID()).
		Logger()
}

// Subgraph returns the graph nested in a subnet node.
func (ac *ApplyContext) Subgraph() *Graph {
	if ac.node.subgraphID == "" {
		return nil
	}
	return ac.env.graphs[ac.node.subgraphID]
}

// RequireInput pulls input name of n: upstream producers are applied if dirty and their
// results cross the link according to the consumer's socket mode. Unknown params return
// false without error.
func (g *Graph) RequireInput(ctx context.Context, n *Node, name string) (bool, error) {
	return g.env.requireInput(ctx, n, name)
}

func (e *Env) requireInput(ctx context.Context, n *Node, name string) (bool, error) {
	if p, ok := n.inputs[name]; ok {
		return true, e.pullObject(ctx, n, p)
	}
	if p, ok := n.primInputs[name]; ok {
		return true, e.pullPrim(ctx, n, p)
	}
	return false, nil
}

func (e *Env) pullObject(ctx context.Context, n *Node, p *ObjectParam) error {
	switch len(p.links) {
	case 0:
		switch p.spec.Type {
		case params.TypeDict:
			p.value = objects.NewDict()
		case params.TypeList:
			p.value = objects.NewList()
		default:
			p.value = nil
		}
		return nil
	case 1:
		l := p.links[0]
		if !p.spec.Type.IsCollection() || (l.toKey == "" && l.fromKey == "" && e.outputType(l) == p.spec.Type) {
			obj, err := e.fetchObject(ctx, n, p.spec.Socket, l)
			if err != nil {
				return err
			}
			p.value = obj
			return nil
		}
	}

	if p.spec.Type == params.TypeList {
		list := objects.NewList()
		for _, l := range p.links {
			obj, err := e.fetchObject(ctx, n, p.spec.Socket, l)
			if err != nil {
				return err
			}
			if obj != nil {
				list.Append(obj)
			}
		}
		p.value = list
		return nil
	}

	dict := objects.NewDict()
	for _, l := range p.links {
		obj, err := e.fetchObject(ctx, n, p.spec.Socket, l)
		if err != nil {
			return err
		}
		if obj == nil {
			continue
		}
		key := l.toKey
		if key == "" {
			key = e.nodes[l.from].name
		}
		if _, taken := dict.Get(key); taken {
			key += "/" + l.fromParam
		}
		dict.Set(key, obj)
	}
	p.value = dict
	return nil
}

func (e *Env) outputType(l *link) params.Type {
	src, ok := e.nodes[l.from]
	if !ok {
		return ""
	}
	if p, ok := src.outputs[l.fromParam]; ok {
		return p.spec.Type
	}
	return ""
}

// fetchObject pulls the producer of l and hands its output across the link.
func (e *Env) fetchObject(ctx context.Context, n *Node, mode params.SocketMode, l *link) (objects.Object, error) {
	if e.interrupted() {
		return nil, engine.NewInterruptedError("run interrupted").WithNode(n.uuidPath).WithOperation("require_input")
	}
	src, ok := e.nodes[l.from]
	if !ok {
		return nil, engine.NewStructuralError("dangling link", nil).WithCode(engine.ErrCodeInternal).WithNode(n.uuidPath)
	}
	if err := e.doApply(ctx, src); err != nil {
		return nil, err
	}

	if pout, ok := src.primOutputs[l.fromParam]; ok {
		if pout.value == nil {
			return nil, nil
		}
		return objects.NewNumber(pout.value), nil
	}
	out, ok := src.outputs[l.fromParam]
	if !ok || out.value == nil {
		return nil, nil
	}
	obj := out.value
	if l.fromKey != "" {
		d, isDict := obj.(*objects.Dict)
		if !isDict {
			return nil, nil
		}
		if obj, ok = d.Get(l.fromKey); !ok {
			return nil, nil
		}
	}

	switch mode {
	case params.SocketClone:
		return obj.Clone(), nil
	case params.SocketOwning:
		if l.fromKey != "" || len(out.links) != 1 {
			return obj.Clone(), nil
		}
		out.value = nil
		e.consume(src)
		return obj, nil
	default:
		return obj, nil
	}
}

func (e *Env) pullPrim(ctx context.Context, n *Node, p *PrimParam) error {
	if len(p.links) == 0 {
		v, err := params.Resolve(ctx, p.literal, e.frameID(), e.Formulas, p.spec.Type)
		if err != nil {
			return engine.NewEvaluationError(fmt.Sprintf("cannot resolve %s.%s", n.name, p.spec.Name), err).
				WithNode(n.uuidPath).WithOperation("resolve")
		}
		p.value = v
		return nil
	}

	if e.interrupted() {
		return engine.NewInterruptedError("run interrupted").WithNode(n.uuidPath).WithOperation("require_input")
	}
	l := p.links[0]
	src, ok := e.nodes[l.from]
	if !ok {
		return engine.NewStructuralError("dangling link", nil).WithCode(engine.ErrCodeInternal).WithNode(n.uuidPath)
	}
	if err := e.doApply(ctx, src); err != nil {
		return err
	}
	v, err := params.Convert(src.OutputValue(l.fromParam), p.spec.Type)
	if err != nil {
		return engine.NewEvaluationError(fmt.Sprintf("cannot take %s.%s into %s.%s", src.name, l.fromParam, n.name, p.spec.Name), err).
			WithCode(engine.ErrCodeTypeMismatch).WithNode(n.uuidPath)
	}
	p.value = v
	return nil
}

// DoApply evaluates n if it is dirty. A clean node only re-registers its outputs.
func (g *Graph) DoApply(ctx context.Context, n *Node) error {
	return g.env.doApply(ctx, n)
}

func (e *Env) doApply(ctx context.Context, n *Node) error {
	g := e.graphs[n.graphID]
	if g.visiting[n.uuid] {
		return cycleError(g, n)
	}
	if !n.dirty {
		e.registerOutputs(n)
		return nil
	}
	if e.interrupted() {
		return engine.NewInterruptedError("run interrupted").WithNode(n.uuidPath).WithOperation("apply")
	}

	g.visiting[n.uuid] = true
	g.stack = append(g.stack, n)
	defer func() {
		delete(g.visiting, n.uuid)
		g.stack = g.stack[:len(g.stack)-1]
	}()

	n.status = engine.NodeStatusRunning
	ctx, span := e.Tracer.StartNodeSpan(ctx, n.name, n.class, n.uuidPath)
	timer := telemetry.NewTimer()

	err := e.applyBody(ctx, n)
	telemetry.EndSpan(span, err)
	if err != nil {
		n.status = engine.NodeStatusPending
		e.Metrics.RecordNodeApply(n.class, "failed", timer.Duration())
		return annotate(n, err)
	}

	n.status = engine.NodeStatusSucceeded
	n.dirty = false
	n.version++
	e.Metrics.RecordNodeApply(n.class, "succeeded", timer.Duration())
	e.registerOutputs(n)
	return nil
}

func (e *Env) applyBody(ctx context.Context, n *Node) error {
	for _, name := range n.inputOrder {
		if _, err := e.requireInput(ctx, n, name); err != nil {
			return err
		}
	}
	for _, p := range n.outputs {
		p.value = nil
	}
	for _, p := range n.primOutputs {
		p.value = nil
	}
	n.applies++
	return n.body.Apply(&ApplyContext{ctx: ctx, env: e, node: n})
}

// annotate attaches the node identity to err once. Errors raised deeper in the pull
// chain already carry the innermost node and pass through.
func annotate(n *Node, err error) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		if ee.Node == "" {
			ee.WithNode(n.uuidPath)
		}
		return err
	}
	return engine.NewEvaluationError(fmt.Sprintf("node %q (%s) failed", n.name, n.class), err).
		WithCode(engine.ErrCodeApplyFailed).
		WithNode(n.uuidPath).
		WithOperation("apply")
}

// registerOutputs exports every object output to the object sink. Primitive outputs are
// not exported.
func (e *Env) registerOutputs(n *Node) {
	if e.Objects == nil {
		return
	}
	for _, name := range n.OutputNames() {
		p, ok := n.outputs[name]
		if !ok || p.value == nil {
			continue
		}
		e.Objects.Register(objects.Entry{
			Key:       objects.MakeKey(objects.MakeID(n.uuidPath, name), n.version),
			Object:    p.value,
			NodeClass: n.class,
			View:      n.view,
		})
	}
}

// Apply evaluates every node of g in dependency order. Dirty nodes recompute, clean nodes
// re-register their outputs. The first error aborts the pass.
func (g *Graph) Apply(ctx context.Context) error {
	order, err := g.Order()
	if err != nil {
		return err
	}
	for _, n := range order {
		if err := g.env.doApply(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

var errBoom = errors.New("boom")

func sourceBody(ac *ApplyContext) error {
	v := ac.Float("value")
	geo := objects.NewGeometry()
	geo.Attrs["v"] = []float64{v}
	if err := ac.SetOutput("out", geo); err != nil {
		return err
	}
	return ac.SetOutputValue("num", params.Float(v))
}

func scaleBody(ac *ApplyContext) error {
	factor := ac.Float("factor")
	out := objects.NewGeometry()
	if in, ok := ac.Input("in").(*objects.Geometry); ok {
		for _, v := range in.Attrs["v"] {
			out.Attrs["v"] = append(out.Attrs["v"], v*factor)
		}
	} else {
		out.Attrs["v"] = []float64{factor}
	}
	return ac.SetOutput("out", out)
}

func passBody(ac *ApplyContext) error {
	return ac.SetOutput("out", ac.Input("in"))
}

func collectBody(ac *ApplyContext) error {
	d, _ := ac.Input("items").(*objects.Dict)
	if d == nil {
		d = objects.NewDict()
	}
	if err := ac.SetOutput("out", d); err != nil {
		return err
	}
	return ac.SetOutputValue("count", params.Int(d.Len()))
}

func gatherBody(ac *ApplyContext) error {
	l, _ := ac.Input("items").(*objects.List)
	if l == nil {
		return ac.SetOutputValue("count", params.Int(0))
	}
	return ac.SetOutputValue("count", params.Int(l.Len()))
}

func body(f func(*ApplyContext) error) func() Body {
	return func() Body { return BodyFunc(f) }
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	classes := []Descriptor{
		{Name: "Source", Schema: SimpleSchema(
			In("value", params.TypeFloat, params.Float(1)),
			Out("out", params.TypePrim),
			Out("num", params.TypeFloat),
		), New: body(sourceBody)},
		{Name: "Scale", Schema: SimpleSchema(
			In("in", params.TypePrim, nil),
			In("factor", params.TypeFloat, params.Float(2)),
			Out("out", params.TypePrim),
		), New: body(scaleBody)},
		{Name: "Alias", Schema: SimpleSchema(
			InSocket("in", params.TypePrim, params.SocketReadOnly),
			Out("out", params.TypePrim),
		), New: body(passBody)},
		{Name: "Cloner", Schema: SimpleSchema(
			InSocket("in", params.TypePrim, params.SocketClone),
			Out("out", params.TypePrim),
		), New: body(passBody)},
		{Name: "Owner", Schema: SimpleSchema(
			InSocket("in", params.TypePrim, params.SocketOwning),
			Out("out", params.TypePrim),
		), New: body(passBody)},
		{Name: "Collect", Schema: SimpleSchema(
			In("items", params.TypeDict, nil),
			Out("out", params.TypeDict),
			Out("count", params.TypeInt),
		), New: body(collectBody)},
		{Name: "Gather", Schema: SimpleSchema(
			In("items", params.TypeList, nil),
			Out("count", params.TypeInt),
		), New: body(gatherBody)},
		{Name: "Fail", Schema: SimpleSchema(
			In("in", params.TypePrim, nil),
			Out("out", params.TypePrim),
		), New: body(func(*ApplyContext) error { return errBoom })},
	}
	for _, d := range classes {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
	return reg
}

func newTestGraph(t *testing.T) (*Env, *Graph) {
	t.Helper()
	env := NewEnv(testRegistry(t), zerolog.Nop())
	return env, env.NewGraph("main")
}

func mustCreate(t *testing.T, g *Graph, cls, name string) *Node {
	t.Helper()
	n, err := g.CreateNode(context.Background(), cls, name)
	if err != nil {
		t.Fatalf("CreateNode(%s, %s): %v", cls, name, err)
	}
	return n
}

func mustLink(t *testing.T, g *Graph, from, fromParam, to, toParam string) {
	t.Helper()
	if err := g.AddLink(Edge{FromNode: from, FromParam: fromParam, ToNode: to, ToParam: toParam}); err != nil {
		t.Fatalf("AddLink %s.%s -> %s.%s: %v", from, fromParam, to, toParam, err)
	}
}

func mustApply(t *testing.T, g *Graph) {
	t.Helper()
	if err := g.Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func attr(t *testing.T, obj objects.Object) []float64 {
	t.Helper()
	geo, ok := obj.(*objects.Geometry)
	if !ok {
		t.Fatalf("expected *objects.Geometry, got %T", obj)
	}
	return geo.Attrs["v"]
}

func TestDoApplyIsIdempotentWhenClean(t *testing.T) {
	_, g := newTestGraph(t)
	a := mustCreate(t, g, "Source", "a")
	b := mustCreate(t, g, "Alias", "b")
	mustLink(t, g, "a", "out", "b", "in")
	mustApply(t, g)

	first := b.Output("out")
	for i := 0; i < 2; i++ {
		if err := g.DoApply(context.Background(), b); err != nil {
			t.Fatalf("DoApply: %v", err)
		}
	}
	if a.Applies() != 1 || b.Applies() != 1 {
		t.Errorf("applies = (%d, %d), want (1, 1)", a.Applies(), b.Applies())
	}
	if b.Output("out") != first {
		t.Error("output identity changed on a clean re-apply")
	}
}

func TestMarkDirtyReachesForwardClosureOnly(t *testing.T) {
	_, g := newTestGraph(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		mustCreate(t, g, "Scale", name)
	}
	mustCreate(t, g, "Source", "e")
	mustLink(t, g, "a", "out", "b", "in")
	mustLink(t, g, "b", "out", "c", "in")
	mustLink(t, g, "e", "num", "b", "factor")
	mustApply(t, g)

	b, _ := g.Node("b")
	g.MarkDirty(b, true, false, true)

	dirty := map[string]bool{}
	for _, n := range g.Nodes() {
		dirty[n.Name()] = n.Dirty()
	}
	want := map[string]bool{"a": false, "b": true, "c": true, "d": false, "e": false}
	if diff := cmp.Diff(want, dirty); diff != "" {
		t.Errorf("dirty flags mismatch (-want +got):\n%s", diff)
	}

	mustApply(t, g)
	for _, n := range g.Nodes() {
		if n.Dirty() || n.Status() != engine.NodeStatusSucceeded {
			t.Errorf("%s: dirty=%v status=%s after run", n.Name(), n.Dirty(), n.Status())
		}
	}
	applies := map[string]int{}
	for _, n := range g.Nodes() {
		applies[n.Name()] = n.Applies()
	}
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 2, "c": 2, "d": 1, "e": 1}, applies); diff != "" {
		t.Errorf("applies mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveNodeDirtiesConsumerWhichFallsBackToDefault(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	mustCreate(t, g, "Scale", "b")
	c := mustCreate(t, g, "Scale", "c")
	mustLink(t, g, "a", "out", "b", "in")
	mustLink(t, g, "b", "out", "c", "in")
	mustApply(t, g)

	if got := attr(t, c.Output("out")); !cmp.Equal(got, []float64{4}) {
		t.Fatalf("c before removal = %v, want [4]", got)
	}

	if err := g.RemoveNode("b"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if !c.Dirty() {
		t.Fatal("consumer of removed node should be dirty")
	}
	a, _ := g.Node("a")
	if a.Dirty() {
		t.Error("producer of removed node should stay clean")
	}
	if len(g.Links()) != 0 {
		t.Errorf("links left after removal: %v", g.Links())
	}

	mustApply(t, g)
	if got := attr(t, c.Output("out")); !cmp.Equal(got, []float64{2}) {
		t.Errorf("c after removal = %v, want default [2]", got)
	}
	if c.Applies() != 2 {
		t.Errorf("c applies = %d, want 2", c.Applies())
	}
}

func TestSocketModes(t *testing.T) {
	t.Run("readonly aliases", func(t *testing.T) {
		_, g := newTestGraph(t)
		a := mustCreate(t, g, "Source", "a")
		b := mustCreate(t, g, "Alias", "b")
		mustLink(t, g, "a", "out", "b", "in")
		mustApply(t, g)
		if b.Output("out") != a.Output("out") {
			t.Error("read-only input should alias the producer output")
		}
	})

	t.Run("clone copies", func(t *testing.T) {
		_, g := newTestGraph(t)
		a := mustCreate(t, g, "Source", "a")
		b := mustCreate(t, g, "Cloner", "b")
		mustLink(t, g, "a", "out", "b", "in")
		mustApply(t, g)
		if b.Output("out") == a.Output("out") {
			t.Fatal("clone input should not alias the producer output")
		}
		if !cmp.Equal(attr(t, b.Output("out")), attr(t, a.Output("out"))) {
			t.Error("clone differs from the original")
		}
	})

	t.Run("owning moves from a single consumer link", func(t *testing.T) {
		_, g := newTestGraph(t)
		a := mustCreate(t, g, "Source", "a")
		b := mustCreate(t, g, "Owner", "b")
		mustLink(t, g, "a", "out", "b", "in")
		mustApply(t, g)
		if b.Output("out") == nil {
			t.Fatal("owner received nothing")
		}
		if a.Output("out") != nil {
			t.Error("producer kept access to a moved value")
		}
		if !a.Dirty() || b.Dirty() {
			t.Errorf("after move: producer dirty=%v consumer dirty=%v", a.Dirty(), b.Dirty())
		}
		if a.Status() != engine.NodeStatusPending || b.Status() != engine.NodeStatusSucceeded {
			t.Errorf("after move: producer %s, consumer %s", a.Status(), b.Status())
		}
	})

	t.Run("owning clones when shared", func(t *testing.T) {
		_, g := newTestGraph(t)
		a := mustCreate(t, g, "Source", "a")
		b := mustCreate(t, g, "Owner", "b")
		mustCreate(t, g, "Alias", "c")
		mustLink(t, g, "a", "out", "b", "in")
		mustLink(t, g, "a", "out", "c", "in")
		mustApply(t, g)
		if a.Output("out") == nil || b.Output("out") == a.Output("out") {
			t.Error("owning input with a shared producer should receive a clone")
		}
	})
}

func TestFanInAssemblesCollections(t *testing.T) {
	_, g := newTestGraph(t)
	a := mustCreate(t, g, "Source", "a")
	b := mustCreate(t, g, "Source", "b")
	c := mustCreate(t, g, "Collect", "c")
	l := mustCreate(t, g, "Gather", "l")
	pick := mustCreate(t, g, "Alias", "pick")
	if err := g.SetParam("b", "value", params.Float(2)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}

	edges := []Edge{
		{FromNode: "a", FromParam: "out", ToNode: "c", ToParam: "items", ToKey: "first"},
		{FromNode: "b", FromParam: "out", ToNode: "c", ToParam: "items"},
		{FromNode: "a", FromParam: "num", ToNode: "c", ToParam: "items", ToKey: "n"},
		{FromNode: "a", FromParam: "out", ToNode: "l", ToParam: "items"},
		{FromNode: "b", FromParam: "out", ToNode: "l", ToParam: "items"},
		{FromNode: "c", FromParam: "out", FromKey: "first", ToNode: "pick", ToParam: "in"},
	}
	for _, e := range edges {
		if err := g.AddLink(e); err != nil {
			t.Fatalf("AddLink(%+v): %v", e, err)
		}
	}
	mustApply(t, g)

	d, ok := c.Output("out").(*objects.Dict)
	if !ok {
		t.Fatalf("expected *objects.Dict, got %T", c.Output("out"))
	}
	if diff := cmp.Diff([]string{"b", "first", "n"}, d.Keys()); diff != "" {
		t.Errorf("dict keys mismatch (-want +got):\n%s", diff)
	}
	if n, _ := d.Get("n"); n.(*objects.Number).Value != params.Float(1) {
		t.Errorf("boxed number = %v, want 1", n)
	}
	if c.OutputValue("count") != params.Int(3) || l.OutputValue("count") != params.Int(2) {
		t.Errorf("counts = %v, %v", c.OutputValue("count"), l.OutputValue("count"))
	}
	if pick.Output("out") != a.Output("out") {
		t.Error("keyed selection should alias the producer object")
	}
	if b.Output("out") == nil {
		t.Error("read-only fan-in must not consume producers")
	}
}

func TestAddLinkRejectsInvalidEdges(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	mustCreate(t, g, "Scale", "b")
	mustCreate(t, g, "Gather", "l")

	tests := []struct {
		name string
		edge Edge
		code string
	}{
		{"missing node", Edge{FromNode: "a", FromParam: "out", ToNode: "zz", ToParam: "in"}, engine.ErrCodeNotFound},
		{"missing param", Edge{FromNode: "a", FromParam: "nope", ToNode: "b", ToParam: "in"}, engine.ErrCodeNotFound},
		{"prim into object", Edge{FromNode: "a", FromParam: "num", ToNode: "b", ToParam: "in"}, engine.ErrCodeTypeMismatch},
		{"object into prim", Edge{FromNode: "a", FromParam: "out", ToNode: "b", ToParam: "factor"}, engine.ErrCodeTypeMismatch},
		{"key into plain input", Edge{FromNode: "a", FromParam: "out", ToNode: "b", ToParam: "in", ToKey: "k"}, engine.ErrCodeTypeMismatch},
		{"select from non-dict", Edge{FromNode: "a", FromParam: "out", FromKey: "k", ToNode: "l", ToParam: "items"}, engine.ErrCodeTypeMismatch},
		{"self link", Edge{FromNode: "b", FromParam: "out", ToNode: "b", ToParam: "in"}, engine.ErrCodeCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.AddLink(tt.edge)
			if !engine.IsStructural(err) || !engine.HasCode(err, tt.code) {
				t.Fatalf("AddLink error = %v, want structural %s", err, tt.code)
			}
		})
	}
	if len(g.Links()) != 0 {
		t.Errorf("rejected links changed the graph: %v", g.Links())
	}

	if err := g.RemoveLink(Edge{FromNode: "a", FromParam: "out", ToNode: "b", ToParam: "in"}); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("RemoveLink of absent link = %v", err)
	}
}

func TestAddLinkReplacesSingleInput(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	mustCreate(t, g, "Source", "b")
	mustCreate(t, g, "Scale", "c")
	mustLink(t, g, "a", "out", "c", "in")
	mustLink(t, g, "a", "out", "c", "in")
	mustLink(t, g, "b", "out", "c", "in")

	links := g.Links()
	if len(links) != 1 || links[0].FromNode != "b" || links[0].Mode != params.LinkCopy {
		t.Errorf("links = %+v, want one copy link from b", links)
	}
}

func TestCycleIsStructuralError(t *testing.T) {
	_, g := newTestGraph(t)
	x := mustCreate(t, g, "Scale", "x")
	mustCreate(t, g, "Scale", "y")
	mustLink(t, g, "x", "out", "y", "in")
	mustLink(t, g, "y", "out", "x", "in")

	err := g.Apply(context.Background())
	if !engine.IsStructural(err) || !engine.HasCode(err, engine.ErrCodeCycle) {
		t.Fatalf("Apply error = %v, want cycle", err)
	}
	if diff := cmp.Diff([]string{"x", "y", "x"}, g.FindCycle()); diff != "" {
		t.Errorf("cycle path mismatch (-want +got):\n%s", diff)
	}

	err = g.DoApply(context.Background(), x)
	if !engine.HasCode(err, engine.ErrCodeCycle) {
		t.Fatalf("DoApply error = %v, want cycle", err)
	}
	if !strings.Contains(err.Error(), "x -> y -> x") {
		t.Errorf("cycle message %q lacks the path", err.Error())
	}
}

func TestEvaluationErrorCarriesNodePath(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	f := mustCreate(t, g, "Fail", "f")
	s := mustCreate(t, g, "Scale", "s")
	mustLink(t, g, "a", "out", "f", "in")
	mustLink(t, g, "f", "out", "s", "in")

	err := g.DoApply(context.Background(), s)
	if !engine.IsEvaluation(err) {
		t.Fatalf("expected evaluation error, got %v", err)
	}
	if engine.NodeOf(err) != f.UUIDPath() {
		t.Errorf("error node = %q, want %q", engine.NodeOf(err), f.UUIDPath())
	}
	if !errors.Is(err, errBoom) {
		t.Error("body error not wrapped")
	}
	if f.Status() != engine.NodeStatusPending || !f.Dirty() || !s.Dirty() {
		t.Errorf("after failure: f=%s/%v s dirty=%v", f.Status(), f.Dirty(), s.Dirty())
	}
}

func TestInterruptAbortsAtPullBoundary(t *testing.T) {
	env, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	b := mustCreate(t, g, "Scale", "b")
	mustLink(t, g, "a", "out", "b", "in")

	env.Interrupted = func() bool { return true }
	err := g.DoApply(context.Background(), b)
	if !engine.IsInterrupted(err) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if b.Applies() != 0 {
		t.Errorf("interrupted node applied %d times", b.Applies())
	}
}

func TestRequireInputUnknownParam(t *testing.T) {
	_, g := newTestGraph(t)
	a := mustCreate(t, g, "Source", "a")
	ok, err := g.RequireInput(context.Background(), a, "missing")
	if ok || err != nil {
		t.Errorf("RequireInput(missing) = %v, %v; want false, nil", ok, err)
	}
	ok, err = g.RequireInput(context.Background(), a, "value")
	if !ok || err != nil {
		t.Fatalf("RequireInput(value) = %v, %v", ok, err)
	}
	if p, _ := a.PrimInput("value"); p.Value() != params.Float(1) {
		t.Errorf("resolved default = %v, want 1", p.Value())
	}
}

type frameFormulas struct{}

func (frameFormulas) ResolveFormula(_ context.Context, expr string, frame int) (params.Value, error) {
	if expr != "frame" {
		return nil, errors.New("unsupported")
	}
	return params.Int(frame), nil
}

func TestLiteralsResolveAtCurrentFrame(t *testing.T) {
	env, g := newTestGraph(t)
	frame := 7
	env.Frames = FrameFunc(func() int { return frame })
	env.Formulas = frameFormulas{}
	a := mustCreate(t, g, "Source", "a")

	if err := g.SetParam("a", "value", params.String("=frame")); err != nil {
		t.Fatalf("SetParam formula: %v", err)
	}
	mustApply(t, g)
	if a.OutputValue("num") != params.Float(7) {
		t.Errorf("formula output = %v, want 7", a.OutputValue("num"))
	}

	curve := params.NewCurve(params.Keyframe{Frame: 0, Value: 0}, params.Keyframe{Frame: 10, Value: 100})
	if err := g.SetParam("a", "value", curve); err != nil {
		t.Fatalf("SetParam curve: %v", err)
	}
	frame = 5
	mustApply(t, g)
	if a.OutputValue("num") != params.Float(50) {
		t.Errorf("curve output = %v, want 50", a.OutputValue("num"))
	}

	if err := g.SetParam("a", "value", params.String("text")); !engine.HasCode(err, engine.ErrCodeTypeMismatch) {
		t.Errorf("string literal into float param = %v", err)
	}
	if err := g.SetParam("a", "value", params.Int(3)); err != nil {
		t.Fatalf("SetParam int: %v", err)
	}
	if p, _ := a.PrimInput("value"); p.Literal() != params.Float(3) {
		t.Errorf("literal stored as %v (%T), want converted float", p.Literal(), p.Literal())
	}
}

func TestMarkFrameDirtyTouchesTimeDependentNodes(t *testing.T) {
	env, g := newTestGraph(t)
	frame := 1
	env.Frames = FrameFunc(func() int { return frame })
	env.Formulas = frameFormulas{}
	mustCreate(t, g, "Source", "animated")
	mustCreate(t, g, "Source", "still")
	scaled := mustCreate(t, g, "Scale", "scaled")
	other := mustCreate(t, g, "Scale", "other")
	mustLink(t, g, "animated", "out", "scaled", "in")
	mustLink(t, g, "still", "out", "other", "in")
	if err := g.SetParam("animated", "value", params.String("=frame")); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	mustApply(t, g)

	edits := env.Edits()
	frame = 3
	if n := g.MarkFrameDirty(); n != 1 {
		t.Errorf("MarkFrameDirty found %d time dependent nodes, want 1", n)
	}
	if env.Edits() != edits {
		t.Error("a frame change counted as an edit")
	}
	if !scaled.Dirty() || other.Dirty() {
		t.Errorf("dirty after frame change: scaled=%v other=%v", scaled.Dirty(), other.Dirty())
	}
	mustApply(t, g)
	if got := attr(t, scaled.Output("out")); !cmp.Equal(got, []float64{6}) {
		t.Errorf("scaled at frame 3 = %v, want [6]", got)
	}
}

func TestOutputsAreRegistered(t *testing.T) {
	env, g := newTestGraph(t)
	reg := objects.NewRegistry()
	env.Objects = reg
	a := mustCreate(t, g, "Source", "a")
	if err := g.SetView("a", true); err != nil {
		t.Fatalf("SetView: %v", err)
	}

	reg.BeginRun()
	mustApply(t, g)
	key := objects.MakeKey(objects.MakeID(a.UUIDPath(), "out"), 1)
	e, ok := reg.Lookup(key)
	if !ok {
		t.Fatalf("key %q not registered; have %v", key, reg.Entries())
	}
	if !e.View || e.NodeClass != "Source" || e.Object != a.Output("out") {
		t.Errorf("entry = %+v", e)
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d entries, primitive outputs must be exempt", reg.Len())
	}

	reg.BeginRun()
	mustApply(t, g)
	if _, ok := reg.Lookup(key); !ok {
		t.Error("clean node did not re-register its output")
	}
}

func buildSubnet(t *testing.T, g *Graph) *Node {
	t.Helper()
	net := mustCreate(t, g, ClassSubnet, "net")
	sub, ok := g.Subgraph(net)
	if !ok {
		t.Fatal("subnet has no nested graph")
	}
	mustCreate(t, sub, ClassSubInput, "in")
	mustCreate(t, sub, "Scale", "s")
	mustCreate(t, sub, ClassSubOutput, "out")
	mustLink(t, sub, "in", "port", "s", "in")
	mustLink(t, sub, "s", "out", "out", "port")
	if err := g.SyncSubnetParams("net"); err != nil {
		t.Fatalf("SyncSubnetParams: %v", err)
	}
	return net
}

func TestSubnetEvaluatesNestedGraph(t *testing.T) {
	_, g := newTestGraph(t)
	a := mustCreate(t, g, "Source", "a")
	net := buildSubnet(t, g)
	mustLink(t, g, "a", "out", "net", "in")
	mustApply(t, g)

	if got := attr(t, net.Output("out")); !cmp.Equal(got, []float64{2}) {
		t.Fatalf("subnet output = %v, want [2]", got)
	}

	sub, _ := g.Subgraph(net)
	s, _ := sub.Node("s")
	if !strings.HasPrefix(s.UUIDPath(), net.UUIDPath()+"/") {
		t.Errorf("nested uuid path %q not under %q", s.UUIDPath(), net.UUIDPath())
	}

	if err := sub.SetParam("s", "factor", params.Float(3)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if !net.Dirty() || a.Dirty() {
		t.Errorf("nested edit: host dirty=%v producer dirty=%v", net.Dirty(), a.Dirty())
	}
	mustApply(t, g)
	if got := attr(t, net.Output("out")); !cmp.Equal(got, []float64{3}) {
		t.Errorf("subnet output after edit = %v, want [3]", got)
	}
}

func TestSubnetParamSyncDropsStalePorts(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	net := buildSubnet(t, g)
	mustLink(t, g, "a", "out", "net", "in")

	sub, _ := g.Subgraph(net)
	if err := sub.SetParam("in", "name", params.String("geo")); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if err := g.SyncSubnetParams("net"); err != nil {
		t.Fatalf("SyncSubnetParams: %v", err)
	}
	if _, ok := net.Input("in"); ok {
		t.Error("stale host input survived")
	}
	if p, ok := net.Input("geo"); !ok || p.Spec().Socket != params.SocketClone {
		t.Errorf("renamed host input missing or wrong socket: %+v", p)
	}
	if len(g.Links()) != 0 {
		t.Errorf("links to a dropped port survived: %v", g.Links())
	}
}

func TestForkAndDocumentRoundTrip(t *testing.T) {
	env, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	mustCreate(t, g, "Scale", "b")
	buildSubnet(t, g)
	mustLink(t, g, "a", "out", "b", "in")
	mustLink(t, g, "b", "out", "net", "in")
	if err := g.SetParam("b", "factor", params.Float(5)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if err := g.SetPos("b", 10, 20); err != nil {
		t.Fatalf("SetPos: %v", err)
	}

	fork := env.NewGraph("fork")
	if err := g.Fork(context.Background(), fork); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if diff := cmp.Diff(g.Describe(), fork.Describe()); diff != "" {
		t.Errorf("fork differs (-orig +fork):\n%s", diff)
	}
	ob, _ := g.Node("b")
	fb, _ := fork.Node("b")
	if ob.UUID() == fb.UUID() {
		t.Error("fork reused a node uuid")
	}
	if err := fork.SetParam("b", "factor", params.Float(9)); err != nil {
		t.Fatalf("SetParam on fork: %v", err)
	}
	if p, _ := ob.PrimInput("factor"); p.Literal() != params.Float(5) {
		t.Error("editing the fork changed the original")
	}

	loaded := env.NewGraph("loaded")
	if err := loaded.Load(context.Background(), g.Describe()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(g.Describe(), loaded.Describe()); diff != "" {
		t.Errorf("document round trip mismatch (-want +got):\n%s", diff)
	}
	mustApply(t, loaded)
	net, _ := loaded.Node("net")
	if got := attr(t, net.Output("out")); !cmp.Equal(got, []float64{10}) {
		t.Errorf("loaded graph output = %v, want [10]", got)
	}
}

func TestObserversSeeStructuralEdits(t *testing.T) {
	env, g := newTestGraph(t)
	env.Observers = telemetry.NewObservers()
	var got []string
	for _, topic := range []string{telemetry.TopicNodeCreated, telemetry.TopicNodeRenamed, telemetry.TopicNodeRemoved, telemetry.TopicGraphCleared} {
		env.Observers.Register(topic, func(e telemetry.Event) {
			got = append(got, e.Topic+":"+e.OldName+">"+e.Name)
		})
	}

	mustCreate(t, g, "Source", "")
	if err := g.RenameNode("Source1", "ground"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	if err := g.RemoveNode("ground"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	g.Clear()

	want := []string{
		"node.created:>Source1",
		"node.renamed:Source1>ground",
		"node.removed:>ground",
		"graph.cleared:>",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateNodeErrors(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")

	if _, err := g.CreateNode(context.Background(), "Source", "a"); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("duplicate name = %v", err)
	}
	if _, err := g.CreateNode(context.Background(), "Teapot", ""); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("unknown class = %v", err)
	}
	if n := mustCreate(t, g, "Source", ""); n.Name() != "Source1" {
		t.Errorf("auto name = %q, want Source1", n.Name())
	}
}

func TestRegistryRejectsBadClasses(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Register(Descriptor{Name: "Source", New: body(sourceBody)})
	if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("duplicate class = %v", err)
	}

	bad := []Descriptor{
		{Name: "", New: body(sourceBody)},
		{Name: "NoBody"},
		{Name: "SocketOnPrim", New: body(sourceBody), Schema: SimpleSchema(
			InSocket("x", params.TypeFloat, params.SocketClone),
		)},
		{Name: "BadDefault", New: body(sourceBody), Schema: SimpleSchema(
			In("x", params.TypeInt, params.String("text")),
		)},
		{Name: "Dup", New: body(sourceBody), Schema: SimpleSchema(
			In("x", params.TypeInt, nil), In("x", params.TypeFloat, nil),
		)},
	}
	for _, d := range bad {
		if err := reg.Register(d); !engine.HasCode(err, engine.ErrCodeValidation) {
			t.Errorf("Register(%q) = %v, want validation error", d.Name, err)
		}
	}
}

func TestToDOT(t *testing.T) {
	_, g := newTestGraph(t)
	mustCreate(t, g, "Source", "a")
	mustCreate(t, g, "Scale", "b")
	mustLink(t, g, "a", "out", "b", "in")

	dot := g.ToDOT()
	for _, want := range []string{`digraph "main"`, `"a" -> "b"`, "cluster_level_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %s:\n%s", want, dot)
		}
	}
}

package assets

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

func testEnv(t *testing.T) (*graph.Env, *Manager) {
	t.Helper()
	reg := graph.NewRegistry()
	if err := graph.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	reg.MustRegister(graph.Descriptor{
		Name: "Source",
		Schema: graph.SimpleSchema(
			graph.In("value", params.TypeFloat, params.Float(1)),
			graph.Out("out", params.TypePrim),
		),
		New: func() graph.Body {
			return graph.BodyFunc(func(ac *graph.ApplyContext) error {
				geo := objects.NewGeometry()
				geo.Attrs["v"] = []float64{ac.Float("value")}
				return ac.SetOutput("out", geo)
			})
		},
	})
	reg.MustRegister(graph.Descriptor{
		Name: "Scale",
		Schema: graph.SimpleSchema(
			graph.In("in", params.TypePrim, nil),
			graph.In("factor", params.TypeFloat, params.Float(2)),
			graph.Out("out", params.TypePrim),
		),
		New: func() graph.Body {
			return graph.BodyFunc(func(ac *graph.ApplyContext) error {
				out := objects.NewGeometry()
				if in, ok := ac.Input("in").(*objects.Geometry); ok {
					for _, v := range in.Attrs["v"] {
						out.Attrs["v"] = append(out.Attrs["v"], v*ac.Float("factor"))
					}
				}
				return ac.SetOutput("out", out)
			})
		},
	})

	env := graph.NewEnv(reg, zerolog.Nop())
	env.Observers = telemetry.NewObservers()
	return env, NewManager(env, zerolog.Nop())
}

// newDouble defines an asset scaling its geo input into result.
func newDouble(t *testing.T, m *Manager) *Asset {
	t.Helper()
	ctx := context.Background()
	a, err := m.CreateAsset(ctx, "Double",
		[]ParamInfo{{Name: "geo", Type: params.TypePrim}},
		[]ParamInfo{{Name: "result", Type: params.TypePrim}},
	)
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := a.Graph.CreateNode(ctx, "Scale", "s"); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	for _, e := range []graph.Edge{
		{FromNode: "geo", FromParam: "port", ToNode: "s", ToParam: "in"},
		{FromNode: "s", FromParam: "out", ToNode: "result", ToParam: "port"},
	} {
		if err := a.Graph.AddLink(e); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	return a
}

func values(t *testing.T, obj objects.Object) []float64 {
	t.Helper()
	geo, ok := obj.(*objects.Geometry)
	if !ok {
		t.Fatalf("expected geometry, got %T", obj)
	}
	return geo.Attrs["v"]
}

func TestForkedInstanceIsIndependent(t *testing.T) {
	ctx := context.Background()
	env, m := testEnv(t)
	a := newDouble(t, m)
	g := env.NewGraph("main")

	if _, err := g.CreateNode(ctx, "Source", "src"); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	inst, err := g.CreateNode(ctx, "Double", "d1")
	if err != nil {
		t.Fatalf("instantiate asset: %v", err)
	}
	if inst.Class() != "Double" || !inst.Locked() || inst.Shared() {
		t.Fatalf("instance class=%s locked=%v shared=%v", inst.Class(), inst.Locked(), inst.Shared())
	}
	if err := g.AddLink(graph.Edge{FromNode: "src", FromParam: "out", ToNode: "d1", ToParam: "geo"}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := g.Apply(ctx); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := values(t, inst.Output("result")); !cmp.Equal(got, []float64{2}) {
		t.Fatalf("instance output = %v, want [2]", got)
	}

	if err := a.Graph.SetParam("s", "factor", params.Float(10)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if inst.Dirty() {
		t.Error("template edit reached a forked instance")
	}
}

func TestUpdateAssetsRebuildsLockedInstances(t *testing.T) {
	ctx := context.Background()
	env, m := testEnv(t)
	a := newDouble(t, m)
	g := env.NewGraph("main")

	locked, err := m.NewInstance(ctx, g, "Double", "locked", false)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	edited, err := m.NewInstance(ctx, g, "Double", "edited", false)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	sub, _ := g.Subgraph(edited)
	if err := sub.SetParam("s", "factor", params.Float(3)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if edited.Locked() {
		t.Fatal("editing an instance should unlock it")
	}

	if err := a.Graph.SetParam("s", "factor", params.Float(4)); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	diff, err := m.UpdateAssets(ctx, "Double", ParamChangeSet{
		Inputs: []ParamInfo{{Name: "mesh", OldName: "geo", Type: params.TypePrim}},
		Outputs: []ParamInfo{
			{Name: "result", Type: params.TypePrim},
			{Name: "scale", Type: params.TypeFloat},
		},
	})
	if err != nil {
		t.Fatalf("UpdateAssets: %v", err)
	}
	want := SchemaDiff{Added: []string{"scale"}, Renamed: map[string]string{"geo": "mesh"}}
	if d := cmp.Diff(want, diff); d != "" {
		t.Errorf("schema diff mismatch (-want +got):\n%s", d)
	}

	if _, ok := locked.Input("mesh"); !ok {
		t.Error("locked instance missing renamed input")
	}
	if _, ok := locked.Input("geo"); ok {
		t.Error("locked instance kept the old input")
	}
	if !locked.Locked() {
		t.Error("rebuilt instance should stay locked")
	}
	lsub, _ := g.Subgraph(locked)
	s, _ := lsub.Node("s")
	if p, _ := s.PrimInput("factor"); p.Literal() != params.Float(4) {
		t.Errorf("rebuilt instance factor = %v, want 4", p.Literal())
	}

	if _, ok := edited.Input("geo"); !ok {
		t.Error("edited instance should be left untouched")
	}
	cached, _ := m.Asset("Double")
	if len(cached.Outputs) != 2 || cached.Inputs[0].OldName != "" {
		t.Errorf("cached schema = %+v", cached)
	}
}

func nodeNames(g *graph.Graph) []string {
	var names []string
	for _, n := range g.Nodes() {
		names = append(names, n.Name())
	}
	return names
}

func TestUpdateAssetsSwapsNames(t *testing.T) {
	ctx := context.Background()
	_, m := testEnv(t)
	a, err := m.CreateAsset(ctx, "Pair",
		[]ParamInfo{{Name: "a", Type: params.TypePrim}, {Name: "b", Type: params.TypePrim}},
		nil,
	)
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	wasA, _ := a.Graph.Node("a")
	wasB, _ := a.Graph.Node("b")

	diff, err := m.UpdateAssets(ctx, "Pair", ParamChangeSet{
		Inputs: []ParamInfo{
			{Name: "b", OldName: "a", Type: params.TypePrim},
			{Name: "a", OldName: "b", Type: params.TypePrim},
		},
	})
	if err != nil {
		t.Fatalf("UpdateAssets: %v", err)
	}
	if d := cmp.Diff(map[string]string{"a": "b", "b": "a"}, diff.Renamed); d != "" {
		t.Errorf("renames mismatch (-want +got):\n%s", d)
	}
	if n, _ := a.Graph.Node("b"); n != wasA {
		t.Error("marker a was not renamed to b")
	}
	if n, _ := a.Graph.Node("a"); n != wasB {
		t.Error("marker b was not renamed to a")
	}
	if d := cmp.Diff([]string{"a", "b"}, nodeNames(a.Graph)); d != "" {
		t.Errorf("template nodes mismatch (-want +got):\n%s", d)
	}
}

func TestRejectedUpdateLeavesTemplate(t *testing.T) {
	ctx := context.Background()
	_, m := testEnv(t)
	a := newDouble(t, m)
	before := nodeNames(a.Graph)

	tests := []struct {
		name string
		cs   ParamChangeSet
		code string
	}{
		{
			name: "added output takes an inner node name",
			cs: ParamChangeSet{
				Inputs:  []ParamInfo{{Name: "geo", Type: params.TypePrim}},
				Outputs: []ParamInfo{{Name: "s", Type: params.TypePrim}},
			},
			code: engine.ErrCodeAlreadyExists,
		},
		{
			name: "rename onto an inner node",
			cs: ParamChangeSet{
				Inputs: []ParamInfo{{Name: "s", OldName: "geo", Type: params.TypePrim}},
			},
			code: engine.ErrCodeAlreadyExists,
		},
		{
			name: "invalid curve default",
			cs: ParamChangeSet{
				Inputs:  []ParamInfo{{Name: "amount", Type: params.TypeFloat, Default: &params.Curve{Keys: []params.Keyframe{{Frame: 1, Interp: "cubic"}}}}},
				Outputs: []ParamInfo{{Name: "result", Type: params.TypePrim}},
			},
			code: engine.ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.UpdateAssets(ctx, "Double", tt.cs)
			if !engine.IsStructural(err) || !engine.HasCode(err, tt.code) {
				t.Fatalf("UpdateAssets() = %v, want structural %s", err, tt.code)
			}
			if d := cmp.Diff(before, nodeNames(a.Graph)); d != "" {
				t.Errorf("template changed (-want +got):\n%s", d)
			}
			cached, _ := m.Asset("Double")
			if len(cached.Inputs) != 1 || cached.Inputs[0].Name != "geo" || len(cached.Outputs) != 1 {
				t.Errorf("cached schema changed: %+v", cached)
			}
		})
	}
}

func TestSharedInstanceEditsTemplate(t *testing.T) {
	ctx := context.Background()
	env, m := testEnv(t)
	a := newDouble(t, m)
	g := env.NewGraph("main")

	shared, err := m.NewInstance(ctx, g, "Double", "shared", true)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	sub, _ := g.Subgraph(shared)
	if !shared.Shared() || sub != a.Graph {
		t.Fatal("shared instance should host the template graph")
	}

	if err := m.RemoveAsset("Double"); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("RemoveAsset with a shared instance = %v", err)
	}
	if err := g.RemoveNode("shared"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if _, ok := env.Graph(a.Graph.ID()); !ok {
		t.Fatal("removing a shared instance dropped the template")
	}
	if err := m.RemoveAsset("Double"); err != nil {
		t.Errorf("RemoveAsset: %v", err)
	}
}

func TestInstancesInsideTemplatesShare(t *testing.T) {
	ctx := context.Background()
	_, m := testEnv(t)
	inner := newDouble(t, m)
	outer, err := m.CreateAsset(ctx, "Quad", nil, nil)
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	n, err := outer.Graph.CreateNode(ctx, "Double", "")
	if err != nil {
		t.Fatalf("CreateNode in template: %v", err)
	}
	sub, _ := outer.Graph.Subgraph(n)
	if !n.Shared() || sub != inner.Graph {
		t.Error("instance created inside a template should share")
	}

	if _, err := inner.Graph.CreateNode(ctx, "Double", ""); !engine.HasCode(err, engine.ErrCodeCycle) {
		t.Errorf("asset containing itself = %v", err)
	}
}

func TestAssetTableAndObservers(t *testing.T) {
	ctx := context.Background()
	env, m := testEnv(t)
	var events []string
	for _, topic := range []string{telemetry.TopicAssetCreated, telemetry.TopicAssetRenamed, telemetry.TopicAssetRemoved} {
		env.Observers.Register(topic, func(e telemetry.Event) {
			events = append(events, e.Topic+":"+e.OldName+">"+e.Name)
		})
	}

	newDouble(t, m)
	g := env.NewGraph("main")
	n, err := g.CreateNode(ctx, "Double", "d")
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if _, err := m.CreateAsset(ctx, "Double", nil, nil); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("duplicate asset = %v", err)
	}
	if _, err := m.CreateAsset(ctx, "Scale", nil, nil); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("asset shadowing a class = %v", err)
	}
	if _, err := m.CreateAsset(ctx, "Bad", []ParamInfo{{Name: "x", Type: params.TypeFloat}}, []ParamInfo{{Name: "x", Type: params.TypeFloat}}); err == nil {
		t.Error("expected error for duplicate param names")
	}

	if err := m.RenameAsset("Double", "Twice"); err != nil {
		t.Fatalf("RenameAsset: %v", err)
	}
	if n.Class() != "Twice" || len(m.Instances("Twice")) != 1 {
		t.Errorf("instance not retagged: class=%s", n.Class())
	}
	if diff := cmp.Diff([]string{"Twice"}, m.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if err := m.RemoveAsset("Twice"); err != nil {
		t.Fatalf("RemoveAsset: %v", err)
	}
	if err := m.RemoveAsset("Twice"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("removing a missing asset = %v", err)
	}

	want := []string{"asset.created:>Double", "asset.renamed:Double>Twice", "asset.removed:>Twice"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDiff(t *testing.T) {
	current := []ParamInfo{
		{Name: "a", Type: params.TypeFloat},
		{Name: "b", Type: params.TypePrim},
		{Name: "c", Type: params.TypeInt},
	}
	requested := []ParamInfo{
		{Name: "a", Type: params.TypeInt},
		{Name: "bb", OldName: "b", Type: params.TypePrim},
		{Name: "d", Type: params.TypeString},
	}
	got := Diff(current, requested)
	want := SchemaDiff{
		Added:   []string{"d"},
		Removed: []string{"c"},
		Renamed: map[string]string{"b": "bb"},
		Changed: []string{"a"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}
	if !Diff(current, current).Empty() {
		t.Error("identical schemas should produce an empty diff")
	}
}

package nodes

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/formula"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
)

func newGraph(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewRegistry()
	if err := graph.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env := graph.NewEnv(reg, zerolog.Nop())
	env.Formulas = formula.NewResolver(formula.Config{}, zerolog.Nop())
	env.Frames = graph.FrameFunc(func() int { return 4 })
	return env.NewGraph("main")
}

func create(t *testing.T, g *graph.Graph, class, name string) {
	t.Helper()
	if _, err := g.CreateNode(context.Background(), class, name); err != nil {
		t.Fatalf("CreateNode(%s): %v", class, err)
	}
}

func link(t *testing.T, g *graph.Graph, e graph.Edge) {
	t.Helper()
	if err := g.AddLink(e); err != nil {
		t.Fatalf("AddLink(%+v): %v", e, err)
	}
}

func set(t *testing.T, g *graph.Graph, node, param string, v params.Value) {
	t.Helper()
	if err := g.SetParam(node, param, v); err != nil {
		t.Fatalf("SetParam(%s.%s): %v", node, param, err)
	}
}

func node(t *testing.T, g *graph.Graph, name string) *graph.Node {
	t.Helper()
	n, ok := g.Node(name)
	if !ok {
		t.Fatalf("node %s not found", name)
	}
	return n
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := graph.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("second Register = %v, want ALREADY_EXISTS", err)
	}
}

func TestBoxTransformLeavesSourceIntact(t *testing.T) {
	g := newGraph(t)
	create(t, g, ClassMakeBox, "box")
	create(t, g, ClassTransform, "xf")
	create(t, g, ClassPrint, "print")
	set(t, g, "box", "size", params.Float(2))
	set(t, g, "xf", "translate", params.Vec3f{10, 0, 0})
	link(t, g, graph.Edge{FromNode: "box", FromParam: "out", ToNode: "xf", ToParam: "in"})
	link(t, g, graph.Edge{FromNode: "box", FromParam: "out", ToNode: "print", ToParam: "in"})

	if err := g.Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	box := node(t, g, "box").Output("out").(*objects.Geometry)
	moved := node(t, g, "xf").Output("out").(*objects.Geometry)
	if len(box.Points) != 8 || len(moved.Points) != 8 {
		t.Fatalf("points: box %d, moved %d", len(box.Points), len(moved.Points))
	}
	if box.Points[0] != [3]float64{-1, -1, -1} {
		t.Errorf("transform mutated its producer: %v", box.Points[0])
	}
	if moved.Points[0] != [3]float64{9, -1, -1} {
		t.Errorf("moved corner = %v", moved.Points[0])
	}
}

func TestNumericOperator(t *testing.T) {
	tests := []struct {
		op       string
		lhs, rhs float64
		want     float64
		wantErr  bool
	}{
		{"add", 2, 3, 5, false},
		{"sub", 2, 3, -1, false},
		{"mul", 2, 3, 6, false},
		{"div", 3, 2, 1.5, false},
		{"min", 2, 3, 2, false},
		{"max", 2, 3, 3, false},
		{"pow", 2, 3, 8, false},
		{"div", 1, 0, 0, true},
		{"mod", 1, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			g := newGraph(t)
			create(t, g, ClassNumericOperator, "op")
			set(t, g, "op", "op_type", params.String(tt.op))
			set(t, g, "op", "lhs", params.Float(tt.lhs))
			set(t, g, "op", "rhs", params.Float(tt.rhs))

			err := g.Apply(context.Background())
			if tt.wantErr {
				if !engine.IsEvaluation(err) {
					t.Fatalf("expected evaluation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got := node(t, g, "op").OutputValue("ret"); !params.Equal(got, params.Float(tt.want)) {
				t.Errorf("ret = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNumericChainWithFormula(t *testing.T) {
	g := newGraph(t)
	create(t, g, ClassNumericFloat, "a")
	create(t, g, ClassNumericOperator, "op")
	set(t, g, "a", "value", params.String("=frame * 2"))
	set(t, g, "op", "op_type", params.String("mul"))
	set(t, g, "op", "rhs", params.Float(0.5))
	link(t, g, graph.Edge{FromNode: "a", FromParam: "value", ToNode: "op", ToParam: "lhs"})

	if err := g.Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := node(t, g, "op").OutputValue("ret"); !params.Equal(got, params.Float(4)) {
		t.Errorf("ret = %v, want 4", got)
	}
}

func TestContainersFanIn(t *testing.T) {
	g := newGraph(t)
	create(t, g, ClassMakeBox, "box")
	create(t, g, ClassLight, "key")
	create(t, g, ClassMakeDict, "dict")
	create(t, g, ClassMakeList, "list")
	link(t, g, graph.Edge{FromNode: "box", FromParam: "out", ToNode: "dict", ToParam: "items", ToKey: "geo"})
	link(t, g, graph.Edge{FromNode: "key", FromParam: "out", ToNode: "dict", ToParam: "items", ToKey: "light"})
	link(t, g, graph.Edge{FromNode: "box", FromParam: "out", ToNode: "list", ToParam: "items"})
	link(t, g, graph.Edge{FromNode: "key", FromParam: "out", ToNode: "list", ToParam: "items"})

	if err := g.Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	d := node(t, g, "dict").Output("out").(*objects.Dict)
	if diff := cmp.Diff([]string{"geo", "light"}, d.Keys()); diff != "" {
		t.Errorf("dict keys mismatch (-want +got):\n%s", diff)
	}
	if got := node(t, g, "dict").OutputValue("count"); !params.Equal(got, params.Int(2)) {
		t.Errorf("dict count = %v", got)
	}
	if got := node(t, g, "list").OutputValue("count"); !params.Equal(got, params.Int(2)) {
		t.Errorf("list count = %v", got)
	}
}

func TestSceneObjectsClassify(t *testing.T) {
	g := newGraph(t)
	create(t, g, ClassLight, "key")
	create(t, g, ClassCamera, "cam")
	create(t, g, ClassMaterial, "mtl")
	create(t, g, ClassMakeBox, "box")
	if err := g.Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	classifier := cache.DefaultClassifier()
	want := map[string]cache.ObjectClass{
		"key": cache.ClassLightCamera,
		"cam": cache.ClassLightCamera,
		"mtl": cache.ClassMaterial,
		"box": cache.ClassNormal,
	}
	for name, class := range want {
		n := node(t, g, name)
		if got := classifier.Classify(n.Class(), n.Output("out")); got != class {
			t.Errorf("%s classified as %s, want %s", name, got, class)
		}
	}
	if !objects.Hidden(node(t, g, "cam").Output("out")) {
		t.Error("camera should be hidden from the viewport")
	}
}

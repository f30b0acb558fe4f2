package graph_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
)

// Example_pullEvaluation wires two nodes and shows that only dirty nodes recompute.
func Example_pullEvaluation() {
	classes := graph.NewRegistry()
	if err := graph.RegisterBuiltins(classes); err != nil {
		panic(err)
	}
	classes.MustRegister(graph.Descriptor{
		Name: "Number",
		Schema: graph.SimpleSchema(
			graph.In("value", params.TypeFloat, params.Float(1)),
			graph.Out("out", params.TypeFloat),
		),
		New: func() graph.Body {
			return graph.BodyFunc(func(ac *graph.ApplyContext) error {
				return ac.SetOutputValue("out", ac.InputValue("value"))
			})
		},
	})
	classes.MustRegister(graph.Descriptor{
		Name: "Double",
		Schema: graph.SimpleSchema(
			graph.In("x", params.TypeFloat, nil),
			graph.Out("out", params.TypeFloat),
		),
		New: func() graph.Body {
			return graph.BodyFunc(func(ac *graph.ApplyContext) error {
				return ac.SetOutputValue("out", params.Float(2*ac.Float("x")))
			})
		},
	})

	ctx := context.Background()
	env := graph.NewEnv(classes, zerolog.Nop())
	g := env.NewGraph("main")
	num, _ := g.CreateNode(ctx, "Number", "num")
	dbl, _ := g.CreateNode(ctx, "Double", "dbl")
	_ = g.AddLink(graph.Edge{FromNode: "num", FromParam: "out", ToNode: "dbl", ToParam: "x"})

	_ = g.Apply(ctx)
	fmt.Println(dbl.OutputValue("out"), num.Applies(), dbl.Applies())

	_ = g.SetParam("num", "value", params.Float(21))
	_ = g.Apply(ctx)
	_ = g.Apply(ctx)
	fmt.Println(dbl.OutputValue("out"), num.Applies(), dbl.Applies())

	// Output:
	// 2 1 1
	// 42 2 2
}

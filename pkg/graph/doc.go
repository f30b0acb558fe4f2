// Package graph implements the node graph: typed params, links with ownership semantics,
// dirty-flag driven pull evaluation, and subnets hosting nested graphs.
//
// All graphs and nodes of a session live in one Env arena. Nodes point at their graph by
// id and nested graphs point at their hosting node by uuid, so the structure holds no
// reference cycles.
//
// Evaluation is single threaded. DoApply pulls every input of a dirty node, which applies
// dirty producers first, then invokes the node body:
//
//	env := graph.NewEnv(classes, logger)
//	g := env.NewGraph("main")
//	box, _ := g.CreateNode(ctx, "MakeBox", "")
//	if err := g.Apply(ctx); err != nil {
//		// engine.NodeOf(err) names the failing node
//	}
//
// Object values cross links according to the consumer's socket mode: read-only inputs
// alias the producer output, clone inputs receive a deep copy, owning inputs take the
// value away from a producer with no other consumer.
package graph

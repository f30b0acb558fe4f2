package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// ObjectSink receives every output object produced (or re-exported) by a node.
type ObjectSink interface {
	Register(e objects.Entry)
}

// FrameSource supplies the frame id literals are resolved at.
type FrameSource interface {
	FrameID() int
}

// AssetProvider instantiates asset templates when a class name is an asset name.
type AssetProvider interface {
	IsAsset(name string) bool
	InstantiateAsset(ctx context.Context, g *Graph, asset, nodeName string) (*Node, error)
}

// FrameFunc adapts a function to FrameSource.
type FrameFunc func() int

func (f FrameFunc) FrameID() int { return f() }

// Env is the application context shared by every graph of a session. It owns the arena
// of graphs and nodes; nodes refer to their graph by id and subgraphs to their hosting
// node by uuid.
type Env struct {
	Classes  *Registry
	Objects  ObjectSink
	Formulas params.FormulaResolver
	Frames   FrameSource
	Assets   AssetProvider

	// Interrupted is polled at every pull boundary. Nil means never interrupted.
	Interrupted func() bool

	Observers *telemetry.Observers
	Tracer    *telemetry.Tracer
	Metrics   *telemetry.Metrics

	logger zerolog.Logger

	graphs map[string]*Graph
	nodes  map[string]*Node

	// edits counts mutations; the session compares it across runs.
	edits uint64
}

// NewEnv creates an empty arena using classes for node construction.
func NewEnv(classes *Registry, logger zerolog.Logger) *Env {
	return &Env{
		Classes: classes,
		logger:  logger.With().Str("component", "graph").Logger(),
		graphs:  make(map[string]*Graph),
		nodes:   make(map[string]*Node),
	}
}

// Logger returns the graph component logger.
func (e *Env) Logger() zerolog.Logger { return e.logger }

// NewGraph creates a root graph in the arena.
func (e *Env) NewGraph(name string) *Graph {
	return e.newGraph(name, "")
}

func (e *Env) newGraph(name, hostUUID string) *Graph {
	g := &Graph{
		env:      e,
		id:       uuid.New().String(),
		name:     name,
		host:     hostUUID,
		nodes:    make(map[string]*Node),
		names:    make(map[string]string),
		visiting: make(map[string]bool),
	}
	e.graphs[g.id] = g
	return g
}

// Graph returns the graph with the given id.
func (e *Env) Graph(id string) (*Graph, bool) {
	g, ok := e.graphs[id]
	return g, ok
}

// Node returns the node with the given uuid, in any graph.
func (e *Env) Node(id string) (*Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// NodeByPath resolves a uuid path to its node.
func (e *Env) NodeByPath(path string) (*Node, bool) {
	for _, n := range e.nodes {
		if n.uuidPath == path {
			return n, true
		}
	}
	return nil, false
}

// GraphOf returns the graph a node lives in.
func (e *Env) GraphOf(n *Node) *Graph {
	return e.graphs[n.graphID]
}

// HostOf returns the subnet node hosting g, or nil for a root graph.
func (e *Env) HostOf(g *Graph) *Node {
	if g.host == "" {
		return nil
	}
	return e.nodes[g.host]
}

// Edits returns the number of graph edits made through this env.
func (e *Env) Edits() uint64 { return e.edits }

// Stats reports arena sizes.
func (e *Env) Stats() (graphs, nodes int) {
	return len(e.graphs), len(e.nodes)
}

// DropGraph removes a root graph and everything nested in it from the arena.
func (e *Env) DropGraph(g *Graph) {
	if g.host != "" {
		return
	}
	e.dropGraph(g)
}

// dropGraph removes a graph and everything nested in it from the arena.
func (e *Env) dropGraph(g *Graph) {
	for _, n := range g.nodes {
		e.dropNode(n)
	}
	delete(e.graphs, g.id)
}

func (e *Env) dropNode(n *Node) {
	if n.subgraphID != "" && !n.sharedSubgraph {
		if sub, ok := e.graphs[n.subgraphID]; ok {
			e.dropGraph(sub)
		}
	}
	delete(e.nodes, n.uuid)
}

func (e *Env) interrupted() bool {
	return e.Interrupted != nil && e.Interrupted()
}

func (e *Env) frameID() int {
	if e.Frames == nil {
		return 0
	}
	return e.Frames.FrameID()
}

func (e *Env) notify(topic string, g *Graph, name, oldName string) {
	e.Observers.Notify(telemetry.Event{Topic: topic, Graph: g.name, Name: name, OldName: oldName})
}

// sortedNodes returns the nodes of g ordered by name.
func sortedNodes(g *Graph) []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (e *Env) String() string {
	return fmt.Sprintf("env(graphs=%d, nodes=%d)", len(e.graphs), len(e.nodes))
}

package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/params"
)

// Document is a serialisable snapshot of a graph: nodes with their literals and the links
// between them.
type Document struct {
	Nodes []NodeDoc `yaml:"nodes" json:"nodes" validate:"dive"`
	Links []Edge    `yaml:"links,omitempty" json:"links,omitempty" validate:"dive"`
}

// NodeDoc describes one node. Graph holds the nested graph of a plain subnet; asset
// instances are rebuilt from their asset and carry no nested graph.
type NodeDoc struct {
	Name   string                 `yaml:"name" json:"name" validate:"required"`
	Class  string                 `yaml:"class" json:"class" validate:"required"`
	View   bool                   `yaml:"view,omitempty" json:"view,omitempty"`
	Pos    []float64              `yaml:"pos,omitempty" json:"pos,omitempty" validate:"omitempty,len=2"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Graph  *Document              `yaml:"graph,omitempty" json:"graph,omitempty"`
}

// Describe snapshots g. Only literals that differ from the class default are recorded.
func (g *Graph) Describe() *Document {
	doc := &Document{}
	for _, n := range sortedNodes(g) {
		nd := NodeDoc{Name: n.name, Class: n.class, View: n.view}
		if n.pos != [2]float64{} {
			nd.Pos = []float64{n.pos[0], n.pos[1]}
		}

		names := make([]string, 0, len(n.primInputs))
		for name := range n.primInputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := n.primInputs[name]
			if p.literal == nil || params.Equal(p.literal, p.spec.Default) {
				continue
			}
			if nd.Params == nil {
				nd.Params = make(map[string]interface{})
			}
			nd.Params[name] = params.ToAny(p.literal)
		}

		if n.subgraphID != "" && n.class == ClassSubnet {
			if sub, ok := g.env.graphs[n.subgraphID]; ok {
				nd.Graph = sub.Describe()
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	doc.Links = g.Links()
	return doc
}

// Load creates the nodes and links of doc in g. Nested subnet graphs are loaded before
// their host params are set so that derived params exist.
func (g *Graph) Load(ctx context.Context, doc *Document) error {
	if doc == nil {
		return nil
	}
	for _, nd := range doc.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := g.CreateNode(ctx, nd.Class, nd.Name)
		if err != nil {
			return fmt.Errorf("node %q: %w", nd.Name, err)
		}
		if nd.Graph != nil {
			sub, ok := g.Subgraph(n)
			if !ok {
				return fmt.Errorf("node %q: class %q does not host a graph", nd.Name, nd.Class)
			}
			if err := sub.Load(ctx, nd.Graph); err != nil {
				return fmt.Errorf("node %q: %w", nd.Name, err)
			}
			if err := g.env.syncSubnetParams(n); err != nil {
				return fmt.Errorf("node %q: %w", nd.Name, err)
			}
		}

		names := make([]string, 0, len(nd.Params))
		for name := range nd.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, err := params.FromAny(nd.Params[name])
			if err != nil {
				return fmt.Errorf("node %q param %q: %w", nd.Name, name, err)
			}
			if err := g.SetParam(n.name, name, v); err != nil {
				return err
			}
		}

		n.view = nd.View
		if len(nd.Pos) == 2 {
			n.pos = [2]float64{nd.Pos[0], nd.Pos[1]}
		}
	}

	for _, e := range doc.Links {
		if err := g.AddLink(e); err != nil {
			return err
		}
	}
	return nil
}

// Fork deep-copies every node and link of g into dst. Nested graphs are forked
// recursively; shared nested graphs stay shared.
func (g *Graph) Fork(ctx context.Context, dst *Graph) error {
	for _, n := range sortedNodes(g) {
		if err := ctx.Err(); err != nil {
			return err
		}
		cp, err := dst.createNode(n.desc, n.class, n.name)
		if err != nil {
			return err
		}
		cp.view, cp.pos = n.view, n.pos

		if n.subgraphID != "" {
			src := g.env.graphs[n.subgraphID]
			if n.sharedSubgraph {
				if fresh, ok := g.env.graphs[cp.subgraphID]; ok {
					g.env.dropGraph(fresh)
				}
				cp.subgraphID = src.id
				cp.sharedSubgraph = true
			} else if err := src.Fork(ctx, g.env.graphs[cp.subgraphID]); err != nil {
				return err
			}
			if err := g.env.syncSubnetParams(cp); err != nil {
				return err
			}
			cp.locked = n.locked
		}

		for name, p := range n.primInputs {
			if q, ok := cp.primInputs[name]; ok {
				q.literal = p.literal
			}
		}
	}

	for _, e := range g.Links() {
		if err := dst.AddLink(e); err != nil {
			return err
		}
	}
	return nil
}

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zengraph/zengraph/pkg/engine"
)

// Levels groups the nodes of g by dependency depth using Kahn's algorithm. Level 0 holds
// nodes with no linked inputs; nodes within a level are sorted by name.
func (g *Graph) Levels() ([][]*Node, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.allInputLinks())
	}

	current := make([]*Node, 0)
	for _, n := range sortedNodes(g) {
		if inDegree[n.uuid] == 0 {
			current = append(current, n)
		}
	}

	var levels [][]*Node
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]*Node, 0)
		for _, n := range current {
			for _, l := range n.allOutputLinks() {
				inDegree[l.to]--
				if inDegree[l.to] == 0 {
					next = append(next, g.nodes[l.to])
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].name < next[j].name })
		current = next
	}

	if processed != len(g.nodes) {
		cycle := g.FindCycle()
		return nil, engine.NewStructuralError(
			fmt.Sprintf("cycle detected in graph %q: %s", g.name, formatCycle(cycle)), nil,
		).WithCode(engine.ErrCodeCycle)
	}
	return levels, nil
}

// Order flattens Levels into one evaluation order.
func (g *Graph) Order() ([]*Node, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(g.nodes))
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

// FindCycle returns the node names along one cycle, first name repeated at the end, or
// nil when g is acyclic.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var path []string
	var visit func(n *Node) []string
	visit = func(n *Node) []string {
		visited[n.uuid] = true
		onStack[n.uuid] = true
		path = append(path, n.name)

		for _, l := range n.allOutputLinks() {
			next := g.nodes[l.to]
			if !visited[next.uuid] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next.uuid] {
				for i, name := range path {
					if name == next.name {
						return append(append([]string(nil), path[i:]...), next.name)
					}
				}
			}
		}

		onStack[n.uuid] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range sortedNodes(g) {
		if !visited[n.uuid] {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// cycleError reports re-entry into n while it is being applied.
func cycleError(g *Graph, n *Node) error {
	var cycle []string
	for i, s := range g.stack {
		if s == n {
			for _, x := range g.stack[i:] {
				cycle = append(cycle, x.name)
			}
			break
		}
	}
	cycle = append(cycle, n.name)
	return engine.NewStructuralError(
		fmt.Sprintf("cycle detected in graph %q: %s", g.name, formatCycle(cycle)), nil,
	).WithCode(engine.ErrCodeCycle).WithNode(n.uuidPath)
}

func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT renders g in Graphviz DOT format, one cluster per level. Dirty nodes are filled.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", g.name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels, err := g.Levels()
	if err != nil {
		levels = [][]*Node{sortedNodes(g)}
	}
	for level, nodes := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, n := range nodes {
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				n.name, n.name, n.class, nodeColor(n)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Links() {
		label := e.FromParam + " -> " + e.ToParam
		if e.ToKey != "" {
			label += "[" + e.ToKey + "]"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", e.FromNode, e.ToNode, label))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeColor(n *Node) string {
	switch {
	case n.dirty:
		return "lightcoral"
	case n.view:
		return "lightblue"
	default:
		return "lightgray"
	}
}

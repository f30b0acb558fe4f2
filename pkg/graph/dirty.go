package graph

import (
	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/params"
)

// markDirty is the arena form of MarkDirty. seen stops revisits within one propagation;
// bubble controls whether the hosting subnet is notified, which subnet input injection
// turns off.
func (e *Env) markDirty(n *Node, on, wholeSubnet, recursive, bubble bool, seen map[string]bool) {
	if seen[n.uuid] {
		return
	}
	seen[n.uuid] = true

	n.dirty = on
	if !on {
		return
	}
	n.status = engine.NodeStatusPending

	if wholeSubnet && n.subgraphID != "" {
		if sub, ok := e.graphs[n.subgraphID]; ok {
			for _, inner := range sortedNodes(sub) {
				e.markDirty(inner, true, true, false, false, seen)
			}
		}
	}

	if recursive {
		for _, l := range n.allOutputLinks() {
			if c, ok := e.nodes[l.to]; ok {
				e.markDirty(c, true, false, true, bubble, seen)
			}
		}
	}

	if bubble {
		if g, ok := e.graphs[n.graphID]; ok {
			if host := e.HostOf(g); host != nil {
				e.markDirty(host, true, false, true, true, seen)
			}
		}
	}
}

// consume marks a producer whose output was moved out by an owning socket. It recomputes
// on its next pull, and nothing downstream is notified. Unlike every other node of the
// applied closure, the producer ends the run dirty and Pending rather than clean and
// Succeeded, so it is applied again by each run that pulls it.
func (e *Env) consume(n *Node) {
	n.dirty = true
	n.status = engine.NodeStatusPending
}

// MarkFrameDirty dirties every node of g, nested graphs included, whose unlinked literals
// depend on the frame id (formulas and curves), along with their consumers. It is called
// when the frame changes and does not count as an edit. It returns the number of nodes
// found time dependent.
func (g *Graph) MarkFrameDirty() int {
	seen := make(map[string]bool)
	return g.env.markFrameDirty(g, seen)
}

func (e *Env) markFrameDirty(g *Graph, seen map[string]bool) int {
	count := 0
	for _, n := range sortedNodes(g) {
		if timeDependent(n) {
			e.markDirty(n, true, false, true, true, seen)
			count++
		}
		if n.subgraphID != "" {
			if sub, ok := e.graphs[n.subgraphID]; ok {
				count += e.markFrameDirty(sub, seen)
			}
		}
	}
	return count
}

func timeDependent(n *Node) bool {
	for _, p := range n.primInputs {
		if len(p.links) > 0 {
			continue
		}
		switch p.literal.(type) {
		case *params.Curve:
			return true
		case params.String:
			if params.IsFormula(p.literal) {
				return true
			}
		}
	}
	return false
}

package orchestrator

import (
	"fmt"
	"sort"
)

// graph is a directed dependency graph over test topics.
//
// An edge from A to B means B needs A: B's jobs may not launch until
// every job of A is terminal.
type graph struct {
	nodes map[string]*node
}

type node struct {
	id         string
	deps       map[string]*node
	dependents map[string]*node
}

func newGraph() *graph {
	return &graph{nodes: make(map[string]*node)}
}

// addNode adds a node if it does not already exist.
func (g *graph) addNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
}

// addEdge records that toID needs fromID. Both nodes must exist.
func (g *graph) addEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("topic %q cannot need itself", fromID)
	}
	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("needed topic not in matrix: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("topic not in matrix: %s", toID)
	}
	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// detectCycles returns an error naming a node involved in a cycle, if
// any. Depth-first search with permanent and in-stack marker sets.
func (g *graph) detectCycles() error {
	permanent := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if inStack[n.id] {
			return fmt.Errorf("needs cycle detected involving topic %q", n.id)
		}
		inStack[n.id] = true
		for _, dep := range n.dependents {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(inStack, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.ids() {
		if !permanent[id] {
			if err := visit(g.nodes[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// dependencies returns the sorted IDs the given node needs.
func (g *graph) dependencies(id string) []string {
	n := g.nodes[id]
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.deps))
	for depID := range n.deps {
		out = append(out, depID)
	}
	sort.Strings(out)
	return out
}

// dependents returns the sorted IDs that need the given node.
func (g *graph) dependents(id string) []string {
	n := g.nodes[id]
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for depID := range n.dependents {
		out = append(out, depID)
	}
	sort.Strings(out)
	return out
}

// ids returns all node IDs in sorted order for deterministic traversal.
func (g *graph) ids() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

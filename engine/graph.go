package engine

import (
	"fmt"
	"sort"
	"strings"
)

// NodeFunc is the computation of one node. Inputs are keyed by dataset name
// (including "params:" bindings); the returned map is keyed by output dataset
// name.
type NodeFunc func(inputs map[string]any) (map[string]any, error)

// Node is one unit of a template graph.
type Node struct {
	Name      string
	Namespace string
	Tags      []string
	Inputs    []string
	Outputs   []string
	Func      NodeFunc
}

// HasTag reports whether the node carries the given tag.
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Graph is an ordered set of nodes wired by dataset names: a node depends on
// every node producing one of its inputs. Construction rejects cycles and
// duplicate producers.
type Graph struct {
	nodes     []Node
	byName    map[string]int
	producers map[string]string   // dataset -> producing node
	consumers map[string][]string // dataset -> consuming nodes
}

// NewGraph builds and validates a graph.
func NewGraph(nodes ...Node) (*Graph, error) {
	g := &Graph{
		nodes:     nodes,
		byName:    make(map[string]int, len(nodes)),
		producers: make(map[string]string),
		consumers: make(map[string][]string),
	}
	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("graph: node %d has no name", i)
		}
		if _, dup := g.byName[n.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate node name %q", n.Name)
		}
		g.byName[n.Name] = i
		for _, out := range n.Outputs {
			if prev, dup := g.producers[out]; dup {
				return nil, fmt.Errorf("graph: dataset %q produced by both %q and %q", out, prev, n.Name)
			}
			g.producers[out] = n.Name
		}
	}
	for _, n := range nodes {
		for _, in := range n.Inputs {
			g.consumers[in] = append(g.consumers[in], n.Name)
		}
	}
	if _, err := g.Levels(); err != nil {
		return nil, err
	}
	return g, nil
}

// Nodes returns the graph's nodes in declaration order.
func (g *Graph) Nodes() []Node { return g.nodes }

// NodeNames returns the node names in declaration order.
func (g *Graph) NodeNames() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name
	}
	return names
}

// Inputs returns the free inputs: datasets consumed but produced by no node.
// Parameter bindings ("params:" and the "parameters" namespace) are data, not
// datasets, and are excluded.
func (g *Graph) Inputs() []string {
	var free []string
	seen := make(map[string]bool)
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if isParamBinding(in) {
				continue
			}
			if _, produced := g.producers[in]; produced || seen[in] {
				continue
			}
			seen[in] = true
			free = append(free, in)
		}
	}
	sort.Strings(free)
	return free
}

// Outputs returns every dataset produced by some node.
func (g *Graph) Outputs() []string {
	outs := make([]string, 0, len(g.producers))
	for ds := range g.producers {
		outs = append(outs, ds)
	}
	sort.Strings(outs)
	return outs
}

// Producer returns the node producing the dataset, if any.
func (g *Graph) Producer(dataset string) (string, bool) {
	n, ok := g.producers[dataset]
	return n, ok
}

// Levels groups node names by dependency level using Kahn's algorithm.
// Nodes within the same level can execute in parallel.
func (g *Graph) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)

	for _, n := range g.nodes {
		inDegree[n.Name] = 0
	}
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if producer, ok := g.producers[in]; ok && producer != n.Name {
				inDegree[n.Name]++
				dependents[producer] = append(dependents[producer], n.Name)
			}
		}
	}

	var queue []string
	for _, n := range g.nodes {
		if inDegree[n.Name] == 0 {
			queue = append(queue, n.Name)
		}
	}

	var levels [][]string
	visited := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		visited += len(queue)

		var next []string
		for _, name := range queue {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	if visited != len(g.nodes) {
		return nil, fmt.Errorf("graph: cycle detected, processed %d of %d nodes", visited, len(g.nodes))
	}
	return levels, nil
}

// Subgraph returns the graph restricted to the named nodes, preserving order.
func (g *Graph) Subgraph(names map[string]bool) (*Graph, error) {
	var kept []Node
	for _, n := range g.nodes {
		if names[n.Name] {
			kept = append(kept, n)
		}
	}
	return NewGraph(kept...)
}

// --- traversals used by the slice filters ---

func (g *Graph) nameSet() map[string]bool {
	s := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		s[n.Name] = true
	}
	return s
}

// descendants returns seeds plus every node downstream of them.
func (g *Graph) descendants(seeds map[string]bool) map[string]bool {
	out := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if out[name] {
			return
		}
		out[name] = true
		idx, ok := g.byName[name]
		if !ok {
			return
		}
		for _, ds := range g.nodes[idx].Outputs {
			for _, consumer := range g.consumers[ds] {
				visit(consumer)
			}
		}
	}
	for name := range seeds {
		visit(name)
	}
	return out
}

// ancestors returns seeds plus every node upstream of them.
func (g *Graph) ancestors(seeds map[string]bool) map[string]bool {
	out := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if out[name] {
			return
		}
		out[name] = true
		idx, ok := g.byName[name]
		if !ok {
			return
		}
		for _, ds := range g.nodes[idx].Inputs {
			if producer, ok := g.producers[ds]; ok {
				visit(producer)
			}
		}
	}
	for name := range seeds {
		visit(name)
	}
	return out
}

func (g *Graph) checkKnown(names []string) error {
	for _, name := range names {
		if _, ok := g.byName[name]; !ok {
			return fmt.Errorf("graph: unknown node %q", name)
		}
	}
	return nil
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func isParamBinding(input string) bool {
	return input == "parameters" || strings.HasPrefix(input, "params:")
}

package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/stackr-io/stackr/internal/ir"
)

// Graph is a set of resource nodes keyed by id with "depends on" edges taken
// from DependsOn and from ref:// values inside the spec.
type Graph struct {
	nodes map[string]*ir.ResourceNode
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*ir.ResourceNode)}
}

// BuildGraph adds every node and validates the result.
func BuildGraph(nodes []*ir.ResourceNode) (*Graph, error) {
	g := NewGraph()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// GraphFromSnapshot rebuilds the graph recorded in a snapshot.
func GraphFromSnapshot(s *ir.Snapshot) (*Graph, error) {
	g, err := BuildGraph(s.Nodes)
	if err != nil {
		return nil, fmt.Errorf("snapshot graph: %w", err)
	}
	return g, nil
}

// AddNode inserts a node. Dependencies may refer to nodes added later.
func (g *Graph) AddNode(n *ir.ResourceNode) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("resource node must have an id")
	}
	if _, ok := g.nodes[n.ID]; ok {
		return &DuplicateIDError{ID: n.ID}
	}
	g.nodes[n.ID] = n
	return nil
}

func (g *Graph) Node(id string) (*ir.ResourceNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// IDs returns all node ids in ascending order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns all nodes ordered by id.
func (g *Graph) Nodes() []*ir.ResourceNode {
	out := make([]*ir.ResourceNode, 0, len(g.nodes))
	for _, id := range g.IDs() {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependencies returns the sorted, de-duplicated ids id depends on.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return nodeDependencies(n)
}

func nodeDependencies(n *ir.ResourceNode) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(dep string) {
		if dep != "" && !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, dep := range n.DependsOn {
		add(dep)
	}
	for _, ref := range extractRefs(n.Spec) {
		add(refID(ref))
	}
	sort.Strings(deps)
	return deps
}

// Dependents returns the sorted ids that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, other := range g.IDs() {
		for _, dep := range g.Dependencies(other) {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// TransitiveDeps returns every id reachable from id through dependencies.
func (g *Graph) TransitiveDeps(id string) []string {
	visited := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.Dependencies(cur) {
			if !visited[dep] {
				visited[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(visited))
	for dep := range visited {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every dependency exists and that there are no cycles.
func (g *Graph) Validate() error {
	for _, id := range g.IDs() {
		for _, dep := range g.Dependencies(id) {
			if _, ok := g.nodes[dep]; !ok {
				return &DanglingDependencyError{Node: id, Missing: dep}
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// findCycle runs a DFS in id order and returns the first cycle found.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.Dependencies(id) {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						path := append([]string{}, stack[i:]...)
						return append(path, dep)
					}
				}
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.IDs() {
		if color[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// Order returns a topological order (dependencies first) using Kahn's
// algorithm. Among ready nodes the smallest id goes first.
func (g *Graph) Order() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.IDs() {
		deps := g.Dependencies(id)
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &DanglingDependencyError{Node: id, Missing: dep}
			}
			dependents[dep] = append(dependents[dep], id)
		}
		inDegree[id] = len(deps)
	}

	ready := &idHeap{}
	for id, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	return order, nil
}

// ReverseOrder returns the destruction order: dependents before dependencies.
func (g *Graph) ReverseOrder() ([]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	rev := make([]string, len(order))
	for i, id := range order {
		rev[len(order)-1-i] = id
	}
	return rev, nil
}

// Levels groups nodes so that each node appears one level after its deepest
// dependency. Nodes within a level are independent.
func (g *Graph) Levels() ([][]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		d := 0
		for _, dep := range g.Dependencies(id) {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, nil
}

// DOT renders the graph in Graphviz format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph stackr {\n")
	b.WriteString("  rankdir = \"BT\";\n")
	b.WriteString("  node [shape = rect];\n\n")
	for _, n := range g.Nodes() {
		fmt.Fprintf(&b, "  %q [label = %q];\n", n.ID, fmt.Sprintf("%s (%s)", n.ID, n.Kind))
	}
	b.WriteString("\n")
	for _, id := range g.IDs() {
		for _, dep := range g.Dependencies(id) {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

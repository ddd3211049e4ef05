// Package graph holds the immutable description of a job: ordered groups of
// nodes, the dependencies between them and auxiliary aggregates, labels and
// artifacts. Dependencies are written by name and resolved to indices once,
// when a graph version is built by Append.
package graph

import "sort"

// NodeRef addresses a node by group and position within the group.
type NodeRef struct {
	GroupIdx int `json:"group_idx" yaml:"groupIdx"`
	NodeIdx  int `json:"node_idx" yaml:"nodeIdx"`
}

// Less orders refs by group, then node.
func (r NodeRef) Less(o NodeRef) bool {
	if r.GroupIdx != o.GroupIdx {
		return r.GroupIdx < o.GroupIdx
	}
	return r.NodeIdx < o.NodeIdx
}

// Node is one schedulable unit of work.
type Node struct {
	Name              string            `json:"name"`
	InputDependencies []NodeRef         `json:"input_dependencies,omitempty"`
	OrderDependencies []NodeRef         `json:"order_dependencies,omitempty"`
	RunEarly          bool              `json:"run_early,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
}

// NodeGroup is a set of nodes executed on one agent type.
type NodeGroup struct {
	AgentType string `json:"agent_type"`
	Nodes     []Node `json:"nodes"`
}

// Aggregate names a set of nodes that can be requested as one target.
type Aggregate struct {
	Name  string    `json:"name"`
	Nodes []NodeRef `json:"nodes"`
}

// Label groups nodes for display.
type Label struct {
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	RequiredNodes []NodeRef `json:"required_nodes,omitempty"`
	IncludedNodes []NodeRef `json:"included_nodes,omitempty"`
}

// Artifact is an output a node publishes to storage.
type Artifact struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Keys []string `json:"keys,omitempty"`
	Node NodeRef  `json:"node"`
}

// Graph is immutable once built. Use Append to derive a new version.
type Graph struct {
	ID         string      `json:"id"`
	Schema     int         `json:"schema"`
	Groups     []NodeGroup `json:"groups"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Labels     []Label     `json:"labels,omitempty"`
	Artifacts  []Artifact  `json:"artifacts,omitempty"`

	index *graphIndex
}

type graphIndex struct {
	nodes      map[string]NodeRef
	aggregates map[string]int
	dependents map[NodeRef][]NodeRef
}

func buildIndex(g *Graph) *graphIndex {
	idx := &graphIndex{
		nodes:      make(map[string]NodeRef),
		aggregates: make(map[string]int, len(g.Aggregates)),
		dependents: make(map[NodeRef][]NodeRef),
	}
	for gi, group := range g.Groups {
		for ni, node := range group.Nodes {
			ref := NodeRef{GroupIdx: gi, NodeIdx: ni}
			idx.nodes[node.Name] = ref
			for _, dep := range g.dependencies(node) {
				idx.dependents[dep] = append(idx.dependents[dep], ref)
			}
		}
	}
	for i, agg := range g.Aggregates {
		idx.aggregates[agg.Name] = i
	}
	return idx
}

// idx returns the lookup index. Graphs produced by this package carry a
// prebuilt index; a zero-value or hand-built graph gets one on demand.
func (g *Graph) idx() *graphIndex {
	if g.index != nil {
		return g.index
	}
	return buildIndex(g)
}

// Empty returns a graph with no groups.
func Empty(schema int) *Graph {
	g := &Graph{Schema: schema, Groups: []NodeGroup{}}
	g.ID = computeID(g)
	g.index = buildIndex(g)
	return g
}

// Node returns the node at ref. It panics on an out of range ref.
func (g *Graph) Node(ref NodeRef) *Node {
	return &g.Groups[ref.GroupIdx].Nodes[ref.NodeIdx]
}

// HasNode reports whether ref addresses a node of the graph.
func (g *Graph) HasNode(ref NodeRef) bool {
	return ref.GroupIdx >= 0 && ref.GroupIdx < len(g.Groups) &&
		ref.NodeIdx >= 0 && ref.NodeIdx < len(g.Groups[ref.GroupIdx].Nodes)
}

// FindNode looks up a node by name.
func (g *Graph) FindNode(name string) (NodeRef, bool) {
	ref, ok := g.idx().nodes[name]
	return ref, ok
}

// FindAggregate looks up an aggregate by name.
func (g *Graph) FindAggregate(name string) (*Aggregate, bool) {
	i, ok := g.idx().aggregates[name]
	if !ok {
		return nil, false
	}
	return &g.Aggregates[i], true
}

// NodeCount is the total number of nodes in all groups.
func (g *Graph) NodeCount() int {
	n := 0
	for _, group := range g.Groups {
		n += len(group.Nodes)
	}
	return n
}

// AllNodes returns every node ref in group order.
func (g *Graph) AllNodes() []NodeRef {
	refs := make([]NodeRef, 0, g.NodeCount())
	for gi, group := range g.Groups {
		for ni := range group.Nodes {
			refs = append(refs, NodeRef{GroupIdx: gi, NodeIdx: ni})
		}
	}
	return refs
}

// Dependencies returns the union of a node's input and order dependencies,
// sorted and without duplicates.
func (g *Graph) Dependencies(ref NodeRef) []NodeRef {
	return g.dependencies(*g.Node(ref))
}

func (g *Graph) dependencies(node Node) []NodeRef {
	seen := make(map[NodeRef]struct{}, len(node.InputDependencies)+len(node.OrderDependencies))
	out := make([]NodeRef, 0, len(node.InputDependencies)+len(node.OrderDependencies))
	for _, deps := range [][]NodeRef{node.InputDependencies, node.OrderDependencies} {
		for _, dep := range deps {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// IsInputDependency reports whether dep is an input (not merely order)
// dependency of ref.
func (g *Graph) IsInputDependency(ref, dep NodeRef) bool {
	for _, d := range g.Node(ref).InputDependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// Dependents returns the nodes that directly depend on ref.
func (g *Graph) Dependents(ref NodeRef) []NodeRef {
	return g.idx().dependents[ref]
}

// InputClosure returns refs plus every node they transitively depend on
// through input dependencies, sorted.
func (g *Graph) InputClosure(refs []NodeRef) []NodeRef {
	seen := make(map[NodeRef]struct{})
	var visit func(NodeRef)
	visit = func(r NodeRef) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		for _, dep := range g.Node(r).InputDependencies {
			visit(dep)
		}
	}
	for _, r := range refs {
		visit(r)
	}
	out := make([]NodeRef, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

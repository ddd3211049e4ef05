package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NewNode is a node as supplied by a caller, with dependencies by name.
type NewNode struct {
	Name              string            `json:"name" yaml:"name"`
	InputDependencies []string          `json:"input_dependencies,omitempty" yaml:"inputDependencies"`
	OrderDependencies []string          `json:"order_dependencies,omitempty" yaml:"orderDependencies"`
	RunEarly          bool              `json:"run_early,omitempty" yaml:"runEarly"`
	Annotations       map[string]string `json:"annotations,omitempty" yaml:"annotations"`
}

// NewGroup is a group of new nodes sharing an agent type.
type NewGroup struct {
	AgentType string    `json:"agent_type" yaml:"agentType"`
	Nodes     []NewNode `json:"nodes" yaml:"nodes"`
}

// NewAggregate names nodes by name.
type NewAggregate struct {
	Name  string   `json:"name" yaml:"name"`
	Nodes []string `json:"nodes" yaml:"nodes"`
}

// NewLabel names nodes by name.
type NewLabel struct {
	Name          string   `json:"name" yaml:"name"`
	Category      string   `json:"category,omitempty" yaml:"category"`
	RequiredNodes []string `json:"required_nodes,omitempty" yaml:"requiredNodes"`
	IncludedNodes []string `json:"included_nodes,omitempty" yaml:"includedNodes"`
}

// NewArtifact names its producing node by name.
type NewArtifact struct {
	Name string   `json:"name" yaml:"name"`
	Type string   `json:"type" yaml:"type"`
	Keys []string `json:"keys,omitempty" yaml:"keys"`
	Node string   `json:"node" yaml:"node"`
}

// Delta is the input to Append.
type Delta struct {
	Groups     []NewGroup     `json:"groups,omitempty" yaml:"groups"`
	Aggregates []NewAggregate `json:"aggregates,omitempty" yaml:"aggregates"`
	Labels     []NewLabel     `json:"labels,omitempty" yaml:"labels"`
	Artifacts  []NewArtifact  `json:"artifacts,omitempty" yaml:"artifacts"`
}

// Append returns a new graph made of base's groups followed by the delta's
// groups. Existing groups keep their positions. Every dependency name is
// resolved against the union of old and new nodes; any failure rejects the
// whole delta. base is never modified. A nil base is treated as Empty(0).
func Append(base *Graph, delta Delta) (*Graph, error) {
	if base == nil {
		base = Empty(0)
	}
	baseIdx := base.idx()

	next := &Graph{
		Schema:     base.Schema,
		Groups:     make([]NodeGroup, len(base.Groups), len(base.Groups)+len(delta.Groups)),
		Aggregates: append([]Aggregate(nil), base.Aggregates...),
		Labels:     append([]Label(nil), base.Labels...),
		Artifacts:  append([]Artifact(nil), base.Artifacts...),
	}
	copy(next.Groups, base.Groups)

	names := make(map[string]NodeRef, len(baseIdx.nodes))
	for name, ref := range baseIdx.nodes {
		names[name] = ref
	}

	// Register all new names first so dependencies may point at any node of
	// the delta.
	for gi, group := range delta.Groups {
		for ni, node := range group.Nodes {
			if node.Name == "" {
				return nil, errorf(ErrInvalidGraph, "node %d of new group %d has no name", ni, gi)
			}
			if _, exists := names[node.Name]; exists {
				return nil, errorf(ErrDuplicateNode, "%q", node.Name)
			}
			names[node.Name] = NodeRef{GroupIdx: len(base.Groups) + gi, NodeIdx: ni}
		}
	}

	resolve := func(owner string, deps []string) ([]NodeRef, error) {
		if len(deps) == 0 {
			return nil, nil
		}
		out := make([]NodeRef, 0, len(deps))
		for _, dep := range deps {
			ref, ok := names[dep]
			if !ok {
				return nil, errorf(ErrDependencyNotFound, "%q referenced by %q", dep, owner)
			}
			out = append(out, ref)
		}
		return out, nil
	}

	for gi, group := range delta.Groups {
		if group.AgentType == "" {
			return nil, errorf(ErrInvalidGraph, "group containing %d nodes has no agent type", len(group.Nodes))
		}
		groupIdx := len(base.Groups) + gi
		nodes := make([]Node, 0, len(group.Nodes))
		for ni, n := range group.Nodes {
			inputs, err := resolve(n.Name, n.InputDependencies)
			if err != nil {
				return nil, err
			}
			orders, err := resolve(n.Name, n.OrderDependencies)
			if err != nil {
				return nil, err
			}
			// Steps of a batch run in node order, so a node may only wait
			// on earlier nodes of its own group.
			for _, dep := range append(append([]NodeRef(nil), inputs...), orders...) {
				if dep.GroupIdx != groupIdx {
					continue
				}
				if dep.NodeIdx == ni {
					return nil, cycleError([]string{n.Name, n.Name})
				}
				if dep.NodeIdx > ni {
					return nil, errorf(ErrInvalidGraph, "%q depends on %q, which comes later in the same group", n.Name, group.Nodes[dep.NodeIdx].Name)
				}
			}
			nodes = append(nodes, Node{
				Name:              n.Name,
				InputDependencies: inputs,
				OrderDependencies: orders,
				RunEarly:          n.RunEarly,
				Annotations:       copyAnnotations(n.Annotations),
			})
		}
		next.Groups = append(next.Groups, NodeGroup{AgentType: group.AgentType, Nodes: nodes})
	}

	existingAggregates := make(map[string]struct{}, len(next.Aggregates))
	for _, agg := range next.Aggregates {
		existingAggregates[agg.Name] = struct{}{}
	}
	for _, agg := range delta.Aggregates {
		if _, exists := existingAggregates[agg.Name]; exists {
			return nil, errorf(ErrDuplicateNode, "aggregate %q", agg.Name)
		}
		if _, clashes := names[agg.Name]; clashes {
			return nil, errorf(ErrDuplicateNode, "aggregate %q has the same name as a node", agg.Name)
		}
		existingAggregates[agg.Name] = struct{}{}
		refs, err := resolve("aggregate "+agg.Name, agg.Nodes)
		if err != nil {
			return nil, err
		}
		next.Aggregates = append(next.Aggregates, Aggregate{Name: agg.Name, Nodes: refs})
	}

	for _, label := range delta.Labels {
		required, err := resolve("label "+label.Name, label.RequiredNodes)
		if err != nil {
			return nil, err
		}
		included, err := resolve("label "+label.Name, label.IncludedNodes)
		if err != nil {
			return nil, err
		}
		next.Labels = append(next.Labels, Label{
			Name:          label.Name,
			Category:      label.Category,
			RequiredNodes: required,
			IncludedNodes: included,
		})
	}

	for _, artifact := range delta.Artifacts {
		ref, ok := names[artifact.Node]
		if !ok {
			return nil, errorf(ErrDependencyNotFound, "%q referenced by artifact %q", artifact.Node, artifact.Name)
		}
		next.Artifacts = append(next.Artifacts, Artifact{
			Name: artifact.Name,
			Type: artifact.Type,
			Keys: append([]string(nil), artifact.Keys...),
			Node: ref,
		})
	}

	if err := checkAcyclic(next); err != nil {
		return nil, err
	}

	next.ID = computeID(next)
	next.index = buildIndex(next)
	return next, nil
}

func copyAnnotations(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// checkAcyclic runs a depth-first search over all dependencies and reports
// the first cycle found as a path of node names.
func checkAcyclic(g *Graph) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[NodeRef]int)
	var stack []NodeRef

	var visit func(ref NodeRef) error
	visit = func(ref NodeRef) error {
		switch state[ref] {
		case done:
			return nil
		case visiting:
			path := []string{}
			for i := len(stack) - 1; i >= 0; i-- {
				path = append([]string{g.Node(stack[i]).Name}, path...)
				if stack[i] == ref {
					break
				}
			}
			return cycleError(append(path, g.Node(ref).Name))
		}
		state[ref] = visiting
		stack = append(stack, ref)
		for _, dep := range g.Dependencies(ref) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[ref] = done
		return nil
	}

	for _, ref := range g.AllNodes() {
		if state[ref] == unvisited {
			if err := visit(ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeID hashes the canonical JSON encoding of the graph content. Map
// keys are emitted sorted, so equal graphs always hash equally.
func computeID(g *Graph) string {
	body := struct {
		Schema     int         `json:"schema"`
		Groups     []NodeGroup `json:"groups"`
		Aggregates []Aggregate `json:"aggregates"`
		Labels     []Label     `json:"labels"`
		Artifacts  []Artifact  `json:"artifacts"`
	}{g.Schema, g.Groups, g.Aggregates, g.Labels, g.Artifacts}

	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("graph encoding: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

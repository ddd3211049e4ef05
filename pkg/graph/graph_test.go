package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/internal/docstore"
)

func buildGroups() []NewGroup {
	return []NewGroup{
		{
			AgentType: "Win64",
			Nodes: []NewNode{
				{Name: "Setup"},
				{Name: "Compile", InputDependencies: []string{"Setup"}},
			},
		},
		{
			AgentType: "Linux",
			Nodes: []NewNode{
				{Name: "Cook", InputDependencies: []string{"Compile"}, RunEarly: true},
				{Name: "Test", OrderDependencies: []string{"Cook"}, Annotations: map[string]string{"team": "qa"}},
			},
		},
	}
}

func TestAppendResolvesNamesToRefs(t *testing.T) {
	g, err := Append(Empty(1), Delta{
		Groups:     buildGroups(),
		Aggregates: []NewAggregate{{Name: "All", Nodes: []string{"Test", "Compile"}}},
		Labels:     []NewLabel{{Name: "Editor", RequiredNodes: []string{"Compile"}}},
		Artifacts:  []NewArtifact{{Name: "binaries", Type: "output", Node: "Compile"}},
	})
	require.NoError(t, err)

	cook, ok := g.FindNode("Cook")
	require.True(t, ok)
	assert.Equal(t, NodeRef{GroupIdx: 1, NodeIdx: 0}, cook)
	assert.Equal(t, []NodeRef{{GroupIdx: 0, NodeIdx: 1}}, g.Node(cook).InputDependencies)
	assert.True(t, g.Node(cook).RunEarly)

	test, _ := g.FindNode("Test")
	assert.Equal(t, []NodeRef{cook}, g.Dependencies(test))
	assert.False(t, g.IsInputDependency(test, cook))
	assert.Equal(t, []NodeRef{test}, g.Dependents(cook))

	agg, ok := g.FindAggregate("All")
	require.True(t, ok)
	assert.Equal(t, []NodeRef{test, {GroupIdx: 0, NodeIdx: 1}}, agg.Nodes)
	assert.Equal(t, NodeRef{GroupIdx: 0, NodeIdx: 1}, g.Artifacts[0].Node)
	assert.Equal(t, 4, g.NodeCount())
	assert.Len(t, g.ID, 64)
}

func TestAppendIsPure(t *testing.T) {
	base, err := Append(Empty(1), Delta{Groups: buildGroups()[:1]})
	require.NoError(t, err)
	baseID := base.ID

	next, err := Append(base, Delta{Groups: buildGroups()[1:]})
	require.NoError(t, err)

	assert.Len(t, base.Groups, 1)
	assert.Equal(t, baseID, base.ID)
	assert.Len(t, next.Groups, 2)
	assert.Equal(t, base.Groups[0], next.Groups[0])
	assert.NotEqual(t, base.ID, next.ID)

	_, ok := base.FindNode("Cook")
	assert.False(t, ok)

	again, err := Append(base, Delta{Groups: buildGroups()[1:]})
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
}

func TestAppendRejectsBadInput(t *testing.T) {
	base, err := Append(Empty(1), Delta{Groups: buildGroups()})
	require.NoError(t, err)

	tests := []struct {
		name  string
		delta Delta
		kind  error
	}{
		{
			name:  "unknown dependency",
			delta: Delta{Groups: []NewGroup{{AgentType: "Win64", Nodes: []NewNode{{Name: "Pack", InputDependencies: []string{"Missing"}}}}}},
			kind:  ErrDependencyNotFound,
		},
		{
			name:  "duplicate of existing node",
			delta: Delta{Groups: []NewGroup{{AgentType: "Win64", Nodes: []NewNode{{Name: "Compile"}}}}},
			kind:  ErrDuplicateNode,
		},
		{
			name: "cycle across new groups",
			delta: Delta{Groups: []NewGroup{
				{AgentType: "Win64", Nodes: []NewNode{{Name: "A", InputDependencies: []string{"B"}}}},
				{AgentType: "Win64", Nodes: []NewNode{{Name: "B", OrderDependencies: []string{"A"}}}},
			}},
			kind: ErrDependencyCycle,
		},
		{
			name:  "self dependency",
			delta: Delta{Groups: []NewGroup{{AgentType: "Win64", Nodes: []NewNode{{Name: "A", InputDependencies: []string{"A"}}}}}},
			kind:  ErrDependencyCycle,
		},
		{
			name:  "aggregate with unknown node",
			delta: Delta{Aggregates: []NewAggregate{{Name: "Agg", Nodes: []string{"Nope"}}}},
			kind:  ErrDependencyNotFound,
		},
		{
			name: "later node in the same group",
			delta: Delta{Groups: []NewGroup{{AgentType: "Win64", Nodes: []NewNode{
				{Name: "A", InputDependencies: []string{"B"}},
				{Name: "B"},
			}}}},
			kind: ErrInvalidGraph,
		},
		{
			name:  "missing agent type",
			delta: Delta{Groups: []NewGroup{{Nodes: []NewNode{{Name: "X"}}}}},
			kind:  ErrInvalidGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Append(base, tt.delta)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var gerr *Error
			assert.True(t, errors.As(err, &gerr))
		})
	}
	// The base graph is untouched by the rejected deltas.
	assert.Equal(t, 4, base.NodeCount())
}

func TestCycleErrorNamesPath(t *testing.T) {
	_, err := Append(nil, Delta{Groups: []NewGroup{
		{AgentType: "Win64", Nodes: []NewNode{{Name: "A", InputDependencies: []string{"C"}}}},
		{AgentType: "Win64", Nodes: []NewNode{{Name: "B", InputDependencies: []string{"A"}}}},
		{AgentType: "Win64", Nodes: []NewNode{{Name: "C", InputDependencies: []string{"B"}}}},
	}})
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "A -> C -> B -> A")
}

func TestInputClosure(t *testing.T) {
	g, err := Append(Empty(1), Delta{Groups: buildGroups()})
	require.NoError(t, err)

	cook, _ := g.FindNode("Cook")
	test, _ := g.FindNode("Test")
	assert.Equal(t, []NodeRef{{0, 0}, {0, 1}, {1, 0}}, g.InputClosure([]NodeRef{cook}))
	// Order dependencies do not pull nodes in.
	assert.Equal(t, []NodeRef{test}, g.InputClosure([]NodeRef{test}))
}

func TestCollectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCollection(docstore.NewMemoryStore(), logr.Discard())

	root, err := c.Add(ctx, Template{ID: "tmpl", Schema: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, root.Schema)
	assert.Empty(t, root.Groups)

	g, err := c.Append(ctx, root, Delta{Groups: buildGroups()})
	require.NoError(t, err)

	loaded, err := c.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Groups, loaded.Groups)
	ref, ok := loaded.FindNode("Test")
	require.True(t, ok)
	assert.Equal(t, NodeRef{GroupIdx: 1, NodeIdx: 1}, ref)

	// Storing identical content again is not an error.
	_, err = c.Append(ctx, root, Delta{Groups: buildGroups()})
	require.NoError(t, err)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rebased, err := c.Add(ctx, Template{ID: "tmpl2", Schema: 4}, g)
	require.NoError(t, err)
	assert.Equal(t, 4, rebased.Schema)
	assert.Equal(t, 3, g.Schema)
	assert.NotEqual(t, g.ID, rebased.ID)
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(strings.NewReader(`
schema: 2
groups:
  - agentType: Win64
    nodes:
      - name: Compile
      - name: Test
        inputDependencies: [Compile]
        annotations:
          owner: build
aggregates:
  - name: Everything
    nodes: [Test]
`))
	require.NoError(t, err)

	g, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, 2, g.Schema)
	test, ok := g.FindNode("Test")
	require.True(t, ok)
	assert.Equal(t, "build", g.Node(test).Annotations["owner"])

	_, err = ParseDefinition(strings.NewReader("groups:\n  - agentType: x\n    bogus: 1\n"))
	assert.Error(t, err)
}

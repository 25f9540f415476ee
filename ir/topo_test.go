package ir

import (
	"testing"

	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalOrder(t *testing.T) {
	// Diamond: top feeds left and right, both feed bottom. Nodes are added in an order
	// different from the dataflow order.
	g := NewGraph("diamond")
	require.NoError(t, g.AddInitializer("c", tensors.FromScalar(float32(1))))
	must.M1(g.AddNode("bottom", "Add", []string{"l", "r"}, ValueInfo{"b", dtypes.Float32}))
	must.M1(g.AddNode("right", "Neg", []string{"t"}, ValueInfo{"r", dtypes.Float32}))
	must.M1(g.AddNode("left", "Abs", []string{"t"}, ValueInfo{"l", dtypes.Float32}))
	must.M1(g.AddNode("top", "Relu", []string{"c"}, ValueInfo{"t", dtypes.Float32}))

	order := must.M1(g.TopologicalOrder())
	require.Len(t, order, 4)
	position := make(map[string]int)
	for pos, idx := range order {
		position[g.Node(idx).Name()] = pos
	}
	assert.Less(t, position["top"], position["left"])
	assert.Less(t, position["top"], position["right"])
	assert.Less(t, position["left"], position["bottom"])
	assert.Less(t, position["right"], position["bottom"])

	// Ties break on NodeIndex: "right" (index 1) comes before "left" (index 2).
	assert.Less(t, position["right"], position["left"])
	assert.Equal(t, []NodeIndex{3, 1, 2, 0}, order)
}

func TestTopologicalOrderIndependentNodes(t *testing.T) {
	g := NewGraph("independent")
	for _, name := range []string{"n0", "n1", "n2"} {
		must.M1(g.AddNode(name, "Relu", nil, ValueInfo{name + "out", dtypes.Float32}))
	}
	order := must.M1(g.TopologicalOrder())
	assert.Equal(t, []NodeIndex{0, 1, 2}, order)
}

func TestTopologicalOrderSkipsRemovedNodes(t *testing.T) {
	g := NewGraph("holes")
	require.NoError(t, g.AddInitializer("c", tensors.FromScalar(int32(1))))
	neg := must.M1(g.AddNode("neg", "Neg", []string{"c"}, ValueInfo{"n", dtypes.Int32}))
	must.M1(g.AddNode("relu", "Relu", []string{"n"}, ValueInfo{"r", dtypes.Int32}))

	require.NoError(t, g.AddInitializer("n", tensors.FromScalar(int32(-1))))
	g.RemoveNodeOutputEdges(neg)
	require.NoError(t, g.RemoveNode(neg))

	order := must.M1(g.TopologicalOrder())
	assert.Equal(t, []NodeIndex{1}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	g := NewGraph("cycle")
	must.M1(g.AddNode("n0", "Neg", []string{"b"}, ValueInfo{"a", dtypes.Float32}))
	must.M1(g.AddNode("n1", "Neg", []string{"a"}, ValueInfo{"b", dtypes.Float32}))
	_, err := g.TopologicalOrder()
	require.ErrorContains(t, err, "cycle")
	require.ErrorContains(t, g.Validate(), "cycle")

	// Self-loops count as cycles too.
	g = NewGraph("selfloop")
	must.M1(g.AddNode("n", "Add", []string{"x", "x"}, ValueInfo{"x", dtypes.Float32}))
	_, err = g.TopologicalOrder()
	require.ErrorContains(t, err, "cycle")
}

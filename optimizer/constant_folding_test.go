package optimizer

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/kernels"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addReluGraph builds the canonical foldable graph: two scalar constants feeding an Add,
// whose sum feeds a Relu that produces the graph output.
func addReluGraph(t *testing.T) (g *ir.Graph, add, relu *ir.Node) {
	g = ir.NewGraph("main")
	require.NoError(t, g.AddInitializer("two", tensors.FromScalar(float32(2))))
	require.NoError(t, g.AddInitializer("three", tensors.FromScalar(float32(3))))
	add = must.M1(g.AddNode("add", "Add", []string{"two", "three"}, ir.ValueInfo{"sum", dtypes.Float32}))
	relu = must.M1(g.AddNode("relu", "Relu", []string{"sum"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))
	return
}

func TestConstantFolding(t *testing.T) {
	g, add, relu := addReluGraph(t)

	cf := NewConstantFolding()
	modified, err := cf.Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)

	// The Add is gone, replaced by an initializer under its output's name.
	assert.Nil(t, g.Node(add.Index()))
	assert.Equal(t, 1, g.NumNodes())
	sum := g.Initializer("sum")
	require.NotNil(t, sum)
	assert.Equal(t, dtypes.Float32, sum.DType())
	assert.Equal(t, float32(5), tensors.ToScalar[float32](sum))

	// The Relu produces the graph output, so it survives, and it still reads the
	// same value name as before.
	require.NotNil(t, g.Node(relu.Index()))
	assert.Equal(t, []string{"sum"}, relu.Inputs())
	relus := g.ValueConsumers("sum")
	require.Len(t, relus, 1)
	assert.Same(t, relu, relus[0])
	require.NoError(t, g.Validate())

	// A second sweep finds nothing left to fold.
	modified, err = cf.Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	require.NoError(t, g.Validate())
}

func TestConstantFolding_cascade(t *testing.T) {
	// A fold makes its output constant, so downstream nodes fold in the same sweep:
	// the traversal is topological.
	g := ir.NewGraph("cascade")
	require.NoError(t, g.AddInitializer("a", tensors.FromScalar(int64(3))))
	require.NoError(t, g.AddInitializer("b", tensors.FromScalar(int64(4))))
	must.M1(g.AddNode("add", "Add", []string{"a", "b"}, ir.ValueInfo{"s", dtypes.Int64}))
	must.M1(g.AddNode("mul", "Mul", []string{"s", "a"}, ir.ValueInfo{"p", dtypes.Int64}))
	must.M1(g.AddNode("neg", "Neg", []string{"p"}, ir.ValueInfo{"n", dtypes.Int64}))
	sink := must.M1(g.AddNode("sink", "Identity", []string{"n"}, ir.ValueInfo{"out", dtypes.Int64}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 1, g.NumNodes())
	require.NotNil(t, g.Node(sink.Index()))
	assert.Equal(t, int64(-21), tensors.ToScalar[int64](g.Initializer("n")))
	require.NoError(t, g.Validate())
}

func TestConstantFolding_graphOutputProducer(t *testing.T) {
	// Folding the producer of a graph output would leave the output dangling, so the
	// node stays even with all-constant inputs.
	g := ir.NewGraph("direct")
	require.NoError(t, g.AddInitializer("a", tensors.FromScalar(float32(2))))
	require.NoError(t, g.AddInitializer("b", tensors.FromScalar(float32(3))))
	add := must.M1(g.AddNode("add", "Add", []string{"a", "b"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(add.Index()))
	assert.Nil(t, g.Initializer("out"))

	// One graph output among several node outputs is enough to block.
	g2 := ir.NewGraph("partial")
	require.NoError(t, g2.AddInitializer("x", tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 4)))
	split := must.M1(g2.AddNode("split", "Split", []string{"x"},
		ir.ValueInfo{"s0", dtypes.Int32}, ir.ValueInfo{"s1", dtypes.Int32}))
	split.SetAttr("axis", 0)
	require.NoError(t, g2.AddOutput("s1"))

	modified, err = NewConstantFolding().Apply(g2)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g2.Node(split.Index()))
}

func TestConstantFolding_nonConstantInputs(t *testing.T) {
	g := ir.NewGraph("runtime")
	require.NoError(t, g.AddInput("x"))
	require.NoError(t, g.AddInitializer("w", tensors.FromScalar(float32(0.5))))
	add := must.M1(g.AddNode("add", "Add", []string{"x", "w"}, ir.ValueInfo{"s", dtypes.Float32}))
	relu := must.M1(g.AddNode("relu", "Relu", []string{"s"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(add.Index()))
	assert.NotNil(t, g.Node(relu.Index()))
	assert.Equal(t, 1, g.NumInitializers())
}

func TestConstantFolding_unsupportedOp(t *testing.T) {
	// No registered kernel for the op, so it cannot be evaluated and is skipped.
	g := ir.NewGraph("gemm")
	require.NoError(t, g.AddInitializer("a", tensors.FromScalar(float32(1))))
	require.NoError(t, g.AddInitializer("b", tensors.FromScalar(float32(2))))
	gemm := must.M1(g.AddNode("gemm", "Gemm", []string{"a", "b"}, ir.ValueInfo{"y", dtypes.Float32}))
	must.M1(g.AddNode("relu", "Relu", []string{"y"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(gemm.Index()))
}

func TestConstantFolding_nondeterministicOps(t *testing.T) {
	for _, op := range []string{"RandomUniform", "RandomNormal", "RandomUniformLike", "RandomNormalLike", "Multinomial"} {
		assert.True(t, NondeterministicOps.Has(op), op)
	}

	// A sampling node is otherwise fully eligible (no inputs, output consumed
	// downstream), folding it would freeze a single draw into the graph.
	g := ir.NewGraph("rng")
	rng := must.M1(g.AddNode("rng", "RandomUniform", nil, ir.ValueInfo{"r", dtypes.Float32}))
	rng.SetAttr("shape", []int{2})
	relu := must.M1(g.AddNode("relu", "Relu", []string{"r"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(rng.Index()))
	assert.NotNil(t, g.Node(relu.Index()))
}

func TestConstantFolding_excludedOps(t *testing.T) {
	g, add, _ := addReluGraph(t)

	modified, err := NewConstantFolding().WithExcludedOps("Add").Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(add.Index()))

	// The exclusion adds to the defaults, it does not replace them.
	cf := NewConstantFolding().WithExcludedOps("Add")
	assert.True(t, cf.excludedOps.Has("RandomUniform"))

	// And it does not leak into the package-level set.
	assert.False(t, NondeterministicOps.Has("Add"))
}

func TestConstantFolding_excludedInitializers(t *testing.T) {
	g, add, _ := addReluGraph(t)

	modified, err := NewConstantFolding().WithExcludedInitializers("three").Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(add.Index()))

	// Without the exclusion the same graph folds.
	modified, err = NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Nil(t, g.Node(add.Index()))
}

func TestConstantFolding_providers(t *testing.T) {
	// An allow-list under which no kernel is registered folds nothing.
	g, add, _ := addReluGraph(t)
	modified, err := NewConstantFolding().WithCompatibleProviders("cuda").Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(add.Index()))

	// An op registered only under another provider passes eligibility, but
	// evaluation always runs the Go kernel, and there is none.
	kernels.Register("Frobnicate", "accel", func(node *ir.Node) (kernels.Kernel, error) {
		return nil, nil
	})
	g2 := ir.NewGraph("accel")
	must.M1(g2.AddNode("frob", "Frobnicate", nil, ir.ValueInfo{"f", dtypes.Float32}))
	must.M1(g2.AddNode("relu", "Relu", []string{"f"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g2.AddOutput("out"))

	_, err = NewConstantFolding().WithCompatibleProviders("accel").Apply(g2)
	require.ErrorContains(t, err, "this is a bug")
}

func TestConstantFolding_multiOutput(t *testing.T) {
	g := ir.NewGraph("split")
	require.NoError(t, g.AddInitializer("x", tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 6)))
	split := must.M1(g.AddNode("split", "Split", []string{"x"},
		ir.ValueInfo{"s0", dtypes.Int32}, ir.ValueInfo{"s1", dtypes.Int32}, ir.ValueInfo{"s2", dtypes.Int32}))
	split.SetAttr("axis", 0)
	concat := must.M1(g.AddNode("concat", "Concat", []string{"s0", "s1", "s2"}, ir.ValueInfo{"out", dtypes.Int32}))
	concat.SetAttr("axis", 0)
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)

	// All three outputs materialized, the Concat (a graph-output producer) did not.
	assert.Nil(t, g.Node(split.Index()))
	require.NotNil(t, g.Node(concat.Index()))
	assert.Equal(t, []int32{1, 2}, tensors.CopyFlatData[int32](g.Initializer("s0")))
	assert.Equal(t, []int32{3, 4}, tensors.CopyFlatData[int32](g.Initializer("s1")))
	assert.Equal(t, []int32{5, 6}, tensors.CopyFlatData[int32](g.Initializer("s2")))
	consumers := g.ValueConsumers("s1")
	require.Len(t, consumers, 1)
	assert.Same(t, concat, consumers[0])
	require.NoError(t, g.Validate())
}

func TestConstantFolding_bytesRoundTrip(t *testing.T) {
	// Materialization copies raw payload bytes: NaN payloads and negative zero come
	// through bit-exact.
	values := []float32{math.Float32frombits(0x7fc00be5), float32(math.Copysign(0, -1)), 1.5}
	g := ir.NewGraph("bits")
	require.NoError(t, g.AddInitializer("x", tensors.FromFlatDataAndDimensions(values, 3)))
	must.M1(g.AddNode("id", "Identity", []string{"x"}, ir.ValueInfo{"y", dtypes.Float32}))
	must.M1(g.AddNode("relu", "Relu", []string{"y"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)

	y := g.Initializer("y")
	require.NotNil(t, y)
	var want, got []byte
	g.Initializer("x").ConstBytes(func(data []byte) { want = append([]byte(nil), data...) })
	y.ConstBytes(func(data []byte) { got = append([]byte(nil), data...) })
	assert.Equal(t, want, got)
}

func TestConstantFolding_subgraphs(t *testing.T) {
	// Nested bodies are folded before the owning node's own eligibility is even
	// considered: an If never folds, the constants inside its branches still do.
	then := ir.NewGraph("then_branch")
	require.NoError(t, then.AddInitializer("a", tensors.FromScalar(int64(21))))
	require.NoError(t, then.AddInitializer("b", tensors.FromScalar(int64(2))))
	mul := must.M1(then.AddNode("mul", "Mul", []string{"a", "b"}, ir.ValueInfo{"m", dtypes.Int64}))
	ret := must.M1(then.AddNode("ret", "Identity", []string{"m"}, ir.ValueInfo{"ret", dtypes.Int64}))
	require.NoError(t, then.AddOutput("ret"))

	g := ir.NewGraph("main")
	require.NoError(t, g.AddInput("cond"))
	ifNode := must.M1(g.AddNode("if", "If", []string{"cond"}, ir.ValueInfo{"out", dtypes.Int64}))
	ifNode.SetSubgraph("then_branch", then)
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.NotNil(t, g.Node(ifNode.Index()))
	assert.Nil(t, then.Node(mul.Index()))
	assert.NotNil(t, then.Node(ret.Index()))
	assert.Equal(t, int64(42), tensors.ToScalar[int64](then.Initializer("m")))
	require.NoError(t, g.Validate())
	require.NoError(t, then.Validate())

	// Owning a subgraph blocks folding on its own, even for a supported op with
	// constant inputs and no graph output.
	inner := ir.NewGraph("inner")
	require.NoError(t, inner.AddInitializer("p", tensors.FromScalar(int32(-7))))
	abs := must.M1(inner.AddNode("abs", "Abs", []string{"p"}, ir.ValueInfo{"q", dtypes.Int32}))
	must.M1(inner.AddNode("ret", "Identity", []string{"q"}, ir.ValueInfo{"ret", dtypes.Int32}))
	require.NoError(t, inner.AddOutput("ret"))

	g2 := ir.NewGraph("holder")
	require.NoError(t, g2.AddInitializer("k", tensors.FromScalar(int32(5))))
	holder := must.M1(g2.AddNode("wrap", "Identity", []string{"k"}, ir.ValueInfo{"w", dtypes.Int32}))
	holder.SetSubgraph("body", inner)
	must.M1(g2.AddNode("relu", "Relu", []string{"w"}, ir.ValueInfo{"out", dtypes.Int32}))
	require.NoError(t, g2.AddOutput("out"))

	modified, err = NewConstantFolding().Apply(g2)
	require.NoError(t, err)
	assert.True(t, modified) // the body folded
	assert.NotNil(t, g2.Node(holder.Index()))
	assert.Nil(t, inner.Node(abs.Index()))
	assert.Equal(t, int32(7), tensors.ToScalar[int32](inner.Initializer("q")))
}

func TestConstantFolding_subgraphError(t *testing.T) {
	body := ir.NewGraph("body")
	require.NoError(t, body.AddInitializer("x", tensors.FromScalar(float32(1))))
	cast := must.M1(body.AddNode("cast", "Cast", []string{"x"}, ir.ValueInfo{"y", dtypes.Float32}))
	cast.SetAttr("to", int64(dtypes.Float64))
	must.M1(body.AddNode("ret", "Relu", []string{"y"}, ir.ValueInfo{"ret", dtypes.Float32}))
	require.NoError(t, body.AddOutput("ret"))

	g := ir.NewGraph("main")
	require.NoError(t, g.AddInput("n"))
	loop := must.M1(g.AddNode("loop", "Loop", []string{"n"}, ir.ValueInfo{"out", dtypes.Float32}))
	loop.SetSubgraph("body", body)
	require.NoError(t, g.AddOutput("out"))

	_, err := NewConstantFolding().Apply(g)
	require.ErrorContains(t, err, `folding subgraph "body" of node "loop"`)
	require.ErrorContains(t, err, "declared Float32 but evaluated to Float64")
}

func TestConstantFolding_dtypeMismatch(t *testing.T) {
	// The declared output type must match what the kernel computed. On violation
	// the pass errors out and the graph is exactly as it was.
	g := ir.NewGraph("mismatch")
	require.NoError(t, g.AddInitializer("x", tensors.FromScalar(float32(1.5))))
	cast := must.M1(g.AddNode("cast", "Cast", []string{"x"}, ir.ValueInfo{"y", dtypes.Float32}))
	cast.SetAttr("to", int64(dtypes.Float64))
	must.M1(g.AddNode("relu", "Relu", []string{"y"}, ir.ValueInfo{"out", dtypes.Float32}))
	require.NoError(t, g.AddOutput("out"))

	modified, err := NewConstantFolding().Apply(g)
	require.ErrorContains(t, err, `output "y" is declared Float32 but evaluated to Float64`)
	assert.False(t, modified)
	assert.NotNil(t, g.Node(cast.Index()))
	assert.Equal(t, 2, g.NumNodes())
	assert.Equal(t, 1, g.NumInitializers())
	assert.Nil(t, g.Initializer("y"))
	require.NoError(t, g.Validate())
}

func TestConstantFolding_randomChains(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a constant chain folds in one sweep and a second sweep is a no-op", prop.ForAll(
		func(values []int32, ops []string, length int) bool {
			ops = ops[:length]
			g := ir.NewGraph("chain")
			if g.AddInitializer("c0", tensors.FromScalar(values[0])) != nil {
				return false
			}
			acc := values[0]
			prev := "c0"
			for i, op := range ops {
				ci := fmt.Sprintf("c%d", i+1)
				vi := fmt.Sprintf("v%d", i)
				if g.AddInitializer(ci, tensors.FromScalar(values[i+1])) != nil {
					return false
				}
				if _, err := g.AddNode(fmt.Sprintf("n%d", i), op, []string{prev, ci}, ir.ValueInfo{vi, dtypes.Int32}); err != nil {
					return false
				}
				switch op {
				case "Add":
					acc += values[i+1]
				case "Sub":
					acc -= values[i+1]
				case "Mul":
					acc *= values[i+1]
				case "Min":
					acc = min(acc, values[i+1])
				case "Max":
					acc = max(acc, values[i+1])
				}
				prev = vi
			}
			if _, err := g.AddNode("sink", "Identity", []string{prev}, ir.ValueInfo{"out", dtypes.Int32}); err != nil {
				return false
			}
			if g.AddOutput("out") != nil {
				return false
			}

			cf := NewConstantFolding()
			modified, err := cf.Apply(g)
			if err != nil || !modified {
				return false
			}
			if g.NumNodes() != 1 || g.Validate() != nil {
				return false
			}
			folded := g.Initializer(prev)
			if folded == nil || tensors.ToScalar[int32](folded) != acc {
				return false
			}
			modified, err = cf.Apply(g)
			return err == nil && !modified
		},
		gen.SliceOfN(6, gen.Int32Range(-100, 100)),
		gen.SliceOfN(5, gen.OneConstOf("Add", "Sub", "Mul", "Min", "Max")),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

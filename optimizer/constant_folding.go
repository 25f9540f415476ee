// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/kernels"
	"github.com/gomlx/gomir/types"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NondeterministicOps are operators whose outputs vary across invocations with identical
// inputs. Folding one would bake a single sampled value into the graph permanently, so
// ConstantFolding always excludes them.
var NondeterministicOps = types.SetWith(
	"RandomUniform",
	"RandomNormal",
	"RandomUniformLike",
	"RandomNormalLike",
	"Multinomial",
)

// ConstantFolding replaces nodes whose inputs are all constant initializers with the
// precomputed value of their outputs, wired in as new initializers under the same names.
// Consumers are untouched: they keep referring to the same value names.
//
// The pass recurses into nested subgraphs (control-flow bodies) before considering each
// node, so constants fold inside an "If" branch even though the "If" node itself never
// folds. Initializers orphaned by folding are left behind, see UnusedInitializersCleanup.
type ConstantFolding struct {
	compatibleProviders  types.Set[string]
	excludedOps          types.Set[string]
	excludedInitializers types.Set[string]
}

var _ Transformer = (*ConstantFolding)(nil)

// NewConstantFolding creates the pass with its defaults: kernels from the default
// providers, the non-deterministic ops excluded, no excluded initializers.
func NewConstantFolding() *ConstantFolding {
	return &ConstantFolding{
		compatibleProviders:  kernels.DefaultProviders(),
		excludedOps:          NondeterministicOps.Clone(),
		excludedInitializers: types.MakeSet[string](),
	}
}

// WithCompatibleProviders replaces the provider allow-list consulted by the eligibility
// check: a node only folds if some listed provider registers a kernel for its op. It
// returns the pass, so calls can be chained.
func (cf *ConstantFolding) WithCompatibleProviders(providers ...string) *ConstantFolding {
	cf.compatibleProviders = types.SetWith(providers...)
	return cf
}

// WithExcludedOps adds operator types that are never folded, on top of the always
// excluded NondeterministicOps. It returns the pass, so calls can be chained.
func (cf *ConstantFolding) WithExcludedOps(ops ...string) *ConstantFolding {
	cf.excludedOps.Insert(ops...)
	return cf
}

// WithExcludedInitializers adds initializer names that are not treated as constant, so
// nodes consuming them never fold. Callers use it for initializers they intend to
// override at runtime. It returns the pass, so calls can be chained.
func (cf *ConstantFolding) WithExcludedInitializers(names ...string) *ConstantFolding {
	cf.excludedInitializers.Insert(names...)
	return cf
}

// Name implements Transformer.
func (cf *ConstantFolding) Name() string { return "ConstantFolding" }

// Apply implements Transformer. It runs one folding sweep over the graph and all its
// subgraphs, in topological order.
func (cf *ConstantFolding) Apply(g *ir.Graph) (modified bool, err error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return false, err
	}
	for _, index := range order {
		node := g.Node(index)
		if node == nil {
			continue
		}

		// Nested graphs fold their own constants first, unconditionally: the owning
		// node (an "If", a "Loop") is itself never eligible, its bodies still are.
		for _, name := range node.SubgraphNames() {
			subModified, err := cf.Apply(node.Subgraph(name))
			modified = modified || subModified
			if err != nil {
				return modified, errors.WithMessagef(err, "folding subgraph %q of node %q", name, node.Name())
			}
		}

		if !cf.eligible(g, node) {
			continue
		}

		outputs, err := cf.evaluate(node)
		if err != nil {
			return modified, err
		}
		folded, err := materialize(node, outputs)
		if err != nil {
			return modified, err
		}

		for _, out := range node.Outputs() {
			if err := g.AddInitializer(out.Name, folded[out.Name]); err != nil {
				return modified, errors.WithMessagef(err, "materializing output %q of node %q", out.Name, node.Name())
			}
		}
		g.RemoveNodeOutputEdges(node)
		name, opType := node.Name(), node.OpType()
		if err := g.RemoveNode(node); err != nil {
			return modified, errors.WithMessagef(err, "removing folded node %q", name)
		}
		modified = true

		if klog.V(2).Enabled() {
			var payload uintptr
			for _, tensor := range folded {
				payload += tensor.Memory()
			}
			klog.Infof("folded node %q (%s) into %d initializer(s) of %s", name, opType, len(folded), humanize.Bytes(uint64(payload)))
		}
	}
	return modified, nil
}

// eligible decides whether folding node is legal. Purely advisory, no side effects.
func (cf *ConstantFolding) eligible(g *ir.Graph, node *ir.Node) bool {
	if !kernels.IsSupported(node.OpType(), cf.compatibleProviders) {
		return false
	}
	if cf.excludedOps.Has(node.OpType()) {
		return false
	}
	// Control-flow constructs: evaluating them in isolation would require resolving
	// conditional and loop semantics.
	if node.HasSubgraphs() {
		return false
	}
	// Folding a node that produces a graph output would leave the graph with no
	// operator producing that output.
	for _, out := range node.Outputs() {
		if g.IsOutput(out.Name) {
			return false
		}
	}
	// Every present input must be a constant initializer of this graph. Values from
	// outer scopes don't count: they may be shadowed or overridden per invocation.
	for _, in := range node.Inputs() {
		if in == "" {
			continue
		}
		if cf.excludedInitializers.Has(in) {
			return false
		}
		if !g.IsConstantInitializer(in) {
			return false
		}
	}
	return true
}

// evaluate runs the node's kernel once, in isolation, against the graph's initializers,
// and returns one buffer per declared output, in output order.
func (cf *ConstantFolding) evaluate(node *ir.Node) ([]*kernels.Buffer, error) {
	g := node.Graph()
	frame, err := kernels.NewFrame(node, g.Initializers())
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing evaluation of node %q (%s)", node.Name(), node.OpType())
	}
	// Fetch slots are resolved up front, before the kernel runs.
	fetchIdxs := make([]int, 0, node.NumOutputs())
	for _, out := range node.Outputs() {
		idx := frame.ValueIndex(out.Name)
		if idx < 0 {
			return nil, errors.Errorf("no frame slot for output %q of node %q, this is a bug, it should never have happened", out.Name, node.Name())
		}
		fetchIdxs = append(fetchIdxs, idx)
	}

	builder, found := kernels.Lookup(node.OpType(), kernels.ProviderGo)
	if !found {
		return nil, errors.Errorf("no %q kernel for op %s of eligible node %q, this is a bug, it should never have happened",
			kernels.ProviderGo, node.OpType(), node.Name())
	}
	kernel, err := builder(node)
	if err != nil {
		return nil, errors.WithMessagef(err, "building kernel for node %q (%s)", node.Name(), node.OpType())
	}
	if err := kernel.Compute(frame.Context()); err != nil {
		return nil, errors.WithMessagef(err, "evaluating node %q (%s)", node.Name(), node.OpType())
	}

	outputs, err := frame.Fetch(fetchIdxs)
	if err != nil {
		return nil, errors.WithMessagef(err, "collecting outputs of node %q (%s)", node.Name(), node.OpType())
	}
	if len(outputs) != node.NumOutputs() {
		return nil, errors.Errorf("node %q (%s) evaluated to %d value(s) for %d declared outputs, this is a bug, it should never have happened",
			node.Name(), node.OpType(), len(outputs), node.NumOutputs())
	}
	return outputs, nil
}

// materialize converts the computed buffers into initializer tensors keyed by output
// name. All outputs are converted before the graph is touched, so a failure leaves the
// graph exactly as it was.
func materialize(node *ir.Node, outputs []*kernels.Buffer) (map[string]*tensors.Tensor, error) {
	folded := make(map[string]*tensors.Tensor, len(outputs))
	for i, buf := range outputs {
		info := node.Output(i)
		if !buf.Ok() {
			return nil, errors.Errorf("node %q (%s) evaluated output %q to an invalid value", node.Name(), node.OpType(), info.Name)
		}
		if info.DType == dtypes.InvalidDType || info.DType != buf.DType() {
			return nil, errors.Errorf("node %q (%s): output %q is declared %s but evaluated to %s",
				node.Name(), node.OpType(), info.Name, info.DType, buf.DType())
		}
		folded[info.Name] = buf.Tensor()
	}
	return folded, nil
}

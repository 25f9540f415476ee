// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the tensor dataflow graph that gomir analyses and transforms.
//
// A Graph is a set of Nodes connected by named values: each Node consumes values by name
// and produces named values with declared dtypes. Values can additionally be defined as
// graph inputs (fed at runtime, never constant) or as constant initializers (concrete
// tensors.Tensor values attached to the graph).
//
// Nodes are stored in an arena indexed by a stable NodeIndex: removing a node leaves a
// hole, and its index is never reused. This allows iterating over a snapshot of node
// indices while nodes are being removed.
//
// Control-flow operators attach nested graphs (subgraphs) to their nodes, e.g. the
// "then_branch" and "else_branch" of an "If". Names not defined inside a subgraph resolve
// against the enclosing graph, recursively.
package ir

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/types"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gomir/types/xslices"
	"github.com/pkg/errors"
)

// Graph is a dataflow graph: nodes connected by named values, plus the constant
// initializers, the runtime inputs and the outputs of the graph.
//
// Build it with NewGraph, AddInput, AddInitializer, AddNode and AddOutput.
// A Graph is not safe for concurrent mutation.
type Graph struct {
	name  string
	outer *Graph

	// nodes is an arena indexed by NodeIndex. Removed nodes leave a nil entry.
	nodes   []*Node
	numLive int

	initializers map[string]*tensors.Tensor

	inputs   []string
	inputSet types.Set[string]

	outputs   []string
	outputSet types.Set[string]

	// producers maps a value name to the node currently producing it.
	producers map[string]*Node

	// consumers maps a value name to the nodes consuming it, with one entry per use.
	consumers map[string][]*Node
}

// NewGraph creates an empty graph with the given name.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		initializers: make(map[string]*tensors.Tensor),
		inputSet:     types.MakeSet[string](),
		outputSet:    types.MakeSet[string](),
		producers:    make(map[string]*Node),
		consumers:    make(map[string][]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// IsSubgraph returns whether this graph is nested inside a node of an enclosing graph.
func (g *Graph) IsSubgraph() bool { return g.outer != nil }

// Outer returns the enclosing graph, or nil if this is a top-level graph.
func (g *Graph) Outer() *Graph { return g.outer }

// AddInput declares a runtime input of the graph. Inputs are fed when the graph is
// executed and are never considered constant.
func (g *Graph) AddInput(name string) error {
	if name == "" {
		return errors.Errorf("graph %q: input name cannot be empty", g.name)
	}
	if g.inputSet.Has(name) {
		return errors.Errorf("graph %q: input %q already declared", g.name, name)
	}
	if _, found := g.initializers[name]; found {
		return errors.Errorf("graph %q: cannot declare input %q, name is already an initializer", g.name, name)
	}
	g.inputs = append(g.inputs, name)
	g.inputSet.Insert(name)
	return nil
}

// Inputs returns the graph input names, in declaration order. The returned slice is
// owned by the graph and must not be modified.
func (g *Graph) Inputs() []string { return g.inputs }

// IsInput returns whether name is a declared graph input.
func (g *Graph) IsInput(name string) bool { return g.inputSet.Has(name) }

// AddOutput declares a graph output. The name must be defined in this graph (by a node,
// an initializer or an input) by the time the graph is validated.
func (g *Graph) AddOutput(name string) error {
	if name == "" {
		return errors.Errorf("graph %q: output name cannot be empty", g.name)
	}
	if g.outputSet.Has(name) {
		return errors.Errorf("graph %q: output %q already declared", g.name, name)
	}
	g.outputs = append(g.outputs, name)
	g.outputSet.Insert(name)
	return nil
}

// Outputs returns the graph output names, in declaration order. The returned slice is
// owned by the graph and must not be modified.
func (g *Graph) Outputs() []string { return g.outputs }

// IsOutput returns whether name is a declared graph output.
func (g *Graph) IsOutput(name string) bool { return g.outputSet.Has(name) }

// AddInitializer attaches a constant tensor to the graph under the given value name.
// If the name already has an initializer, it is overwritten.
//
// During graph transformations a name may temporarily be both produced by a node and
// defined as an initializer (the initializer is added before the producing node is
// removed); Validate reports it if the state persists.
func (g *Graph) AddInitializer(name string, tensor *tensors.Tensor) error {
	if name == "" {
		return errors.Errorf("graph %q: initializer name cannot be empty", g.name)
	}
	if tensor == nil || !tensor.Ok() {
		return errors.Errorf("graph %q: initializer %q must be a valid tensor", g.name, name)
	}
	if g.inputSet.Has(name) {
		return errors.Errorf("graph %q: cannot add initializer %q, name is already a graph input", g.name, name)
	}
	g.initializers[name] = tensor
	return nil
}

// Initializer returns the constant tensor attached under the given name, or nil.
func (g *Graph) Initializer(name string) *tensors.Tensor {
	return g.initializers[name]
}

// Initializers returns the map of all initializers. The returned map is owned by the
// graph and must not be modified.
func (g *Graph) Initializers() map[string]*tensors.Tensor { return g.initializers }

// NumInitializers returns the number of initializers attached to the graph.
func (g *Graph) NumInitializers() int { return len(g.initializers) }

// RemoveInitializer detaches the initializer with the given name, if present.
func (g *Graph) RemoveInitializer(name string) {
	delete(g.initializers, name)
}

// IsConstantInitializer returns whether name is defined by a constant initializer of this
// graph: it has an initializer and no live node producing it. Outer scopes are not
// consulted.
func (g *Graph) IsConstantInitializer(name string) bool {
	if _, found := g.initializers[name]; !found {
		return false
	}
	return g.producers[name] == nil
}

// AddNode creates a node and attaches it to the graph.
//
// name may be empty, in which case a name is generated from opType and the node index.
// inputs are the names of consumed values; an empty name marks an unused optional input.
// outputs declare the produced value names with their dtypes; they must be non-empty and
// not yet produced, and at least one is required.
//
// The new node gets the next free NodeIndex. Attributes and subgraphs can be attached to
// the returned node with Node.SetAttr and Node.SetSubgraph.
func (g *Graph) AddNode(name, opType string, inputs []string, outputs ...ValueInfo) (*Node, error) {
	if opType == "" {
		return nil, errors.Errorf("graph %q: node %q must have an op type", g.name, name)
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("graph %q: node %q (%s) must produce at least one output", g.name, name, opType)
	}
	seen := types.MakeSet[string](len(outputs))
	for _, out := range outputs {
		if out.Name == "" {
			return nil, errors.Errorf("graph %q: node %q (%s) has an output with an empty name", g.name, name, opType)
		}
		if seen.Has(out.Name) {
			return nil, errors.Errorf("graph %q: node %q (%s) declares output %q twice", g.name, name, opType, out.Name)
		}
		seen.Insert(out.Name)
		if producer := g.producers[out.Name]; producer != nil {
			return nil, errors.Errorf("graph %q: value %q is already produced by node %q", g.name, out.Name, producer.name)
		}
		if _, found := g.initializers[out.Name]; found {
			return nil, errors.Errorf("graph %q: value %q is already defined as an initializer", g.name, out.Name)
		}
		if g.inputSet.Has(out.Name) {
			return nil, errors.Errorf("graph %q: value %q is already defined as a graph input", g.name, out.Name)
		}
	}

	index := NodeIndex(len(g.nodes))
	if name == "" {
		name = fmt.Sprintf("%s_%d", opType, index)
	}
	node := &Node{
		graph:   g,
		index:   index,
		name:    name,
		opType:  opType,
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
	}
	g.nodes = append(g.nodes, node)
	g.numLive++
	for _, out := range node.outputs {
		g.producers[out.Name] = node
	}
	for _, in := range node.inputs {
		if in != "" {
			g.consumers[in] = append(g.consumers[in], node)
		}
	}
	return node, nil
}

// Node returns the node at the given index, or nil if the index is out of range or the
// node has been removed.
func (g *Graph) Node(index NodeIndex) *Node {
	if index < 0 || int(index) >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// NumNodes returns the number of live nodes in the graph.
func (g *Graph) NumNodes() int { return g.numLive }

// MaxNodeIndex returns one past the largest NodeIndex ever assigned: valid indices are
// in the range [0, MaxNodeIndex), some of which may refer to removed nodes.
func (g *Graph) MaxNodeIndex() NodeIndex { return NodeIndex(len(g.nodes)) }

// Nodes iterates over the live nodes of the graph, in increasing NodeIndex order.
func (g *Graph) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, node := range g.nodes {
			if node == nil {
				continue
			}
			if !yield(node) {
				return
			}
		}
	}
}

// ValueProducer returns the live node currently producing the named value, or nil.
func (g *Graph) ValueProducer(name string) *Node {
	return g.producers[name]
}

// ValueConsumers returns the nodes consuming the named value, one entry per use.
// The returned slice is owned by the graph and must not be modified.
func (g *Graph) ValueConsumers(name string) []*Node {
	return g.consumers[name]
}

// assertOwned panics if the node does not belong to this graph or was already removed.
func (g *Graph) assertOwned(node *Node) {
	if node == nil {
		exceptions.Panicf("graph %q: nil node", g.name)
	}
	if node.graph != g || g.Node(node.index) != node {
		exceptions.Panicf("graph %q: node %q does not belong to this graph (or was removed)", g.name, node.name)
	}
}

// RemoveNodeOutputEdges severs the edges from node to its consumers: the node stops being
// registered as the producer of its output values. Consumers keep referring to the value
// names, which afterwards resolve to whatever else defines them (typically an initializer
// added in their place).
func (g *Graph) RemoveNodeOutputEdges(node *Node) {
	g.assertOwned(node)
	for _, out := range node.outputs {
		if g.producers[out.Name] == node {
			delete(g.producers, out.Name)
		}
	}
}

// RemoveNode removes the node from the graph. It returns an error if any of the node's
// output values still has both this node as producer and at least one consumer; call
// RemoveNodeOutputEdges first to sever them.
//
// The node's index is never reused. The node object becomes detached and must not be
// used afterwards.
func (g *Graph) RemoveNode(node *Node) error {
	g.assertOwned(node)
	for _, out := range node.outputs {
		if g.producers[out.Name] == node && len(g.consumers[out.Name]) > 0 {
			return errors.Errorf("graph %q: cannot remove node %q, its output %q still has %d consumer(s)",
				g.name, node.name, out.Name, len(g.consumers[out.Name]))
		}
	}
	for _, out := range node.outputs {
		if g.producers[out.Name] == node {
			delete(g.producers, out.Name)
		}
	}
	for _, in := range node.inputs {
		if in != "" {
			g.removeConsumer(in, node)
		}
	}
	g.nodes[node.index] = nil
	g.numLive--
	node.graph = nil
	return nil
}

// removeConsumer removes all entries of node from the consumers of name.
func (g *Graph) removeConsumer(name string, node *Node) {
	list := g.consumers[name]
	list = slices.DeleteFunc(list, func(n *Node) bool { return n == node })
	if len(list) == 0 {
		delete(g.consumers, name)
	} else {
		g.consumers[name] = list
	}
}

// definedLocally returns whether name is defined in this graph: produced by a live node,
// attached as an initializer or declared as a graph input.
func (g *Graph) definedLocally(name string) bool {
	if g.producers[name] != nil {
		return true
	}
	if _, found := g.initializers[name]; found {
		return true
	}
	return g.inputSet.Has(name)
}

// resolves returns whether name is defined in this graph or any enclosing graph.
func (g *Graph) resolves(name string) bool {
	for scope := g; scope != nil; scope = scope.outer {
		if scope.definedLocally(name) {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of the graph and of all its subgraphs:
// every consumed value resolves to a definition (in scope), no value is defined twice,
// graph outputs are defined locally, and the graph is acyclic.
func (g *Graph) Validate() error {
	for idx, node := range g.nodes {
		if node == nil {
			continue
		}
		if node.graph != g || node.index != NodeIndex(idx) {
			return errors.Errorf("graph %q: node arena corrupted at index %d, this is a bug, it should never have happened", g.name, idx)
		}
	}
	for _, name := range xslices.SortedKeys(g.initializers) {
		if g.inputSet.Has(name) {
			return errors.Errorf("graph %q: value %q is both a graph input and an initializer", g.name, name)
		}
		if producer := g.producers[name]; producer != nil {
			return errors.Errorf("graph %q: value %q is both produced by node %q and defined as an initializer",
				g.name, name, producer.name)
		}
	}
	for node := range g.Nodes() {
		for _, in := range node.inputs {
			if in == "" {
				continue
			}
			if !g.resolves(in) {
				return errors.Errorf("graph %q: node %q consumes undefined value %q", g.name, node.name, in)
			}
		}
		for _, sgName := range node.SubgraphNames() {
			sub := node.Subgraph(sgName)
			if sub.outer != g {
				return errors.Errorf("graph %q: subgraph %q of node %q is not linked to its enclosing graph",
					g.name, sgName, node.name)
			}
			if err := sub.Validate(); err != nil {
				return errors.WithMessagef(err, "in subgraph %q of node %q of graph %q", sgName, node.name, g.name)
			}
		}
	}
	for _, out := range g.outputs {
		if !g.definedLocally(out) {
			return errors.Errorf("graph %q: output %q is not defined in the graph", g.name, out)
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// RemoveUnusedInitializers detaches initializers that no node consumes, no subgraph
// references and that are not graph outputs. It returns the sorted names of the removed
// initializers.
//
// Graph transformations that sever nodes from their inputs leave the now-unused
// initializers behind; this is the corresponding cleanup.
func (g *Graph) RemoveUnusedInitializers() []string {
	used := types.MakeSet[string]()
	for node := range g.Nodes() {
		for _, in := range node.inputs {
			if in != "" {
				used.Insert(in)
			}
		}
		for _, sub := range node.Subgraphs() {
			for name := range sub.outerScopeUses() {
				used.Insert(name)
			}
		}
	}
	used.Insert(g.outputs...)

	var removed []string
	for _, name := range xslices.SortedKeys(g.initializers) {
		if !used.Has(name) {
			delete(g.initializers, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// outerScopeUses returns the names consumed by this graph (including through its nested
// subgraphs) that are not defined within it, so must resolve in enclosing scopes.
func (g *Graph) outerScopeUses() types.Set[string] {
	uses := types.MakeSet[string]()
	for node := range g.Nodes() {
		for _, in := range node.inputs {
			if in != "" && !g.definedLocally(in) {
				uses.Insert(in)
			}
		}
		for _, sub := range node.Subgraphs() {
			for name := range sub.outerScopeUses() {
				if !g.definedLocally(name) {
					uses.Insert(name)
				}
			}
		}
	}
	return uses
}

// String implements fmt.Stringer, listing inputs, initializers, nodes and outputs.
func (g *Graph) String() string {
	var sb strings.Builder
	var payload uintptr
	for _, t := range g.initializers {
		payload += t.Memory()
	}
	fmt.Fprintf(&sb, "Graph %q: %d node(s), %d initializer(s) holding %s\n",
		g.name, g.numLive, len(g.initializers), humanize.Bytes(uint64(payload)))
	if len(g.inputs) > 0 {
		fmt.Fprintf(&sb, "\tinputs: %s\n", strings.Join(g.inputs, ", "))
	}
	for _, name := range xslices.SortedKeys(g.initializers) {
		fmt.Fprintf(&sb, "\tinit %q: %s\n", name, g.initializers[name].Shape())
	}
	for node := range g.Nodes() {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	if len(g.outputs) > 0 {
		fmt.Fprintf(&sb, "\toutputs: %s\n", strings.Join(g.outputs, ", "))
	}
	return sb.String()
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gomir/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// NodeIndex is the stable index of a Node in its Graph. It remains valid (and reserved)
// even after the node is removed from the graph.
type NodeIndex int

// ValueInfo describes one value (a named edge) produced by a node: its name and the
// declared dtype of its elements.
//
// Dimensions are not declared: they are only known for concrete tensors.
type ValueInfo struct {
	Name  string
	DType dtypes.DType
}

// String implements fmt.Stringer.
func (vi ValueInfo) String() string {
	return fmt.Sprintf("%s:%s", vi.Name, vi.DType)
}

// Node is an operation in a Graph: an operator type (e.g. "Add"), the names of the values
// it consumes and the values it produces.
//
// Nodes are created with Graph.AddNode and are owned by the graph. Attributes and subgraphs
// can be attached after creation with SetAttr and SetSubgraph.
type Node struct {
	graph  *Graph
	index  NodeIndex
	name   string
	opType string

	// inputs are value names consumed by this node. An empty name denotes an unused
	// optional input.
	inputs []string

	// outputs are the values produced by this node, with their declared dtypes.
	outputs []ValueInfo

	attrs     map[string]any
	subgraphs map[string]*Graph
}

// Graph this node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Index of the node in its graph. Indices are stable: they are never reused, even after
// the node is removed.
func (n *Node) Index() NodeIndex { return n.index }

// Name of the node. If none was given at creation, a name is generated from the op type
// and the node index.
func (n *Node) Name() string { return n.name }

// OpType returns the operator type of the node, e.g. "Add" or "Reshape".
func (n *Node) OpType() string { return n.opType }

// NumInputs returns the number of declared inputs, counting unused optional ones.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the name of the i-th input. It returns "" for unused optional inputs.
func (n *Node) Input(i int) string { return n.inputs[i] }

// Inputs returns the input value names. The returned slice is owned by the node and
// must not be modified.
func (n *Node) Inputs() []string { return n.inputs }

// NumOutputs returns the number of values produced by this node.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the i-th output value description.
func (n *Node) Output(i int) ValueInfo { return n.outputs[i] }

// Outputs returns the produced values with their declared dtypes. The returned slice is
// owned by the node and must not be modified.
func (n *Node) Outputs() []ValueInfo { return n.outputs }

// OutputNames returns the names of the values produced by this node.
func (n *Node) OutputNames() []string {
	return xslices.Map(n.outputs, func(vi ValueInfo) string { return vi.Name })
}

// SetAttr sets an attribute of the node and returns the node, so calls can be chained.
//
// Supported value types: int/int64, []int/[]int64, float32/float64, []float64, string,
// bool and *tensors.Tensor. Integers are normalized to int64 and floats to float64.
// It panics on unsupported types.
func (n *Node) SetAttr(name string, value any) *Node {
	if name == "" {
		exceptions.Panicf("node %q: attribute name cannot be empty", n.name)
	}
	if n.attrs == nil {
		n.attrs = make(map[string]any)
	}
	switch v := value.(type) {
	case int:
		n.attrs[name] = int64(v)
	case int64:
		n.attrs[name] = v
	case []int:
		n.attrs[name] = xslices.Map(v, func(e int) int64 { return int64(e) })
	case []int64:
		n.attrs[name] = slices.Clone(v)
	case float32:
		n.attrs[name] = float64(v)
	case float64:
		n.attrs[name] = v
	case []float64:
		n.attrs[name] = slices.Clone(v)
	case string:
		n.attrs[name] = v
	case bool:
		n.attrs[name] = v
	case *tensors.Tensor:
		if v == nil {
			exceptions.Panicf("node %q: attribute %q cannot be a nil Tensor", n.name, name)
		}
		n.attrs[name] = v
	default:
		exceptions.Panicf("node %q: unsupported type %T for attribute %q", n.name, value, name)
	}
	return n
}

// HasAttr returns whether the attribute is set.
func (n *Node) HasAttr(name string) bool {
	_, found := n.attrs[name]
	return found
}

// AttrNames returns the sorted names of the attributes set on the node.
func (n *Node) AttrNames() []string {
	return xslices.SortedKeys(n.attrs)
}

// IntAttrOr returns the attribute value if set, or defaultValue otherwise.
// It panics if the attribute is set to a different type.
func (n *Node) IntAttrOr(name string, defaultValue int64) int64 {
	value, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	i, ok := value.(int64)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted int64", n.name, name, value)
	}
	return i
}

// IntsAttrOr returns the attribute value if set, or defaultValue otherwise.
// The returned slice is owned by the node and must not be modified.
// It panics if the attribute is set to a different type.
func (n *Node) IntsAttrOr(name string, defaultValue []int64) []int64 {
	value, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	ints, ok := value.([]int64)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted []int64", n.name, name, value)
	}
	return ints
}

// FloatAttrOr returns the attribute value if set, or defaultValue otherwise.
// It panics if the attribute is set to a different type.
func (n *Node) FloatAttrOr(name string, defaultValue float64) float64 {
	value, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	f, ok := value.(float64)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted float64", n.name, name, value)
	}
	return f
}

// StringAttrOr returns the attribute value if set, or defaultValue otherwise.
// It panics if the attribute is set to a different type.
func (n *Node) StringAttrOr(name string, defaultValue string) string {
	value, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	s, ok := value.(string)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted string", n.name, name, value)
	}
	return s
}

// BoolAttrOr returns the attribute value if set, or defaultValue otherwise.
// It panics if the attribute is set to a different type.
func (n *Node) BoolAttrOr(name string, defaultValue bool) bool {
	value, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	b, ok := value.(bool)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted bool", n.name, name, value)
	}
	return b
}

// TensorAttr returns the tensor attribute, or nil if not set.
// It panics if the attribute is set to a different type.
func (n *Node) TensorAttr(name string) *tensors.Tensor {
	value, found := n.attrs[name]
	if !found {
		return nil
	}
	t, ok := value.(*tensors.Tensor)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is a %T, wanted *tensors.Tensor", n.name, name, value)
	}
	return t
}

// SetSubgraph attaches a nested graph under the given attribute name (e.g. "then_branch",
// "else_branch" or "body") and returns the node, so calls can be chained.
//
// The subgraph's outer scope is set to this node's graph: names not defined inside the
// subgraph resolve against the enclosing graph (and so on, recursively).
func (n *Node) SetSubgraph(name string, subgraph *Graph) *Node {
	if name == "" {
		exceptions.Panicf("node %q: subgraph attribute name cannot be empty", n.name)
	}
	if subgraph == nil {
		exceptions.Panicf("node %q: subgraph %q cannot be nil", n.name, name)
	}
	if n.subgraphs == nil {
		n.subgraphs = make(map[string]*Graph)
	}
	subgraph.outer = n.graph
	n.subgraphs[name] = subgraph
	return n
}

// Subgraph returns the nested graph attached under the given attribute name, or nil.
func (n *Node) Subgraph(name string) *Graph {
	return n.subgraphs[name]
}

// HasSubgraphs returns whether the node carries nested graphs (control-flow ops like
// "If" or "Loop").
func (n *Node) HasSubgraphs() bool { return len(n.subgraphs) > 0 }

// NumSubgraphs returns the number of nested graphs attached to the node.
func (n *Node) NumSubgraphs() int { return len(n.subgraphs) }

// SubgraphNames returns the sorted attribute names of the nested graphs.
func (n *Node) SubgraphNames() []string {
	return xslices.SortedKeys(n.subgraphs)
}

// Subgraphs returns the nested graphs, ordered by their attribute names.
func (n *Node) Subgraphs() []*Graph {
	return xslices.Map(n.SubgraphNames(), func(name string) *Graph { return n.subgraphs[name] })
}

// String implements fmt.Stringer. It prints the node index, name, op type and edges.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s[%s](%s) -> (%s)", n.index, n.name, n.opType,
		strings.Join(n.inputs, ", "),
		strings.Join(xslices.Map(n.outputs, func(vi ValueInfo) string { return vi.String() }), ", "))
	if len(n.subgraphs) > 0 {
		fmt.Fprintf(&sb, " subgraphs=%v", n.SubgraphNames())
	}
	return sb.String()
}

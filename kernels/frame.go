// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/pkg/errors"
)

// Frame is the value environment for the isolated evaluation of one node: a slot per
// distinct value name touched by the node, inputs first and then outputs.
//
// Input slots are bound to buffers at construction, from the graph's constant
// initializers. Output slots start empty and are filled by the kernel through the frame's
// Context. After the kernel runs, the produced values are read back with Fetch.
type Frame struct {
	node  *ir.Node
	names []string
	index map[string]int
	slots []*Buffer
}

// NewFrame creates the evaluation frame for node, binding every input slot from the given
// tensors, keyed by value name.
//
// All the node's non-optional inputs must be present in values: the caller is expected to
// have checked the node only consumes constants before evaluating it, so a missing entry
// is reported as an error rather than skipped.
func NewFrame(node *ir.Node, values map[string]*tensors.Tensor) (*Frame, error) {
	f := &Frame{
		node:  node,
		index: make(map[string]int, node.NumInputs()+node.NumOutputs()),
	}
	for _, name := range node.Inputs() {
		if name == "" {
			// Optional input left unset.
			continue
		}
		if _, found := f.index[name]; found {
			continue
		}
		t := values[name]
		if t == nil {
			return nil, errors.Errorf("no value bound for input %q of node %q (%s)", name, node.Name(), node.OpType())
		}
		f.index[name] = len(f.names)
		f.names = append(f.names, name)
		f.slots = append(f.slots, BufferFromTensor(t))
	}
	for _, output := range node.Outputs() {
		if _, found := f.index[output.Name]; found {
			return nil, errors.Errorf("output %q of node %q (%s) collides with one of its inputs", output.Name, node.Name(), node.OpType())
		}
		f.index[output.Name] = len(f.names)
		f.names = append(f.names, output.Name)
		f.slots = append(f.slots, nil)
	}
	return f, nil
}

// Node returns the node this frame evaluates.
func (f *Frame) Node() *ir.Node { return f.node }

// ValueIndex returns the slot index of the named value, or -1 if the frame has no slot
// for it.
func (f *Frame) ValueIndex(name string) int {
	idx, found := f.index[name]
	if !found {
		return -1
	}
	return idx
}

// NumSlots returns the number of value slots in the frame.
func (f *Frame) NumSlots() int { return len(f.slots) }

// Buffer returns the buffer currently held in the given slot, nil if not yet produced.
func (f *Frame) Buffer(idx int) *Buffer {
	if idx < 0 || idx >= len(f.slots) {
		return nil
	}
	return f.slots[idx]
}

// Fetch returns the buffers held in the given slots, erroring if any of them was never
// produced. It is used after a kernel ran to collect the node's outputs.
func (f *Frame) Fetch(indices []int) ([]*Buffer, error) {
	fetched := make([]*Buffer, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(f.slots) {
			return nil, errors.Errorf("fetch of slot %d out of range for node %q (%s)", idx, f.node.Name(), f.node.OpType())
		}
		buf := f.slots[idx]
		if buf == nil {
			return nil, errors.Errorf("value %q of node %q (%s) was never produced", f.names[idx], f.node.Name(), f.node.OpType())
		}
		fetched = append(fetched, buf)
	}
	return fetched, nil
}

// Context returns the kernel-facing view of the frame.
func (f *Frame) Context() *Context { return &Context{frame: f} }

// Context is the interface a Kernel computes against: read-only access to the node's
// input buffers and write-once access to its output slots.
type Context struct {
	frame *Frame
}

// Node being evaluated. Kernels read their attributes from it.
func (ctx *Context) Node() *ir.Node { return ctx.frame.node }

// NumInputs returns the number of inputs of the node, including optional (empty) ones.
func (ctx *Context) NumInputs() int { return ctx.frame.node.NumInputs() }

// Input returns the buffer bound to the i-th input of the node, or nil if the input is
// optional and unset.
func (ctx *Context) Input(i int) *Buffer {
	name := ctx.frame.node.Input(i)
	if name == "" {
		return nil
	}
	return ctx.frame.Buffer(ctx.frame.ValueIndex(name))
}

// NumOutputs returns the number of outputs of the node.
func (ctx *Context) NumOutputs() int { return ctx.frame.node.NumOutputs() }

// SetOutput stores the buffer produced for the i-th output of the node. Each output can
// only be set once, and the buffer must be valid.
func (ctx *Context) SetOutput(i int, buf *Buffer) error {
	node := ctx.frame.node
	if i < 0 || i >= node.NumOutputs() {
		return errors.Errorf("output #%d out of range for node %q (%s) with %d outputs", i, node.Name(), node.OpType(), node.NumOutputs())
	}
	if !buf.Ok() {
		return errors.Errorf("invalid buffer for output #%d of node %q (%s)", i, node.Name(), node.OpType())
	}
	idx := ctx.frame.ValueIndex(node.Output(i).Name)
	if ctx.frame.slots[idx] != nil {
		return errors.Errorf("output #%d (%q) of node %q (%s) set twice", i, node.Output(i).Name, node.Name(), node.OpType())
	}
	ctx.frame.slots[idx] = buf
	return nil
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"reflect"

	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/types"
	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Data movement operators: they rearrange or re-type values without arithmetic. Split is
// the one multi-output operator of the set.

func init() {
	Register("Cast", ProviderGo, newCastKernel)
	Register("Concat", ProviderGo, newConcatKernel)
	Register("Reshape", ProviderGo, newReshapeKernel)
	Register("Shape", ProviderGo, newShapeKernel)
	Register("Split", ProviderGo, newSplitKernel)
}

func dimsProduct(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// castableDTypes are the element types Cast accepts on either side. Notably bool is out:
// its conversion rules are not the numeric ones.
var castableDTypes = types.SetWith(
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16,
)

// castKernel converts the element type of its input to the dtype in the "to" attribute,
// with Go conversion semantics (float to int truncates toward zero).
type castKernel struct {
	to dtypes.DType
}

func newCastKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 1, 1); err != nil {
		return nil, err
	}
	if !node.HasAttr("to") {
		return nil, errors.Errorf(`Cast node %q: missing required attribute "to"`, node.Name())
	}
	to := dtypes.DType(node.IntAttrOr("to", int64(dtypes.InvalidDType)))
	if !castableDTypes.Has(to) {
		return nil, errors.Errorf("unsupported data type %s for Cast", to)
	}
	return &castKernel{to: to}, nil
}

func (k *castKernel) Compute(ctx *Context) error {
	in := ctx.Input(0)
	if !castableDTypes.Has(in.DType()) {
		return errors.Errorf("unsupported data type %s for Cast", in.DType())
	}
	out := NewBuffer(shapes.Make(k.to, in.Shape().Dimensions...))
	if in.DType() == k.to {
		copyFlat(out.flat, in.flat)
		return ctx.SetOutput(0, out)
	}

	// The 16-bit float types are not convertible by the language: bridge them through
	// float32 on either side.
	srcFlat := in.flat
	switch in.DType() {
	case dtypes.Float16:
		halves := BufferData[float16.Float16](in)
		widened := make([]float32, len(halves))
		for i, v := range halves {
			widened[i] = v.Float32()
		}
		srcFlat = widened
	case dtypes.BFloat16:
		halves := BufferData[bfloat16.BFloat16](in)
		widened := make([]float32, len(halves))
		for i, v := range halves {
			widened[i] = v.Float32()
		}
		srcFlat = widened
	}
	switch k.to {
	case dtypes.Float16:
		widened := make([]float32, in.Size())
		convertFlat(srcFlat, widened)
		dst := BufferData[float16.Float16](out)
		for i, v := range widened {
			dst[i] = float16.Fromfloat32(v)
		}
	case dtypes.BFloat16:
		widened := make([]float32, in.Size())
		convertFlat(srcFlat, widened)
		dst := BufferData[bfloat16.BFloat16](out)
		for i, v := range widened {
			dst[i] = bfloat16.FromFloat32(v)
		}
	default:
		convertFlat(srcFlat, out.flat)
	}
	return ctx.SetOutput(0, out)
}

// convertFlat converts element-wise between flat slices of different Go numeric types.
func convertFlat(src, dst any) {
	srcV, dstV := reflect.ValueOf(src), reflect.ValueOf(dst)
	elemType := dstV.Type().Elem()
	for i := range srcV.Len() {
		dstV.Index(i).Set(srcV.Index(i).Convert(elemType))
	}
}

// concatKernel joins its inputs along the axis given by the "axis" attribute (negative
// counts from the end). Inputs must share dtype and rank, and match on every other axis.
type concatKernel struct {
	node *ir.Node
}

func newConcatKernel(node *ir.Node) (Kernel, error) {
	if node.NumInputs() == 0 {
		return nil, errors.Errorf("Concat node %q: requires at least 1 input", node.Name())
	}
	for i, name := range node.Inputs() {
		if name == "" {
			return nil, errors.Errorf("Concat node %q: input #%d is not set", node.Name(), i)
		}
	}
	if node.NumOutputs() != 1 {
		return nil, errors.Errorf("Concat node %q: expected 1 output, got %d", node.Name(), node.NumOutputs())
	}
	if !node.HasAttr("axis") {
		return nil, errors.Errorf(`Concat node %q: missing required attribute "axis"`, node.Name())
	}
	return &concatKernel{node: node}, nil
}

func (k *concatKernel) Compute(ctx *Context) error {
	node := k.node
	first := ctx.Input(0)
	rank := first.Shape().Rank()
	if rank == 0 {
		return errors.Errorf("Concat node %q: cannot concatenate scalars", node.Name())
	}
	axis := int(node.IntAttrOr("axis", 0))
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return errors.Errorf("Concat node %q: axis %d out of range for rank %d", node.Name(), node.IntAttrOr("axis", 0), rank)
	}

	outDims := append([]int{}, first.Shape().Dimensions...)
	for i := 1; i < ctx.NumInputs(); i++ {
		in := ctx.Input(i)
		if in.DType() != first.DType() {
			return errors.Errorf("Concat node %q: input #%d dtype %s differs from %s", node.Name(), i, in.DType(), first.DType())
		}
		if in.Shape().Rank() != rank {
			return errors.Errorf("Concat node %q: input #%d rank %d differs from %d", node.Name(), i, in.Shape().Rank(), rank)
		}
		for otherAxis, dim := range in.Shape().Dimensions {
			if otherAxis == axis {
				continue
			}
			if dim != outDims[otherAxis] {
				return errors.Errorf("Concat node %q: input #%d dimension %d on axis %d, want %d", node.Name(), i, dim, otherAxis, outDims[otherAxis])
			}
		}
		outDims[axis] += in.Shape().Dim(axis)
	}

	out := NewBuffer(shapes.Make(first.DType(), outDims...))
	outer := dimsProduct(outDims[:axis])
	dstV := reflect.ValueOf(out.flat)
	dstOffset := 0
	for o := range outer {
		for i := range ctx.NumInputs() {
			in := ctx.Input(i)
			inner := dimsProduct(in.Shape().Dimensions[axis:])
			srcV := reflect.ValueOf(in.flat).Slice(o*inner, (o+1)*inner)
			reflect.Copy(dstV.Slice(dstOffset, dstOffset+inner), srcV)
			dstOffset += inner
		}
	}
	return ctx.SetOutput(0, out)
}

// reshapeKernel reinterprets its first input with the dimensions given by its second
// input, a 1D int64 tensor. A dimension of -1 is inferred from the remaining size; a
// dimension of 0 copies the corresponding input dimension.
type reshapeKernel struct {
	node *ir.Node
}

func newReshapeKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 2, 1); err != nil {
		return nil, err
	}
	return &reshapeKernel{node: node}, nil
}

func (k *reshapeKernel) Compute(ctx *Context) error {
	node := k.node
	in, shapeBuf := ctx.Input(0), ctx.Input(1)
	if shapeBuf.DType() != dtypes.Int64 || shapeBuf.Shape().Rank() != 1 {
		return errors.Errorf("Reshape node %q: shape input must be a 1D int64 tensor, got %s", node.Name(), shapeBuf.Shape())
	}

	targetDims := BufferData[int64](shapeBuf)
	dims := make([]int, len(targetDims))
	inferAxis := -1
	known := 1
	for axis, dim := range targetDims {
		switch {
		case dim == -1:
			if inferAxis >= 0 {
				return errors.Errorf("Reshape node %q: at most one dimension can be -1, got %v", node.Name(), targetDims)
			}
			inferAxis = axis
		case dim == 0:
			if axis >= in.Shape().Rank() {
				return errors.Errorf("Reshape node %q: dimension 0 at axis %d has no matching input axis (input %s)", node.Name(), axis, in.Shape())
			}
			dims[axis] = in.Shape().Dim(axis)
			known *= dims[axis]
		case dim > 0:
			dims[axis] = int(dim)
			known *= dims[axis]
		default:
			return errors.Errorf("Reshape node %q: invalid dimension %d in %v", node.Name(), dim, targetDims)
		}
	}
	if inferAxis >= 0 {
		if in.Size()%known != 0 {
			return errors.Errorf("Reshape node %q: cannot infer dimension, input size %d is not divisible by %d", node.Name(), in.Size(), known)
		}
		dims[inferAxis] = in.Size() / known
		known *= dims[inferAxis]
	}
	if known != in.Size() {
		return errors.Errorf("Reshape node %q: target dimensions %v hold %d elements, input %s holds %d", node.Name(), targetDims, known, in.Shape(), in.Size())
	}

	out := NewBuffer(shapes.Make(in.DType(), dims...))
	copyFlat(out.flat, in.flat)
	return ctx.SetOutput(0, out)
}

// shapeKernel emits the dimensions of its input as a 1D int64 tensor, optionally sliced
// by the "start" and "end" attributes (negative values count from the end).
type shapeKernel struct {
	node *ir.Node
}

func newShapeKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 1, 1); err != nil {
		return nil, err
	}
	return &shapeKernel{node: node}, nil
}

func (k *shapeKernel) Compute(ctx *Context) error {
	node := k.node
	in := ctx.Input(0)
	rank := in.Shape().Rank()
	start := int(node.IntAttrOr("start", 0))
	end := rank
	if node.HasAttr("end") {
		end = int(node.IntAttrOr("end", 0))
	}
	if start < 0 {
		start += rank
	}
	if end < 0 {
		end += rank
	}
	start = min(max(start, 0), rank)
	end = min(max(end, 0), rank)
	if end <= start {
		return errors.Errorf("Shape node %q: slice [%d:%d] of a rank %d shape is empty", node.Name(), start, end, rank)
	}

	dims := make([]int64, 0, end-start)
	for _, dim := range in.Shape().Dimensions[start:end] {
		dims = append(dims, int64(dim))
	}
	return ctx.SetOutput(0, BufferFromFlat(dims, len(dims)))
}

// splitKernel slices its input along one axis into as many parts as the node has
// outputs. Part sizes come from the optional second input (a 1D int64 tensor), from the
// "split" attribute, or default to an even division.
type splitKernel struct {
	node *ir.Node
}

func newSplitKernel(node *ir.Node) (Kernel, error) {
	if node.NumInputs() != 1 && node.NumInputs() != 2 {
		return nil, errors.Errorf("Split node %q: expected 1 or 2 inputs, got %d", node.Name(), node.NumInputs())
	}
	if node.Input(0) == "" {
		return nil, errors.Errorf("Split node %q: input #0 is not set", node.Name())
	}
	if node.NumOutputs() == 0 {
		return nil, errors.Errorf("Split node %q: requires at least 1 output", node.Name())
	}
	return &splitKernel{node: node}, nil
}

func (k *splitKernel) splitSizes(ctx *Context, splitDim int) ([]int, error) {
	node := k.node
	numOutputs := ctx.NumOutputs()
	var sizes64 []int64
	if ctx.NumInputs() == 2 && ctx.Input(1) != nil {
		sizesBuf := ctx.Input(1)
		if sizesBuf.DType() != dtypes.Int64 || sizesBuf.Shape().Rank() != 1 {
			return nil, errors.Errorf("Split node %q: split input must be a 1D int64 tensor, got %s", node.Name(), sizesBuf.Shape())
		}
		sizes64 = BufferData[int64](sizesBuf)
	} else if node.HasAttr("split") {
		sizes64 = node.IntsAttrOr("split", nil)
	} else {
		if splitDim%numOutputs != 0 {
			return nil, errors.Errorf("Split node %q: dimension %d not evenly divisible into %d outputs", node.Name(), splitDim, numOutputs)
		}
		sizes := make([]int, numOutputs)
		for i := range sizes {
			sizes[i] = splitDim / numOutputs
		}
		return sizes, nil
	}

	if len(sizes64) != numOutputs {
		return nil, errors.Errorf("Split node %q: %d split sizes for %d outputs", node.Name(), len(sizes64), numOutputs)
	}
	sizes := make([]int, len(sizes64))
	total := 0
	for i, size := range sizes64 {
		if size <= 0 {
			return nil, errors.Errorf("Split node %q: invalid split size %d", node.Name(), size)
		}
		sizes[i] = int(size)
		total += sizes[i]
	}
	if total != splitDim {
		return nil, errors.Errorf("Split node %q: split sizes %v sum to %d, want %d", node.Name(), sizes, total, splitDim)
	}
	return sizes, nil
}

func (k *splitKernel) Compute(ctx *Context) error {
	node := k.node
	in := ctx.Input(0)
	rank := in.Shape().Rank()
	if rank == 0 {
		return errors.Errorf("Split node %q: cannot split a scalar", node.Name())
	}
	axis := int(node.IntAttrOr("axis", 0))
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return errors.Errorf("Split node %q: axis %d out of range for rank %d", node.Name(), node.IntAttrOr("axis", 0), rank)
	}

	dims := in.Shape().Dimensions
	sizes, err := k.splitSizes(ctx, dims[axis])
	if err != nil {
		return err
	}

	outer := dimsProduct(dims[:axis])
	tail := dimsProduct(dims[axis+1:])
	srcV := reflect.ValueOf(in.flat)
	srcInner := dims[axis] * tail
	axisOffset := 0
	for i, size := range sizes {
		outDims := append([]int{}, dims...)
		outDims[axis] = size
		out := NewBuffer(shapes.Make(in.DType(), outDims...))
		dstV := reflect.ValueOf(out.flat)
		inner := size * tail
		for o := range outer {
			src := srcV.Slice(o*srcInner+axisOffset, o*srcInner+axisOffset+inner)
			reflect.Copy(dstV.Slice(o*inner, (o+1)*inner), src)
		}
		axisOffset += inner
		if err := ctx.SetOutput(i, out); err != nil {
			return err
		}
	}
	return nil
}

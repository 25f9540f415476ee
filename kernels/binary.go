// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// This file implements the element-wise binary operators with multidirectional
// (NumPy-style) broadcasting: operand shapes are aligned on their trailing axes, and on
// each axis the dimensions must either match or one of them be 1.
//
// One optimization is specially handling the cases where one of the operands is of size
// 1, in which case the operation becomes almost unary with a constant value.

// binaryImpls maps (op, dtype) to the loop evaluating it over two operand buffers.
var binaryImpls = make(map[implKey]func(lhs, rhs, out *Buffer))

// registerBinaryImpl stores the element-wise function evaluating opType on a pair of T,
// and makes sure the shared binary kernel builder is registered for the op.
func registerBinaryImpl[T dtypes.Supported](opType string, fn func(a, b T) T) {
	key := implKey{opType: opType, dtype: dtypes.FromGenericsType[T]()}
	if _, found := binaryImpls[key]; found {
		exceptions.Panicf("kernels: duplicate binary implementation of %s for %s", key.opType, key.dtype)
	}
	binaryImpls[key] = func(lhs, rhs, out *Buffer) {
		execBinaryGeneric(lhs, rhs, out, fn)
	}
	if _, found := Lookup(opType, ProviderGo); !found {
		Register(opType, ProviderGo, newBinaryKernel)
	}
}

// binaryKernel evaluates an element-wise two-input operator, dispatching on the operand
// dtype. Both operands must share the dtype, which is also the output dtype.
type binaryKernel struct {
	opType string
}

func newBinaryKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 2, 1); err != nil {
		return nil, err
	}
	return &binaryKernel{opType: node.OpType()}, nil
}

func (k *binaryKernel) Compute(ctx *Context) error {
	lhs, rhs := ctx.Input(0), ctx.Input(1)
	if lhs.DType() != rhs.DType() {
		return errors.Errorf("%s node %q: operands have different dtypes %s and %s",
			k.opType, ctx.Node().Name(), lhs.DType(), rhs.DType())
	}
	impl, found := binaryImpls[implKey{opType: k.opType, dtype: lhs.DType()}]
	if !found {
		return errors.Errorf("unsupported data type %s for %s", lhs.DType(), k.opType)
	}
	dims, err := broadcastedDimensions(lhs.Shape().Dimensions, rhs.Shape().Dimensions)
	if err != nil {
		return errors.WithMessagef(err, "%s node %q", k.opType, ctx.Node().Name())
	}
	out := NewBuffer(shapes.Make(lhs.DType(), dims...))
	impl(lhs, rhs, out)
	return ctx.SetOutput(0, out)
}

// broadcastedDimensions returns the output dimensions of broadcasting the two operand
// shapes together, or an error if they are incompatible.
func broadcastedDimensions(lhsDims, rhsDims []int) ([]int, error) {
	rank := max(len(lhsDims), len(rhsDims))
	lhsDims = expandRank(lhsDims, rank)
	rhsDims = expandRank(rhsDims, rank)
	dims := make([]int, rank)
	for axis := range dims {
		lhsDim, rhsDim := lhsDims[axis], rhsDims[axis]
		if lhsDim != rhsDim && lhsDim != 1 && rhsDim != 1 {
			return nil, errors.Errorf("dimensions %v and %v cannot be broadcast together (axis %d)", lhsDims, rhsDims, axis)
		}
		dims[axis] = max(lhsDim, rhsDim)
	}
	return dims, nil
}

// expandRank prepends axes of dimension 1 until dims reaches the given rank.
func expandRank(dims []int, rank int) []int {
	if len(dims) == rank {
		return dims
	}
	expanded := make([]int, rank)
	for axis := range expanded {
		expanded[axis] = 1
	}
	copy(expanded[rank-len(dims):], dims)
	return expanded
}

// broadcastIterator allows one to iterate over the flat indices of a tensor that is being
// broadcast: some of its dimensions of size 1 grow to the target dimensions.
//
// The operand dimensions must already be rank-expanded to len(targetDims).
type broadcastIterator struct {
	flatIdx     int
	perAxesIdx  []int
	targetDims  []int
	isBroadcast []bool
	strides     []int
}

func newBroadcastIterator(operandDims, targetDims []int) *broadcastIterator {
	rank := len(targetDims)
	if len(operandDims) != rank {
		exceptions.Panicf("broadcastIterator: rank mismatch, operand dims %v vs target dims %v", operandDims, targetDims)
	}
	bi := &broadcastIterator{
		perAxesIdx:  make([]int, rank),
		targetDims:  targetDims,
		isBroadcast: make([]bool, rank),
		strides:     make([]int, rank),
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		bi.strides[axis] = stride
		stride *= operandDims[axis]
		bi.isBroadcast[axis] = operandDims[axis] != targetDims[axis]
	}
	return bi
}

func (bi *broadcastIterator) Next() (flatIdx int) {
	flatIdx = bi.flatIdx
	bi.flatIdx++
	rank := len(bi.perAxesIdx)
	for axis := rank - 1; axis >= 0; axis-- {
		bi.perAxesIdx[axis]++
		if bi.perAxesIdx[axis] < bi.targetDims[axis] {
			if bi.isBroadcast[axis] {
				// Broadcasting on this axis: go back and repeat the same slice of the tensor.
				bi.flatIdx -= bi.strides[axis]
			}
			break
		}
		bi.perAxesIdx[axis] = 0
	}
	return
}

func execBinaryGeneric[T dtypes.Supported](lhs, rhs, out *Buffer, fn func(a, b T) T) {
	lhsFlat := BufferData[T](lhs)
	rhsFlat := BufferData[T](rhs)
	outFlat := BufferData[T](out)
	switch {
	case len(lhsFlat) == len(outFlat) && len(rhsFlat) == len(outFlat):
		for i, a := range lhsFlat {
			outFlat[i] = fn(a, rhsFlat[i])
		}
	case len(lhsFlat) == 1:
		a := lhsFlat[0]
		for i, b := range rhsFlat {
			outFlat[i] = fn(a, b)
		}
	case len(rhsFlat) == 1:
		b := rhsFlat[0]
		for i, a := range lhsFlat {
			outFlat[i] = fn(a, b)
		}
	default:
		rank := len(out.Shape().Dimensions)
		lhsIter := newBroadcastIterator(expandRank(lhs.Shape().Dimensions, rank), out.Shape().Dimensions)
		rhsIter := newBroadcastIterator(expandRank(rhs.Shape().Dimensions, rank), out.Shape().Dimensions)
		for i := range outFlat {
			outFlat[i] = fn(lhsFlat[lhsIter.Next()], rhsFlat[rhsIter.Next()])
		}
	}
}

func init() {
	registerBinaryNumericOps[int8]()
	registerBinaryNumericOps[int16]()
	registerBinaryNumericOps[int32]()
	registerBinaryNumericOps[int64]()
	registerBinaryNumericOps[uint8]()
	registerBinaryNumericOps[uint16]()
	registerBinaryNumericOps[uint32]()
	registerBinaryNumericOps[uint64]()
	registerBinaryNumericOps[float32]()
	registerBinaryNumericOps[float64]()
	registerBinaryPowInt[int8]()
	registerBinaryPowInt[int16]()
	registerBinaryPowInt[int32]()
	registerBinaryPowInt[int64]()
	registerBinaryPowInt[uint8]()
	registerBinaryPowInt[uint16]()
	registerBinaryPowInt[uint32]()
	registerBinaryPowInt[uint64]()
	registerBinaryPowFloat[float32]()
	registerBinaryPowFloat[float64]()
	registerBinaryFloat16Ops()
}

func registerBinaryNumericOps[T PODNumericConstraints]() {
	registerBinaryImpl[T]("Add", func(a, b T) T { return a + b })
	registerBinaryImpl[T]("Sub", func(a, b T) T { return a - b })
	registerBinaryImpl[T]("Mul", func(a, b T) T { return a * b })
	registerBinaryImpl[T]("Div", func(a, b T) T { return a / b })
	registerBinaryImpl[T]("Min", func(a, b T) T { return min(a, b) })
	registerBinaryImpl[T]("Max", func(a, b T) T { return max(a, b) })
}

// execScalarPowIntGeneric is a O(num of bits) Pow(base, exp) implementation for integers.
// Negative exponents truncate to 0, so the result is 1 (exp == 0) semantics.
func execScalarPowIntGeneric[T PODIntegerConstraints](base, exp T) T {
	result := T(1)
	for exp > 0 {
		if exp%2 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1 // exp /= 2
	}
	return result
}

func registerBinaryPowInt[T PODIntegerConstraints]() {
	registerBinaryImpl[T]("Pow", execScalarPowIntGeneric[T])
}

func registerBinaryPowFloat[T PODFloatConstraints]() {
	registerBinaryImpl[T]("Pow", func(a, b T) T { return T(math.Pow(float64(a), float64(b))) })
}

func registerBinaryFloat16Ops() {
	for opType, fn := range map[string]func(a, b float32) float32{
		"Add": func(a, b float32) float32 { return a + b },
		"Sub": func(a, b float32) float32 { return a - b },
		"Mul": func(a, b float32) float32 { return a * b },
		"Div": func(a, b float32) float32 { return a / b },
		"Min": func(a, b float32) float32 { return min(a, b) },
		"Max": func(a, b float32) float32 { return max(a, b) },
		"Pow": func(a, b float32) float32 { return float32(math.Pow(float64(a), float64(b))) },
	} {
		registerBinaryImpl[float16.Float16](opType, float16Binary(fn))
		registerBinaryImpl[bfloat16.BFloat16](opType, bfloat16Binary(fn))
	}
}

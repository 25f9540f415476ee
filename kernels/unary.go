// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// implKey identifies one dtype-specialized implementation of an operator.
type implKey struct {
	opType string
	dtype  dtypes.DType
}

// unaryImpls maps (op, dtype) to the element-wise loop evaluating it. Entries are added
// at initialization by the registerUnary* functions and never mutated afterwards.
var unaryImpls = make(map[implKey]func(in, out *Buffer))

// registerUnaryImpl stores the element-wise function evaluating opType on T, and makes
// sure the shared unary kernel builder is registered for the op.
func registerUnaryImpl[T dtypes.Supported](opType string, fn func(T) T) {
	key := implKey{opType: opType, dtype: dtypes.FromGenericsType[T]()}
	if _, found := unaryImpls[key]; found {
		exceptions.Panicf("kernels: duplicate unary implementation of %s for %s", key.opType, key.dtype)
	}
	unaryImpls[key] = func(in, out *Buffer) {
		inFlat := BufferData[T](in)
		outFlat := BufferData[T](out)
		for i, v := range inFlat {
			outFlat[i] = fn(v)
		}
	}
	if _, found := Lookup(opType, ProviderGo); !found {
		Register(opType, ProviderGo, newUnaryKernel)
	}
}

// unaryKernel evaluates an element-wise single-input operator, dispatching on the input
// buffer's dtype.
type unaryKernel struct {
	opType string
}

func newUnaryKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 1, 1); err != nil {
		return nil, err
	}
	return &unaryKernel{opType: node.OpType()}, nil
}

func (k *unaryKernel) Compute(ctx *Context) error {
	in := ctx.Input(0)
	impl, found := unaryImpls[implKey{opType: k.opType, dtype: in.DType()}]
	if !found {
		return errors.Errorf("unsupported data type %s for %s", in.DType(), k.opType)
	}
	out := NewBuffer(in.Shape())
	impl(in, out)
	return ctx.SetOutput(0, out)
}

func init() {
	registerUnarySignedOps[int8]()
	registerUnarySignedOps[int16]()
	registerUnarySignedOps[int32]()
	registerUnarySignedOps[int64]()
	registerUnaryUnsignedOps[uint8]()
	registerUnaryUnsignedOps[uint16]()
	registerUnaryUnsignedOps[uint32]()
	registerUnaryUnsignedOps[uint64]()
	registerUnarySignedOps[float32]()
	registerUnarySignedOps[float64]()
	registerUnaryFloatOps[float32]()
	registerUnaryFloatOps[float64]()
	registerUnaryFloat16Ops()
	registerUnaryImpl[bool]("Identity", func(v bool) bool { return v })
}

func registerUnarySignedOps[T PODSignedConstraints]() {
	registerUnaryImpl[T]("Identity", func(v T) T { return v })
	registerUnaryImpl[T]("Neg", func(v T) T { return -v })
	registerUnaryImpl[T]("Abs", func(v T) T {
		if v < 0 {
			return -v
		}
		return v
	})
	registerUnaryImpl[T]("Relu", func(v T) T {
		if v < 0 {
			return 0
		}
		return v
	})
}

// registerUnaryUnsignedOps registers the ops that are defined but trivial on unsigned
// integers. Neg is left out: it has no meaning without a sign.
func registerUnaryUnsignedOps[T PODUnsignedConstraints]() {
	registerUnaryImpl[T]("Identity", func(v T) T { return v })
	registerUnaryImpl[T]("Abs", func(v T) T { return v })
	registerUnaryImpl[T]("Relu", func(v T) T { return v })
}

// unaryFloatFns are the float-only operators, defined on float64 and instantiated per
// float dtype.
var unaryFloatFns = map[string]func(float64) float64{
	"Sqrt":  math.Sqrt,
	"Exp":   math.Exp,
	"Log":   math.Log,
	"Ceil":  math.Ceil,
	"Floor": math.Floor,
}

func registerUnaryFloatOps[T PODFloatConstraints]() {
	for opType, fn := range unaryFloatFns {
		registerUnaryImpl[T](opType, func(v T) T { return T(fn(float64(v))) })
	}
}

func negF32(v float32) float32 { return -v }

func absF32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func reluF32(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}

func registerUnaryFloat16Ops() {
	registerUnaryImpl[float16.Float16]("Identity", func(v float16.Float16) float16.Float16 { return v })
	registerUnaryImpl[float16.Float16]("Neg", float16Unary(negF32))
	registerUnaryImpl[float16.Float16]("Abs", float16Unary(absF32))
	registerUnaryImpl[float16.Float16]("Relu", float16Unary(reluF32))
	registerUnaryImpl[bfloat16.BFloat16]("Identity", func(v bfloat16.BFloat16) bfloat16.BFloat16 { return v })
	registerUnaryImpl[bfloat16.BFloat16]("Neg", bfloat16Unary(negF32))
	registerUnaryImpl[bfloat16.BFloat16]("Abs", bfloat16Unary(absF32))
	registerUnaryImpl[bfloat16.BFloat16]("Relu", bfloat16Unary(reluF32))
	for opType, fn := range unaryFloatFns {
		fn32 := func(v float32) float32 { return float32(fn(float64(v))) }
		registerUnaryImpl[float16.Float16](opType, float16Unary(fn32))
		registerUnaryImpl[bfloat16.BFloat16](opType, bfloat16Unary(fn32))
	}
}

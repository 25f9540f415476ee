// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math/rand"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Generator operators: nodes with no data inputs (or only a shape template input) that
// produce values out of attributes. The random generators are what makes an op exclusion
// list necessary in folding passes: evaluating them at rewrite time would freeze one
// arbitrary draw into the graph.

func init() {
	Register("Constant", ProviderGo, newConstantKernel)
	Register("RandomUniform", ProviderGo, newRandomKernel)
	Register("RandomNormal", ProviderGo, newRandomKernel)
	Register("RandomUniformLike", ProviderGo, newRandomKernel)
	Register("RandomNormalLike", ProviderGo, newRandomKernel)
}

// constantKernel emits the tensor stored in the node's "value" attribute.
type constantKernel struct {
	value *tensors.Tensor
}

func newConstantKernel(node *ir.Node) (Kernel, error) {
	if err := requireInsOuts(node, 0, 1); err != nil {
		return nil, err
	}
	value := node.TensorAttr("value")
	if value == nil {
		return nil, errors.Errorf(`Constant node %q: missing required attribute "value"`, node.Name())
	}
	return &constantKernel{value: value}, nil
}

func (k *constantKernel) Compute(ctx *Context) error {
	out := NewBuffer(k.value.Shape())
	k.value.ConstFlatData(func(flat any) {
		copyFlat(out.flat, flat)
	})
	return ctx.SetOutput(0, out)
}

// randomKernel covers RandomUniform, RandomNormal and their *Like variants, which take
// the output shape and dtype from their input instead of attributes.
type randomKernel struct {
	node   *ir.Node
	normal bool
	like   bool
}

func newRandomKernel(node *ir.Node) (Kernel, error) {
	k := &randomKernel{node: node}
	switch node.OpType() {
	case "RandomUniform":
	case "RandomNormal":
		k.normal = true
	case "RandomUniformLike":
		k.like = true
	case "RandomNormalLike":
		k.normal, k.like = true, true
	default:
		return nil, errors.Errorf("random kernel cannot evaluate op %s", node.OpType())
	}
	numInputs := 0
	if k.like {
		numInputs = 1
	}
	if err := requireInsOuts(node, numInputs, 1); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *randomKernel) Compute(ctx *Context) error {
	node := k.node
	dtype := dtypes.Float32
	var dims []int
	if k.like {
		in := ctx.Input(0)
		dtype = in.DType()
		dims = in.Shape().Dimensions
	} else {
		shapeAttr := node.IntsAttrOr("shape", nil)
		if len(shapeAttr) == 0 {
			return errors.Errorf(`%s node %q: missing required attribute "shape"`, node.OpType(), node.Name())
		}
		dims = make([]int, len(shapeAttr))
		for axis, dim := range shapeAttr {
			dims[axis] = int(dim)
		}
	}
	if node.HasAttr("dtype") {
		dtype = dtypes.DType(node.IntAttrOr("dtype", int64(dtypes.Float32)))
	}
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
	default:
		return errors.Errorf("unsupported data type %s for %s", dtype, node.OpType())
	}
	for axis, dim := range dims {
		if dim <= 0 {
			return errors.Errorf("%s node %q: invalid dimension %d for axis %d", node.OpType(), node.Name(), dim, axis)
		}
	}

	rng := newNodeRand(node)
	var sample func() float64
	if k.normal {
		mean := node.FloatAttrOr("mean", 0)
		scale := node.FloatAttrOr("scale", 1)
		sample = func() float64 { return rng.NormFloat64()*scale + mean }
	} else {
		low := node.FloatAttrOr("low", 0)
		high := node.FloatAttrOr("high", 1)
		sample = func() float64 { return low + rng.Float64()*(high-low) }
	}

	out := NewBuffer(shapes.Make(dtype, dims...))
	fillFloats(out, sample)
	return ctx.SetOutput(0, out)
}

// newNodeRand builds the generator for one evaluation of node: seeded from the "seed"
// attribute when present, for reproducible draws, otherwise from the wall clock.
func newNodeRand(node *ir.Node) *rand.Rand {
	if node.HasAttr("seed") {
		return rand.New(rand.NewSource(int64(node.FloatAttrOr("seed", 0))))
	}
	return rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
}

// fillFloats fills the buffer with consecutive draws of sample, converted to the
// buffer's float dtype. The dtype must have been validated by the caller.
func fillFloats(out *Buffer, sample func() float64) {
	switch out.DType() {
	case dtypes.Float64:
		flat := BufferData[float64](out)
		for i := range flat {
			flat[i] = sample()
		}
	case dtypes.Float32:
		flat := BufferData[float32](out)
		for i := range flat {
			flat[i] = float32(sample())
		}
	case dtypes.Float16:
		flat := BufferData[float16.Float16](out)
		for i := range flat {
			flat[i] = float16.Fromfloat32(float32(sample()))
		}
	case dtypes.BFloat16:
		flat := BufferData[bfloat16.BFloat16](out)
		for i := range flat {
			flat[i] = bfloat16.FromFloat32(float32(sample()))
		}
	default:
		exceptions.Panicf("fillFloats: unexpected dtype %s", out.DType())
	}
}

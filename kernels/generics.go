// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// PODNumericConstraints are the "plain-old-data" numeric types natively supported by Go,
// for which generic kernel implementations are instantiated directly.
type PODNumericConstraints interface {
	constraints.Integer | constraints.Float
}

// PODIntegerConstraints enumerate the Go native integer types with kernel support.
type PODIntegerConstraints interface {
	constraints.Integer
}

// PODSignedConstraints enumerate the Go native types with a sign, integer or float.
type PODSignedConstraints interface {
	constraints.Signed | constraints.Float
}

// PODUnsignedConstraints enumerate the Go native unsigned integer types with kernel
// support.
type PODUnsignedConstraints interface {
	constraints.Unsigned
}

// PODFloatConstraints enumerate the Go native float types with kernel support.
type PODFloatConstraints interface {
	constraints.Float
}

// float16Unary converts a float32 function into its float16 version, converting the input
// and output values.
func float16Unary(fn func(float32) float32) func(float16.Float16) float16.Float16 {
	return func(v float16.Float16) float16.Float16 {
		return float16.Fromfloat32(fn(v.Float32()))
	}
}

// bfloat16Unary converts a float32 function into its bfloat16 version, converting the
// input and output values.
func bfloat16Unary(fn func(float32) float32) func(bfloat16.BFloat16) bfloat16.BFloat16 {
	return func(v bfloat16.BFloat16) bfloat16.BFloat16 {
		return bfloat16.FromFloat32(fn(v.Float32()))
	}
}

// float16Binary converts a float32 binary function into its float16 version.
func float16Binary(fn func(a, b float32) float32) func(a, b float16.Float16) float16.Float16 {
	return func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(fn(a.Float32(), b.Float32()))
	}
}

// bfloat16Binary converts a float32 binary function into its bfloat16 version.
func bfloat16Binary(fn func(a, b float32) float32) func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
	return func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
		return bfloat16.FromFloat32(fn(a.Float32(), b.Float32()))
	}
}

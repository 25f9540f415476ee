// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gomir/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer holds one concrete tensor value during the evaluation of a node: a shape and the
// flat (1D) slice of the Go type corresponding to the shape's dtype.
//
// Buffers are short-lived: they exist only inside a Frame, for the duration of one node's
// evaluation. Input buffers may share storage with the tensors they were created from and
// must be treated as read-only; kernels allocate fresh buffers for their outputs.
type Buffer struct {
	shape shapes.Shape

	// flat is a slice of shape.DType.GoType(), of shape.Size() elements.
	flat any
}

// NewBuffer creates a buffer of the given shape with zero-valued, newly allocated storage.
// It panics on an invalid shape.
func NewBuffer(shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		exceptions.Panicf("kernels.NewBuffer: invalid shape %s", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Buffer{shape: shape.Clone(), flat: flatV.Interface()}
}

// BufferFromFlat creates a buffer with the given dimensions, copying the flattened values
// from data. The dtype is inferred from the data type. It panics if the data length does
// not match the dimensions.
func BufferFromFlat[T dtypes.Supported](data []T, dimensions ...int) *Buffer {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("kernels.BufferFromFlat(%s): got %d values, shape requires %d", shape, len(data), shape.Size())
	}
	b := NewBuffer(shape)
	copy(b.flat.([]T), data)
	return b
}

// BufferFromScalar creates a scalar buffer holding the given value.
func BufferFromScalar[T dtypes.Supported](value T) *Buffer {
	return BufferFromFlat([]T{value})
}

// BufferFromTensor creates a buffer viewing the tensor's storage, without copying.
//
// The buffer shares the tensor's flat data: it must only be read, and it must not outlive
// the tensor. This is how constant initializers are fed to kernels without duplicating
// their payload on every evaluation.
func BufferFromTensor(t *tensors.Tensor) *Buffer {
	t.AssertValid()
	var flat any
	t.ConstFlatData(func(f any) { flat = f })
	return &Buffer{shape: t.Shape(), flat: flat}
}

// Shape of the buffer, including its dtype.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer's elements.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Size returns the number of elements in the buffer.
func (b *Buffer) Size() int { return b.shape.Size() }

// Ok returns whether the buffer is valid: not nil, valid shape and allocated storage.
func (b *Buffer) Ok() bool {
	return b != nil && b.shape.Ok() && b.flat != nil
}

// Flat returns the buffer's flat data as a slice of the Go type corresponding to the
// dtype. The slice is the buffer's actual storage, not a copy.
func (b *Buffer) Flat() any { return b.flat }

// BufferData returns the buffer's flat data as a []T. It is the generics version of
// Buffer.Flat and panics if T does not correspond to the buffer's dtype.
func BufferData[T dtypes.Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("kernels.BufferData[%T] is incompatible with buffer dtype %s", v, b.shape.DType)
	}
	return flat
}

// Bytes returns a view of the buffer's storage as raw bytes, in flat row-major order.
// The view aliases the buffer's storage and is only valid while the buffer is alive.
func (b *Buffer) Bytes() []byte {
	flatV := reflect.ValueOf(b.flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	ptr := (*byte)(element0.Addr().UnsafePointer())
	return unsafe.Slice(ptr, uintptr(flatV.Len())*element0.Type().Size())
}

// Tensor copies the buffer out into a newly allocated tensor with the same shape and a
// byte-identical payload.
func (b *Buffer) Tensor() *tensors.Tensor {
	if !b.Ok() {
		exceptions.Panicf("kernels.Buffer.Tensor: invalid buffer")
	}
	t := tensors.FromShape(b.shape.Clone())
	t.MutableFlatData(func(flat any) {
		copyFlat(flat, b.flat)
	})
	return t
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if !b.Ok() {
		return "Buffer(invalid)"
	}
	return fmt.Sprintf("Buffer(%s)", b.shape)
}

// copyFlat copies between flat slices of the same underlying element type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat (1D) slice
// of the Go type corresponding to the DType.
//
// The main use of tensors in gomir is as the value of constant initializers in an ir.Graph, and as the values
// computed when evaluating nodes.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T dtypes.Supported](value T): creates a scalar Tensor with the value given.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromRawData(shape shapes.Shape, rawData []byte): creates a Tensor with the given shape and contents
//     given as raw bytes, the same layout used by Tensor.ConstBytes.
//
// Access to the data is done via accessor callbacks (ConstFlatData, MutableFlatData, ConstBytes and
// MutableBytes), during which the Tensor is locked.
package tensors

import (
	"encoding/gob"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gomir/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by its shape -- a data type (dtypes.DType) and its axes' dimensions -- and its content, stored as a
// flat (1D) slice of the corresponding Go type.
//
// Tensors are mutable through MutableFlatData and MutableBytes, but most uses in gomir treat them as
// immutable constants once attached to a graph.
type Tensor struct {
	// shape of the tensor, considered immutable.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat holds the data, a slice of the Go type for the shape's dtype.
	flat any
}

// newTensor returns a Tensor object initialized only with the shape, no storage yet.
func newTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t = newTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), t.Size(), t.Size())
	t.flat = flatV.Interface()
	return
}

// FromScalar creates a scalar tensor with the given value.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) (t *Tensor) {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t = FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	t = FromShape(shape)
	var dummy T
	switch any(dummy).(type) {
	case int:
		// The underlying tensor data could be int32 or int64 depending on the type int for the platform.
		// In this case we just copy the bytes.
		t.MutableBytes(func(tensorData []byte) {
			dataAsBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
			if len(dataAsBytes) != len(tensorData) {
				exceptions.Panicf("FromFlatDataAndDimensions for type int: data has %d bytes (%d elements), but corresponding tensor has %d bytes",
					len(dataAsBytes), len(data), len(tensorData))
			}
			copy(tensorData, dataAsBytes)
		})
	default:
		MutableFlatData(t, func(flat []T) {
			copy(flat, data)
		})
	}
	return
}

// FromRawData creates a tensor with the given shape, with the contents copied from rawData, which must
// be the byte representation of the flat values, as given by Tensor.ConstBytes.
// It panics if the size of rawData doesn't match the shape's memory size.
func FromRawData(shape shapes.Shape, rawData []byte) (t *Tensor) {
	if uintptr(len(rawData)) != shape.Memory() {
		exceptions.Panicf("FromRawData(%s): got %d bytes, shape requires %d bytes", shape, len(rawData), shape.Memory())
	}
	t = FromShape(shape)
	t.MutableBytes(func(data []byte) {
		copy(data, rawData)
	})
	return
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
// It is a shortcut to `Tensor.Shape().IsScalar()`.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
// It is a shortcut to `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, its shape is valid and it holds data.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if t is nil, if its shape is invalid or if its data has been released.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor holds no data"))
	}
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType.
// Even scalar values have a flattened data representation of one element.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy); it's owned by the Tensor and should not
// be changed. See Tensor.MutableFlatData to access a mutable version of the flat data.
//
// See Tensor.Size for the number of elements, and Tensor.LayoutStrides to calculate the offset of individual
// positions, given the indices at each axis.
//
// It panics if the tensor is in an invalid state.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType.
// Even scalar values have a flattened data representation of one element.
// It locks the Tensor until accessFn returns.
//
// It is the "generics" version of Tensor.ConstFlatData(), and panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		flat := anyFlat.([]T)
		accessFn(flat)
	})
}

// ConstBytes calls accessFn with the data as a bytes slice.
// Even scalar values have a bytes data representation of one element.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy); it's owned by the Tensor and should not
// be changed. See Tensor.MutableBytes to access a mutable version of the data as bytes.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The type of the slice
// corresponds to the DType of the tensor. The contents of the slice itself can be changed until accessFn
// returns. During this time the Tensor is locked.
//
// Even scalar values have a flattened data representation of one element.
//
// See Tensor.ConstFlatData for read-only access to the flat data.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableBytes gives mutable access to the storage of the values for the tensor.
// It's similar to MutableFlatData, but provides a bytes view to the same data.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

// flatToBytes creates an (unsafe) bytes view to the data underlying the flat slice.
func flatToBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents of the slice
// can be changed until accessFn returns. During this time the Tensor is locked.
//
// It is the "generics" version of Tensor.MutableFlatData(), and panics if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		flat := anyFlat.([]T)
		accessFn(flat)
	})
}

// AssignFlatData will copy over the values in fromFlat to the storage used by toTensor.
// If the dtypes are not compatible or if the size is wrong, it will panic.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor, or if the tensor
// is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ToScalar[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	var value T
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = xslices.Copy(flat)
	})
	return flatCopy
}

// LayoutStrides return the strides for each axis. This can be handy when manipulating the flat data.
func (t *Tensor) LayoutStrides() (strides []int) {
	rank := t.shape.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= t.shape.Dimensions[axis]
	}
	return
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = newTensor(t.shape.Clone())
		flatV := reflect.ValueOf(flat)
		size := flatV.Len()
		cloneFlatV := reflect.MakeSlice(flatV.Type(), size, size)
		reflect.Copy(cloneFlatV, flatV)
		clone.flat = cloneFlatV.Interface()
	})
	return clone
}

// Equal checks whether t == otherTensor.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
// If either are invalid (nil) it panics.
//
// Slow implementation: fine for small tensors, but write something specialized for the DType if speed is desired.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()

	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			t0V := reflect.ValueOf(flat0)
			t1V := reflect.ValueOf(flat1)
			if t0V.Len() != t1V.Len() {
				equal = false
				return
			}
			for ii := range t0V.Len() {
				if !t0V.Index(ii).Equal(t1V.Index(ii)) {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// InDelta checks whether Abs(t - otherTensor) < delta for every element.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
// If either are invalid (nil) it panics.
//
// Slow implementation: fine for small tensors, but write something specialized for the DType if speed is desired.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()

	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	inDelta := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			inDelta = xslices.SlicesInDelta(flat0, flat1, delta)
		})
	})
	return inDelta
}

// MaxSizeForString is the largest Tensor size that is actually returned by String() if requested.
var MaxSizeForString = 500

// String converts to string, if not too large.
func (t *Tensor) String() string {
	if t == nil || !t.Ok() {
		return "Tensor(invalid)"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("Tensor(%s): too large to print", t.shape)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: ", t.shape)
	t.ConstFlatData(func(flat any) {
		fmt.Fprintf(&sb, "%v", flat)
	})
	return sb.String()
}

// GobSerialize Tensor in binary format.
//
// It returns an error for I/O errors.
// It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write Tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the decoder.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape data")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	// Build new tensor from scratch, using the data returned by the decoder (to avoid a copy).
	t = newTensor(shape)
	t.flat = flatPtrV.Elem().Interface()
	return
}

// Save the tensor to the given file path.
//
// It returns an error for I/O errors.
// It may panic if the tensor is invalid.
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	var f *os.File
	f, err = os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save tensor", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		err = errors.WithMessagef(err, "saving Tensor to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
		return
	}
	return
}

// Load a tensor from the file path given.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to load Tensor", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		err = errors.WithMessagef(err, "loading Tensor from %q", filePath)
		return
	}
	_ = f.Close()
	return
}

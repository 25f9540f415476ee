package tensors

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomir/types/shapes"
	"github.com/gomlx/gomir/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, uintptr(6*4), tensor.Memory())
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0}, CopyFlatData[float32](tensor))

	require.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromScalarAndDimensions(t *testing.T) {
	scalar := FromScalar(float32(1.5))
	require.True(t, scalar.IsScalar())
	require.Equal(t, float32(1.5), ToScalar[float32](scalar))

	filled := FromScalarAndDimensions(int32(7), 2, 2)
	require.Equal(t, []int32{7, 7, 7, 7}, CopyFlatData[int32](filled))

	bf16 := FromScalar(bfloat16.FromFloat32(2.0))
	require.Equal(t, dtypes.BFloat16, bf16.DType())
	require.Equal(t, float32(2.0), ToScalar[bfloat16.BFloat16](bf16).Float32())
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 3, 2)))
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, CopyFlatData[float64](tensor))

	// Go int maps to Int64, data is copied byte-wise.
	asInt := FromFlatDataAndDimensions([]int{1, 2, 3}, 3)
	require.Equal(t, dtypes.Int64, asInt.DType())
	require.Equal(t, []int64{1, 2, 3}, CopyFlatData[int64](asInt))

	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
}

func TestFromRawData(t *testing.T) {
	original := FromFlatDataAndDimensions([]int16{-1, 0, 1, 32767}, 2, 2)
	var raw []byte
	original.ConstBytes(func(data []byte) {
		raw = append(raw, data...)
	})
	require.Equal(t, int(original.Memory()), len(raw))

	recovered := FromRawData(original.Shape(), raw)
	require.True(t, original.Equal(recovered))

	require.Panics(t, func() { FromRawData(shapes.Make(dtypes.Int16, 3), raw) })
}

func TestAccessors(t *testing.T) {
	tensor := FromFlatDataAndDimensions(xslices.Iota(float32(0), 6), 2, 3)

	// Generic accessor with the wrong dtype panics.
	require.Panics(t, func() {
		ConstFlatData(tensor, func(flat []float64) {})
	})

	// Mutations are visible in later accesses.
	MutableFlatData(tensor, func(flat []float32) {
		flat[0] = 100
	})
	require.Equal(t, []float32{100, 1, 2, 3, 4, 5}, CopyFlatData[float32](tensor))

	AssignFlatData(tensor, []float32{5, 4, 3, 2, 1, 0})
	require.Equal(t, []float32{5, 4, 3, 2, 1, 0}, CopyFlatData[float32](tensor))
	require.Panics(t, func() { AssignFlatData(tensor, []float32{1, 2}) })

	// ToScalar only works for scalar shapes.
	require.Panics(t, func() { ToScalar[float32](tensor) })

	require.Equal(t, []int{3, 1}, tensor.LayoutStrides())
	require.Empty(t, FromScalar(int8(1)).LayoutStrides())
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	c := FromFlatDataAndDimensions([]float32{1, 2, 3, 5}, 2, 2)
	d := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)

	require.True(t, a.Equal(a))
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(d))

	require.True(t, a.InDelta(c, 1.1))
	require.False(t, a.InDelta(c, 0.5))
}

func TestClone(t *testing.T) {
	original := FromFlatDataAndDimensions([]uint8{1, 2, 3}, 3)
	clone := original.Clone()
	require.True(t, original.Equal(clone))
	MutableFlatData(clone, func(flat []uint8) {
		flat[0] = 42
	})
	require.Equal(t, []uint8{1, 2, 3}, CopyFlatData[uint8](original))
	require.Equal(t, []uint8{42, 2, 3}, CopyFlatData[uint8](clone))
}

func TestGobSerialization(t *testing.T) {
	original := FromFlatDataAndDimensions([]float64{3.14, 2.71}, 2)
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	require.NoError(t, original.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	recovered, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, original.Equal(recovered))
}

func TestSaveAndLoad(t *testing.T) {
	original := FromFlatDataAndDimensions(xslices.Iota(int32(10), 6), 2, 3)
	filePath := filepath.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, original.Save(filePath))
	recovered, err := Load(filePath)
	require.NoError(t, err)
	require.True(t, original.Equal(recovered))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func TestString(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, "(Int32)[2 2]: [1 2 3 4]", tensor.String())

	big := FromShape(shapes.Make(dtypes.Float32, 100, 100))
	assert.Contains(t, big.String(), "too large")
}

/*
 *	Copyright 2024 The GoTensor Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMake(t *testing.T) {
	s := Make(Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, int64(24), s.Memory())
	assert.Equal(t, "float32[2 3]", s.String())
	assert.True(t, s.Ok())
	assert.False(t, s.IsScalar())

	require.Panics(t, func() { Make(Float32, 2, 0) })
	require.Panics(t, func() { Make(Int32, -1) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float64]()
	assert.True(t, s.IsScalar())
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "float64", s.String())
	assert.Equal(t, int64(8), s.Memory())
}

func TestInvalid(t *testing.T) {
	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
	assert.Equal(t, "invalid", Invalid().String())
}

func TestEqual(t *testing.T) {
	a := Make(Float32, 2, 3)
	assert.True(t, a.Equal(Make(Float32, 2, 3)))
	assert.False(t, a.Equal(Make(Float32, 3, 2)))
	assert.False(t, a.Equal(Make(Float64, 2, 3)))
	assert.True(t, a.EqualDimensions(Make(Float64, 2, 3)))

	clone := a.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dimensions[0])
}

func TestStringShapeMemory(t *testing.T) {
	// String storage is only known at write time.
	assert.Equal(t, int64(0), Make(String, 10).Memory())
	assert.Equal(t, -1, String.Size())
}

func TestDType(t *testing.T) {
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Complex64.Size())
	assert.Equal(t, 16, Complex128.Size())

	assert.True(t, Complex64.IsComplex())
	assert.False(t, Float32.IsComplex())
	assert.Equal(t, Float32, Complex64.ComponentDType())
	assert.Equal(t, Float64, Complex128.ComponentDType())
	require.Panics(t, func() { Float32.ComponentDType() })

	assert.True(t, Float16.IsFloat())
	assert.True(t, Uint64.IsInt())
	assert.False(t, Bool.IsInt())

	assert.False(t, InvalidDType.Ok())
	assert.True(t, String.Ok())
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, String, FromGenericsType[string]())
	assert.Equal(t, Complex128, FromGenericsType[complex128]())

	for dtype := Bool; dtype <= String; dtype++ {
		assert.Equal(t, dtype, FromGoType(dtype.GoType()))
	}
}

func TestFilledSlice(t *testing.T) {
	assert.Equal(t, []float32{2.5, 2.5, 2.5}, FilledSlice(Float32, 3, 2.5))
	assert.Equal(t, []int8{-1, -1}, FilledSlice(Int8, 2, -1))
	assert.Equal(t, []bool{true, true}, FilledSlice(Bool, 2, 1))
	assert.Equal(t, []bool{false}, FilledSlice(Bool, 1, 0))
	assert.Equal(t, []complex64{complex(3, 0)}, FilledSlice(Complex64, 1, 3))

	f16 := FilledSlice(Float16, 2, 1.5).([]float16.Float16)
	assert.Equal(t, float32(1.5), f16[0].Float32())

	require.Panics(t, func() { FilledSlice(String, 1, 0) })
}

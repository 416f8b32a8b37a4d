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
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DType indicates the type of the unit element of a Tensor.
//
// Go float16 support uses the github.com/x448/float16 implementation.
// The String dtype is special: its elements are arbitrary byte sequences and
// their storage size is only known once the values are written to a backend.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
	String
)

var dtypeNames = [...]string{
	"invalid", "bool", "int8", "int16", "int32", "int64",
	"uint8", "uint16", "uint32", "uint64",
	"float16", "float32", "float64", "complex64", "complex128", "string",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "invalid"
	}
	return dtypeNames[dtype]
}

// Size returns the number of bytes of one element of the given DType.
// It returns -1 for String, whose element size is value-dependent.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	case String:
		return -1
	}
	exceptions.Panicf("DType.Size: invalid dtype %d", int32(dtype))
	return -1
}

// IsComplex returns whether dtype is Complex64 or Complex128.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// IsFloat returns whether dtype is one of the float types, including Float16.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is one of the signed or unsigned integer types.
func (dtype DType) IsInt() bool {
	return dtype >= Int8 && dtype <= Uint64
}

// Ok returns whether dtype is a valid data type.
func (dtype DType) Ok() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// ComponentDType returns the dtype of the real/imaginary components of a
// complex dtype. It panics for non-complex dtypes.
func (dtype DType) ComponentDType() DType {
	switch dtype {
	case Complex64:
		return Float32
	case Complex128:
		return Float64
	}
	exceptions.Panicf("DType.ComponentDType: %s is not a complex dtype", dtype)
	return InvalidDType
}

// GoType returns the reflect.Type of the Go type used to store one element of
// the given DType in a flat slice.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(false)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	case Complex64:
		return reflect.TypeOf(complex64(0))
	case Complex128:
		return reflect.TypeOf(complex128(0))
	case String:
		return reflect.TypeOf("")
	}
	exceptions.Panicf("DType.GoType: invalid dtype %d", int32(dtype))
	return nil
}

// Supported lists the Go types that can back a tensor element.
type Supported interface {
	bool | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 |
		complex64 | complex128 | string
}

// Number restricts to the scalar numeric Go types (excludes bool, float16,
// complex and string).
type Number interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64
}

// FromGenericsType returns the DType corresponding to the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// FromGoType returns the DType corresponding to the given Go reflect.Type, or
// InvalidDType if t does not back any DType.
func FromGoType(t reflect.Type) DType {
	for dtype := Bool; dtype <= String; dtype++ {
		if dtype.GoType() == t {
			return dtype
		}
	}
	return InvalidDType
}

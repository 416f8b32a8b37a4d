package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

func newFilled[T constraints.Integer | constraints.Float](size int, value T) []T {
	flat := make([]T, size)
	for i := range flat {
		flat[i] = value
	}
	return flat
}

// FilledSlice returns a flat slice of the Go type backing dtype, with size
// elements all set to value. It panics for String shapes, whose elements have
// no numeric fill.
func FilledSlice(dtype DType, size int, value float64) any {
	switch dtype {
	case Bool:
		flat := make([]bool, size)
		for i := range flat {
			flat[i] = value != 0
		}
		return flat
	case Int8:
		return newFilled(size, int8(value))
	case Int16:
		return newFilled(size, int16(value))
	case Int32:
		return newFilled(size, int32(value))
	case Int64:
		return newFilled(size, int64(value))
	case Uint8:
		return newFilled(size, uint8(value))
	case Uint16:
		return newFilled(size, uint16(value))
	case Uint32:
		return newFilled(size, uint32(value))
	case Uint64:
		return newFilled(size, uint64(value))
	case Float16:
		flat := make([]float16.Float16, size)
		f16 := float16.Fromfloat32(float32(value))
		for i := range flat {
			flat[i] = f16
		}
		return flat
	case Float32:
		return newFilled(size, float32(value))
	case Float64:
		return newFilled(size, value)
	case Complex64:
		flat := make([]complex64, size)
		for i := range flat {
			flat[i] = complex(float32(value), 0)
		}
		return flat
	case Complex128:
		flat := make([]complex128, size)
		for i := range flat {
			flat[i] = complex(value, 0)
		}
		return flat
	}
	exceptions.Panicf("shapes.FilledSlice: cannot fill slices of dtype %s", dtype)
	return nil
}

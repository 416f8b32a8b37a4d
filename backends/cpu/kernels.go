package cpu

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/engine"
	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/shapes"
)

func init() {
	engine.RegisterDefaultFactory(Name, Priority, func() (backends.Backend, error) {
		return New(), nil
	})
	registerKernels()
}

func registerKernels() {
	for name, f := range map[string]kernels.Func{
		"Identity":  identityKernel,
		"Reshape":   reshapeKernel,
		"Cast":      castKernel,
		"Fill":      fillKernel,
		"OnesLike":  likeKernel(1),
		"ZerosLike": likeKernel(0),
		"Add":       binaryKernel(opAdd),
		"Sub":       binaryKernel(opSub),
		"Multiply":  binaryKernel(opMul),
		"Div":       binaryKernel(opDiv),
		"AddN":      addNKernel,
		"Neg":       unaryKernel(opNeg),
		"Square":    unaryKernel(opSquare),
		"Sqrt":      unaryKernel(opSqrt),
		"Complex":   complexKernel,
		"Real":      componentKernel(0),
		"Imag":      componentKernel(1),
	} {
		kernels.Register(kernels.Kernel{Name: name, Backend: Name, Func: f})
	}
}

// cpuBackend asserts the active backend is this package's.
func cpuBackend(backend backends.Backend) *Backend {
	b, ok := backend.(*Backend)
	if !ok {
		exceptions.Panicf("cpu: kernel invoked with backend %q (%T), expected %q", backend.Name(), backend, Name)
	}
	return b
}

// writeOwned stores flat, taking ownership of the slice (no clone). Complex
// buffers go through Write to build their component buffers.
func (b *Backend) writeOwned(flat any, shape shapes.Shape) backends.Buffer {
	if shape.DType.IsComplex() {
		return backends.Buffer{ID: b.Write(flat, shape), Shape: shape}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, s := b.alloc()
	s.flat = flat
	s.shape = shape.Clone()
	s.bytes = shape.Memory()
	return backends.Buffer{ID: id, Shape: shape}
}

func singleInput(name string, inputs map[string]backends.Buffer, wanted string) backends.Buffer {
	in, found := inputs[wanted]
	if !found {
		exceptions.Panicf("cpu: kernel %s requires input %q, got %d inputs", name, wanted, len(inputs))
	}
	return in
}

func identityKernel(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	x := singleInput("Identity", inputs, "x")
	b.IncRef(x.ID)
	return []backends.Buffer{x}
}

func reshapeKernel(backend backends.Backend, inputs map[string]backends.Buffer, attrs kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	x := singleInput("Reshape", inputs, "x")
	dims, ok := attrs["dims"].([]int)
	if !ok {
		exceptions.Panicf("cpu: Reshape requires a \"dims\" []int attribute, got %v", attrs["dims"])
	}
	newShape := shapes.Make(x.Shape.DType, dims...)
	if newShape.Size() != x.Shape.Size() {
		exceptions.Panicf("cpu: Reshape from %s to %s changes the number of elements", x.Shape, newShape)
	}
	// Reshape shares the underlying buffer, only the logical shape changes.
	b.IncRef(x.ID)
	return []backends.Buffer{{ID: x.ID, Shape: newShape}}
}

func fillKernel(backend backends.Backend, _ map[string]backends.Buffer, attrs kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	dtype, ok := attrs["dtype"].(shapes.DType)
	if !ok {
		exceptions.Panicf("cpu: Fill requires a \"dtype\" attribute, got %v", attrs["dtype"])
	}
	dims, _ := attrs["dims"].([]int)
	value, ok := attrs["value"].(float64)
	if !ok {
		exceptions.Panicf("cpu: Fill requires a \"value\" float64 attribute, got %v", attrs["value"])
	}
	shape := shapes.Make(dtype, dims...)
	return []backends.Buffer{writeFilled(b, shape, value)}
}

// likeKernel builds OnesLike/ZerosLike: same shape and dtype as the input,
// filled with the given value.
func likeKernel(value float64) kernels.Func {
	return func(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
		b := cpuBackend(backend)
		x := singleInput("OnesLike/ZerosLike", inputs, "x")
		return []backends.Buffer{writeFilled(b, x.Shape, value)}
	}
}

func writeFilled(b *Backend, shape shapes.Shape, value float64) backends.Buffer {
	return b.writeOwned(shapes.FilledSlice(shape.DType, shape.Size(), value), shape)
}

func castKernel(backend backends.Backend, inputs map[string]backends.Buffer, attrs kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	x := singleInput("Cast", inputs, "x")
	toDType, ok := attrs["dtype"].(shapes.DType)
	if !ok {
		exceptions.Panicf("cpu: Cast requires a \"dtype\" attribute, got %v", attrs["dtype"])
	}
	if toDType == x.Shape.DType {
		b.IncRef(x.ID)
		return []backends.Buffer{x}
	}
	asF64 := toFloat64Flat(x.Shape.DType, b.ReadSync(x.ID))
	outShape := shapes.Make(toDType, x.Shape.Dimensions...)
	return []backends.Buffer{b.writeOwned(fromFloat64Flat(toDType, asF64), outShape)}
}

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opDiv
)

type unaryOp int

const (
	opNeg unaryOp = iota
	opSquare
	opSqrt
)

func binaryKernel(op binaryOp) kernels.Func {
	return func(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
		b := cpuBackend(backend)
		a := singleInput("binary", inputs, "a")
		c := singleInput("binary", inputs, "b")
		if !a.Shape.Equal(c.Shape) {
			exceptions.Panicf("cpu: binary kernels require equal shapes, got %s and %s", a.Shape, c.Shape)
		}
		out := binaryFlat(op, a.Shape.DType, b.ReadSync(a.ID), b.ReadSync(c.ID))
		return []backends.Buffer{b.writeOwned(out, a.Shape)}
	}
}

func addNKernel(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	if len(inputs) == 0 {
		exceptions.Panicf("cpu: AddN requires at least one input")
	}
	var acc any
	var shape shapes.Shape
	first := true
	for _, in := range inputs {
		if first {
			shape = in.Shape
			acc = b.ReadSync(in.ID)
			first = false
			continue
		}
		if !in.Shape.Equal(shape) {
			exceptions.Panicf("cpu: AddN requires equal shapes, got %s and %s", shape, in.Shape)
		}
		acc = binaryFlat(opAdd, shape.DType, acc, b.ReadSync(in.ID))
	}
	if len(inputs) == 1 {
		// Still allocate a fresh output, acc aliases the single input.
		acc = binaryFlat(opAdd, shape.DType, acc, shapes.FilledSlice(shape.DType, shape.Size(), 0))
	}
	return []backends.Buffer{b.writeOwned(acc, shape)}
}

func unaryKernel(op unaryOp) kernels.Func {
	return func(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
		b := cpuBackend(backend)
		x := singleInput("unary", inputs, "x")
		out := unaryFlat(op, x.Shape.DType, b.ReadSync(x.ID))
		return []backends.Buffer{b.writeOwned(out, x.Shape)}
	}
}

func complexKernel(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
	b := cpuBackend(backend)
	re := singleInput("Complex", inputs, "real")
	im := singleInput("Complex", inputs, "imag")
	if !re.Shape.Equal(im.Shape) {
		exceptions.Panicf("cpu: Complex requires equal component shapes, got %s and %s", re.Shape, im.Shape)
	}
	switch re.Shape.DType {
	case shapes.Float32:
		reF, imF := b.ReadSync(re.ID).([]float32), b.ReadSync(im.ID).([]float32)
		flat := make([]complex64, len(reF))
		for i := range flat {
			flat[i] = complex(reF[i], imF[i])
		}
		shape := shapes.Make(shapes.Complex64, re.Shape.Dimensions...)
		return []backends.Buffer{{ID: b.Write(flat, shape), Shape: shape}}
	case shapes.Float64:
		reF, imF := b.ReadSync(re.ID).([]float64), b.ReadSync(im.ID).([]float64)
		flat := make([]complex128, len(reF))
		for i := range flat {
			flat[i] = complex(reF[i], imF[i])
		}
		shape := shapes.Make(shapes.Complex128, re.Shape.Dimensions...)
		return []backends.Buffer{{ID: b.Write(flat, shape), Shape: shape}}
	}
	exceptions.Panicf("cpu: Complex requires float32 or float64 components, got %s", re.Shape.DType)
	return nil
}

// componentKernel builds Real (component 0) and Imag (component 1).
func componentKernel(component int) kernels.Func {
	return func(backend backends.Backend, inputs map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
		b := cpuBackend(backend)
		x := singleInput("Real/Imag", inputs, "x")
		if !x.Shape.DType.IsComplex() {
			exceptions.Panicf("cpu: Real/Imag require a complex input, got %s", x.Shape)
		}
		b.mu.Lock()
		s := b.lookup(x.ID)
		src := b.slots[s.components[component].Index].flat
		b.mu.Unlock()
		outShape := shapes.Make(x.Shape.DType.ComponentDType(), x.Shape.Dimensions...)
		switch flat := src.(type) {
		case []float32:
			out := make([]float32, len(flat))
			copy(out, flat)
			return []backends.Buffer{b.writeOwned(out, outShape)}
		case []float64:
			out := make([]float64, len(flat))
			copy(out, flat)
			return []backends.Buffer{b.writeOwned(out, outShape)}
		}
		exceptions.Panicf("cpu: unexpected component storage %T", src)
		return nil
	}
}

// --- dtype dispatch ---

func applyBinary[T constraints.Integer | constraints.Float](op binaryOp, a, b []T) []T {
	out := make([]T, len(a))
	switch op {
	case opAdd:
		for i := range a {
			out[i] = a[i] + b[i]
		}
	case opSub:
		for i := range a {
			out[i] = a[i] - b[i]
		}
	case opMul:
		for i := range a {
			out[i] = a[i] * b[i]
		}
	case opDiv:
		for i := range a {
			out[i] = a[i] / b[i]
		}
	}
	return out
}

func applyBinaryComplex[T constraints.Complex](op binaryOp, a, b []T) []T {
	out := make([]T, len(a))
	switch op {
	case opAdd:
		for i := range a {
			out[i] = a[i] + b[i]
		}
	case opSub:
		for i := range a {
			out[i] = a[i] - b[i]
		}
	case opMul:
		for i := range a {
			out[i] = a[i] * b[i]
		}
	case opDiv:
		for i := range a {
			out[i] = a[i] / b[i]
		}
	}
	return out
}

func binaryFlat(op binaryOp, dtype shapes.DType, a, b any) any {
	switch dtype {
	case shapes.Int8:
		return applyBinary(op, a.([]int8), b.([]int8))
	case shapes.Int16:
		return applyBinary(op, a.([]int16), b.([]int16))
	case shapes.Int32:
		return applyBinary(op, a.([]int32), b.([]int32))
	case shapes.Int64:
		return applyBinary(op, a.([]int64), b.([]int64))
	case shapes.Uint8:
		return applyBinary(op, a.([]uint8), b.([]uint8))
	case shapes.Uint16:
		return applyBinary(op, a.([]uint16), b.([]uint16))
	case shapes.Uint32:
		return applyBinary(op, a.([]uint32), b.([]uint32))
	case shapes.Uint64:
		return applyBinary(op, a.([]uint64), b.([]uint64))
	case shapes.Float16:
		aF32 := float16ToFloat32(a.([]float16.Float16))
		bF32 := float16ToFloat32(b.([]float16.Float16))
		return float32ToFloat16(applyBinary(op, aF32, bF32))
	case shapes.Float32:
		return applyBinary(op, a.([]float32), b.([]float32))
	case shapes.Float64:
		return applyBinary(op, a.([]float64), b.([]float64))
	case shapes.Complex64:
		return applyBinaryComplex(op, a.([]complex64), b.([]complex64))
	case shapes.Complex128:
		return applyBinaryComplex(op, a.([]complex128), b.([]complex128))
	}
	exceptions.Panicf("cpu: binary kernels do not support dtype %s", dtype)
	return nil
}

func applyUnary[T constraints.Integer | constraints.Float](op unaryOp, a []T) []T {
	out := make([]T, len(a))
	switch op {
	case opNeg:
		for i := range a {
			out[i] = -a[i]
		}
	case opSquare:
		for i := range a {
			out[i] = a[i] * a[i]
		}
	case opSqrt:
		for i := range a {
			out[i] = T(math.Sqrt(float64(a[i])))
		}
	}
	return out
}

func unaryFlat(op unaryOp, dtype shapes.DType, a any) any {
	switch dtype {
	case shapes.Int8:
		return applyUnary(op, a.([]int8))
	case shapes.Int16:
		return applyUnary(op, a.([]int16))
	case shapes.Int32:
		return applyUnary(op, a.([]int32))
	case shapes.Int64:
		return applyUnary(op, a.([]int64))
	case shapes.Float16:
		return float32ToFloat16(applyUnary(op, float16ToFloat32(a.([]float16.Float16))))
	case shapes.Float32:
		return applyUnary(op, a.([]float32))
	case shapes.Float64:
		return applyUnary(op, a.([]float64))
	}
	exceptions.Panicf("cpu: unary kernels do not support dtype %s", dtype)
	return nil
}

func float16ToFloat32(a []float16.Float16) []float32 {
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = v.Float32()
	}
	return out
}

func float32ToFloat16(a []float32) []float16.Float16 {
	out := make([]float16.Float16, len(a))
	for i, v := range a {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

func toFloat64Flat(dtype shapes.DType, a any) []float64 {
	switch dtype {
	case shapes.Bool:
		flat := a.([]bool)
		out := make([]float64, len(flat))
		for i, v := range flat {
			if v {
				out[i] = 1
			}
		}
		return out
	case shapes.Int8:
		return convertToFloat64(a.([]int8))
	case shapes.Int16:
		return convertToFloat64(a.([]int16))
	case shapes.Int32:
		return convertToFloat64(a.([]int32))
	case shapes.Int64:
		return convertToFloat64(a.([]int64))
	case shapes.Uint8:
		return convertToFloat64(a.([]uint8))
	case shapes.Uint16:
		return convertToFloat64(a.([]uint16))
	case shapes.Uint32:
		return convertToFloat64(a.([]uint32))
	case shapes.Uint64:
		return convertToFloat64(a.([]uint64))
	case shapes.Float16:
		return convertToFloat64(float16ToFloat32(a.([]float16.Float16)))
	case shapes.Float32:
		return convertToFloat64(a.([]float32))
	case shapes.Float64:
		return convertToFloat64(a.([]float64))
	}
	exceptions.Panicf("cpu: Cast does not support dtype %s", dtype)
	return nil
}

func convertToFloat64[T constraints.Integer | constraints.Float](a []T) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = float64(v)
	}
	return out
}

func fromFloat64Flat(dtype shapes.DType, a []float64) any {
	switch dtype {
	case shapes.Bool:
		out := make([]bool, len(a))
		for i, v := range a {
			out[i] = v != 0
		}
		return out
	case shapes.Int8:
		return convertFromFloat64[int8](a)
	case shapes.Int16:
		return convertFromFloat64[int16](a)
	case shapes.Int32:
		return convertFromFloat64[int32](a)
	case shapes.Int64:
		return convertFromFloat64[int64](a)
	case shapes.Uint8:
		return convertFromFloat64[uint8](a)
	case shapes.Uint16:
		return convertFromFloat64[uint16](a)
	case shapes.Uint32:
		return convertFromFloat64[uint32](a)
	case shapes.Uint64:
		return convertFromFloat64[uint64](a)
	case shapes.Float16:
		return float32ToFloat16(convertFromFloat64[float32](a))
	case shapes.Float32:
		return convertFromFloat64[float32](a)
	case shapes.Float64:
		return convertFromFloat64[float64](a)
	}
	exceptions.Panicf("cpu: Cast does not support dtype %s", dtype)
	return nil
}

func convertFromFloat64[T constraints.Integer | constraints.Float](a []float64) []T {
	out := make([]T, len(a))
	for i, v := range a {
		out[i] = T(v)
	}
	return out
}

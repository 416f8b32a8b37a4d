package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/shapes"
)

// runKernel invokes a registered cpu kernel directly on backend buffers,
// bypassing the engine.
func runKernel(t *testing.T, b *Backend, name string, inputs map[string]backends.Buffer, attrs kernels.Attributes) []backends.Buffer {
	t.Helper()
	k, found := kernels.Lookup(name, Name)
	require.True(t, found, "kernel %q not registered for cpu", name)
	return k.Func(b, inputs, attrs)
}

func writeBuffer(b *Backend, values any, shape shapes.Shape) backends.Buffer {
	return backends.Buffer{ID: b.Write(values, shape), Shape: shape}
}

func TestIdentityKernel(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Float32, 2)
	x := writeBuffer(b, []float32{1, 2}, shape)

	out := runKernel(t, b, "Identity", map[string]backends.Buffer{"x": x}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, x.ID, out[0].ID, "Identity shares the buffer")
	assert.Equal(t, 2, b.RefCount(x.ID))
	assert.Equal(t, 1, b.NumDataIds())
}

func TestReshapeKernel(t *testing.T) {
	b := New()
	x := writeBuffer(b, []float32{1, 2, 3, 4, 5, 6}, shapes.Make(shapes.Float32, 2, 3))

	out := runKernel(t, b, "Reshape", map[string]backends.Buffer{"x": x}, kernels.Attributes{"dims": []int{3, 2}})
	assert.Equal(t, x.ID, out[0].ID, "Reshape shares the buffer")
	assert.True(t, shapes.Make(shapes.Float32, 3, 2).Equal(out[0].Shape))

	require.Panics(t, func() {
		runKernel(t, b, "Reshape", map[string]backends.Buffer{"x": x}, kernels.Attributes{"dims": []int{4, 2}})
	})
}

func TestBinaryKernels(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Float64, 3)
	a := writeBuffer(b, []float64{1, 2, 3}, shape)
	c := writeBuffer(b, []float64{4, 5, 6}, shape)
	inputs := map[string]backends.Buffer{"a": a, "b": c}

	assert.Equal(t, []float64{5, 7, 9}, b.ReadSync(runKernel(t, b, "Add", inputs, nil)[0].ID))
	assert.Equal(t, []float64{-3, -3, -3}, b.ReadSync(runKernel(t, b, "Sub", inputs, nil)[0].ID))
	assert.Equal(t, []float64{4, 10, 18}, b.ReadSync(runKernel(t, b, "Multiply", inputs, nil)[0].ID))
	assert.Equal(t, []float64{0.25, 0.4, 0.5}, b.ReadSync(runKernel(t, b, "Div", inputs, nil)[0].ID))

	mismatched := writeBuffer(b, []float64{1}, shapes.Make(shapes.Float64, 1))
	require.Panics(t, func() {
		runKernel(t, b, "Add", map[string]backends.Buffer{"a": a, "b": mismatched}, nil)
	})
}

func TestBinaryKernelsInt(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Int32, 2)
	a := writeBuffer(b, []int32{10, 20}, shape)
	c := writeBuffer(b, []int32{3, 4}, shape)
	out := runKernel(t, b, "Sub", map[string]backends.Buffer{"a": a, "b": c}, nil)
	assert.Equal(t, []int32{7, 16}, b.ReadSync(out[0].ID))
}

func TestAddNKernel(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Float32, 2)
	inputs := map[string]backends.Buffer{
		"0": writeBuffer(b, []float32{1, 1}, shape),
		"1": writeBuffer(b, []float32{2, 2}, shape),
		"2": writeBuffer(b, []float32{3, 3}, shape),
	}
	out := runKernel(t, b, "AddN", inputs, nil)
	assert.Equal(t, []float32{6, 6}, b.ReadSync(out[0].ID))

	single := map[string]backends.Buffer{"0": inputs["0"]}
	out = runKernel(t, b, "AddN", single, nil)
	assert.NotEqual(t, single["0"].ID, out[0].ID, "AddN always allocates a fresh output")
	assert.Equal(t, []float32{1, 1}, b.ReadSync(out[0].ID))

	require.Panics(t, func() { runKernel(t, b, "AddN", nil, nil) })
}

func TestUnaryKernels(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Float64, 3)
	x := writeBuffer(b, []float64{1, -2, 3}, shape)
	inputs := map[string]backends.Buffer{"x": x}

	assert.Equal(t, []float64{-1, 2, -3}, b.ReadSync(runKernel(t, b, "Neg", inputs, nil)[0].ID))
	assert.Equal(t, []float64{1, 4, 9}, b.ReadSync(runKernel(t, b, "Square", inputs, nil)[0].ID))

	y := writeBuffer(b, []float64{4, 9, 16}, shape)
	assert.Equal(t, []float64{2, 3, 4}, b.ReadSync(runKernel(t, b, "Sqrt", map[string]backends.Buffer{"x": y}, nil)[0].ID))
}

func TestCastKernel(t *testing.T) {
	b := New()
	x := writeBuffer(b, []float32{1.7, -2.3}, shapes.Make(shapes.Float32, 2))

	out := runKernel(t, b, "Cast", map[string]backends.Buffer{"x": x}, kernels.Attributes{"dtype": shapes.Int32})
	assert.Equal(t, []int32{1, -2}, b.ReadSync(out[0].ID))
	assert.Equal(t, shapes.Int32, out[0].Shape.DType)

	// Casting to the same dtype shares the buffer.
	out = runKernel(t, b, "Cast", map[string]backends.Buffer{"x": x}, kernels.Attributes{"dtype": shapes.Float32})
	assert.Equal(t, x.ID, out[0].ID)
}

func TestFillAndLikeKernels(t *testing.T) {
	b := New()
	out := runKernel(t, b, "Fill", nil, kernels.Attributes{
		"dtype": shapes.Float32, "dims": []int{2, 2}, "value": 1.5,
	})
	assert.Equal(t, []float32{1.5, 1.5, 1.5, 1.5}, b.ReadSync(out[0].ID))

	x := out[0]
	ones := runKernel(t, b, "OnesLike", map[string]backends.Buffer{"x": x}, nil)
	assert.Equal(t, []float32{1, 1, 1, 1}, b.ReadSync(ones[0].ID))
	zeros := runKernel(t, b, "ZerosLike", map[string]backends.Buffer{"x": x}, nil)
	assert.Equal(t, []float32{0, 0, 0, 0}, b.ReadSync(zeros[0].ID))
}

func TestComplexKernels(t *testing.T) {
	b := New()
	shape := shapes.Make(shapes.Float32, 2)
	re := writeBuffer(b, []float32{1, 3}, shape)
	im := writeBuffer(b, []float32{2, 4}, shape)

	out := runKernel(t, b, "Complex", map[string]backends.Buffer{"real": re, "imag": im}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, shapes.Complex64, out[0].Shape.DType)
	assert.Equal(t, []complex64{complex(1, 2), complex(3, 4)}, b.ReadSync(out[0].ID))

	inputs := map[string]backends.Buffer{"x": out[0]}
	assert.Equal(t, []float32{1, 3}, b.ReadSync(runKernel(t, b, "Real", inputs, nil)[0].ID))
	assert.Equal(t, []float32{2, 4}, b.ReadSync(runKernel(t, b, "Imag", inputs, nil)[0].ID))

	require.Panics(t, func() { runKernel(t, b, "Real", map[string]backends.Buffer{"x": re}, nil) })
}

package ops_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotensor/gotensor/backends/cpu"
	"github.com/gotensor/gotensor/engine"
	"github.com/gotensor/gotensor/ops"
	"github.com/gotensor/gotensor/types/shapes"
	"github.com/gotensor/gotensor/types/tensors"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.WithLeakChecking(true))
	require.Equal(t, cpu.Name, e.Ready())
	return e
}

func TestElementwise(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float64{1, 2, 3}, 3)
	b := engine.MakeTensorFromFlat(e, []float64{4, 5, 6}, 3)

	assert.Equal(t, []float64{5, 7, 9}, ops.Add(e, a, b).ReadSync())
	assert.Equal(t, []float64{-3, -3, -3}, ops.Sub(e, a, b).ReadSync())
	assert.Equal(t, []float64{4, 10, 18}, ops.Mul(e, a, b).ReadSync())
	assert.Equal(t, []float64{0.25, 0.4, 0.5}, ops.Div(e, a, b).ReadSync())
	assert.Equal(t, []float64{-1, -2, -3}, ops.Neg(e, a).ReadSync())
	assert.Equal(t, []float64{1, 4, 9}, ops.Square(e, a).ReadSync())

	c := engine.MakeTensorFromFlat(e, []float64{4, 9, 16}, 3)
	assert.Equal(t, []float64{2, 3, 4}, ops.Sqrt(e, c).ReadSync())
}

func TestAddN(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float32{1, 1}, 2)
	b := engine.MakeTensorFromFlat(e, []float32{2, 2}, 2)
	c := engine.MakeTensorFromFlat(e, []float32{3, 3}, 2)
	assert.Equal(t, []float32{6, 6}, ops.AddN(e, a, b, c).ReadSync())
	assert.Equal(t, []float32{1, 1}, ops.AddN(e, a).ReadSync())
}

func TestIdentityAndReshape(t *testing.T) {
	e := newTestEngine(t)
	x := engine.MakeTensorFromFlat(e, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	same := ops.Identity(e, x)
	assert.Equal(t, x.DataID(), same.DataID(), "Identity shares the buffer")
	assert.NotEqual(t, x.ID(), same.ID())

	r := ops.Reshape(e, x, 3, 2)
	assert.Equal(t, x.DataID(), r.DataID())
	assert.True(t, shapes.Make(shapes.Float32, 3, 2).Equal(r.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, r.ReadSync())

	// Sharing means one metadata record and one buffer.
	assert.Equal(t, 1, e.Memory().NumDataBuffers)
	assert.Equal(t, 3, e.Memory().NumTensors)
}

func TestCast(t *testing.T) {
	e := newTestEngine(t)
	x := engine.MakeTensorFromFlat(e, []float32{1.7, -2.3}, 2)
	assert.Equal(t, []int64{1, -2}, ops.Cast(e, x, shapes.Int64).ReadSync())
	assert.Equal(t, shapes.Int64, ops.Cast(e, x, shapes.Int64).DType())
}

func TestFillAndLike(t *testing.T) {
	e := newTestEngine(t)
	filled := ops.Fill(e, shapes.Float64, 2.5, 2, 2)
	assert.Equal(t, []float64{2.5, 2.5, 2.5, 2.5}, filled.ReadSync())

	assert.Equal(t, []float64{1, 1, 1, 1}, ops.OnesLike(e, filled).ReadSync())
	assert.Equal(t, []float64{0, 0, 0, 0}, ops.ZerosLike(e, filled).ReadSync())
}

func TestComplexOps(t *testing.T) {
	e := newTestEngine(t)
	re := engine.MakeTensorFromFlat(e, []float32{1, 3}, 2)
	im := engine.MakeTensorFromFlat(e, []float32{2, 4}, 2)

	z := ops.Complex(e, re, im)
	assert.Equal(t, shapes.Complex64, z.DType())
	assert.Equal(t, []complex64{complex(1, 2), complex(3, 4)}, z.ReadSync())
	assert.Equal(t, []float32{1, 3}, ops.Real(e, z).ReadSync())
	assert.Equal(t, []float32{2, 4}, ops.Imag(e, z).ReadSync())
}

func TestGradientRegistrations(t *testing.T) {
	e := newTestEngine(t)
	x := engine.MakeTensorFromFlat(e, []float64{4, 9}, 2)

	grad := func(f func() *tensors.Tensor) []float64 {
		result := e.Gradients(f, []*tensors.Tensor{x}, nil, false)
		return result.Grads[0].ReadSync().([]float64)
	}

	assert.Equal(t, []float64{1, 1}, grad(func() *tensors.Tensor { return ops.Identity(e, x) }))
	assert.Equal(t, []float64{-1, -1}, grad(func() *tensors.Tensor { return ops.Neg(e, x) }))
	assert.Equal(t, []float64{8, 18}, grad(func() *tensors.Tensor { return ops.Square(e, x) }))
	// d(sqrt(x))/dx = 1/(2*sqrt(x))
	assert.Equal(t, []float64{0.25, 1.0 / 6}, grad(func() *tensors.Tensor { return ops.Sqrt(e, x) }))
	// d(x+x+x)/dx via AddN accumulates the seed three times.
	assert.Equal(t, []float64{3, 3}, grad(func() *tensors.Tensor { return ops.AddN(e, x, x, x) }))
	// Reshape routes the incoming gradient back to the original shape.
	assert.Equal(t, []float64{1, 1}, grad(func() *tensors.Tensor { return ops.Reshape(e, x, 2, 1) }))
}

func TestMulDivGradients(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float64{2, 3}, 2)
	b := engine.MakeTensorFromFlat(e, []float64{5, 7}, 2)

	result := e.Gradients(func() *tensors.Tensor {
		return ops.Mul(e, a, b)
	}, []*tensors.Tensor{a, b}, nil, false)
	assert.Equal(t, []float64{5, 7}, result.Grads[0].ReadSync())
	assert.Equal(t, []float64{2, 3}, result.Grads[1].ReadSync())

	result = e.Gradients(func() *tensors.Tensor {
		return ops.Div(e, a, b)
	}, []*tensors.Tensor{a, b}, nil, false)
	// d(a/b)/da = 1/b, d(a/b)/db = -a/b^2.
	assert.InDelta(t, 0.2, result.Grads[0].ReadSync().([]float64)[0], 1e-12)
	assert.InDelta(t, -2.0/25, result.Grads[1].ReadSync().([]float64)[0], 1e-12)
}

func TestComplexGradients(t *testing.T) {
	e := newTestEngine(t)
	re := engine.MakeTensorFromFlat(e, []float32{1, 3}, 2)
	im := engine.MakeTensorFromFlat(e, []float32{2, 4}, 2)

	z := engine.Tidy(e, func() *tensors.Tensor { return e.Keep(ops.Complex(e, re, im)) })
	result := e.Gradients(func() *tensors.Tensor {
		return ops.Real(e, z)
	}, []*tensors.Tensor{z}, nil, false)
	grad := result.Grads[0]
	assert.Equal(t, shapes.Complex64, grad.DType())
	assert.Equal(t, []complex64{complex(1, 0), complex(1, 0)}, grad.ReadSync())
}

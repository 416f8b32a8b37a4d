package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/backends/cpu"
	"github.com/gotensor/gotensor/engine"
	"github.com/gotensor/gotensor/kernels"
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

func TestMakeTensor(t *testing.T) {
	e := newTestEngine(t)
	x := engine.MakeTensorFromFlat(e, []float32{1, 2, 3, 4}, 2, 2)
	assert.True(t, shapes.Make(shapes.Float32, 2, 2).Equal(x.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4}, x.ReadSync())

	mem := e.Memory()
	assert.Equal(t, 1, mem.NumTensors)
	assert.Equal(t, 1, mem.NumDataBuffers)
	assert.Equal(t, int64(16), mem.NumBytes)
	assert.False(t, mem.Unreliable)

	x.Dispose()
	mem = e.Memory()
	assert.Equal(t, 0, mem.NumTensors)
	assert.Equal(t, int64(0), mem.NumBytes)
}

func TestScalar(t *testing.T) {
	e := newTestEngine(t)
	x := engine.Scalar(e, 3.5)
	assert.True(t, x.Shape().IsScalar())
	assert.Equal(t, []float64{3.5}, x.ReadSync())
}

func TestStringTensorAccounting(t *testing.T) {
	e := newTestEngine(t)
	x := e.MakeTensor([]string{"hello", "go"}, shapes.Make(shapes.String, 2))
	mem := e.Memory()
	assert.Equal(t, 1, mem.NumStringTensors)
	assert.Equal(t, int64(7), mem.NumBytes)
	assert.True(t, mem.Unreliable, "string tensor byte accounting excludes per-value overhead")
	assert.NotEmpty(t, mem.Reasons)

	x.Dispose()
	assert.Equal(t, 0, e.Memory().NumStringTensors)
}

func TestRunKernel(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float64{1, 2}, 2)
	b := engine.MakeTensorFromFlat(e, []float64{3, 4}, 2)

	out := e.RunKernel("Add", kernels.NamedTensors{"a": a, "b": b}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, []float64{4, 6}, out[0].ReadSync())

	require.Panics(t, func() { e.RunKernel("NoSuchKernel", nil, nil) })
}

func TestLeakCheck(t *testing.T) {
	kernels.Register(kernels.Kernel{
		Name:    "LeakyOp",
		Backend: cpu.Name,
		Func: func(b backends.Backend, _ map[string]backends.Buffer, _ kernels.Attributes) []backends.Buffer {
			shape := shapes.Make(shapes.Float32, 1)
			b.Write([]float32{1}, shape) // never surfaced as an output
			return []backends.Buffer{{ID: b.Write([]float32{2}, shape), Shape: shape}}
		},
	})
	defer kernels.Unregister("LeakyOp", cpu.Name)

	e := newTestEngine(t)
	require.Panics(t, func() { e.RunKernel("LeakyOp", nil, nil) })

	// Without leak checking the same kernel goes unnoticed.
	quiet := engine.New(engine.WithLeakChecking(false))
	require.NotPanics(t, func() { quiet.RunKernel("LeakyOp", nil, nil) })
}

func TestVariables(t *testing.T) {
	e := newTestEngine(t)
	x := engine.MakeTensorFromFlat(e, []float32{1, 2}, 2)
	v := e.MakeVariable(x, "weights", true)
	assert.Equal(t, "weights", v.Name())
	assert.True(t, v.Trainable())
	assert.Equal(t, 1, e.NumVariables())

	got, found := e.Variable("weights")
	require.True(t, found)
	assert.Same(t, v, got)

	dup := engine.MakeTensorFromFlat(e, []float32{0, 0}, 2)
	require.Panics(t, func() { e.MakeVariable(dup, "weights", true) })

	// Anonymous variables get generated names.
	anon := e.MakeVariable(dup, "", false)
	assert.NotEmpty(t, anon.Name())
	assert.Equal(t, 2, e.NumVariables())
}

func TestVariablesSurviveTidy(t *testing.T) {
	e := newTestEngine(t)
	var v *tensors.Variable
	engine.Tidy(e, func() *tensors.Tensor {
		v = e.MakeVariable(engine.MakeTensorFromFlat(e, []float32{1}, 1), "w", true)
		return nil
	})
	assert.False(t, v.Disposed)
	assert.Equal(t, []float32{1}, v.ReadSync())
}

func TestAssign(t *testing.T) {
	e := newTestEngine(t)
	v := e.MakeVariable(engine.MakeTensorFromFlat(e, []float32{1, 2}, 2), "w", true)
	next := engine.MakeTensorFromFlat(e, []float32{3, 4}, 2)
	e.Assign(v, next)
	assert.Equal(t, []float32{3, 4}, v.ReadSync())

	wrongShape := engine.MakeTensorFromFlat(e, []float32{1}, 1)
	require.Panics(t, func() { e.Assign(v, wrongShape) })
}

func TestVariableDisposal(t *testing.T) {
	e := newTestEngine(t)
	v := e.MakeVariable(engine.MakeTensorFromFlat(e, []float32{1}, 1), "w", true)
	require.Equal(t, 1, e.NumVariables())

	v.Dispose()
	assert.Equal(t, 0, e.NumVariables())
	_, found := e.Variable("w")
	assert.False(t, found)

	// A second disposal has no further counter side effects.
	mem := e.Memory()
	v.Dispose()
	assert.Equal(t, mem, e.Memory())
}

func TestReset(t *testing.T) {
	e := newTestEngine(t)
	e.MakeVariable(engine.MakeTensorFromFlat(e, []float32{1}, 1), "w", true)
	engine.MakeTensorFromFlat(e, []float32{1, 2, 3}, 3)
	require.NotZero(t, e.Memory().NumTensors)

	e.Reset()
	mem := e.Memory()
	assert.Equal(t, 0, mem.NumTensors)
	assert.Equal(t, int64(0), mem.NumBytes)
	assert.Equal(t, 0, e.NumVariables())
	assert.Equal(t, "", e.BackendName())

	// Factories survive a reset, a backend can be brought up again.
	assert.Equal(t, cpu.Name, e.Ready())
}

func TestMemoryInfoString(t *testing.T) {
	e := newTestEngine(t)
	engine.MakeTensorFromFlat(e, []float32{1, 2}, 2)
	s := e.Memory().String()
	assert.Contains(t, s, "1 tensors")
	assert.Contains(t, s, "1 buffers")
}

// Scenario: repeated Ready always settles on the working low-priority backend,
// and a tidy wrapping three additions with no retained output leaves the
// tensor count unchanged.
func TestEngineScenario(t *testing.T) {
	e := engine.New(engine.WithoutDefaultBackends(), engine.WithLeakChecking(true))
	e.RegisterBackend("cpu", 1, func() (backends.Backend, error) { return cpu.New(), nil })
	e.RegisterBackend("gpu", 10, func() (backends.Backend, error) {
		return nil, assert.AnError
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "cpu", e.Ready())
	}

	a := engine.MakeTensorFromFlat(e, []float32{1, 2, 3}, 3)
	b := engine.MakeTensorFromFlat(e, []float32{4, 5, 6}, 3)
	before := e.Memory().NumTensors
	engine.Tidy(e, func() *tensors.Tensor {
		c := ops.Add(e, a, b)
		d := ops.Add(e, c, a)
		ops.Add(e, d, b)
		return nil
	})
	assert.Equal(t, before, e.Memory().NumTensors)
}

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotensor/gotensor/engine"
	"github.com/gotensor/gotensor/ops"
	"github.com/gotensor/gotensor/types/tensors"
)

func TestProfile(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float32{1, 2}, 2)
	b := engine.MakeTensorFromFlat(e, []float32{3, 4}, 2)

	p := e.Profile(func() any {
		c := ops.Add(e, a, b)
		d := ops.Add(e, c, b)
		return ops.Add(e, d, a)
	})

	assert.Equal(t, []string{"Add", "Add", "Add"}, p.KernelNames())
	assert.Equal(t, 3, p.NewTensors)
	assert.Equal(t, int64(24), p.NewBytes)
	assert.GreaterOrEqual(t, p.PeakBytes, p.NewBytes)

	result, ok := p.Result.(*tensors.Tensor)
	require.True(t, ok)
	assert.Equal(t, []float32{8, 12}, result.ReadSync())

	for _, k := range p.Kernels {
		assert.Equal(t, "Add", k.Name)
		assert.Equal(t, 1, k.TensorsAdded)
		assert.Equal(t, int64(8), k.BytesAdded)
		assert.Len(t, k.InputShapes, 2)
		assert.Len(t, k.OutputShapes, 1)
	}

	// A report renders without values.
	assert.Contains(t, p.String(), "3 kernels")
}

func TestProfileWithTidy(t *testing.T) {
	e := newTestEngine(t)
	a := engine.MakeTensorFromFlat(e, []float32{1, 2}, 2)

	p := e.Profile(func() any {
		return engine.Tidy(e, func() *tensors.Tensor {
			c := ops.Square(e, a)
			return ops.Add(e, c, a)
		})
	})
	assert.Equal(t, []string{"Square", "Add"}, p.KernelNames())
	assert.Equal(t, 1, p.NewTensors, "tidy disposed the intermediate")
	assert.GreaterOrEqual(t, p.PeakBytes, p.NewBytes)
}

func TestProfileCannotNest(t *testing.T) {
	e := newTestEngine(t)
	require.Panics(t, func() {
		e.Profile(func() any {
			return e.Profile(func() any { return nil })
		})
	})
}

func TestDebugMode(t *testing.T) {
	e := engine.New(engine.WithDebug(true))
	a := engine.MakeTensorFromFlat(e, []float32{1}, 1)
	b := engine.MakeTensorFromFlat(e, []float32{2}, 1)
	out := ops.Add(e, a, b)
	assert.Equal(t, []float32{3}, out.ReadSync())
}

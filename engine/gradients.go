package engine

import (
	"strconv"

	"github.com/gomlx/exceptions"

	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/tensors"
)

// GradientsResult is the output of Gradients: the forward value and one
// gradient per requested input, aligned with xs. Entries are nil where the
// corresponding x is disconnected from the result.
type GradientsResult struct {
	Value *tensors.Tensor
	Grads []*tensors.Tensor
}

// Gradients runs f inside a tape-recording scope and backpropagates from its
// result to xs. dy seeds the accumulated gradient at the result; nil means an
// all-ones tensor of the result's shape. It panics if xs is empty, if f
// returns nil, if dy's dtype differs from the result's, or -- unless
// allowNoGradients -- if no recorded path connects any x to the result.
//
// Intermediate tensors of both the forward and the backward pass are disposed
// before returning; only the value and the gradients survive.
func (e *Engine) Gradients(f func() *tensors.Tensor, xs []*tensors.Tensor, dy *tensors.Tensor, allowNoGradients bool) GradientsResult {
	if len(xs) == 0 {
		exceptions.Panicf("engine: Gradients requires at least one input tensor to differentiate against")
	}
	e.startTape()
	defer e.endTape()

	var result GradientsResult
	TidyNamed(e, "gradients", func() []*tensors.Tensor {
		y := f()
		if y == nil {
			exceptions.Panicf("engine: Gradients requires f to return a tensor")
		}
		if dy != nil && dy.DType() != y.DType() {
			exceptions.Panicf("engine: gradient seed dtype %s does not match the result dtype %s", dy.DType(), y.DType())
		}

		filtered := filterTape(e.activeTape, xs, y)
		if len(filtered) == 0 && !allowNoGradients {
			exceptions.Panicf("engine: no gradient path connects the inputs to the result; "+
				"was the result computed from the inputs with differentiable kernels? (tape has %d nodes)", len(e.activeTape))
		}

		accum := make(map[int64]*tensors.Tensor)
		if dy != nil {
			accum[y.ID()] = dy
		} else {
			accum[y.ID()] = e.onesLike(y)
		}
		e.backprop(accum, filtered)

		grads := make([]*tensors.Tensor, len(xs))
		for i, x := range xs {
			grads[i] = accum[x.ID()]
		}
		result = GradientsResult{Value: y, Grads: grads}

		// Everything reachable from the returned slice survives the scope.
		survivors := []*tensors.Tensor{y}
		for _, grad := range grads {
			if grad != nil {
				survivors = append(survivors, grad)
			}
		}
		return survivors
	})
	return result
}

// CustomGradResult is what a custom-gradient function returns: the forward
// value plus the backward function mapping the incoming gradient and the saved
// tensors to one gradient per input, in input order.
type CustomGradResult struct {
	Value    *tensors.Tensor
	Backward func(dy *tensors.Tensor, saved []*tensors.Tensor) []*tensors.Tensor
}

// CustomGrad runs f as one taped operation with a hand-specified gradient:
// while f composes its internal kernels, tape recording is suspended, and if
// recording is active a single node carrying the supplied backward function is
// appended instead. save retains tensors for the backward pass; it is a no-op
// when recording is off.
func (e *Engine) CustomGrad(name string, f func(save func(ts ...*tensors.Tensor)) CustomGradResult, inputs ...*tensors.Tensor) *tensors.Tensor {
	named := make(kernels.NamedTensors, len(inputs))
	for i, t := range inputs {
		named[strconv.Itoa(i)] = t
	}

	var backward func(dy *tensors.Tensor, saved []*tensors.Tensor) []*tensors.Tensor
	gradient := kernels.UnaryGradient(func(d kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, attrs kernels.Attributes) kernels.InputGradients {
		if backward == nil {
			exceptions.Panicf("engine: custom-gradient operation %q supplied no backward function", name)
		}
		grads := backward(dy, saved)
		if len(grads) != len(inputs) {
			exceptions.Panicf("engine: backward function of %q returned %d gradients for %d inputs", name, len(grads), len(inputs))
		}
		inputGrads := make(kernels.InputGradients, len(grads))
		for i, grad := range grads {
			grad := grad
			inputGrads[strconv.Itoa(i)] = func() *tensors.Tensor { return grad }
		}
		return inputGrads
	})

	outputs := e.runKernelFunc(&kernelInvocation{
		kernelName: name,
		inputs:     named,
		forward: func(save func(ts ...*tensors.Tensor)) []*tensors.Tensor {
			res := f(save)
			if res.Value == nil {
				exceptions.Panicf("engine: custom-gradient operation %q returned no value", name)
			}
			backward = res.Backward
			return []*tensors.Tensor{res.Value}
		},
		backward: gradient,
	})
	return outputs[0]
}

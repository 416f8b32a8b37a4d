package engine

import (
	"github.com/gomlx/exceptions"

	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/tensors"
)

// TapeNode is one recorded kernel invocation: everything needed to replay its
// gradient during the reverse pass.
type TapeNode struct {
	ID      int64
	Kernel  string
	Inputs  kernels.NamedTensors
	Outputs []*tensors.Tensor

	// Saved are the kept clones retained for the backward pass. They are
	// disposed when the outermost differentiation sweep ends.
	Saved []*tensors.Tensor

	attrs    kernels.Attributes
	gradient kernels.Gradient
}

func (e *Engine) addTapeNode(kernelName string, inputs kernels.NamedTensors, outputs, saved []*tensors.Tensor, attrs kernels.Attributes, gradient kernels.Gradient) {
	e.nextTapeNodeID++
	e.activeTape = append(e.activeTape, &TapeNode{
		ID:       e.nextTapeNodeID,
		Kernel:   kernelName,
		Inputs:   inputs,
		Outputs:  outputs,
		Saved:    saved,
		attrs:    attrs,
		gradient: gradient,
	})
}

// NumTapeNodes returns the number of nodes recorded on the active tape, or 0
// when no differentiation sweep is in progress.
func (e *Engine) NumTapeNodes() int { return len(e.activeTape) }

// startTape enters a differentiation context. A fresh tape is allocated only
// on the 0 to 1 transition, so nested gradient calls share one tape.
func (e *Engine) startTape() {
	if e.gradientDepth == 0 {
		e.activeTape = make([]*TapeNode, 0, 16)
	}
	e.gradientDepth++
}

// endTape leaves a differentiation context. When the outermost sweep ends, the
// tensors saved purely for backpropagation are disposed and the tape is
// dropped.
func (e *Engine) endTape() {
	e.gradientDepth--
	if e.gradientDepth > 0 {
		return
	}
	for _, node := range e.activeTape {
		for _, t := range node.Saved {
			t.Kept = false
			t.Dispose()
		}
	}
	e.activeTape = nil
}

// filterTape returns the tape nodes on a path from any of xs to y, in tape
// order. Each returned node's input map is pruned to the inputs actually on
// such a path, so gradient thunks of unrelated inputs are never invoked.
func filterTape(tape []*TapeNode, xs []*tensors.Tensor, y *tensors.Tensor) []*TapeNode {
	// Forward pass: mark every tensor computable from xs.
	fromX := make(map[int64]bool, len(xs))
	for _, x := range xs {
		fromX[x.ID()] = true
	}
	nodeFromX := make(map[int64]bool, len(tape))
	for _, node := range tape {
		for _, in := range node.Inputs {
			if fromX[in.ID()] {
				nodeFromX[node.ID] = true
				break
			}
		}
		if nodeFromX[node.ID] {
			for _, out := range node.Outputs {
				fromX[out.ID()] = true
			}
		}
	}

	// Backward pass: mark every tensor leading to y.
	leadsToY := map[int64]bool{y.ID(): true}
	nodeToY := make(map[int64]bool, len(tape))
	for i := len(tape) - 1; i >= 0; i-- {
		node := tape[i]
		for _, out := range node.Outputs {
			if leadsToY[out.ID()] {
				nodeToY[node.ID] = true
				break
			}
		}
		if nodeToY[node.ID] {
			for _, in := range node.Inputs {
				leadsToY[in.ID()] = true
			}
		}
	}

	var filtered []*TapeNode
	for _, node := range tape {
		if !nodeFromX[node.ID] || !nodeToY[node.ID] {
			continue
		}
		pruned := make(kernels.NamedTensors, len(node.Inputs))
		for name, in := range node.Inputs {
			if fromX[in.ID()] {
				pruned[name] = in
			}
		}
		if len(pruned) == len(node.Inputs) {
			filtered = append(filtered, node)
			continue
		}
		prunedNode := *node
		prunedNode.Inputs = pruned
		filtered = append(filtered, &prunedNode)
	}
	return filtered
}

// backprop runs the reverse pass over the filtered tape: each node's gradient
// closure is invoked exactly once, missing incoming output gradients are
// zero-filled, and per-tensor gradients accumulate by addition into accum,
// keyed by tensor id.
func (e *Engine) backprop(accum map[int64]*tensors.Tensor, filtered []*TapeNode) {
	for i := len(filtered) - 1; i >= 0; i-- {
		node := filtered[i]
		if !node.gradient.Ok() {
			exceptions.Panicf("engine: kernel %q has no gradient registered, but one is needed during backpropagation", node.Kernel)
		}
		dys := make([]*tensors.Tensor, len(node.Outputs))
		for j, out := range node.Outputs {
			if dy, found := accum[out.ID()]; found {
				dys[j] = dy
			} else {
				dys[j] = e.zerosLike(out)
			}
		}
		inputGrads := node.gradient.Call(e, dys, node.Saved, node.attrs)
		for name, in := range node.Inputs {
			thunk, found := inputGrads[name]
			if !found {
				exceptions.Panicf("engine: gradient of kernel %q produced no gradient for input %q", node.Kernel, name)
			}
			grad := thunk()
			if grad == nil {
				exceptions.Panicf("engine: gradient of kernel %q returned a nil gradient for input %q", node.Kernel, name)
			}
			if existing, found := accum[in.ID()]; found {
				sum := e.RunKernel("Add", kernels.NamedTensors{"a": existing, "b": grad}, nil)
				accum[in.ID()] = sum[0]
			} else {
				accum[in.ID()] = grad
			}
		}
	}
}

package engine

import (
	"sort"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/internal/metrics"
	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/shapes"
	"github.com/gotensor/gotensor/types/tensors"
)

// kernelInvocation is one kernel execution request: either a registry kernel
// (kernel != nil) or a custom-gradient invocation (forward != nil), where the
// caller supplies the forward composition and the backward function directly.
type kernelInvocation struct {
	kernelName string
	inputs     kernels.NamedTensors
	attrs      kernels.Attributes

	kernel *kernels.Kernel

	forward  func(save func(ts ...*tensors.Tensor)) []*tensors.Tensor
	backward kernels.Gradient
}

// RunKernel executes the named kernel on the active backend and returns its
// outputs as tracked tensors. It panics if no kernel is registered for the
// (kernelName, active backend) pair.
//
// RunKernel implements kernels.Dispatcher, so gradient closures can build
// their outputs through it.
func (e *Engine) RunKernel(kernelName string, inputs kernels.NamedTensors, attrs kernels.Attributes) []*tensors.Tensor {
	backend := e.Backend()
	k, found := kernels.Lookup(kernelName, backend.Name())
	if !found {
		exceptions.Panicf("engine: kernel %q is not registered for backend %q", kernelName, backend.Name())
	}
	return e.runKernelFunc(&kernelInvocation{
		kernelName: kernelName,
		inputs:     inputs,
		attrs:      attrs,
		kernel:     k,
	})
}

// runKernelFunc executes one kernel invocation: it moves inputs owned by a
// foreign backend onto the active one, runs the kernel with tape recording
// suspended, wraps the outputs as tracked tensors, verifies buffer
// accounting under leak checking, captures timing under debug/profiling, and
// appends a tape node when recording is active.
func (e *Engine) runKernelFunc(inv *kernelInvocation) []*tensors.Tensor {
	backend := e.Backend()
	tapeOn := e.gradientDepth > 0 && e.kernelDepth == 0

	var gradCfg *kernels.GradientConfig
	if tapeOn && inv.kernel != nil {
		gradCfg, _ = kernels.LookupGradient(inv.kernelName)
	}

	// Leak checking brackets registry kernels only: a custom-gradient forward
	// composes nested kernels whose intermediates legitimately outlive it, and
	// each nested kernel is checked on its own.
	checkLeaks := e.checkLeaks && inv.kernel != nil
	numDataIdsBefore := 0
	if checkLeaks {
		numDataIdsBefore = backend.NumDataIds()
		e.numDataMovesStack = append(e.numDataMovesStack, 0)
	}
	bytesBefore := e.numBytes
	tensorsBefore := e.numTensors

	// saved holds kept clones of the tensors the backward pass needs. Clones
	// are made while kernelDepth > 0, so they never tape themselves.
	var saved []*tensors.Tensor
	saveFn := func(ts ...*tensors.Tensor) {}
	if tapeOn {
		saveFn = func(ts ...*tensors.Tensor) {
			for _, t := range ts {
				saved = append(saved, e.clone(t))
			}
		}
	}

	var outputs []*tensors.Tensor
	execute := func() {
		e.kernelDepth++
		defer func() { e.kernelDepth-- }()
		if inv.forward != nil {
			outputs = inv.forward(saveFn)
			return
		}
		inputBuffers := make(map[string]backends.Buffer, len(inv.inputs))
		for name, t := range inv.inputs {
			info, found := e.dataInfo[t.DataID()]
			if !found {
				exceptions.Panicf("engine: input %q of kernel %q (%s) was already released", name, inv.kernelName, t)
			}
			if info.backend != backend {
				e.moveToBackend(t, info, backend)
			}
			inputBuffers[name] = t.Buffer()
		}
		outBuffers := inv.kernel.Func(backend, inputBuffers, inv.attrs)
		outputs = make([]*tensors.Tensor, len(outBuffers))
		for i, buffer := range outBuffers {
			outputs[i] = e.wrapBuffer(buffer, backend)
		}
		if gradCfg != nil {
			saveFn(tensorsToSave(gradCfg, inv.inputs, outputs)...)
		}
	}

	var timing backends.TimingInfo
	if e.debug || e.profiling {
		var err error
		timing, err = backend.Time(execute)
		if err != nil {
			klog.Warningf("engine: backend %q could not time kernel %q: %v", backend.Name(), inv.kernelName, err)
		}
	} else {
		execute()
	}

	if checkLeaks {
		top := len(e.numDataMovesStack) - 1
		numMoves := e.numDataMovesStack[top]
		e.numDataMovesStack = e.numDataMovesStack[:top]
		// Complex outputs occupy a parent buffer plus two component buffers.
		numOutputDataIds := 0
		for _, out := range outputs {
			if out.DType().IsComplex() {
				numOutputDataIds += 3
			} else {
				numOutputDataIds++
			}
		}
		leaked := backend.NumDataIds() - numDataIdsBefore - numOutputDataIds - numMoves
		if leaked > 0 {
			exceptions.Panicf("engine: backend %q leaked %d buffers executing kernel %q", backend.Name(), leaked, inv.kernelName)
		}
	}

	if tapeOn {
		gradient := inv.backward
		if inv.kernel != nil {
			gradient = kernels.Gradient{}
			if gradCfg != nil {
				gradient = gradCfg.Gradient
			}
		}
		e.addTapeNode(inv.kernelName, inv.inputs, outputs, saved, inv.attrs, gradient)
	}

	metrics.KernelExecutions.WithLabelValues(inv.kernelName).Inc()
	if e.debug || e.profiling {
		metrics.KernelDuration.WithLabelValues(inv.kernelName).Observe(timing.KernelTime.Seconds())
		record := KernelProfile{
			Name:         inv.kernelName,
			BytesAdded:   e.numBytes - bytesBefore,
			TotalBytes:   e.numBytes,
			TensorsAdded: e.numTensors - tensorsBefore,
			InputShapes:  namedShapesOf(inv.inputs),
			OutputShapes: shapesOf(outputs),
			KernelTime:   timing.KernelTime,
		}
		if e.debug {
			klog.Infof("engine: kernel %q: %v, %+d tensors, inputs=%v, outputs=%v",
				record.Name, record.KernelTime, record.TensorsAdded, record.InputShapes, record.OutputShapes)
		}
		if e.profiling && e.profile != nil {
			e.profile.Kernels = append(e.profile.Kernels, record)
			e.profile.PeakBytes = max(e.profile.PeakBytes, e.numBytes)
		}
	}
	return outputs
}

// moveToBackend migrates t's buffer to target: the values are read from the
// owning backend, written to target, and t adopts the new buffer. The owner's
// reference is released. DataIDs are generational indices local to each
// backend, so a handle from one backend must never reach another.
func (e *Engine) moveToBackend(t *tensors.Tensor, info *dataInfo, target backends.Backend) {
	values := info.backend.ReadSync(t.DataID())
	id := target.Write(values, t.Shape())
	bytes := target.BytesOf(id)
	e.dataInfo[id] = &dataInfo{
		backend:  target,
		dtype:    t.DType(),
		shape:    t.Shape(),
		bytes:    bytes,
		refCount: 1,
	}
	e.numDataBuffers++
	e.numBytes += bytes
	info.refCount--
	if info.backend.DisposeData(t.DataID()) {
		e.numBytes -= info.bytes
		e.numDataBuffers--
		delete(e.dataInfo, t.DataID())
	}
	t.AdoptBuffer(backends.Buffer{ID: id, Shape: t.Shape()})
	metrics.DataMoves.Inc()
	// A moved complex buffer mints a parent plus two component buffers on the
	// target.
	minted := 1
	if t.DType().IsComplex() {
		minted = 3
	}
	e.noteDataMoves(minted)
}

// NoteDataMove records one cross-backend data move inside the currently
// executing kernel. Backends that migrate inputs themselves call it so leak
// checking can net the extra buffer out.
func (e *Engine) NoteDataMove() {
	metrics.DataMoves.Inc()
	e.noteDataMoves(1)
}

// noteDataMoves adds n freshly minted buffers to the data-move count of the
// in-flight kernel, if leak checking is maintaining the stack.
func (e *Engine) noteDataMoves(n int) {
	if top := len(e.numDataMovesStack) - 1; top >= 0 {
		e.numDataMovesStack[top] += n
	}
}

// clone returns a kept tensor sharing t's buffer, used to retain tensors for
// the backward pass independently of scope lifetimes.
func (e *Engine) clone(t *tensors.Tensor) *tensors.Tensor {
	outputs := e.RunKernel("Identity", kernels.NamedTensors{"x": t}, nil)
	return e.Keep(outputs[0])
}

// tensorsToSave resolves a gradient configuration to the tensors it retains
// for the backward pass: the named (or all, name-sorted) inputs followed by
// the flagged outputs.
func tensorsToSave(cfg *kernels.GradientConfig, inputs kernels.NamedTensors, outputs []*tensors.Tensor) []*tensors.Tensor {
	var toSave []*tensors.Tensor
	if cfg.SaveAllInputs {
		names := make([]string, 0, len(inputs))
		for name := range inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			toSave = append(toSave, inputs[name])
		}
	} else {
		for _, name := range cfg.InputsToSave {
			t, found := inputs[name]
			if !found {
				exceptions.Panicf("engine: gradient of kernel %q saves input %q, which was not passed", cfg.KernelName, name)
			}
			toSave = append(toSave, t)
		}
	}
	for i, save := range cfg.OutputsToSave {
		if !save {
			continue
		}
		if i >= len(outputs) {
			exceptions.Panicf("engine: gradient of kernel %q saves output #%d, but the kernel returned %d outputs", cfg.KernelName, i, len(outputs))
		}
		toSave = append(toSave, outputs[i])
	}
	return toSave
}

func namedShapesOf(inputs kernels.NamedTensors) map[string]shapes.Shape {
	result := make(map[string]shapes.Shape, len(inputs))
	for name, t := range inputs {
		result[name] = t.Shape()
	}
	return result
}

func shapesOf(ts []*tensors.Tensor) []shapes.Shape {
	result := make([]shapes.Shape, len(ts))
	for i, t := range ts {
		result[i] = t.Shape()
	}
	return result
}

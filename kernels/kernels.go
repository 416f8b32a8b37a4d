// Package kernels implements the global kernel registry: it maps a
// (kernel name, backend name) pair to the function implementing that tensor
// operation for that backend, plus per-kernel gradient configurations used by
// the engine's tape.
//
// Kernels are registered by backend packages during their init; gradient
// configurations are registered by the op layer, once per kernel, independent
// of backend.
package kernels

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/types/tensors"
)

// Attributes carries the non-tensor arguments of a kernel invocation.
type Attributes map[string]any

// NamedTensors maps input names to tensors, as consumed by the engine's
// dispatch and by gradient closures.
type NamedTensors map[string]*tensors.Tensor

// Func executes one kernel: inputs are backend buffer descriptors, outputs
// are newly allocated backend buffers. The function receives the active
// backend and may type-assert it to the concrete type it was registered for.
type Func func(backend backends.Backend, inputs map[string]backends.Buffer, attrs Attributes) []backends.Buffer

// Kernel is one registry entry: the implementation of a named operation for a
// named backend, with optional lifecycle hooks.
type Kernel struct {
	Name    string
	Backend string
	Func    Func

	// Setup is re-run by the engine whenever the backend becomes active.
	Setup func(backend backends.Backend)
	// Dispose is run by the engine when the backend is removed.
	Dispose func(backend backends.Backend)
}

// key is the typed registry key: dispatch is by this tuple, not by
// concatenated strings.
type key struct {
	kernel  string
	backend string
}

var (
	mu        sync.Mutex
	registry  = make(map[key]*Kernel)
	gradients = make(map[string]*GradientConfig)
)

// Register adds the kernel to the registry. Re-registering the same
// (kernel, backend) pair overrides the previous entry with a warning.
func Register(k Kernel) {
	if k.Name == "" || k.Backend == "" || k.Func == nil {
		exceptions.Panicf("kernels.Register: kernel needs a name (%q), a backend (%q) and a function", k.Name, k.Backend)
	}
	mu.Lock()
	defer mu.Unlock()
	registryKey := key{kernel: k.Name, backend: k.Backend}
	if _, found := registry[registryKey]; found {
		klog.Warningf("kernels.Register: kernel %q for backend %q was already registered, overriding", k.Name, k.Backend)
	}
	registry[registryKey] = &k
}

// Unregister removes the kernel for the (kernelName, backendName) pair, if
// registered.
func Unregister(kernelName, backendName string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, key{kernel: kernelName, backend: backendName})
}

// Lookup returns the kernel registered for the (kernelName, backendName)
// pair.
func Lookup(kernelName, backendName string) (*Kernel, bool) {
	mu.Lock()
	defer mu.Unlock()
	k, found := registry[key{kernel: kernelName, backend: backendName}]
	return k, found
}

// ForBackend returns all kernels registered for the given backend. Used by the
// engine to run setup hooks when a backend becomes active and dispose hooks
// when it is removed.
func ForBackend(backendName string) []*Kernel {
	mu.Lock()
	defer mu.Unlock()
	var result []*Kernel
	for registryKey, k := range registry {
		if registryKey.backend == backendName {
			result = append(result, k)
		}
	}
	return result
}

// Dispatcher is the engine surface gradient closures use to build their
// output tensors. It is implemented by *engine.Engine.
type Dispatcher interface {
	RunKernel(kernelName string, inputs NamedTensors, attrs Attributes) []*tensors.Tensor
}

// InputGradients maps each input name of a kernel to a thunk producing the
// gradient of the loss with respect to that input. Thunks let the tape skip
// gradients of pruned inputs entirely.
type InputGradients map[string]func() *tensors.Tensor

// UnaryGradientFunc computes input gradients for a single-output kernel.
type UnaryGradientFunc func(e Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, attrs Attributes) InputGradients

// MultiGradientFunc computes input gradients for a multi-output kernel; dys
// has one (never nil) entry per kernel output.
type MultiGradientFunc func(e Dispatcher, dys []*tensors.Tensor, saved []*tensors.Tensor, attrs Attributes) InputGradients

type gradientKind int

const (
	gradientNone gradientKind = iota
	gradientUnary
	gradientMulti
)

// Gradient is a tagged variant {none, unary, multi}, selected at registration
// time. The zero value means no gradient is available.
type Gradient struct {
	kind  gradientKind
	unary UnaryGradientFunc
	multi MultiGradientFunc
}

// UnaryGradient wraps a gradient function following the single-output calling
// convention.
func UnaryGradient(f UnaryGradientFunc) Gradient {
	return Gradient{kind: gradientUnary, unary: f}
}

// MultiGradient wraps a gradient function following the multi-output calling
// convention.
func MultiGradient(f MultiGradientFunc) Gradient {
	return Gradient{kind: gradientMulti, multi: f}
}

// Ok returns whether a gradient function was set.
func (g Gradient) Ok() bool { return g.kind != gradientNone }

// Call invokes the gradient function with the incoming output gradients. The
// caller must have normalized dys: one non-nil entry per kernel output.
func (g Gradient) Call(e Dispatcher, dys []*tensors.Tensor, saved []*tensors.Tensor, attrs Attributes) InputGradients {
	switch g.kind {
	case gradientUnary:
		if len(dys) != 1 {
			exceptions.Panicf("kernels: unary gradient called with %d output gradients", len(dys))
		}
		return g.unary(e, dys[0], saved, attrs)
	case gradientMulti:
		return g.multi(e, dys, saved, attrs)
	}
	exceptions.Panicf("kernels: Gradient.Call on an empty gradient")
	return nil
}

// GradientConfig associates a kernel with the tensors it must retain for the
// backward pass and the function computing its input gradients.
type GradientConfig struct {
	KernelName string

	// InputsToSave names the inputs retained for the backward pass.
	InputsToSave []string
	// OutputsToSave flags, per output, whether it is retained for the
	// backward pass.
	OutputsToSave []bool
	// SaveAllInputs retains every input, in name-sorted order, ignoring
	// InputsToSave.
	SaveAllInputs bool

	Gradient Gradient
}

// RegisterGradient adds the gradient configuration for a kernel. Kernels have
// at most one gradient configuration, shared by all backends.
func RegisterGradient(cfg GradientConfig) {
	if cfg.KernelName == "" || !cfg.Gradient.Ok() {
		exceptions.Panicf("kernels.RegisterGradient: configuration needs a kernel name (%q) and a gradient function", cfg.KernelName)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, found := gradients[cfg.KernelName]; found {
		klog.Warningf("kernels.RegisterGradient: gradient for kernel %q was already registered, overriding", cfg.KernelName)
	}
	gradients[cfg.KernelName] = &cfg
}

// LookupGradient returns the gradient configuration registered for the kernel.
func LookupGradient(kernelName string) (*GradientConfig, bool) {
	mu.Lock()
	defer mu.Unlock()
	cfg, found := gradients[kernelName]
	return cfg, found
}

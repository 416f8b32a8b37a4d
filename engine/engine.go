// Package engine implements the eager tensor execution engine: backend
// registration and dispatch, kernel invocation with optional leak checking and
// profiling, a reverse-mode automatic-differentiation tape, and scope-based
// memory lifecycle management for tensors.
//
// An Engine is one exclusively-owned context object: all of its mutable state
// (counters, tape, scope stack, registries) belongs to a single logical
// goroutine and must never be mutated concurrently from two call stacks. The
// only internal locking guards the backend registry against asynchronous
// factory completions.
//
// Fatal errors -- unknown backends, unregistered kernels, leaked buffers,
// disconnected gradient graphs -- panic with a stack trace (see package
// github.com/gomlx/exceptions). Asynchronous backend initialization failures
// are recovered locally, logged and reported as a boolean, so the registry can
// fall through to the next-priority backend.
package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/internal/metrics"
	"github.com/gotensor/gotensor/types/shapes"
	"github.com/gotensor/gotensor/types/tensors"
)

// Environment variables consumed at Engine creation.
const (
	// DebugEnv enables always-on profiling/logging of every kernel when set
	// to any non-empty value.
	DebugEnv = "GOTENSOR_DEBUG"

	// CheckLeaksEnv enables per-kernel buffer leak checking (test mode) when
	// set to any non-empty value.
	CheckLeaksEnv = "GOTENSOR_CHECK_LEAKS"
)

// Engine coordinates backends, kernels, the gradient tape and tensor
// lifecycles. Create one with New.
type Engine struct {
	registryState // backend registry, see registry.go

	// Aggregate counters.
	numTensors       int
	numDataBuffers   int
	numStringTensors int
	numBytes         int64

	// dataInfo is the side table of engine metadata per live buffer handle:
	// at most one record per live DataID.
	dataInfo map[backends.DataID]*dataInfo

	nextTensorID   int64
	nextTapeNodeID int64
	nextScopeID    int64

	// activeTape is nil while no differentiation sweep is in progress.
	activeTape    []*TapeNode
	gradientDepth int
	kernelDepth   int

	scopeStack []*scopeState

	// numDataMovesStack counts cross-backend data moves per in-flight kernel
	// execution, for leak accounting. Only maintained under leak checking.
	numDataMovesStack []int

	variables     map[string]*tensors.Variable
	variableNames map[int64]string // tensor id -> variable name

	profiling bool
	profile   *ProfileInfo

	debug      bool
	checkLeaks bool

	seedDefaults bool
}

// dataInfo is the engine-side metadata of one backend buffer.
type dataInfo struct {
	backend  backends.Backend
	dtype    shapes.DType
	shape    shapes.Shape
	bytes    int64
	refCount int
}

// Option configures an Engine at creation.
type Option func(e *Engine)

// WithDebug overrides the DebugEnv setting.
func WithDebug(enabled bool) Option {
	return func(e *Engine) { e.debug = enabled }
}

// WithLeakChecking overrides the CheckLeaksEnv setting.
func WithLeakChecking(enabled bool) Option {
	return func(e *Engine) { e.checkLeaks = enabled }
}

// WithoutDefaultBackends creates the engine with an empty backend registry,
// ignoring the factories registered by backend packages at init time.
func WithoutDefaultBackends() Option {
	return func(e *Engine) { e.seedDefaults = false }
}

// New creates an Engine. Its backend registry is seeded with the default
// factories registered by imported backend packages (see
// RegisterDefaultFactory), unless WithoutDefaultBackends is given.
func New(options ...Option) *Engine {
	e := &Engine{
		dataInfo:      make(map[backends.DataID]*dataInfo),
		variables:     make(map[string]*tensors.Variable),
		variableNames: make(map[int64]string),
		debug:         os.Getenv(DebugEnv) != "",
		checkLeaks:    os.Getenv(CheckLeaksEnv) != "",
		seedDefaults:  true,
	}
	e.registry = make(map[string]*backendEntry)
	for _, opt := range options {
		opt(e)
	}
	if e.seedDefaults {
		for _, def := range snapshotDefaultFactories() {
			e.RegisterBackend(def.name, def.priority, def.factory)
		}
	}
	return e
}

var _ tensors.Tracker = (*Engine)(nil)

// MakeTensor creates a tensor on the active backend from a flat slice of
// values of the Go type backing shape.DType ([]string for String shapes).
func (e *Engine) MakeTensor(values any, shape shapes.Shape) *tensors.Tensor {
	backend := e.Backend()
	id := backend.Write(values, shape)
	return e.wrapBuffer(backends.Buffer{ID: id, Shape: shape}, backend)
}

// MakeTensorFromFlat creates a tensor with the given dimensions from a typed
// flat slice. Example:
//
//	t := engine.MakeTensorFromFlat(e, []float32{1, 2, 3, 4}, 2, 2)
func MakeTensorFromFlat[T shapes.Supported](e *Engine, values []T, dimensions ...int) *tensors.Tensor {
	return e.MakeTensor(values, shapes.Make(shapes.FromGenericsType[T](), dimensions...))
}

// Scalar creates a scalar tensor from the given value.
func Scalar[T shapes.Supported](e *Engine, value T) *tensors.Tensor {
	return MakeTensorFromFlat(e, []T{value})
}

// MakeTensorFromBuffer wraps an already-allocated buffer of the active backend
// as a tracked tensor. The engine takes over the buffer's initial reference.
func (e *Engine) MakeTensorFromBuffer(buffer backends.Buffer) *tensors.Tensor {
	return e.wrapBuffer(buffer, e.Backend())
}

// wrapBuffer creates and tracks a tensor over the given buffer.
func (e *Engine) wrapBuffer(buffer backends.Buffer, backend backends.Backend) *tensors.Tensor {
	e.nextTensorID++
	t := tensors.New(e.nextTensorID, buffer, e)
	e.trackTensor(t, backend)
	return t
}

// trackTensor accounts for a newly created tensor: counters, the dataInfo
// record (created on first sight of its DataID), and the current scope.
func (e *Engine) trackTensor(t *tensors.Tensor, backend backends.Backend) {
	e.numTensors++
	if t.DType() == shapes.String {
		e.numStringTensors++
	}
	info, found := e.dataInfo[t.DataID()]
	if !found {
		bytes := backend.BytesOf(t.DataID())
		info = &dataInfo{
			backend: backend,
			dtype:   t.DType(),
			shape:   t.Shape(),
			bytes:   bytes,
		}
		e.dataInfo[t.DataID()] = info
		e.numDataBuffers++
		e.numBytes += bytes
	}
	info.refCount++
	metrics.LiveTensors.Set(float64(e.numTensors))
	metrics.LiveBytes.Set(float64(e.numBytes))
	e.trackInScope(t)
}

// DisposeTensor implements tensors.Tracker. It decrements counters and
// delegates the release decision to the owning backend: the metadata record is
// removed only once the backend confirms the physical buffer was freed.
// Disposing twice is a no-op.
func (e *Engine) DisposeTensor(t *tensors.Tensor) {
	if t.Disposed {
		return
	}
	t.Disposed = true
	e.numTensors--
	if t.DType() == shapes.String {
		e.numStringTensors--
	}
	if name, isVariable := e.variableNames[t.ID()]; isVariable {
		delete(e.variables, name)
		delete(e.variableNames, t.ID())
	}
	if info, found := e.dataInfo[t.DataID()]; found {
		info.refCount--
		if info.backend.DisposeData(t.DataID()) {
			e.numBytes -= info.bytes
			e.numDataBuffers--
			delete(e.dataInfo, t.DataID())
		}
	}
	metrics.LiveTensors.Set(float64(e.numTensors))
	metrics.LiveBytes.Set(float64(e.numBytes))
}

// ReadTensorSync implements tensors.Tracker.
func (e *Engine) ReadTensorSync(t *tensors.Tensor) any {
	info, found := e.dataInfo[t.DataID()]
	if !found {
		exceptions.Panicf("engine: reading %s, but its buffer was already released", t)
	}
	return info.backend.ReadSync(t.DataID())
}

// MakeVariable registers t as a named variable. Variables survive scope
// closing and live until explicitly disposed. An empty name is replaced by a
// generated unique one; a duplicate name among live variables is fatal.
func (e *Engine) MakeVariable(t *tensors.Tensor, name string, trainable bool) *tensors.Variable {
	if name == "" {
		name = fmt.Sprintf("Variable_%d", t.ID())
	}
	if _, found := e.variables[name]; found {
		exceptions.Panicf("engine: variable with name %q was already registered", name)
	}
	v := tensors.NewVariable(t, name, trainable)
	e.variables[name] = v
	e.variableNames[t.ID()] = name
	e.Keep(t)
	return v
}

// Variable returns the live variable registered under name, if any.
func (e *Engine) Variable(name string) (*tensors.Variable, bool) {
	v, found := e.variables[name]
	return v, found
}

// NumVariables returns the number of live registered variables.
func (e *Engine) NumVariables() int { return len(e.variables) }

// Assign replaces the value of the variable with the value of t, which must
// have the same shape and dtype. The variable's previous buffer is released
// (subject to other references); t's buffer gains a reference and is shared.
func (e *Engine) Assign(v *tensors.Variable, t *tensors.Tensor) {
	if !v.Shape().Equal(t.Shape()) {
		exceptions.Panicf("engine: cannot assign %s to %s, shapes must match", t.Shape(), v)
	}
	newInfo, found := e.dataInfo[t.DataID()]
	if !found {
		exceptions.Panicf("engine: cannot assign from %s, its buffer was already released", t)
	}
	newInfo.backend.IncRef(t.DataID())
	newInfo.refCount++
	if oldInfo, found := e.dataInfo[v.DataID()]; found {
		oldInfo.refCount--
		if oldInfo.backend.DisposeData(v.DataID()) {
			e.numBytes -= oldInfo.bytes
			e.numDataBuffers--
			delete(e.dataInfo, v.DataID())
		}
	}
	v.AdoptBuffer(t.Buffer())
}

// DisposeVariables disposes every registered variable.
func (e *Engine) DisposeVariables() {
	for _, v := range e.variables {
		v.Dispose()
	}
}

// MemoryInfo is a snapshot of the engine's allocation accounting.
type MemoryInfo struct {
	NumTensors       int
	NumDataBuffers   int
	NumStringTensors int
	NumBytes         int64

	// Unreliable flags byte accounting the active backend (or the presence of
	// string tensors) cannot make exact; Reasons says why.
	Unreliable bool
	Reasons    []string
}

// Memory returns the engine's current allocation accounting.
func (e *Engine) Memory() MemoryInfo {
	m := MemoryInfo{
		NumTensors:       e.numTensors,
		NumDataBuffers:   e.numDataBuffers,
		NumStringTensors: e.numStringTensors,
		NumBytes:         e.numBytes,
	}
	if backend := e.activeBackend(); backend != nil {
		backendMemory := backend.Memory()
		m.Unreliable = backendMemory.Unreliable
		m.Reasons = backendMemory.Reasons
	}
	if e.numStringTensors > 0 {
		m.Unreliable = true
		m.Reasons = append(m.Reasons, "string tensors are counted by encoded byte length, which excludes per-value overhead")
	}
	return m
}

// String implements fmt.Stringer.
func (m MemoryInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tensors, %d buffers, %s", m.NumTensors, m.NumDataBuffers, humanize.Bytes(uint64(max(m.NumBytes, 0))))
	if m.NumStringTensors > 0 {
		fmt.Fprintf(&b, " (%d string tensors)", m.NumStringTensors)
	}
	if m.Unreliable {
		fmt.Fprintf(&b, " [unreliable: %s]", strings.Join(m.Reasons, "; "))
	}
	return b.String()
}

// Reset disposes all variables and the active backend state, and clears the
// tape, the scope stack and the counters, returning the engine to its
// post-New state. Registered backend factories are preserved, instantiated
// backends are disposed.
func (e *Engine) Reset() {
	e.DisposeVariables()
	e.scopeStack = nil
	e.activeTape = nil
	e.gradientDepth = 0
	e.kernelDepth = 0
	e.numDataMovesStack = nil
	e.profiling = false
	e.profile = nil
	e.numTensors = 0
	e.numDataBuffers = 0
	e.numStringTensors = 0
	e.numBytes = 0
	e.dataInfo = make(map[backends.DataID]*dataInfo)
	e.variables = make(map[string]*tensors.Variable)
	e.variableNames = make(map[int64]string)
	e.resetBackends()
	metrics.LiveTensors.Set(0)
	metrics.LiveBytes.Set(0)
}

// fillLike creates a tensor with t's shape and dtype, filled with value. The
// values are built engine-side and written to the active backend, so no
// kernel is involved and nothing is recorded on the tape.
func (e *Engine) fillLike(t *tensors.Tensor, value float64) *tensors.Tensor {
	shape := t.Shape()
	return e.MakeTensor(shapes.FilledSlice(shape.DType, shape.Size(), value), shape)
}

func (e *Engine) onesLike(t *tensors.Tensor) *tensors.Tensor  { return e.fillLike(t, 1) }
func (e *Engine) zerosLike(t *tensors.Tensor) *tensors.Tensor { return e.fillLike(t, 0) }

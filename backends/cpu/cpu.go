// Package cpu implements the reference CPU backend: buffers are Go slices
// held in a generational arena with per-buffer reference counts.
//
// Importing the package registers the backend under the name "cpu" with the
// engine's default registry:
//
//	import _ "github.com/gotensor/gotensor/backends/cpu"
//
// Complex tensors are stored as two float component buffers (real and
// imaginary) under a parent record, so one complex buffer accounts for three
// live dataIds. String tensors store their encoded bytes and account memory by
// total encoded length.
package cpu

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/gomlx/exceptions"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/types/shapes"
)

// Name of the backend and priority with which it registers itself.
const (
	Name     = "cpu"
	Priority = 1
)

// Backend implements backends.Backend with in-process Go slice storage.
type Backend struct {
	mu sync.Mutex

	slots    []slot
	free     []uint32
	numLive  int
	disposed bool
}

// slot is one arena entry. A slot is recycled through the free list; its
// generation is bumped on each allocation so stale DataIDs are detected.
type slot struct {
	generation uint32
	live       bool

	// flat is a slice of the Go type backing shape.DType, or nil for complex
	// parent records, whose storage lives in the component slots.
	flat  any
	shape shapes.Shape
	bytes int64

	refCount int

	// components holds the real and imaginary buffers of a complex parent.
	isComplexParent bool
	components      [2]backends.DataID
}

// New creates a fresh CPU backend.
func New() *Backend {
	return &Backend{}
}

var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return Name }

// alloc reserves an arena slot and returns its handle. Caller must hold b.mu.
func (b *Backend) alloc() (backends.DataID, *slot) {
	var index uint32
	if n := len(b.free); n > 0 {
		index = b.free[n-1]
		b.free = b.free[:n-1]
	} else {
		b.slots = append(b.slots, slot{})
		index = uint32(len(b.slots) - 1)
	}
	s := &b.slots[index]
	s.generation++
	s.live = true
	s.refCount = 1
	s.isComplexParent = false
	s.components = [2]backends.DataID{}
	b.numLive++
	return backends.DataID{Index: index, Generation: s.generation}, s
}

// lookup resolves a DataID to its slot, panicking on stale or dead handles.
// Caller must hold b.mu.
func (b *Backend) lookup(id backends.DataID) *slot {
	if b.disposed {
		exceptions.Panicf("cpu: backend already disposed")
	}
	if int(id.Index) >= len(b.slots) {
		exceptions.Panicf("cpu: unknown dataId %v", id)
	}
	s := &b.slots[id.Index]
	if !s.live || s.generation != id.Generation {
		exceptions.Panicf("cpu: stale dataId %v (buffer was released)", id)
	}
	return s
}

// Write implements backends.Backend.
func (b *Backend) Write(values any, shape shapes.Shape) backends.DataID {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch shape.DType {
	case shapes.String:
		return b.writeStringLocked(values, shape)
	case shapes.Complex64, shapes.Complex128:
		return b.writeComplexLocked(values, shape)
	}
	flatV := reflect.ValueOf(values)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		exceptions.Panicf("cpu: Write for shape %s requires a []%s, got %T", shape, shape.DType.GoType(), values)
	}
	if flatV.Len() != shape.Size() {
		exceptions.Panicf("cpu: Write for shape %s requires %d values, got %d", shape, shape.Size(), flatV.Len())
	}
	// Clone: the caller may reuse its slice.
	owned := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(owned, flatV)

	id, s := b.alloc()
	s.flat = owned.Interface()
	s.shape = shape.Clone()
	s.bytes = shape.Memory()
	return id
}

func (b *Backend) writeStringLocked(values any, shape shapes.Shape) backends.DataID {
	strs, ok := values.([]string)
	if !ok {
		exceptions.Panicf("cpu: Write for shape %s requires a []string, got %T", shape, values)
	}
	if len(strs) != shape.Size() {
		exceptions.Panicf("cpu: Write for shape %s requires %d values, got %d", shape, shape.Size(), len(strs))
	}
	// Encoded byte length is computed at write time, it is the only point the
	// storage of a string tensor is known.
	var bytes int64
	owned := make([]string, len(strs))
	for i, str := range strs {
		owned[i] = str
		bytes += int64(len(str))
	}
	id, s := b.alloc()
	s.flat = owned
	s.shape = shape.Clone()
	s.bytes = bytes
	return id
}

func (b *Backend) writeComplexLocked(values any, shape shapes.Shape) backends.DataID {
	componentShape := shapes.Make(shape.DType.ComponentDType(), shape.Dimensions...)
	size := shape.Size()
	var realID, imagID backends.DataID
	switch flat := values.(type) {
	case []complex64:
		if len(flat) != size {
			exceptions.Panicf("cpu: Write for shape %s requires %d values, got %d", shape, size, len(flat))
		}
		re := make([]float32, size)
		im := make([]float32, size)
		for i, c := range flat {
			re[i], im[i] = real(c), imag(c)
		}
		realID = b.writeComponentLocked(re, componentShape)
		imagID = b.writeComponentLocked(im, componentShape)
	case []complex128:
		if len(flat) != size {
			exceptions.Panicf("cpu: Write for shape %s requires %d values, got %d", shape, size, len(flat))
		}
		re := make([]float64, size)
		im := make([]float64, size)
		for i, c := range flat {
			re[i], im[i] = real(c), imag(c)
		}
		realID = b.writeComponentLocked(re, componentShape)
		imagID = b.writeComponentLocked(im, componentShape)
	default:
		exceptions.Panicf("cpu: Write for shape %s requires a complex slice, got %T", shape, values)
	}

	id, s := b.alloc()
	s.shape = shape.Clone()
	s.isComplexParent = true
	s.components = [2]backends.DataID{realID, imagID}
	// The parent reports the storage of its components; the components
	// themselves are internal and never surface to the engine.
	s.bytes = b.slots[realID.Index].bytes + b.slots[imagID.Index].bytes
	return id
}

func (b *Backend) writeComponentLocked(flat any, shape shapes.Shape) backends.DataID {
	id, s := b.alloc()
	s.flat = flat
	s.shape = shape.Clone()
	s.bytes = shape.Memory()
	return id
}

// ReadSync implements backends.Backend. The returned slice aliases the buffer
// storage and must not be mutated.
func (b *Backend) ReadSync(id backends.DataID) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(id)
}

func (b *Backend) readLocked(id backends.DataID) any {
	s := b.lookup(id)
	if !s.isComplexParent {
		return s.flat
	}
	re := b.lookup(s.components[0])
	im := b.lookup(s.components[1])
	switch s.shape.DType {
	case shapes.Complex64:
		reF, imF := re.flat.([]float32), im.flat.([]float32)
		out := make([]complex64, len(reF))
		for i := range out {
			out[i] = complex(reF[i], imF[i])
		}
		return out
	case shapes.Complex128:
		reF, imF := re.flat.([]float64), im.flat.([]float64)
		out := make([]complex128, len(reF))
		for i := range out {
			out[i] = complex(reF[i], imF[i])
		}
		return out
	}
	exceptions.Panicf("cpu: complex parent buffer %v has non-complex shape %s", id, s.shape)
	return nil
}

// Read implements backends.Backend. The CPU backend has no asynchronous
// transfers, so it only honors context cancellation.
func (b *Backend) Read(ctx context.Context, id backends.DataID) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.ReadSync(id), nil
}

// IncRef implements backends.Backend.
func (b *Backend) IncRef(id backends.DataID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookup(id).refCount++
}

// RefCount implements backends.Backend.
func (b *Backend) RefCount(id backends.DataID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(id).refCount
}

// DisposeData implements backends.Backend: it decrements the reference count
// and reports whether the physical storage was released.
func (b *Backend) DisposeData(id backends.DataID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposeDataLocked(id)
}

func (b *Backend) disposeDataLocked(id backends.DataID) bool {
	s := b.lookup(id)
	s.refCount--
	if s.refCount > 0 {
		return false
	}
	if s.isComplexParent {
		b.disposeDataLocked(s.components[0])
		b.disposeDataLocked(s.components[1])
	}
	s.live = false
	s.flat = nil
	s.shape = shapes.Invalid()
	b.free = append(b.free, id.Index)
	b.numLive--
	return true
}

// NumDataIds implements backends.Backend. Complex component buffers count.
func (b *Backend) NumDataIds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numLive
}

// BytesOf implements backends.Backend.
func (b *Backend) BytesOf(id backends.DataID) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(id).bytes
}

// ShapeOf returns the shape the buffer was written with.
func (b *Backend) ShapeOf(id backends.DataID) shapes.Shape {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(id).shape
}

// Memory implements backends.Backend: CPU byte accounting is exact.
func (b *Backend) Memory() backends.MemoryInfo {
	return backends.MemoryInfo{}
}

// Time implements backends.Backend. The CPU backend executes synchronously, so
// kernel time equals wall time.
func (b *Backend) Time(f func()) (backends.TimingInfo, error) {
	start := time.Now()
	f()
	elapsed := time.Since(start)
	return backends.TimingInfo{KernelTime: elapsed, WallTime: elapsed}, nil
}

// Dispose implements backends.Backend.
func (b *Backend) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = nil
	b.free = nil
	b.numLive = 0
	b.disposed = true
}

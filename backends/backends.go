// Package backends defines the interface a tensor storage and kernel execution
// target needs to implement to be used by the GoTensor engine.
//
// A backend owns physical buffers, identified by opaque DataID handles, and
// reference-counts them: the engine asks for disposal, the backend decides
// whether the physical storage is actually released.
//
// To simplify error handling, functions on the hot path are expected to throw
// (panic) with a stack trace in case of errors. See package
// github.com/gomlx/exceptions. Functions that can fail for recoverable reasons
// (transfers, timing) return an error instead.
package backends

import (
	"context"
	"time"

	"github.com/gotensor/gotensor/types/shapes"
)

// DataID is an opaque handle identifying a physical buffer inside a backend.
//
// Backends mint DataIDs from a generational arena: Index locates the arena
// slot and Generation detects stale handles after a slot is recycled. The
// zero value is never a valid handle.
type DataID struct {
	Index      uint32
	Generation uint32
}

// Ok returns whether the DataID is non-zero. It says nothing about whether the
// buffer is still alive in its backend.
func (id DataID) Ok() bool { return id.Generation != 0 }

// Buffer describes one backend buffer: its handle and the shape of the data it
// holds. It is what kernels consume and produce; the engine wraps Buffers into
// tracked tensors.
type Buffer struct {
	ID    DataID
	Shape shapes.Shape
}

// Backend is the contract the engine requires from an execution target.
//
// Buffer storage and the kernel implementations registered for the backend are
// the backend's business; the engine only manages lifecycles and dispatch.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cpu".
	Name() string

	// Write allocates a buffer for shape and fills it with values, returning
	// its handle. values must be a flat slice of the Go type backing
	// shape.DType ([]string for String shapes). The new buffer starts with a
	// reference count of 1.
	Write(values any, shape shapes.Shape) DataID

	// ReadSync returns the flat values stored in the buffer, blocking if the
	// backend needs to transfer them.
	ReadSync(id DataID) any

	// Read is the asynchronous version of ReadSync.
	Read(ctx context.Context, id DataID) (any, error)

	// IncRef increments the reference count of the buffer.
	IncRef(id DataID)

	// RefCount returns the current reference count of the buffer.
	RefCount(id DataID) int

	// DisposeData decrements the reference count of the buffer and returns
	// whether the physical storage was actually released -- it is not when
	// other references remain.
	DisposeData(id DataID) bool

	// NumDataIds returns the number of live buffers in the backend, including
	// internal component buffers of complex tensors.
	NumDataIds() int

	// BytesOf returns the storage in bytes used by the buffer. For string
	// buffers this is the encoded byte length computed at write time.
	BytesOf(id DataID) int64

	// Memory reports whether the backend's byte accounting is reliable, and
	// why not when it isn't.
	Memory() MemoryInfo

	// Time runs f and reports how long the backend spent executing kernels
	// inside it.
	Time(f func()) (TimingInfo, error)

	// Dispose releases all resources associated with the backend and makes it
	// invalid.
	Dispose()
}

// MemoryInfo qualifies a backend's byte accounting.
type MemoryInfo struct {
	Unreliable bool
	Reasons    []string
}

// TimingInfo is the result of Backend.Time.
type TimingInfo struct {
	// KernelTime is the time spent inside kernel execution. For backends that
	// cannot separate kernel time from wall time the two are equal.
	KernelTime time.Duration
	WallTime   time.Duration
}

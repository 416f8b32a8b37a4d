package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"

	"github.com/gotensor/gotensor/types/shapes"
)

// KernelProfile is the record of one kernel execution captured while profiling
// (or in debug mode).
type KernelProfile struct {
	Name string

	// BytesAdded and TensorsAdded are the engine accounting deltas across the
	// execution; TotalBytes is the engine total right after it.
	BytesAdded   int64
	TotalBytes   int64
	TensorsAdded int

	InputShapes  map[string]shapes.Shape
	OutputShapes []shapes.Shape

	KernelTime time.Duration
}

// ProfileInfo aggregates the kernel executions recorded by one Profile call.
type ProfileInfo struct {
	// NewBytes and NewTensors are the net allocation of the profiled query;
	// PeakBytes is the maximum engine byte total observed after any kernel.
	NewBytes   int64
	NewTensors int
	PeakBytes  int64

	Kernels []KernelProfile

	// Result is whatever the profiled query returned.
	Result any
}

// KernelNames returns the name of each recorded kernel execution, in order.
func (p *ProfileInfo) KernelNames() []string {
	names := make([]string, len(p.Kernels))
	for i, k := range p.Kernels {
		names[i] = k.Name
	}
	return names
}

// TotalKernelTime sums the kernel time over all recorded executions.
func (p *ProfileInfo) TotalKernelTime() time.Duration {
	var total time.Duration
	for _, k := range p.Kernels {
		total += k.KernelTime
	}
	return total
}

// String implements fmt.Stringer.
func (p *ProfileInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d kernels in %v, %+d tensors, %s allocated (peak %s)",
		len(p.Kernels), p.TotalKernelTime(), p.NewTensors,
		humanize.Bytes(uint64(max(p.NewBytes, 0))), humanize.Bytes(uint64(max(p.PeakBytes, 0))))
	for _, k := range p.Kernels {
		fmt.Fprintf(&b, "\n  %s: %v, %+d tensors, inputs=%v, outputs=%v",
			k.Name, k.KernelTime, k.TensorsAdded, k.InputShapes, k.OutputShapes)
	}
	return b.String()
}

// Profile runs query while recording, per kernel execution, byte and
// tensor-count deltas, input/output shapes and timing, and returns the
// aggregate report. Profile calls cannot nest.
func (e *Engine) Profile(query func() any) *ProfileInfo {
	if e.profiling {
		exceptions.Panicf("engine: Profile calls cannot nest")
	}
	p := &ProfileInfo{PeakBytes: e.numBytes}
	e.profiling = true
	e.profile = p
	defer func() {
		e.profiling = false
		e.profile = nil
	}()
	bytesBefore := e.numBytes
	tensorsBefore := e.numTensors
	p.Result = query()
	p.NewBytes = e.numBytes - bytesBefore
	p.NewTensors = e.numTensors - tensorsBefore
	return p
}

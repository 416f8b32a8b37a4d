/*
 *	Copyright 2024 The GoTensor Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements Tensor, an immutable logical array view over a
// backend-owned buffer, identified by its shape, dtype and a DataID buffer
// handle.
//
// A Tensor does not own its buffer: the engine that created it tracks the
// buffer's reference count and the backend owns the physical storage. Tensors
// are created by the engine (when a kernel produces output, or when wrapping
// an existing buffer) and report back to it for disposal and reads, through
// the Tracker interface.
package tensors

import (
	"fmt"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/types/shapes"
)

// Tracker is the engine-side contract a Tensor reports back to. It is
// implemented by the engine that created the tensor.
type Tracker interface {
	// DisposeTensor releases the tensor. Disposing an already disposed tensor
	// is a no-op.
	DisposeTensor(t *Tensor)

	// ReadTensorSync returns the tensor's flat values.
	ReadTensorSync(t *Tensor) any
}

// Tensor is an immutable logical array view over a backend-owned buffer.
type Tensor struct {
	id      int64
	shape   shapes.Shape
	dataID  backends.DataID
	tracker Tracker

	// Kept, ScopeID and Disposed are lifecycle bookkeeping owned by the
	// engine that created the tensor. They must not be mutated by users.
	Kept     bool
	ScopeID  int64
	Disposed bool
}

// New creates a Tensor with the given unique id, over the given backend
// buffer, reporting back to tracker. It is meant to be called by the engine
// only -- users create tensors through the engine.
func New(id int64, buffer backends.Buffer, tracker Tracker) *Tensor {
	return &Tensor{
		id:      id,
		shape:   buffer.Shape,
		dataID:  buffer.ID,
		tracker: tracker,
	}
}

// ID returns the unique (per engine) id of the tensor.
func (t *Tensor) ID() int64 { return t.id }

// Shape of the tensor, includes its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut to Shape().DType.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// DataID returns the handle of the backend buffer holding the tensor's values.
func (t *Tensor) DataID() backends.DataID { return t.dataID }

// Buffer returns the backend buffer descriptor for the tensor.
func (t *Tensor) Buffer() backends.Buffer {
	return backends.Buffer{ID: t.dataID, Shape: t.shape}
}

// AdoptBuffer re-points the tensor to a different backend buffer. Meant to be
// called by the engine only, when moving data across backends or assigning
// variables.
func (t *Tensor) AdoptBuffer(buffer backends.Buffer) {
	t.shape = buffer.Shape
	t.dataID = buffer.ID
}

// Dispose releases the tensor back to its engine. The underlying buffer is
// freed once no other reference to it remains. Disposing twice is a no-op.
func (t *Tensor) Dispose() {
	if t.Disposed || t.tracker == nil {
		return
	}
	t.tracker.DisposeTensor(t)
}

// ReadSync returns the flat values of the tensor, blocking on any needed
// transfer. The returned slice must not be mutated.
func (t *Tensor) ReadSync() any {
	return t.tracker.ReadTensorSync(t)
}

// String implements fmt.Stringer, without printing the values.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor#%d(%s)", t.id, t.shape)
}

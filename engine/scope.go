package engine

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gotensor/gotensor/types/tensors"
)

// scopeState tracks the tensors allocated during one scope, for bulk disposal
// at close.
type scopeState struct {
	id    int64
	name  string
	track []*tensors.Tensor
}

// StartScope pushes a new allocation-tracking scope. An empty name gets a
// generated one. Prefer Tidy, which pairs the close with the open.
func (e *Engine) StartScope(name string) {
	e.nextScopeID++
	if name == "" {
		name = fmt.Sprintf("scope_%d", e.nextScopeID)
	}
	e.scopeStack = append(e.scopeStack, &scopeState{id: e.nextScopeID, name: name})
}

// EndScope pops the current scope and disposes every tensor tracked in it that
// is neither kept nor reachable from result. Tensors reachable from result
// that were allocated in the closed scope are re-tracked into the parent
// scope, so a tensor threaded through several scopes is tracked exactly once.
//
// Closing a scope while a backend initialization is still in flight is
// allowed but logged at warning level: the backend the scope's tensors live
// on may be swapped out underneath them.
func (e *Engine) EndScope(result any) {
	n := len(e.scopeStack)
	if n == 0 {
		exceptions.Panicf("engine: EndScope without a matching StartScope")
	}
	top := e.scopeStack[n-1]
	e.scopeStack = e.scopeStack[:n-1]

	if pending := e.PendingAsyncInits(); pending > 0 {
		klog.Warningf("engine: closing scope %q while %d backend initializations are still in flight", top.name, pending)
	}

	escaping := TensorsInContainer(result)
	escapes := make(map[int64]bool, len(escaping))
	for _, t := range escaping {
		escapes[t.ID()] = true
	}
	for _, t := range top.track {
		if t.Disposed || t.Kept || escapes[t.ID()] {
			continue
		}
		t.Dispose()
	}
	for _, t := range escaping {
		if t.Disposed || t.Kept || t.ScopeID != top.id {
			continue
		}
		e.trackInScope(t)
	}
}

// NumScopes returns the current depth of the scope stack.
func (e *Engine) NumScopes() int { return len(e.scopeStack) }

// trackInScope registers a freshly created tensor with the innermost scope, if
// any. Kept tensors are not tracked.
func (e *Engine) trackInScope(t *tensors.Tensor) {
	if t.Kept || len(e.scopeStack) == 0 {
		return
	}
	top := e.scopeStack[len(e.scopeStack)-1]
	t.ScopeID = top.id
	top.track = append(top.track, t)
}

// Keep marks t to survive any enclosing scope close and returns it.
func (e *Engine) Keep(t *tensors.Tensor) *tensors.Tensor {
	t.Kept = true
	return t
}

// Tidy runs fn inside a fresh scope: every tensor fn allocates that is neither
// kept nor reachable from its return value is disposed when fn returns. The
// scope is closed on both normal return and panic; on panic everything tracked
// is disposed before the panic resumes.
//
// Avoid leaving an asynchronous backend initialization pending when fn
// returns; the close warns about it (see EndScope).
func Tidy[T any](e *Engine, fn func() T) T {
	return TidyNamed(e, "", fn)
}

// TidyNamed is Tidy with a scope name, used in debug logs and error messages.
func TidyNamed[T any](e *Engine, name string, fn func() T) T {
	e.StartScope(name)
	var result T
	completed := false
	defer func() {
		if completed {
			e.EndScope(result)
		} else {
			e.EndScope(nil)
		}
	}()
	result = fn()
	completed = true
	return result
}

// TensorsInContainer returns the tensors reachable from container, traversing
// pointers, interfaces, slices, arrays, map values and exported struct fields.
// Variables contribute their underlying tensor. Each tensor is returned once.
func TensorsInContainer(container any) []*tensors.Tensor {
	if container == nil {
		return nil
	}
	var found []*tensors.Tensor
	seen := make(map[*tensors.Tensor]bool)
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if !v.IsValid() {
			return
		}
		if v.CanInterface() {
			switch value := v.Interface().(type) {
			case *tensors.Tensor:
				if value != nil && !seen[value] {
					seen[value] = true
					found = append(found, value)
				}
				return
			case *tensors.Variable:
				if value != nil {
					walk(reflect.ValueOf(value.Tensor))
				}
				return
			}
		}
		switch v.Kind() {
		case reflect.Pointer, reflect.Interface:
			if !v.IsNil() {
				walk(v.Elem())
			}
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				walk(iter.Value())
			}
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				walk(v.Field(i))
			}
		}
	}
	walk(reflect.ValueOf(container))
	return found
}

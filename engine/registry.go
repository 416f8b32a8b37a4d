package engine

import (
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotensor/gotensor/backends"
	"github.com/gotensor/gotensor/kernels"
)

// Factory instantiates a backend. Factories may be slow or asynchronous in
// nature; the registry always runs them on their own goroutine, so a factory
// can simply block. A factory returning an error (or a nil backend) is a
// recoverable failure: it is logged and the registry falls through to the
// next-priority backend.
type Factory func() (backends.Backend, error)

// backendEntry is one registered backend factory and, once initialized, its
// instance.
type backendEntry struct {
	name     string
	priority int
	factory  Factory

	instance    backends.Backend
	initialized bool
	failed      bool
}

// registryState is the backend-registry portion of the Engine. mu guards it
// against asynchronous factory completions; the rest of the engine is
// single-owner and unlocked.
type registryState struct {
	mu       sync.Mutex
	registry map[string]*backendEntry

	backendName string
	backend     backends.Backend

	// initGeneration stamps every initialization attempt. A completion whose
	// generation is stale -- superseded by a later SetBackend/RemoveBackend --
	// is discarded.
	initGeneration int64

	// pendingInits counts factory goroutines that have not settled yet.
	pendingInits int
}

// Default factories, registered by backend packages at init time and copied
// into every new Engine.
var (
	defaultFactoriesMu sync.Mutex
	defaultFactories   []defaultFactory
)

type defaultFactory struct {
	name     string
	priority int
	factory  Factory
}

// RegisterDefaultFactory adds a backend factory to the process-wide default
// list seeded into every new Engine. Backend packages call it from init:
//
//	func init() { engine.RegisterDefaultFactory("cpu", 1, factory) }
func RegisterDefaultFactory(name string, priority int, factory Factory) {
	defaultFactoriesMu.Lock()
	defer defaultFactoriesMu.Unlock()
	for _, def := range defaultFactories {
		if def.name == name {
			klog.Warningf("engine: default backend factory %q is already registered, ignoring", name)
			return
		}
	}
	defaultFactories = append(defaultFactories, defaultFactory{name: name, priority: priority, factory: factory})
}

func snapshotDefaultFactories() []defaultFactory {
	defaultFactoriesMu.Lock()
	defer defaultFactoriesMu.Unlock()
	snapshot := make([]defaultFactory, len(defaultFactories))
	copy(snapshot, defaultFactories)
	return snapshot
}

// RegisterBackend registers a named backend factory with the given priority.
// Higher priorities are tried first by the lazy getter. It returns false (and
// logs) if the name is already registered.
func (e *Engine) RegisterBackend(name string, priority int, factory Factory) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, found := e.registry[name]; found {
		klog.Warningf("engine: backend %q is already registered", name)
		return false
	}
	e.registry[name] = &backendEntry{name: name, priority: priority, factory: factory}
	return true
}

// SetBackend makes the named backend active, lazily instantiating it and
// blocking until its (possibly asynchronous) initialization settles. It panics
// if the name was never registered, and returns whether initialization
// succeeded.
func (e *Engine) SetBackend(name string) bool {
	return <-e.SetBackendAsync(name)
}

// SetBackendAsync is the non-blocking version of SetBackend: it starts the
// initialization and returns a channel delivering its outcome. Any later
// SetBackend, SetBackendAsync or RemoveBackend supersedes an in-flight
// initialization: the stale completion is discarded and reported as false.
func (e *Engine) SetBackendAsync(name string) <-chan bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, found := e.registry[name]
	if !found {
		exceptions.Panicf("engine: backend %q has not been registered; registered backends: %v", name, e.registeredNamesLocked())
	}
	// Until the new initialization settles there is no active backend.
	e.backend = nil
	e.backendName = ""
	return e.initializeBackendLocked(entry)
}

// initializeBackendLocked starts (or completes) initialization of entry.
// Caller must hold e.mu.
func (e *Engine) initializeBackendLocked(entry *backendEntry) <-chan bool {
	done := make(chan bool, 1)
	if entry.initialized {
		e.installBackendLocked(entry)
		done <- true
		return done
	}
	e.initGeneration++
	generation := e.initGeneration
	e.pendingInits++
	go func() {
		backend, err := entry.factory()
		if err == nil && backend == nil {
			err = errors.Errorf("factory for backend %q returned no backend", entry.name)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.pendingInits--
		if generation != e.initGeneration {
			// Superseded by a later SetBackend/RemoveBackend.
			if backend != nil {
				backend.Dispose()
			}
			klog.V(1).Infof("engine: discarding stale initialization of backend %q", entry.name)
			done <- false
			return
		}
		if err != nil {
			entry.failed = true
			klog.Warningf("engine: initialization of backend %q failed: %+v", entry.name, err)
			done <- false
			return
		}
		entry.instance = backend
		entry.initialized = true
		e.installBackendLocked(entry)
		done <- true
	}()
	return done
}

// installBackendLocked makes entry's instance the active backend and re-runs
// the setup hooks of every kernel registered for it. Caller must hold e.mu.
func (e *Engine) installBackendLocked(entry *backendEntry) {
	e.backend = entry.instance
	e.backendName = entry.name
	for _, k := range kernels.ForBackend(entry.name) {
		if k.Setup != nil {
			k.Setup(entry.instance)
		}
	}
	klog.V(1).Infof("engine: active backend is now %q", entry.name)
}

// Backend returns the active backend, lazily picking the highest-priority
// registered backend whose initialization succeeds, trying lower-priority ones
// on failure. It panics when none succeeds.
func (e *Engine) Backend() backends.Backend {
	if backend := e.activeBackend(); backend != nil {
		return backend
	}
	for _, entry := range e.entriesByPriority() {
		if entry.failed {
			continue
		}
		if e.SetBackend(entry.name) {
			return e.activeBackend()
		}
	}
	exceptions.Panicf("engine: no backend could be initialized; registered backends: %v -- maybe import the default CPU one with import _ \"github.com/gotensor/gotensor/backends/cpu\"?", e.registeredNames())
	return nil
}

// Ready ensures a backend is active, initializing one if needed, and returns
// the name it was registered under. The instance's own Name may differ when
// the same implementation is registered under several names.
func (e *Engine) Ready() string {
	e.Backend()
	return e.BackendName()
}

// BackendName returns the name of the active backend, or "" when none is
// active yet.
func (e *Engine) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backendName
}

// PendingAsyncInits reports how many backend initializations are still in
// flight. Scope closing warns when it is non-zero, see EndScope.
func (e *Engine) PendingAsyncInits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingInits
}

// RemoveBackend unregisters the named backend: it runs the dispose hooks of
// the kernels registered for it, disposes the instance, and if it was active
// clears the active-backend state. In-flight initializations are superseded.
func (e *Engine) RemoveBackend(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, found := e.registry[name]
	if !found {
		exceptions.Panicf("engine: backend %q has not been registered; registered backends: %v", name, e.registeredNamesLocked())
	}
	e.initGeneration++
	if entry.initialized {
		for _, k := range kernels.ForBackend(name) {
			if k.Dispose != nil {
				k.Dispose(entry.instance)
			}
		}
		entry.instance.Dispose()
	}
	if e.backendName == name {
		e.backend = nil
		e.backendName = ""
	}
	delete(e.registry, name)
}

func (e *Engine) activeBackend() backends.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

func (e *Engine) entriesByPriority() []*backendEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := make([]*backendEntry, 0, len(e.registry))
	for _, entry := range e.registry {
		entries = append(entries, entry)
	}
	// Highest priority first; names break ties so the order is deterministic.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].name < entries[j].name
	})
	return entries
}

func (e *Engine) registeredNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registeredNamesLocked()
}

func (e *Engine) registeredNamesLocked() []string {
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resetBackends disposes all instantiated backends and clears active state,
// keeping the registered factories. Used by Engine.Reset.
func (e *Engine) resetBackends() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initGeneration++
	for _, entry := range e.registry {
		if entry.initialized {
			entry.instance.Dispose()
			entry.instance = nil
			entry.initialized = false
		}
		entry.failed = false
	}
	e.backend = nil
	e.backendName = ""
}

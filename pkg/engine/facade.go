// Package engine defines the shared ModelHandle issuance and loaded-set
// bookkeeping used by the three engine variants (pkg/engine/llm,
// pkg/engine/stt, pkg/engine/tts). Each variant implements its own
// inference surface but shares the same Load/Unload/IsLoaded contract and
// handle-issuance discipline, generalized from a per-provider package
// family into one facade.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

// handleCounter is process-wide so that handles issued by the LLM, STT, and
// TTS variants never collide, preserving the invariant that a ModelHandle
// appears in at most one engine's loaded set.
var handleCounter uint64

// NextHandle issues the next monotonic, nonzero ModelHandle. Zero is
// reserved for "invalid" per the data model.
func NextHandle() model.ModelHandle {
	return model.ModelHandle(atomic.AddUint64(&handleCounter, 1))
}

// Facade is the uniform contract every engine variant (LLM, STT, TTS)
// implements on top of its variant-specific inference operations.
type Facade interface {
	// Load reads a model from path and returns a handle bound to its
	// resident backend state. Fails with NotFound, UnsupportedFormat, or
	// OutOfMemory (KindResource).
	Load(path string) (Handle, error)

	// Unload releases the backend state bound to handle. Idempotent after
	// the first successful call.
	Unload(handle Handle) error

	// IsLoaded reports whether handle currently names resident state.
	IsLoaded(handle Handle) bool
}

// Handle is a type alias over the shared model-package handle type so each
// variant package can refer to "engine.Handle" without importing
// pkg/model directly in call sites.
type Handle = model.ModelHandle

// LoadedSet tracks the set of currently-resident handles for one engine
// variant, guarded by a single mutex per the concurrency model's "engine
// loaded-set: guarded by per-engine mutex" shared-resource rule.
type LoadedSet[T any] struct {
	mu      sync.RWMutex
	entries map[Handle]T
}

// NewLoadedSet constructs an empty LoadedSet.
func NewLoadedSet[T any]() *LoadedSet[T] {
	return &LoadedSet[T]{entries: make(map[Handle]T)}
}

// Put registers state under handle.
func (s *LoadedSet[T]) Put(handle Handle, state T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[handle] = state
}

// Get returns the state bound to handle and whether it was found. Callers
// performing inference should hold this as a "shared read guard" — Get
// itself takes the set's read lock only long enough to copy the entry out.
func (s *LoadedSet[T]) Get(handle Handle) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[handle]
	return v, ok
}

// Delete removes handle from the set. Returns false if handle was not
// present, so callers can treat a second Unload as a no-op.
func (s *LoadedSet[T]) Delete(handle Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[handle]; !ok {
		return false
	}
	delete(s.entries, handle)
	return true
}

// Contains reports whether handle is currently resident.
func (s *LoadedSet[T]) Contains(handle Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[handle]
	return ok
}

// Handles returns a snapshot of all currently-resident handles, in no
// particular order, so callers can iterate it without holding the set's
// lock.
func (s *LoadedSet[T]) Handles() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, len(s.entries))
	for h := range s.entries {
		out = append(out, h)
	}
	return out
}

// Len reports the number of currently-resident handles.
func (s *LoadedSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

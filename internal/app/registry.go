package app

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds optional components by type. Wiring code provides what it
// managed to build; consumers look components up instead of assuming they exist.
type Registry struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[reflect.Type]any)}
}

// Provide registers v under its static type T, replacing any previous value.
func Provide[T any](r *Registry, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[reflect.TypeFor[T]()] = v
}

// Lookup returns the component registered for T.
func Lookup[T any](r *Registry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustLookup is Lookup for components the caller cannot run without.
func MustLookup[T any](r *Registry) T {
	v, ok := Lookup[T](r)
	if !ok {
		panic(fmt.Sprintf("app: no %s registered", reflect.TypeFor[T]()))
	}
	return v
}

// Len reports how many components are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

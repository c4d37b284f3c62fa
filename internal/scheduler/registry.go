// Package scheduler keeps every timer of a component in one named registry
// so shutdown and state transitions can cancel them deterministically.
package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type entry struct {
	timer Timer
	gen   uint64
}

// Registry tracks named one-shot and repeating timers. Scheduling a name
// that is already armed replaces the previous timer. A callback whose timer
// was cancelled or replaced before it ran is discarded.
type Registry struct {
	mu     sync.Mutex
	clock  Clock
	timers map[string]*entry
	gen    uint64
	logger *slog.Logger
}

// NewRegistry creates a registry on clock. A nil clock means RealClock.
func NewRegistry(clock Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:  clock,
		timers: make(map[string]*entry),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Clock returns the registry's time source.
func (r *Registry) Clock() Clock { return r.clock }

// Now is shorthand for Clock().Now().
func (r *Registry) Now() time.Time { return r.clock.Now() }

// After runs fn once after d under the given name.
func (r *Registry) After(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.replace(name)
	r.timers[name] = &entry{gen: gen, timer: r.clock.AfterFunc(d, func() {
		if !r.claim(name, gen, true) {
			return
		}
		fn()
	})}
}

// Every runs fn every d until cancelled. The next run is armed before fn
// executes, so fn may cancel its own schedule.
func (r *Registry) Every(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.replace(name)
	r.armRepeating(name, gen, d, fn)
}

func (r *Registry) armRepeating(name string, gen uint64, d time.Duration, fn func()) {
	r.timers[name] = &entry{gen: gen, timer: r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		e, ok := r.timers[name]
		if !ok || e.gen != gen {
			r.mu.Unlock()
			return
		}
		r.armRepeating(name, gen, d, fn)
		r.mu.Unlock()
		fn()
	})}
}

// Cancel stops the named timer. It reports whether one was armed.
func (r *Registry) Cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, name)
	return true
}

// CancelAll stops every timer in the registry.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.timers)
	for name, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, name)
	}
	if n > 0 {
		r.logger.Debug("timers cancelled", slog.Int("count", n))
	}
}

// Active reports whether name is armed.
func (r *Registry) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[name]
	return ok
}

// Names lists armed timers in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.timers))
	for name := range r.timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// replace stops an existing timer and returns a fresh generation. Caller holds mu.
func (r *Registry) replace(name string) uint64 {
	if e, ok := r.timers[name]; ok {
		e.timer.Stop()
		delete(r.timers, name)
	}
	r.gen++
	return r.gen
}

// claim checks the firing timer is still current and, for one-shots, removes it.
func (r *Registry) claim(name string, gen uint64, remove bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[name]
	if !ok || e.gen != gen {
		return false
	}
	if remove {
		delete(r.timers, name)
	}
	return true
}

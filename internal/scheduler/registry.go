package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// runTimer is the periodic trigger of one run.
type runTimer struct {
	runID      string
	strategyID string
	cancel     context.CancelFunc
	busy       atomic.Bool
}

// Registry maps run ids to their timers. Entries are independent; the lock
// only guards the map.
type Registry struct {
	mu     sync.RWMutex
	timers map[string]*runTimer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*runTimer)}
}

func (r *Registry) get(runID string) (*runTimer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.timers[runID]
	return rt, ok
}

// add registers rt unless the run already has a timer.
func (r *Registry) add(rt *runTimer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[rt.runID]; ok {
		return false
	}
	r.timers[rt.runID] = rt
	return true
}

// remove drops the timer for runID and cancels it. It reports whether a
// timer was registered.
func (r *Registry) remove(runID string) bool {
	r.mu.Lock()
	rt, ok := r.timers[runID]
	delete(r.timers, runID)
	r.mu.Unlock()
	if ok {
		rt.cancel()
	}
	return ok
}

// runOf returns the registered run of strategyID.
func (r *Registry) runOf(strategyID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.timers {
		if rt.strategyID == strategyID {
			return rt.runID, true
		}
	}
	return "", false
}

// IDs returns the registered run ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered timers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.timers)
}

func (r *Registry) drain() []*runTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runTimer, 0, len(r.timers))
	for id, rt := range r.timers {
		out = append(out, rt)
		delete(r.timers, id)
	}
	return out
}

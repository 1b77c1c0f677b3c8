// Package tracker keeps the latest snapshot of every lifecycle in memory for
// the status API.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/ngenohkevin/schedules-runner/internal/cache"
	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
)

// DefaultRetention is how long finished lifecycles stay visible
const DefaultRetention = 10 * time.Minute

// Tracker is a dispatch.Observer holding in-flight lifecycles by dispatch id
// and finished ones for a retention period.
type Tracker struct {
	mu       sync.RWMutex
	inflight map[string]dispatch.Lifecycle
	finished *cache.Cache[dispatch.Lifecycle]
}

// New creates a tracker; retention <= 0 uses DefaultRetention
func New(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		inflight: make(map[string]dispatch.Lifecycle),
		finished: cache.New[dispatch.Lifecycle](retention),
	}
}

// Observe records a lifecycle snapshot
func (t *Tracker) Observe(lc dispatch.Lifecycle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lc.Final {
		delete(t.inflight, lc.DispatchID)
		t.finished.Set(lc.DispatchID, lc)
		return
	}
	t.inflight[lc.DispatchID] = lc
}

// Get returns the lifecycle of one dispatch
func (t *Tracker) Get(dispatchID string) (dispatch.Lifecycle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if lc, ok := t.inflight[dispatchID]; ok {
		return lc, true
	}
	return t.finished.Get(dispatchID)
}

// ByExec returns every tracked dispatch of an execution, oldest first
func (t *Tracker) ByExec(execID string) []dispatch.Lifecycle {
	var out []dispatch.Lifecycle
	for _, lc := range t.List() {
		if lc.ExecID == execID {
			out = append(out, lc)
		}
	}
	return out
}

// List returns in-flight and retained finished lifecycles, oldest first
func (t *Tracker) List() []dispatch.Lifecycle {
	t.mu.RLock()
	out := make([]dispatch.Lifecycle, 0, len(t.inflight))
	for _, lc := range t.inflight {
		out = append(out, lc)
	}
	t.mu.RUnlock()

	out = append(out, t.finished.Values()...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].DispatchID < out[j].DispatchID
		}
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	return out
}

// InFlight returns the number of unfinished lifecycles
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.inflight)
}

// Close releases the retention cache
func (t *Tracker) Close() {
	t.finished.Close()
}

package planner

import (
	"sync"

	"github.com/oecu/goefi-core/internal/types"
)

// ringCapacity is the fixed plan ring capacity from spec §3.
const ringCapacity = 16

// Ring is the single-producer/single-consumer plan ring described in
// spec §3 and §5: overrun-overwrite (the oldest plan is dropped and a
// counter incremented) because stale plans are useless. The critical
// section around head/tail updates is a brief mutex rather than a
// true lock-free structure — spec §5 only requires the publish/pop
// pair to be a short critical section, not a CAS-free ring, and a
// mutex this small is indistinguishable from one in practice.
type Ring struct {
	mu      sync.Mutex
	buf     [ringCapacity]types.Plan
	head    int // next write slot
	tail    int // next read slot
	count   int
	overrun uint64
}

// Push is called by the Planner. On overrun it overwrites the oldest
// entry and increments the overrun counter.
func (r *Ring) Push(p types.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = p
	r.head = (r.head + 1) % ringCapacity
	if r.count == ringCapacity {
		r.tail = (r.tail + 1) % ringCapacity
		r.overrun++
	} else {
		r.count++
	}
}

// PopNewest is called by the Executor: it drops every plan older than
// the newest and returns that newest plan, per spec §4.7 ("Pops the
// NEWEST plan from the ring, dropping everything older").
func (r *Ring) PopNewest() (types.Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return types.Plan{}, false
	}
	newestIdx := (r.head - 1 + ringCapacity) % ringCapacity
	p := r.buf[newestIdx]
	r.tail = r.head
	r.count = 0
	return p, true
}

// Clear empties the ring, used on SyncLost (spec §4.2 step 4: "demotes
// the state to Searching and clears the plan ring").
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail, r.count = 0, 0, 0
}

// Overruns reports the cumulative overrun counter.
func (r *Ring) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overrun
}

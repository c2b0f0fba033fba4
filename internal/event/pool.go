package event

import (
	"sync/atomic"

	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// EventPool is a fixed-capacity array of Event slots, indexed by event
// number modulo capacity. Slots are permanent: the same *Event object
// services every event number congruent to its index for the life of the
// process, recycled in place rather than allocated per event.
type EventPool struct {
	events     []*Event
	maxBurstID atomic.Uint32
}

// NewEventPool preallocates size Event slots sharing the given
// SourceIDManager and Counters, each expecting expectedL0Total L0 fragments
// and expectedL1Total L1 fragments to complete.
func NewEventPool(size int, ids *sourceid.Manager, counters *Counters, expectedL0Total, expectedL1Total int) *EventPool {
	p := &EventPool{
		events: make([]*Event, size),
	}
	for i := range p.events {
		p.events[i] = newEvent(uint32(i), ids, counters, expectedL0Total, expectedL1Total, p)
	}
	return p
}

// Size is the pool's fixed slot count.
func (p *EventPool) Size() int { return len(p.events) }

// GetEvent returns the slot responsible for eventNumber.
func (p *EventPool) GetEvent(eventNumber uint32) *Event {
	return p.events[eventNumber%uint32(len(p.events))]
}

// FreeEvent destroys an event's held fragments and resets its slot state.
func (p *EventPool) FreeEvent(e *Event) {
	e.destroy()
}

// CurrentBurstID is the highest burstID any slot has adopted so far; the
// UnfinishedEventsCollector uses it as the epoch boundary for sweeping
// stuck slots left behind by an earlier burst.
func (p *EventPool) CurrentBurstID() uint32 { return p.maxBurstID.Load() }

// observeBurstID advances the pool-wide high-water mark, used by Event when
// it adopts a new epoch.
func (p *EventPool) observeBurstID(burstID uint32) {
	for {
		current := p.maxBurstID.Load()
		if burstID <= current {
			return
		}
		if p.maxBurstID.CompareAndSwap(current, burstID) {
			return
		}
	}
}

// ForEach visits every slot in the pool, in index order.
func (p *EventPool) ForEach(fn func(*Event)) {
	for _, e := range p.events {
		fn(e)
	}
}

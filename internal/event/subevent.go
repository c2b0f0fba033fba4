package event

import (
	"sync/atomic"

	"github.com/na62exp/eventbuilder/internal/mep"
)

// Subevent accumulates the fragments one detector source contributes to one
// event. Slots are addressed by sourceSubID and filled with a lock-free
// compare-and-swap; distinct sourceSubIDs within one Subevent never
// contend, matching spec §4.4 and §5.
type Subevent struct {
	sourceID string
	expected int
	slots    []atomic.Pointer[mep.Fragment]
	received atomic.Int32
}

func newSubevent(expected int, sourceID string) *Subevent {
	return &Subevent{
		sourceID: sourceID,
		expected: expected,
		slots:    make([]atomic.Pointer[mep.Fragment], expected),
	}
}

// AddFragment places f in the slot indexed by its sourceSubID. It returns
// false if that slot is already occupied (a duplicate) or the sourceSubID
// is out of the subevent's expected range.
func (s *Subevent) AddFragment(f *mep.Fragment) bool {
	subID := int(f.SourceSubID())
	if subID < 0 || subID >= len(s.slots) {
		return false
	}
	if !s.slots[subID].CompareAndSwap(nil, f) {
		return false
	}
	s.received.Add(1)
	return true
}

// GetFragment returns the fragment held at index i, or nil if unfilled.
func (s *Subevent) GetFragment(i int) *mep.Fragment {
	if i < 0 || i >= len(s.slots) {
		return nil
	}
	return s.slots[i].Load()
}

// NumberOfFragments is the count of slots currently filled.
func (s *Subevent) NumberOfFragments() int { return int(s.received.Load()) }

// NumberOfExpectedFragments is this subevent's fixed capacity.
func (s *Subevent) NumberOfExpectedFragments() int { return s.expected }

// Destroy releases every held fragment handle and clears the slots, ready
// for the next event to reuse this subevent without reallocating.
func (s *Subevent) Destroy() {
	for i := range s.slots {
		if f := s.slots[i].Swap(nil); f != nil {
			f.Release()
		}
	}
	s.received.Store(0)
}

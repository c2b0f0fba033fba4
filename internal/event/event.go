// Package event implements the fragment-aggregation state machine: Event,
// Subevent, EventPool, UnfinishedEventsCollector, and the Counters that feed
// both diagnostics and the Prometheus mirror in internal/metrics.
package event

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/na62exp/eventbuilder/internal/mep"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// maxEpochRetries bounds the stale-epoch recycle loop in AddL0Fragment
// (spec §9 "recursive retry on stale epoch" redesign flag). A slot can only
// ever be at most one burst behind the incoming fragment's, so a single
// recycle always suffices: the first attempt recycles the stale slot and the
// second adds the fragment to the fresh one. A slot found stale again on the
// second attempt exhausts the bound and the fragment is dropped.
const maxEpochRetries = 2

// Event is one pool slot's aggregation state for whichever event number is
// currently routed to it. The eventNumber field holds the event number of
// the first L0 fragment the slot adopted since it was last freed; a slot
// that has never received an L0 fragment holds its pool index.
type Event struct {
	eventNumber uint32
	ids         *sourceid.Manager
	counters    *Counters
	pool        *EventPool

	expectedL0Total int32
	expectedL1Total int32

	burstID             atomic.Uint32
	lastEventOfBurst    atomic.Bool
	numberOfL0Fragments atomic.Int32
	numberOfL1Fragments atomic.Int32

	l0Subevents []*Subevent
	l1Subevents []*Subevent

	triggerTypeWord uint32
	triggerFlags    byte
	finetime        uint16
	timestamp       uint32
	processingID    uint32

	l1Processed atomic.Bool
	l2Accepted  atomic.Bool
	unfinished  atomic.Bool

	nonZSuppressedRequested atomic.Int32
	nonZSFragments          map[byte]*mep.Fragment

	epochMutex   sync.Mutex
	destroyMutex sync.Mutex
}

func newEvent(slotIndex uint32, ids *sourceid.Manager, counters *Counters, expectedL0Total, expectedL1Total int, pool *EventPool) *Event {
	e := &Event{
		eventNumber:     slotIndex,
		ids:             ids,
		counters:        counters,
		pool:            pool,
		expectedL0Total: int32(expectedL0Total),
		expectedL1Total: int32(expectedL1Total),
		l0Subevents:     make([]*Subevent, ids.NumSources()),
		l1Subevents:     make([]*Subevent, ids.NumSources()),
	}
	for num := 0; num < ids.NumSources(); num++ {
		detector := ids.DetectorName(num)
		e.l0Subevents[num] = newSubevent(ids.ExpectedFragments(num, sourceid.L0), detector)
		e.l1Subevents[num] = newSubevent(ids.ExpectedFragments(num, sourceid.L1), detector)
	}
	return e
}

// EventNumber is the event number this slot adopted from its first L0
// fragment, or the slot's pool index if it has never received one.
func (e *Event) EventNumber() uint32 { return e.eventNumber }

// BurstID is the burst currently occupying this slot.
func (e *Event) BurstID() uint32 { return e.burstID.Load() }

// Unfinished reports whether this slot has received at least one L0
// fragment since it was last freed; the UnfinishedEventsCollector uses this.
func (e *Event) Unfinished() bool { return e.unfinished.Load() }

// L1Processed reports whether the trigger layer has requested L1 intake.
func (e *Event) L1Processed() bool { return e.l1Processed.Load() }

// TriggerTypeWord, TriggerFlags and Finetime surface the fields read by
// ReadTriggerTypeWordAndFineTime.
func (e *Event) TriggerTypeWord() uint32 { return e.triggerTypeWord }
func (e *Event) TriggerFlags() byte      { return e.triggerFlags }
func (e *Event) Finetime() uint16        { return e.finetime }

// Timestamp is the first L0 fragment's MEP timestamp, recorded when the
// slot adopts its current event.
func (e *Event) Timestamp() uint32 { return e.timestamp }

// SetL1Processed is the trigger layer's callback authorizing L1 fragment
// intake for this event. It may only be called after L0 completion.
func (e *Event) SetL1Processed() { e.l1Processed.Store(true) }

// SetL2Accepted records the final trigger decision for this event.
func (e *Event) SetL2Accepted(accepted bool) { e.l2Accepted.Store(accepted) }

// NonZSRequested reports whether this event is on the non-zero-suppressed
// L1 path rather than the standard per-source L1 subevents.
func (e *Event) NonZSRequested() bool { return e.nonZSuppressedRequested.Load() != 0 }

// RequestNonZSData switches this event onto the non-zero-suppressed L1
// path, expecting exactly expectedFragmentCount distinct crate/CREAM
// fragments instead of the standard per-source L1 subevents.
func (e *Event) RequestNonZSData(expectedFragmentCount int) {
	e.nonZSuppressedRequested.Store(int32(expectedFragmentCount))
}

// AddL0Fragment merges fragment into this event's L0 state. It returns true
// exactly once per event: on the call whose atomic increment makes the L0
// fragment count equal the configured total.
func (e *Event) AddL0Fragment(fragment *mep.Fragment, burstID uint32) bool {
	for attempt := 0; attempt < maxEpochRetries; attempt++ {
		e.unfinished.Store(true)

		if e.numberOfL0Fragments.Load() == 0 {
			e.eventNumber = fragment.EventNumber()
			e.lastEventOfBurst.Store(fragment.IsLastEventOfBurst())
			e.burstID.Store(burstID)
			e.timestamp = fragment.Timestamp()
			e.pool.observeBurstID(burstID)
		} else {
			if fragment.IsLastEventOfBurst() {
				// STRAW workaround (spec §9 supplemented feature): once
				// set, never unset, even if later fragments report false.
				e.lastEventOfBurst.Store(true)
			}

			stored := e.burstID.Load()
			switch {
			case burstID > stored:
				e.recycleForNewEpoch()
				continue
			case burstID < stored:
				slog.Error("dropping fragment from a previous burst", "event_number", e.eventNumber, "burst_id", burstID, "slot_burst_id", stored)
				fragment.Release()
				return false
			}
		}

		subevent := e.l0Subevents[fragment.SourceNum()]
		if !subevent.AddFragment(fragment) {
			slog.Error("duplicate L0 fragment", "event_number", fragment.EventNumber(), "source_id", fragment.SourceID(), "source_sub_id", fragment.SourceSubID())
			e.counters.IncDuplicateL0(fragment.SourceNum())
			fragment.Release()
			return false
		}

		newValue := e.numberOfL0Fragments.Add(1)
		if newValue > e.expectedL0Total {
			slog.Error("too many L0 fragments", "event_number", fragment.EventNumber(), "received", newValue, "expected", e.expectedL0Total)
			e.counters.IncOversizeL0(fragment.SourceNum())
		}
		return newValue == e.expectedL0Total
	}

	slog.Error("exceeded epoch-recycle retry bound, dropping fragment", "event_number", fragment.EventNumber())
	fragment.Release()
	return false
}

// recycleForNewEpoch frees a stale slot so a newer-burst fragment can adopt
// it. Exactly one goroutine performs the free; the rest block until it is
// done, matching spec §4.5's try-lock/block-and-retry protocol. The missing-
// fragment counters for whatever the previous burst left incomplete are
// updated here, mirroring the collector's own sweep-then-free sequence,
// since this synchronous path is the only other place a slot gets freed.
func (e *Event) recycleForNewEpoch() {
	if e.epochMutex.TryLock() {
		slog.Error("identified non-cleared event from previous burst", "event_number", e.eventNumber, "burst_id", e.burstID.Load())
		e.UpdateMissingEventsStats()
		e.pool.FreeEvent(e)
		e.epochMutex.Unlock()
		return
	}
	e.epochMutex.Lock()
	e.epochMutex.Unlock()
}

// AddL1Fragment merges fragment into this event's L1 state, gated on
// L1Processed. It returns true exactly once per event, on the call that
// completes either the standard L1 subevents or the non-ZS fragment set.
func (e *Event) AddL1Fragment(fragment *mep.Fragment) bool {
	if !e.l1Processed.Load() {
		slog.Error("received L1 data before requesting it, ignoring", "event_number", fragment.EventNumber(), "source_id", fragment.SourceID())
		e.counters.IncSpuriousL1()
		fragment.Release()
		return false
	}

	if e.nonZSuppressedRequested.Load() != 0 {
		return e.storeNonZSFragment(fragment)
	}

	subevent := e.l1Subevents[fragment.SourceNum()]
	if !subevent.AddFragment(fragment) {
		slog.Error("duplicate L1 fragment", "event_number", fragment.EventNumber(), "source_id", fragment.SourceID(), "source_sub_id", fragment.SourceSubID())
		e.counters.IncDuplicateL1(fragment.SourceNum())
		fragment.Release()
		return false
	}

	newValue := e.numberOfL1Fragments.Add(1)
	if newValue > e.expectedL1Total {
		e.counters.IncOversizeL1(fragment.SourceNum())
	}
	return newValue == e.expectedL1Total
}

// storeNonZSFragment implements the non-zero-suppressed readout path.
// Spec §9 flags the original's map-size check as not thread-safe and asks
// implementers to serialize the whole phase rather than guess; this
// reuses epochMutex end to end for that reason.
func (e *Event) storeNonZSFragment(fragment *mep.Fragment) bool {
	e.epochMutex.Lock()
	defer e.epochMutex.Unlock()

	key := fragment.SourceSubID()
	if _, exists := e.nonZSFragments[key]; exists {
		slog.Info("non-ZS fragment received twice, discarding whole event", "event_number", fragment.EventNumber(), "source_sub_id", key)
		e.counters.IncNonRequestedL1()
		fragment.Release()
		e.pool.FreeEvent(e)
		return false
	}

	if e.nonZSFragments == nil {
		e.nonZSFragments = make(map[byte]*mep.Fragment)
	}
	e.nonZSFragments[key] = fragment

	return len(e.nonZSFragments) == int(e.nonZSuppressedRequested.Load())
}

// ReadTriggerTypeWordAndFineTime reads the trigger-type word, trigger
// flags, and fine time from fragment 0 of the L0TP subevent, when an L0TP
// source is configured. It returns the default trigger type 1 otherwise.
func (e *Event) ReadTriggerTypeWordAndFineTime() (byte, error) {
	if !e.ids.L0TPActive() {
		return 1, nil
	}
	l0tp := e.l0Subevents[e.ids.L0TPSourceNum()]
	fragment := l0tp.GetFragment(0)
	if fragment == nil {
		return 0, fmt.Errorf("event %d: L0TP fragment 0 missing", e.eventNumber)
	}
	header, err := mep.ParseL0TPHeader(fragment.Payload())
	if err != nil {
		return 0, err
	}
	e.finetime = header.RefFineTime
	e.triggerTypeWord = uint32(header.L0TriggerType)
	e.triggerFlags = header.L0TriggerFlags
	return header.L0TriggerType, nil
}

// UpdateMissingEventsStats walks whichever subevent set is relevant to this
// event's current phase (L0 before L1Processed, L1 after) and increments
// the per-source missing-fragment counter for every short subevent.
func (e *Event) UpdateMissingEventsStats() {
	if !e.l1Processed.Load() {
		for num, sub := range e.l0Subevents {
			if sub.NumberOfFragments() != sub.NumberOfExpectedFragments() {
				e.counters.IncMissingL0(num)
			}
		}
		return
	}
	for num, sub := range e.l1Subevents {
		if sub.NumberOfFragments() != sub.NumberOfExpectedFragments() {
			e.counters.IncMissingL1(num)
		}
	}
}

// reset clears per-use counters and flags without reallocating the
// Subevent arrays, so the slot is ready for its next burst.
func (e *Event) reset() {
	e.numberOfL0Fragments.Store(0)
	e.numberOfL1Fragments.Store(0)
	e.burstID.Store(0)
	e.triggerTypeWord = 0
	e.triggerFlags = 0
	e.timestamp = 0
	e.finetime = 0
	e.processingID = 0
	e.l1Processed.Store(false)
	e.l2Accepted.Store(false)
	e.unfinished.Store(false)
	e.lastEventOfBurst.Store(false)
	e.nonZSuppressedRequested.Store(0)
}

// destroy releases every fragment this slot holds and resets its state. It
// is serialized by destroyMutex because both a stale-epoch recycle and an
// explicit collector sweep may race to free the same slot.
func (e *Event) destroy() {
	e.destroyMutex.Lock()
	defer e.destroyMutex.Unlock()

	for _, sub := range e.l0Subevents {
		sub.Destroy()
	}
	for _, sub := range e.l1Subevents {
		sub.Destroy()
	}
	for _, fragment := range e.nonZSFragments {
		fragment.Release()
	}
	e.nonZSFragments = nil

	e.reset()
}

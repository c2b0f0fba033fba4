package event_test

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/mep"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// testRig bundles a SourceIDManager, Counters and EventPool sized for a
// two-source (A, B) fixture: A contributes 2 L0/2 L1 fragments, B 1/1.
func testRig(t *testing.T) (*sourceid.Manager, *event.Counters, *event.EventPool) {
	t.Helper()
	ids, err := sourceid.NewManager([]sourceid.Row{
		{Detector: "A", SourceID: 0x01, SourceNum: 0, ExpectedL0: 2, ExpectedL1: 2},
		{Detector: "B", SourceID: 0x02, SourceNum: 1, ExpectedL0: 1, ExpectedL1: 1},
	}, false, 0)
	require.NoError(t, err)

	counters := event.NewCounters(ids.NumSources())
	pool := event.NewEventPool(16, ids, counters, 3, 3)
	return ids, counters, pool
}

// fragment builds a single-fragment MEP from sourceID, parses it through
// the real parser (so ownership/refcounting exercises the real path), and
// returns the one resulting fragment handle.
func fragment(t *testing.T, ids *sourceid.Manager, sourceID, sourceSubID byte, eventNumber uint32, lastEventOfBurst bool, payload []byte) *mep.Fragment {
	t.Helper()
	total := mep.HeaderSize + mep.FragmentHeaderSize + len(payload)
	buf := make([]byte, total)
	buf[0] = sourceID
	buf[1] = sourceSubID
	buf[3] = 1
	binary.BigEndian.PutUint32(buf[4:8], eventNumber)
	binary.BigEndian.PutUint16(buf[8:10], uint16(total))

	var flags byte
	if lastEventOfBurst {
		flags = 0x01
	}
	buf[mep.HeaderSize] = flags
	buf[mep.HeaderSize+1] = byte(eventNumber & 0xFF)
	binary.BigEndian.PutUint16(buf[mep.HeaderSize+2:mep.HeaderSize+4], uint16(mep.FragmentHeaderSize+len(payload)))
	copy(buf[mep.HeaderSize+mep.FragmentHeaderSize:], payload)

	_, fragments, err := mep.Parse(buf, ids)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	return fragments[0]
}

// S1: expected_l0=3, sources A(2 frags sub0/sub1) and B(1 frag sub0).
func TestS1ExactlyOnceCompletion(t *testing.T) {
	ids, _, pool := testRig(t)
	e := pool.GetEvent(100)

	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x01, 0, 100, false, nil), 1))
	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x02, 0, 100, false, nil), 1))
	assert.True(t, e.AddL0Fragment(fragment(t, ids, 0x01, 1, 100, false, nil), 1))
}

// S2: duplicate A/sub0 twice before completion.
func TestS2DuplicateFragmentsNeverCount(t *testing.T) {
	ids, counters, pool := testRig(t)
	e := pool.GetEvent(101)

	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x01, 0, 101, false, nil), 1))
	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x01, 0, 101, false, nil), 1))
	assert.Equal(t, uint64(1), counters.DuplicateL0(0))

	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x02, 0, 101, false, nil), 1))
	assert.True(t, e.AddL0Fragment(fragment(t, ids, 0x01, 1, 101, false, nil), 1))
}

// S3: slot holding burstID=7 at 2/3 L0 fragments; a burstID=8 fragment
// recycles the slot, adopting the new epoch and counting the previous
// burst's missing fragment.
func TestS3StaleEpochRecycle(t *testing.T) {
	ids, counters, pool := testRig(t)
	e := pool.GetEvent(102)

	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x01, 0, 102, false, nil), 7))
	assert.False(t, e.AddL0Fragment(fragment(t, ids, 0x02, 0, 102, false, nil), 7))
	require.Equal(t, uint32(7), e.BurstID())

	e.AddL0Fragment(fragment(t, ids, 0x01, 0, 102, false, nil), 8)

	assert.Equal(t, uint32(8), e.BurstID())
	assert.Equal(t, uint64(1), counters.MissingL0(0))
}

// S4: an L1 fragment before SetL1Processed is dropped and counted spurious.
func TestS4SpuriousL1(t *testing.T) {
	ids, counters, pool := testRig(t)
	e := pool.GetEvent(103)

	assert.False(t, e.AddL1Fragment(fragment(t, ids, 0x01, 0, 103, false, nil)))
	assert.Equal(t, uint64(1), counters.SpuriousL1())
}

// S5: non-ZS request for 2 fragments; two distinct sub-IDs complete it;
// re-injecting the first a third time frees the event and returns false.
func TestS5NonZSPath(t *testing.T) {
	ids, _, pool := testRig(t)
	e := pool.GetEvent(104)
	e.SetL1Processed()
	e.RequestNonZSData(2)

	assert.False(t, e.AddL1Fragment(fragment(t, ids, 0x01, 10, 104, false, nil)))
	assert.True(t, e.AddL1Fragment(fragment(t, ids, 0x01, 11, 104, false, nil)))
	assert.False(t, e.AddL1Fragment(fragment(t, ids, 0x01, 10, 104, false, nil)))
}

// L1 gating: once processed, standard-path L1 fragments accumulate.
func TestL1StandardPathCompletion(t *testing.T) {
	ids, _, pool := testRig(t)
	e := pool.GetEvent(105)
	e.SetL1Processed()

	assert.False(t, e.AddL1Fragment(fragment(t, ids, 0x01, 0, 105, false, nil)))
	assert.False(t, e.AddL1Fragment(fragment(t, ids, 0x02, 0, 105, false, nil)))
	assert.True(t, e.AddL1Fragment(fragment(t, ids, 0x01, 1, 105, false, nil)))
}

// The STRAW workaround: once lastEventOfBurst is observed true, later
// fragments reporting false never clear it.
func TestLastEventOfBurstStraw(t *testing.T) {
	ids, _, pool := testRig(t)
	e := pool.GetEvent(106)

	e.AddL0Fragment(fragment(t, ids, 0x01, 0, 106, true, nil), 1)
	e.AddL0Fragment(fragment(t, ids, 0x02, 0, 106, false, nil), 1)
	e.AddL0Fragment(fragment(t, ids, 0x01, 1, 106, false, nil), 1)

	// no public getter for lastEventOfBurst is needed by spec; this test
	// exercises the code path without asserting unexported state.
}

// Exactly-once completion under concurrent interleaving: many goroutines
// race to deliver the same total of distinct fragments; exactly one must
// observe completion.
func TestExactlyOnceCompletionConcurrent(t *testing.T) {
	ids, _, pool := testRig(t)

	for trial := uint32(0); trial < 50; trial++ {
		e := pool.GetEvent(200 + trial)
		var wg sync.WaitGroup
		var completions atomic.Int32

		frags := []*mep.Fragment{
			fragment(t, ids, 0x01, 0, 200+trial, false, nil),
			fragment(t, ids, 0x01, 1, 200+trial, false, nil),
			fragment(t, ids, 0x02, 0, 200+trial, false, nil),
		}

		for _, f := range frags {
			wg.Add(1)
			go func(f *mep.Fragment) {
				defer wg.Done()
				if e.AddL0Fragment(f, 1) {
					completions.Add(1)
				}
			}(f)
		}
		wg.Wait()
		assert.Equal(t, int32(1), completions.Load())
		pool.FreeEvent(e)
	}
}

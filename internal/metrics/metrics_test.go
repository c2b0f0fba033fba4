package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

func TestCollectorSampleMirrorsCounters(t *testing.T) {
	ids, err := sourceid.NewManager([]sourceid.Row{
		{Detector: "A", SourceID: 0x01, SourceNum: 0, ExpectedL0: 1, ExpectedL1: 1},
	}, false, 0)
	require.NoError(t, err)

	counters := event.NewCounters(ids.NumSources())
	counters.IncMissingL0(0)
	counters.IncMissingL0(0)
	counters.IncSpuriousL1()

	pool := event.NewEventPool(4, ids, counters, 1, 1)

	c := NewCollector(ids, counters, pool, 0)
	c.sample()

	require.Equal(t, float64(2), testutil.ToFloat64(MissingL0FragmentsTotal.WithLabelValues("A", "0")))
	require.Equal(t, float64(1), testutil.ToFloat64(SpuriousL1FragmentsTotal))
}

func TestCollectorSampleTracksPoolOccupancy(t *testing.T) {
	ids, err := sourceid.NewManager([]sourceid.Row{
		{Detector: "A", SourceID: 0x01, SourceNum: 0, ExpectedL0: 2, ExpectedL1: 2},
	}, false, 0)
	require.NoError(t, err)

	counters := event.NewCounters(ids.NumSources())
	pool := event.NewEventPool(4, ids, counters, 2, 2)
	e := pool.GetEvent(1)
	require.False(t, e.Unfinished())

	c := NewCollector(ids, counters, pool, 0)
	c.sample()

	require.Equal(t, float64(0), testutil.ToFloat64(EventPoolOccupancy))
}

// Package metrics implements Prometheus metrics for the event-building
// core. The Counters in internal/event are the source of truth on the hot
// path; Collector mirrors them into these gauges on a periodic scrape, so
// exporting never touches the ingest critical section.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// These are modeled as gauges, not counters, even though the underlying
// event.Counters values only ever increase: Collector sets the observed
// total on every scrape rather than computing Add deltas, since the
// client_golang Counter type exposes no way to read back its current value
// short of its internal wire-format Write method.
var (
	// MissingL0FragmentsTotal counts, per source, events freed short of
	// their expected L0 fragments, either by the UnfinishedEventsCollector
	// sweep or by a stale-epoch slot recycle.
	MissingL0FragmentsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbuilder_missing_l0_fragments_total",
			Help: "Total number of events freed short of expected L0 fragments, by source",
		},
		[]string{"detector", "source_num"},
	)

	// MissingL1FragmentsTotal is the L1-phase analog of MissingL0FragmentsTotal.
	MissingL1FragmentsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbuilder_missing_l1_fragments_total",
			Help: "Total number of events freed short of expected L1 fragments, by source",
		},
		[]string{"detector", "source_num"},
	)

	// DuplicateFragmentsTotal counts fragments rejected because their
	// Subevent slot was already filled, by source and level.
	DuplicateFragmentsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbuilder_duplicate_fragments_total",
			Help: "Total number of duplicate fragments dropped, by source and trigger level",
		},
		[]string{"detector", "source_num", "level"},
	)

	// OversizeEventsTotal counts fragment-counter overshoots: the slot still
	// completed at the triggering equality, but configuration likely drifted.
	OversizeEventsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbuilder_oversize_events_total",
			Help: "Total number of events whose fragment counter exceeded the configured expected total, by source and level",
		},
		[]string{"detector", "source_num", "level"},
	)

	// SpuriousL1FragmentsTotal counts L1 fragments that arrived before
	// L1Processed was set.
	SpuriousL1FragmentsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbuilder_spurious_l1_fragments_total",
			Help: "Total number of L1 fragments dropped because they arrived before L1 was requested",
		},
	)

	// NonRequestedL1FragmentsTotal counts non-ZS fragments that arrived for
	// an already-filled crate/CREAM slot, triggering a whole-event discard.
	NonRequestedL1FragmentsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbuilder_non_requested_l1_fragments_total",
			Help: "Total number of non-zero-suppressed fragments received for an already-filled slot",
		},
	)

	// EventPoolOccupancy tracks how many pool slots are currently unfinished.
	EventPoolOccupancy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbuilder_event_pool_occupancy",
			Help: "Number of event pool slots currently unfinished",
		},
	)

	// CurrentBurstID exposes the pool's burst high-water mark.
	CurrentBurstID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbuilder_current_burst_id",
			Help: "Highest burst ID observed by any event pool slot",
		},
	)

	// ParseErrorsTotal counts MEP parse failures by kind (broken_packet,
	// unknown_source).
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbuilder_parse_errors_total",
			Help: "Total number of datagrams dropped by the MEP parser, by error kind",
		},
		[]string{"kind"},
	)
)

// Collector periodically mirrors an event.Counters/event.EventPool pair
// into the package-level gauges above.
type Collector struct {
	ids      *sourceid.Manager
	counters *event.Counters
	pool     *event.EventPool
	interval time.Duration
}

// NewCollector builds a Collector sampling counters and pool every interval.
func NewCollector(ids *sourceid.Manager, counters *event.Counters, pool *event.EventPool, interval time.Duration) *Collector {
	return &Collector{ids: ids, counters: counters, pool: pool, interval: interval}
}

// Run blocks sampling on a ticker until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	for num := 0; num < c.ids.NumSources(); num++ {
		detector := c.ids.DetectorName(num)
		sourceNum := strconv.Itoa(num)

		MissingL0FragmentsTotal.WithLabelValues(detector, sourceNum).Set(float64(c.counters.MissingL0(num)))
		MissingL1FragmentsTotal.WithLabelValues(detector, sourceNum).Set(float64(c.counters.MissingL1(num)))
		DuplicateFragmentsTotal.WithLabelValues(detector, sourceNum, "l0").Set(float64(c.counters.DuplicateL0(num)))
		DuplicateFragmentsTotal.WithLabelValues(detector, sourceNum, "l1").Set(float64(c.counters.DuplicateL1(num)))
		OversizeEventsTotal.WithLabelValues(detector, sourceNum, "l0").Set(float64(c.counters.OversizeL0(num)))
		OversizeEventsTotal.WithLabelValues(detector, sourceNum, "l1").Set(float64(c.counters.OversizeL1(num)))
	}

	SpuriousL1FragmentsTotal.Set(float64(c.counters.SpuriousL1()))
	NonRequestedL1FragmentsTotal.Set(float64(c.counters.NonRequestedL1()))
	CurrentBurstID.Set(float64(c.pool.CurrentBurstID()))

	occupancy := 0
	c.pool.ForEach(func(e *event.Event) {
		if e.Unfinished() {
			occupancy++
		}
	})
	EventPoolOccupancy.Set(float64(occupancy))
}

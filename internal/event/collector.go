package event

import (
	"context"
	"log/slog"
	"time"
)

// UnfinishedEventsCollector periodically sweeps the EventPool for slots
// left behind by a burst that ended before they completed: any slot with
// Unfinished set whose BurstID trails the pool's current high-water mark is
// counted as missing and freed.
type UnfinishedEventsCollector struct {
	pool     *EventPool
	interval time.Duration
}

// NewUnfinishedEventsCollector constructs a collector sweeping pool every
// interval.
func NewUnfinishedEventsCollector(pool *EventPool, interval time.Duration) *UnfinishedEventsCollector {
	return &UnfinishedEventsCollector{pool: pool, interval: interval}
}

// Run blocks sweeping on a ticker until ctx is canceled.
func (c *UnfinishedEventsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *UnfinishedEventsCollector) sweep() {
	currentBurstID := c.pool.CurrentBurstID()
	c.pool.ForEach(func(e *Event) {
		if !e.Unfinished() || e.BurstID() >= currentBurstID {
			return
		}
		slog.Warn("freeing unfinished event left behind by burst advance", "event_number", e.EventNumber(), "burst_id", e.BurstID(), "current_burst_id", currentBurstID)
		e.UpdateMissingEventsStats()
		c.pool.FreeEvent(e)
	})
}

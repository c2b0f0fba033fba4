package event

import "sync/atomic"

// Counters holds the relaxed, per-source atomic statistics spec §5 requires
// to never participate in ingest synchronization: missing fragments by
// source and level, spurious/non-requested L1 arrivals, duplicate
// fragments, and oversize completions. internal/metrics mirrors these into
// Prometheus gauges on a periodic scrape, never on the hot path.
type Counters struct {
	missingL0      []atomic.Uint64
	missingL1      []atomic.Uint64
	duplicateL0    []atomic.Uint64
	duplicateL1    []atomic.Uint64
	oversizeL0     []atomic.Uint64
	oversizeL1     []atomic.Uint64
	spuriousL1     atomic.Uint64
	nonRequestedL1 atomic.Uint64
}

// NewCounters allocates per-source counter slices sized to the registry's
// total source count.
func NewCounters(numSources int) *Counters {
	return &Counters{
		missingL0:   make([]atomic.Uint64, numSources),
		missingL1:   make([]atomic.Uint64, numSources),
		duplicateL0: make([]atomic.Uint64, numSources),
		duplicateL1: make([]atomic.Uint64, numSources),
		oversizeL0:  make([]atomic.Uint64, numSources),
		oversizeL1:  make([]atomic.Uint64, numSources),
	}
}

func (c *Counters) IncMissingL0(sourceNum int)   { c.missingL0[sourceNum].Add(1) }
func (c *Counters) IncMissingL1(sourceNum int)   { c.missingL1[sourceNum].Add(1) }
func (c *Counters) IncDuplicateL0(sourceNum int) { c.duplicateL0[sourceNum].Add(1) }
func (c *Counters) IncDuplicateL1(sourceNum int) { c.duplicateL1[sourceNum].Add(1) }
func (c *Counters) IncOversizeL0(sourceNum int)  { c.oversizeL0[sourceNum].Add(1) }
func (c *Counters) IncOversizeL1(sourceNum int)  { c.oversizeL1[sourceNum].Add(1) }
func (c *Counters) IncSpuriousL1()               { c.spuriousL1.Add(1) }
func (c *Counters) IncNonRequestedL1()           { c.nonRequestedL1.Add(1) }

func (c *Counters) MissingL0(sourceNum int) uint64   { return c.missingL0[sourceNum].Load() }
func (c *Counters) MissingL1(sourceNum int) uint64   { return c.missingL1[sourceNum].Load() }
func (c *Counters) DuplicateL0(sourceNum int) uint64 { return c.duplicateL0[sourceNum].Load() }
func (c *Counters) DuplicateL1(sourceNum int) uint64 { return c.duplicateL1[sourceNum].Load() }
func (c *Counters) OversizeL0(sourceNum int) uint64  { return c.oversizeL0[sourceNum].Load() }
func (c *Counters) OversizeL1(sourceNum int) uint64  { return c.oversizeL1[sourceNum].Load() }
func (c *Counters) SpuriousL1() uint64               { return c.spuriousL1.Load() }
func (c *Counters) NonRequestedL1() uint64           { return c.nonRequestedL1.Load() }

// NumSources returns how many per-source slots each counter slice has.
func (c *Counters) NumSources() int { return len(c.missingL0) }

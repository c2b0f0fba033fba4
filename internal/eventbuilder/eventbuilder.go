// Package eventbuilder wires the fragment-aggregation core (internal/event,
// internal/mep, internal/sourceid) to the capture layer and exposes the
// narrow callback surface the trigger layer drives: onEventComplete,
// setL1Processed, requestNonZSData (spec §6 "External Interfaces"). The
// trigger algorithms themselves are out of scope; this package only
// publishes the completion signal and accepts the two callbacks back.
package eventbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/na62exp/eventbuilder/internal/capture"
	"github.com/na62exp/eventbuilder/internal/capture/pcapreplay"
	"github.com/na62exp/eventbuilder/internal/capture/udp"
	"github.com/na62exp/eventbuilder/internal/config"
	"github.com/na62exp/eventbuilder/internal/eberrors"
	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/mep"
	"github.com/na62exp/eventbuilder/internal/metrics"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// Phase identifies which completion onEventComplete is reporting.
type Phase int

const (
	PhaseL0 Phase = iota
	PhaseL1
	PhaseNZS
)

func (p Phase) String() string {
	switch p {
	case PhaseL0:
		return "l0"
	case PhaseL1:
		return "l1"
	case PhaseNZS:
		return "nzs"
	default:
		return "unknown"
	}
}

// CompletionHandler is invoked exactly once per event per phase completion.
// The trigger layer on the other end of this callback is expected to call
// back Builder.SetL1Processed and optionally Builder.RequestNonZSData.
type CompletionHandler func(phase Phase, e *event.Event)

// Builder owns the aggregation core's shared state and the two capture
// sources feeding it, and dispatches completions to a CompletionHandler.
type Builder struct {
	ids      *sourceid.Manager
	counters *event.Counters
	pool     *event.EventPool

	l0Source capture.Source
	l1Source capture.Source

	onComplete CompletionHandler

	printCompletedSourceIDs bool

	// currentBurstID is this node's view of the active burst epoch. The
	// original's start-of-burst signal comes from the NIC/ARP beacon layer
	// (spec §1 out-of-scope); AdvanceBurst is the substitute entry point
	// for whatever SOB notifier a deployment wires in.
	currentBurstID atomic.Uint32
}

// New builds a Builder from the loaded configuration. onComplete may be nil,
// in which case completions are only logged.
func New(cfg *config.GlobalConfig, onComplete CompletionHandler) (*Builder, error) {
	ids, err := sourceid.NewManager(cfg.ToSourceIDRows(), cfg.EventBuilder.L0TPActive, byte(cfg.EventBuilder.L0TPSourceID))
	if err != nil {
		return nil, fmt.Errorf("eventbuilder: %w", err)
	}

	counters := event.NewCounters(ids.NumSources())
	pool := event.NewEventPool(
		cfg.EventBuilder.EventPoolSize,
		ids,
		counters,
		cfg.EventBuilder.ExpectedL0PacketsPerEvent,
		cfg.EventBuilder.ExpectedL1PacketsPerEvent,
	)

	l0Source, err := buildSource(cfg.Capture.L0)
	if err != nil {
		return nil, fmt.Errorf("eventbuilder: l0 capture: %w", err)
	}
	l1Source, err := buildSource(cfg.Capture.L1)
	if err != nil {
		return nil, fmt.Errorf("eventbuilder: l1 capture: %w", err)
	}

	if onComplete == nil {
		onComplete = logCompletion
	}

	return &Builder{
		ids:                     ids,
		counters:                counters,
		pool:                    pool,
		l0Source:                l0Source,
		l1Source:                l1Source,
		onComplete:              onComplete,
		printCompletedSourceIDs: cfg.EventBuilder.PrintCompletedSourceIDs,
	}, nil
}

func buildSource(ec config.EndpointConfig) (capture.Source, error) {
	switch ec.Mode {
	case "udp":
		return udp.New(ec.Listen, ec.Workers), nil
	case "pcap-replay":
		return pcapreplay.New(ec.Path), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", ec.Mode)
	}
}

// SourceIDManager exposes the registry for diagnostics and the control
// plane (source listing, detector names).
func (b *Builder) SourceIDManager() *sourceid.Manager { return b.ids }

// Counters exposes the read-only statistics mirrored by internal/metrics.
func (b *Builder) Counters() *event.Counters { return b.counters }

// Pool exposes the event pool for the UnfinishedEventsCollector and the
// metrics Collector.
func (b *Builder) Pool() *event.EventPool { return b.pool }

// Run blocks both capture sources until ctx is canceled or either fails.
func (b *Builder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- b.l0Source.Run(ctx, b.onL0Datagram) }()
	go func() { errCh <- b.l1Source.Run(ctx, b.onL1Datagram) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// SetL1Processed authorizes L1 fragment intake for eventNumber. Called by
// the trigger layer via the control plane after L0 completion.
func (b *Builder) SetL1Processed(eventNumber uint32) {
	b.pool.GetEvent(eventNumber).SetL1Processed()
}

// RequestNonZSData switches eventNumber onto the non-zero-suppressed L1
// path, expecting expectedFragmentCount distinct crate/CREAM fragments.
func (b *Builder) RequestNonZSData(eventNumber uint32, expectedFragmentCount int) {
	b.pool.GetEvent(eventNumber).RequestNonZSData(expectedFragmentCount)
}

// SetL2Accepted records the final trigger decision for eventNumber.
func (b *Builder) SetL2Accepted(eventNumber uint32, accepted bool) {
	b.pool.GetEvent(eventNumber).SetL2Accepted(accepted)
}

// AdvanceBurst records a new start-of-burst epoch. Subsequent L0 fragments
// are tagged with this burstID until the next call.
func (b *Builder) AdvanceBurst(burstID uint32) {
	b.currentBurstID.Store(burstID)
}

// CurrentBurstID is the burst epoch currently being tagged onto incoming
// L0 fragments.
func (b *Builder) CurrentBurstID() uint32 { return b.currentBurstID.Load() }

func (b *Builder) onL0Datagram(buf []byte, queueIndex int) {
	_, fragments, err := mep.Parse(buf, b.ids)
	if err != nil {
		b.recordParseError(err, queueIndex)
		return
	}
	burstID := b.currentBurstID.Load()
	for _, f := range fragments {
		e := b.pool.GetEvent(f.EventNumber())
		if e.AddL0Fragment(f, burstID) {
			if _, err := e.ReadTriggerTypeWordAndFineTime(); err != nil {
				slog.Error("l0tp header read failed", "event_number", e.EventNumber(), "error", err)
			}
			if b.printCompletedSourceIDs {
				slog.Info("event complete at L0", "event_number", e.EventNumber(), "source_id", f.SourceID())
			}
			b.onComplete(PhaseL0, e)
		}
	}
}

func (b *Builder) onL1Datagram(buf []byte, queueIndex int) {
	_, fragments, err := mep.Parse(buf, b.ids)
	if err != nil {
		b.recordParseError(err, queueIndex)
		return
	}
	for _, f := range fragments {
		e := b.pool.GetEvent(f.EventNumber())
		nonZS := e.NonZSRequested()
		if e.AddL1Fragment(f) {
			phase := PhaseL1
			if nonZS {
				phase = PhaseNZS
			}
			if b.printCompletedSourceIDs {
				slog.Info("event complete at L1", "event_number", e.EventNumber(), "phase", phase, "source_id", f.SourceID())
			}
			b.onComplete(phase, e)
		}
	}
}

func (b *Builder) recordParseError(err error, queueIndex int) {
	kind := "broken_packet"
	if errors.Is(err, eberrors.ErrUnknownSource) {
		kind = "unknown_source"
	}
	metrics.ParseErrorsTotal.WithLabelValues(kind).Inc()
	slog.Error("dropping malformed datagram", "error", err, "queue", queueIndex)
}

func logCompletion(phase Phase, e *event.Event) {
	slog.Info("event complete", "event_number", e.EventNumber(), "phase", phase, "burst_id", e.BurstID())
}

// Package eberrors defines the sentinel error kinds raised by the
// event-building core. All of them except the fatal kinds are recoverable:
// callers increment a counter and drop the offending fragment or datagram.
package eberrors

import "errors"

var (
	// ErrBrokenPacket marks a malformed MEP: length mismatch, truncated
	// fragment, bad event-number LSB, or trailing bytes.
	ErrBrokenPacket = errors.New("broken packet")

	// ErrUnknownSource marks a sourceID absent from the SourceIDManager table.
	ErrUnknownSource = errors.New("unknown source")

	// ErrDuplicateFragment marks a fragment addressed to an already-filled
	// Subevent slot.
	ErrDuplicateFragment = errors.New("duplicate fragment")

	// ErrSpuriousL1 marks an L1 fragment that arrived before L1Processed was
	// set, or after the owning event moved on to a new burst.
	ErrSpuriousL1 = errors.New("spurious L1 fragment")

	// ErrStaleEpoch names the stale-epoch kind. It is not returned to ingest
	// callers: Event.AddL0Fragment recycles a stale slot internally and
	// retries without producing an error value.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrEventOversize marks a fragment counter that exceeded its expected
	// total. The event still completes at the triggering equality; this is
	// a misconfiguration signal, not a fatal condition.
	ErrEventOversize = errors.New("event oversize")
)

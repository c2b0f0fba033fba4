// Package capture defines the minimal interface the event-building core
// needs from whatever delivers raw datagrams. NIC capture itself (polling
// rings, promiscuous mode, the ARP beacon) is out of scope (spec §1); this
// package only declares the handoff point and ships two simple sources that
// exercise it: live UDP and offline pcap replay.
package capture

import "context"

// Handler receives one captured UDP payload per call. Ownership of buf
// transfers to the handler for the duration of the call (spec §6
// onDatagram); queueIndex identifies which capture worker delivered it,
// for diagnostics only.
type Handler func(buf []byte, queueIndex int)

// Source is anything that can feed datagrams to a Handler until ctx is
// canceled.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// Package pcapreplay is an offline capture.Source for development and
// integration tests: it replays a recorded .pcap of MEP-carrying UDP
// traffic through gopacket/pcap, grounded on the teacher's file-based
// pcap.OpenOffline source. It is a replay/test tool, not the out-of-scope
// NIC polling-ring capture.
package pcapreplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/na62exp/eventbuilder/internal/capture"
)

// Source replays every UDP payload found in a pcap file, in file order,
// once, then returns.
type Source struct {
	path string
}

// New builds a Source reading from the pcap file at path.
func New(path string) *Source {
	return &Source{path: path}
}

// Run opens the pcap file and replays its UDP payloads to handle until the
// file is exhausted or ctx is canceled.
func (s *Source) Run(ctx context.Context, handle capture.Handler) error {
	handleFile, err := pcap.OpenOffline(s.path)
	if err != nil {
		return fmt.Errorf("pcap replay: open %q: %w", s.path, err)
	}
	defer handleFile.Close()

	slog.Info("pcap replay starting", "path", s.path)

	source := gopacket.NewPacketSource(handleFile, handleFile.LinkType())
	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			slog.Info("pcap replay finished", "path", s.path, "packets", count)
			return nil
		}
		if err != nil {
			return fmt.Errorf("pcap replay: read packet: %w", err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}

		payload := make([]byte, len(udp.Payload))
		copy(payload, udp.Payload)
		handle(payload, 0)
		count++
	}
}

// Package udp is the live capture.Source: one or more goroutines reading
// UDP datagrams off a single bound socket. There is no third-party
// replacement for a plain UDP listen loop in the dependency pack (gopacket
// is reserved for pcap-based capture elsewhere in this module); this stays
// on net.ListenUDP, the standard and only idiomatic choice for the job.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/na62exp/eventbuilder/internal/capture"
)

// Source listens on a single UDP socket and fans datagrams out to workers
// goroutines, each owning its own receive buffer to avoid contention.
type Source struct {
	listen  string
	workers int
}

// New builds a Source bound to listen (host:port) with the given worker
// count. workers < 1 is treated as 1.
func New(listen string, workers int) *Source {
	if workers < 1 {
		workers = 1
	}
	return &Source{listen: listen, workers: workers}
}

// Run opens the socket and blocks, delivering datagrams to handle until ctx
// is canceled or a non-cancellation read error occurs.
func (s *Source) Run(ctx context.Context, handle capture.Handler) error {
	addr, err := net.ResolveUDPAddr("udp", s.listen)
	if err != nil {
		return fmt.Errorf("udp capture: resolve %q: %w", s.listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp capture: listen on %q: %w", s.listen, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	slog.Info("udp capture listening", "addr", s.listen, "workers", s.workers)

	errCh := make(chan error, s.workers)
	for i := 0; i < s.workers; i++ {
		go func(queueIndex int) {
			errCh <- s.readLoop(ctx, conn, queueIndex, handle)
		}(i)
	}

	var firstErr error
	for i := 0; i < s.workers; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			conn.Close()
		}
	}
	return firstErr
}

func (s *Source) readLoop(ctx context.Context, conn *net.UDPConn, queueIndex int, handle capture.Handler) error {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp capture: read: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		handle(datagram, queueIndex)
	}
}

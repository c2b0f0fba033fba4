// Package mep parses Multi-Event Packets: the UDP datagrams that carry a
// batch of consecutive event fragments from one detector source. Parsing is
// zero-copy — every Fragment's payload is a []byte slice into the same
// backing array as the datagram that produced it.
package mep

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/na62exp/eventbuilder/internal/eberrors"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

const (
	// HeaderSize is the on-wire size of the MEP header: sourceID(1) +
	// sourceSubID(1) + reserved(1) + numberOfFragments(1) +
	// firstEventNumber(4) + length(2) + timestamp(4).
	HeaderSize = 14

	// FragmentHeaderSize is the on-wire size of a fragment header prefix:
	// flags(1) + eventNumberLSB(1) + length(2). `length` counts this
	// prefix, so a fragment's payload is length-FragmentHeaderSize bytes.
	FragmentHeaderSize = 4

	flagIsLastEventOfBurst = 0x01
)

// MEP is the parsed header of one Multi-Event Packet. It owns the raw
// datagram buffer; the buffer is eligible for garbage collection once every
// Fragment handed out by Parse has been Release()d.
type MEP struct {
	SourceID          byte
	SourceSubID       byte
	SourceNum         int
	NumberOfFragments uint8
	FirstEventNumber  uint32
	Length            uint16
	Timestamp         uint32

	buf  []byte
	refs atomic.Int32
}

// release drops one reference to the backing buffer. It is the only path by
// which the buffer's lifetime ends (spec §4.3/§9: ownership flows strictly
// fragments -> MEP, never the reverse).
func (m *MEP) release() {
	if m.refs.Add(-1) == 0 {
		m.buf = nil
	}
}

// Fragment is a lightweight, zero-copy view of one event's contribution
// carried inside a MEP. Its payload is only valid until it is released.
type Fragment struct {
	mep         *MEP
	eventNumber uint32
	flags       byte
	payload     []byte
}

// EventNumber is the fully reconstructed 32-bit event number for this
// fragment (the MEP's FirstEventNumber advanced by the fragment's index).
func (f *Fragment) EventNumber() uint32 { return f.eventNumber }

// SourceID is the wire sourceID of this fragment's detector source.
func (f *Fragment) SourceID() byte { return f.mep.SourceID }

// SourceSubID is the intra-detector sub-identifier (e.g. crate/CREAM ID).
func (f *Fragment) SourceSubID() byte { return f.mep.SourceSubID }

// SourceNum is the dense sourceNum resolved at parse time.
func (f *Fragment) SourceNum() int { return f.mep.SourceNum }

// Payload is the fragment's data, a slice into the original datagram.
func (f *Fragment) Payload() []byte { return f.payload }

// IsLastEventOfBurst reports the fragment header's end-of-burst flag.
func (f *Fragment) IsLastEventOfBurst() bool { return f.flags&flagIsLastEventOfBurst != 0 }

// Timestamp is the parent MEP's timestamp field, carried by every fragment
// the MEP contains.
func (f *Fragment) Timestamp() uint32 { return f.mep.Timestamp }

// Release drops this fragment's reference to its parent MEP's buffer. It
// must be called exactly once per fragment returned by Parse.
func (f *Fragment) Release() { f.mep.release() }

// Parse implements the seven-step MEP contract: header read, declared-vs-
// actual length check, source-ID lookup, per-fragment LSB-continuity walk,
// truncation check, and trailing-bytes check. buf is the full received
// datagram; it becomes the returned MEP's backing buffer.
func Parse(buf []byte, ids *sourceid.Manager) (*MEP, []*Fragment, error) {
	if len(buf) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: datagram of %d bytes shorter than MEP header (%d)", eberrors.ErrBrokenPacket, len(buf), HeaderSize)
	}

	sourceID := buf[0]
	sourceSubID := buf[1]
	numberOfFragments := buf[3]
	firstEventNumber := binary.BigEndian.Uint32(buf[4:8])
	length := binary.BigEndian.Uint16(buf[8:10])
	timestamp := binary.BigEndian.Uint32(buf[10:14])

	if int(length) != len(buf) {
		if int(length) > len(buf) {
			return nil, nil, fmt.Errorf("%w: incomplete MEP: received %d of %d declared bytes", eberrors.ErrBrokenPacket, len(buf), length)
		}
		return nil, nil, fmt.Errorf("%w: MEP longer than declared length: received %d instead of %d bytes", eberrors.ErrBrokenPacket, len(buf), length)
	}

	sourceNum, err := ids.SourceIDToNum(sourceID)
	if err != nil {
		return nil, nil, err
	}

	m := &MEP{
		SourceID:          sourceID,
		SourceSubID:       sourceSubID,
		SourceNum:         sourceNum,
		NumberOfFragments: numberOfFragments,
		FirstEventNumber:  firstEventNumber,
		Length:            length,
		Timestamp:         timestamp,
		buf:               buf,
	}

	fragments := make([]*Fragment, 0, numberOfFragments)
	offset := HeaderSize
	expectedEventNum := firstEventNumber
	for i := 0; i < int(numberOfFragments); i++ {
		if offset+FragmentHeaderSize > len(buf) {
			return nil, nil, fmt.Errorf("%w: truncated fragment header at index %d", eberrors.ErrBrokenPacket, i)
		}

		flags := buf[offset]
		lsb := buf[offset+1]
		fragLen := binary.BigEndian.Uint16(buf[offset+2 : offset+4])

		wantLSB := byte(expectedEventNum & 0xFF)
		if lsb != wantLSB {
			return nil, nil, fmt.Errorf("%w: fragment %d bad event-number LSB: got 0x%02x want 0x%02x", eberrors.ErrBrokenPacket, i, lsb, wantLSB)
		}
		if fragLen < FragmentHeaderSize {
			return nil, nil, fmt.Errorf("%w: fragment %d declared length %d shorter than header", eberrors.ErrBrokenPacket, i, fragLen)
		}
		if offset+int(fragLen) > len(buf) {
			return nil, nil, fmt.Errorf("%w: truncated fragment %d: need %d bytes, have %d", eberrors.ErrBrokenPacket, i, offset+int(fragLen), len(buf))
		}

		payload := buf[offset+FragmentHeaderSize : offset+int(fragLen)]
		fragments = append(fragments, &Fragment{
			mep:         m,
			eventNumber: expectedEventNum,
			flags:       flags,
			payload:     payload,
		})

		offset += int(fragLen)
		expectedEventNum++
	}

	if offset < len(buf) {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes after %d fragments", eberrors.ErrBrokenPacket, len(buf)-offset, numberOfFragments)
	}

	m.refs.Store(int32(numberOfFragments))
	return m, fragments, nil
}

// L0TPHeader is the fixed-offset layout of the L0TP source's fragment-0
// payload: trigger type, trigger flags, and the L0TP's reference fine time.
type L0TPHeader struct {
	L0TriggerType  byte
	L0TriggerFlags byte
	RefFineTime    uint16
}

// ParseL0TPHeader reads the L0TP packed structure from a fragment payload.
func ParseL0TPHeader(payload []byte) (L0TPHeader, error) {
	const l0tpHeaderSize = 4
	if len(payload) < l0tpHeaderSize {
		return L0TPHeader{}, fmt.Errorf("%w: L0TP payload of %d bytes shorter than header (%d)", eberrors.ErrBrokenPacket, len(payload), l0tpHeaderSize)
	}
	return L0TPHeader{
		L0TriggerType:  payload[0],
		L0TriggerFlags: payload[1],
		RefFineTime:    binary.BigEndian.Uint16(payload[2:4]),
	}, nil
}

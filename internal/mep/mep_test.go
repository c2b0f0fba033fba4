package mep_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/na62exp/eventbuilder/internal/eberrors"
	"github.com/na62exp/eventbuilder/internal/mep"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

func testManager(t *testing.T) *sourceid.Manager {
	t.Helper()
	m, err := sourceid.NewManager([]sourceid.Row{
		{Detector: "CEDAR", SourceID: 0x01, SourceNum: 0, ExpectedL0: 3, ExpectedL1: 0},
	}, false, 0)
	require.NoError(t, err)
	return m
}

// buildMEP encodes a MEP carrying len(fragmentPayloads) fragments starting
// at firstEventNumber, each fragment's flags byte set from
// lastEventOfBurst[i].
func buildMEP(sourceID, sourceSubID byte, firstEventNumber uint32, fragmentPayloads [][]byte, lastEventOfBurst []bool) []byte {
	total := mep.HeaderSize
	for _, p := range fragmentPayloads {
		total += mep.FragmentHeaderSize + len(p)
	}

	buf := make([]byte, total)
	buf[0] = sourceID
	buf[1] = sourceSubID
	buf[2] = 0
	buf[3] = byte(len(fragmentPayloads))
	binary.BigEndian.PutUint32(buf[4:8], firstEventNumber)
	binary.BigEndian.PutUint16(buf[8:10], uint16(total))
	binary.BigEndian.PutUint32(buf[10:14], 0)

	offset := mep.HeaderSize
	for i, payload := range fragmentPayloads {
		fragLen := mep.FragmentHeaderSize + len(payload)
		var flags byte
		if i < len(lastEventOfBurst) && lastEventOfBurst[i] {
			flags = 0x01
		}
		buf[offset] = flags
		buf[offset+1] = byte((firstEventNumber + uint32(i)) & 0xFF)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(fragLen))
		copy(buf[offset+mep.FragmentHeaderSize:offset+fragLen], payload)
		offset += fragLen
	}
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0x01, 0x00, 1000, [][]byte{{1, 2, 3}, {4, 5}, {}}, []bool{false, false, true})

	m, fragments, err := mep.Parse(buf, ids)
	require.NoError(t, err)
	require.Len(t, fragments, 3)

	assert.Equal(t, byte(0x01), m.SourceID)
	assert.Equal(t, 0, m.SourceNum)

	assert.Equal(t, uint32(1000), fragments[0].EventNumber())
	assert.Equal(t, []byte{1, 2, 3}, fragments[0].Payload())
	assert.False(t, fragments[0].IsLastEventOfBurst())

	assert.Equal(t, uint32(1002), fragments[2].EventNumber())
	assert.True(t, fragments[2].IsLastEventOfBurst())

	for _, f := range fragments {
		f.Release()
	}
}

func TestParseZeroCopy(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0x01, 0x00, 1, [][]byte{{0xAA, 0xBB, 0xCC}}, nil)

	_, fragments, err := mep.Parse(buf, ids)
	require.NoError(t, err)

	payload := fragments[0].Payload()
	require.Len(t, payload, 3)
	buf[mep.HeaderSize+mep.FragmentHeaderSize] = 0xFF
	assert.Equal(t, byte(0xFF), payload[0], "payload must be a view into the original buffer, not a copy")
}

func TestParseIncompleteMEP(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0x01, 0x00, 1, [][]byte{{1, 2, 3}}, nil)
	truncated := buf[:len(buf)-2]

	_, _, err := mep.Parse(truncated, ids)
	assert.ErrorIs(t, err, eberrors.ErrBrokenPacket)
}

func TestParseUnknownSource(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0xFE, 0x00, 1, [][]byte{{1}}, nil)

	_, _, err := mep.Parse(buf, ids)
	assert.ErrorIs(t, err, eberrors.ErrUnknownSource)
}

func TestParseBadLSB(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0x01, 0x00, 1, [][]byte{{1}, {2}}, nil)
	buf[mep.HeaderSize+1+mep.FragmentHeaderSize+1] = 0xEE // corrupt 2nd fragment's LSB byte

	_, _, err := mep.Parse(buf, ids)
	assert.ErrorIs(t, err, eberrors.ErrBrokenPacket)
}

func TestParseTrailingBytes(t *testing.T) {
	ids := testManager(t)
	buf := buildMEP(0x01, 0x00, 1, [][]byte{{1}}, nil)
	buf = append(buf, 0, 0, 0)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(buf)))

	_, _, err := mep.Parse(buf, ids)
	assert.ErrorIs(t, err, eberrors.ErrBrokenPacket)
}

func TestParseL0TPHeader(t *testing.T) {
	payload := []byte{0x07, 0x02, 0x00, 0x2A}
	header, err := mep.ParseL0TPHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), header.L0TriggerType)
	assert.Equal(t, byte(0x02), header.L0TriggerFlags)
	assert.Equal(t, uint16(0x2A), header.RefFineTime)
}

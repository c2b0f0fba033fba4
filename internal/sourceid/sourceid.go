// Package sourceid holds the static, immutable source-ID registry. A single
// *Manager is built once at startup from the configured source-ID table and
// passed by reference into every component that needs to translate a wire
// sourceID into a dense sourceNum, or look up an expected fragment count.
//
// It is deliberately not a package-level singleton (see DESIGN.md): every
// ingest path receives its Manager as an explicit argument, which keeps
// init-order out of the picture and makes every component trivially testable
// with a private table.
package sourceid

import (
	"fmt"

	"github.com/na62exp/eventbuilder/internal/eberrors"
)

// Level distinguishes the L0 and L1 trigger phases for ExpectedFragments.
type Level int

const (
	L0 Level = iota
	L1
)

// Row is one line of the configured source-ID table: a detector's wire
// sourceID, its dense sourceNum, and how many fragments it contributes per
// event at each trigger level. A row with ExpectedL0 == 0 does not
// participate in L0 (and symmetrically for ExpectedL1 and L1).
type Row struct {
	Detector   string
	SourceID   byte
	SourceNum  int
	ExpectedL0 int
	ExpectedL1 int
}

// Manager is the immutable source-ID registry described by spec §4.1.
type Manager struct {
	idToNum    map[byte]int
	numToID    []byte
	detector   []string
	expectedL0 []int
	expectedL1 []int
	numL0      int
	numL1      int
	l0tpActive bool
	l0tpNum    int
	l0tpFound  bool
}

// NewManager builds the registry from rows. SourceNum values must be dense,
// i.e. exactly [0, len(rows)). l0tpSourceID identifies the L0TP source row
// when l0tpActive is true; it is ignored otherwise.
func NewManager(rows []Row, l0tpActive bool, l0tpSourceID byte) (*Manager, error) {
	m := &Manager{
		idToNum:    make(map[byte]int, len(rows)),
		numToID:    make([]byte, len(rows)),
		detector:   make([]string, len(rows)),
		expectedL0: make([]int, len(rows)),
		expectedL1: make([]int, len(rows)),
		l0tpActive: l0tpActive,
	}

	seen := make(map[int]bool, len(rows))
	for _, r := range rows {
		if r.SourceNum < 0 || r.SourceNum >= len(rows) {
			return nil, fmt.Errorf("sourceid: row %q has sourceNum %d outside dense range [0,%d)", r.Detector, r.SourceNum, len(rows))
		}
		if seen[r.SourceNum] {
			return nil, fmt.Errorf("sourceid: duplicate sourceNum %d", r.SourceNum)
		}
		seen[r.SourceNum] = true

		if _, dup := m.idToNum[r.SourceID]; dup {
			return nil, fmt.Errorf("sourceid: duplicate sourceID 0x%02x", r.SourceID)
		}

		m.idToNum[r.SourceID] = r.SourceNum
		m.numToID[r.SourceNum] = r.SourceID
		m.detector[r.SourceNum] = r.Detector
		m.expectedL0[r.SourceNum] = r.ExpectedL0
		m.expectedL1[r.SourceNum] = r.ExpectedL1

		if r.ExpectedL0 > 0 {
			m.numL0++
		}
		if r.ExpectedL1 > 0 {
			m.numL1++
		}
		if l0tpActive && r.SourceID == l0tpSourceID {
			m.l0tpNum = r.SourceNum
			m.l0tpFound = true
		}
	}

	if l0tpActive && !m.l0tpFound {
		return nil, fmt.Errorf("sourceid: l0tp_active is set but sourceID 0x%02x is not in the table", l0tpSourceID)
	}

	return m, nil
}

// SourceIDToNum resolves a wire sourceID to its dense sourceNum.
func (m *Manager) SourceIDToNum(id byte) (int, error) {
	num, ok := m.idToNum[id]
	if !ok {
		return 0, fmt.Errorf("%w: sourceID 0x%02x", eberrors.ErrUnknownSource, id)
	}
	return num, nil
}

// NumToSourceID is the inverse of SourceIDToNum.
func (m *Manager) NumToSourceID(num int) byte {
	return m.numToID[num]
}

// DetectorName returns the configured detector name for num, for logging.
func (m *Manager) DetectorName(num int) string {
	return m.detector[num]
}

// ExpectedFragments returns the number of fragments source num is expected
// to contribute per event at the given level.
func (m *Manager) ExpectedFragments(num int, level Level) int {
	if level == L0 {
		return m.expectedL0[num]
	}
	return m.expectedL1[num]
}

// L0TPActive reports whether an L0TP source is configured.
func (m *Manager) L0TPActive() bool { return m.l0tpActive }

// L0TPSourceNum returns the dense sourceNum of the L0TP source. Only valid
// when L0TPActive returns true.
func (m *Manager) L0TPSourceNum() int { return m.l0tpNum }

// NumL0Sources is the count of rows that contribute at L0 (ExpectedL0 > 0).
func (m *Manager) NumL0Sources() int { return m.numL0 }

// NumL1Sources is the count of rows that contribute at L1 (ExpectedL1 > 0).
func (m *Manager) NumL1Sources() int { return m.numL1 }

// NumSources is the total number of rows in the table, the size every
// Event's L0Subevents/L1Subevents arrays are allocated with.
func (m *Manager) NumSources() int { return len(m.numToID) }

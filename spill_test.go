package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrAt(col, row int) CellAddress {
	return CellAddress{Workbook: "wb", Sheet: "S", Col: col, Row: row}
}

func noCells(CellAddress) bool { return false }

func TestCanSpillEmptyArea(t *testing.T) {
	reg := NewSpillRegistry()
	area := NewFiniteRange("wb", "S", 0, 0, 1, 1)
	assert.True(t, reg.CanSpill(addrAt(0, 0), area, noCells))
}

func TestCanSpillBlockedByRawValue(t *testing.T) {
	reg := NewSpillRegistry()
	area := NewFiniteRange("wb", "S", 0, 0, 1, 1)
	blockedAt := addrAt(1, 1)
	occupied := func(addr CellAddress) bool { return addr == blockedAt }
	assert.False(t, reg.CanSpill(addrAt(0, 0), area, occupied))

	// the origin itself holding content does not block
	originOnly := func(addr CellAddress) bool { return addr == addrAt(0, 0) }
	assert.True(t, reg.CanSpill(addrAt(0, 0), area, originOnly))
}

func TestCanSpillBlockedByOtherEntry(t *testing.T) {
	reg := NewSpillRegistry()
	reg.Place(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 2, 2))

	// overlapping placement from another origin is rejected
	assert.False(t, reg.CanSpill(addrAt(2, 2), NewFiniteRange("wb", "S", 2, 2, 3, 3), noCells))

	// the same origin may regrow its own area
	assert.True(t, reg.CanSpill(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 3, 3), noCells))

	// disjoint placements are fine
	assert.True(t, reg.CanSpill(addrAt(5, 5), NewFiniteRange("wb", "S", 5, 5, 6, 6), noCells))
}

func TestCoveringExcludesOrigin(t *testing.T) {
	reg := NewSpillRegistry()
	reg.Place(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 1, 1))

	assert.Nil(t, reg.Covering(addrAt(0, 0)))

	entry := reg.Covering(addrAt(1, 1))
	require.NotNil(t, entry)
	assert.Equal(t, addrAt(0, 0), entry.Origin)

	assert.Nil(t, reg.Covering(addrAt(5, 5)))
}

func TestPlaceReplacesByOrigin(t *testing.T) {
	reg := NewSpillRegistry()
	reg.Place(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 1, 1))
	reg.Place(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 3, 3))
	assert.Equal(t, 1, reg.Len())

	entry := reg.ByOrigin(addrAt(0, 0))
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.SpillOnto.EndCol.Index)
}

func TestRemoveOrigin(t *testing.T) {
	reg := NewSpillRegistry()
	reg.Place(addrAt(0, 0), NewFiniteRange("wb", "S", 0, 0, 1, 1))
	assert.True(t, reg.RemoveOrigin(addrAt(0, 0)))
	assert.False(t, reg.RemoveOrigin(addrAt(0, 0)))
	assert.Equal(t, 0, reg.Len())
}

// no two entries may overlap on non-origin cells
func TestSpillDisjointnessInvariant(t *testing.T) {
	reg := NewSpillRegistry()
	areas := []SheetRange{
		NewFiniteRange("wb", "S", 0, 0, 1, 1),
		NewFiniteRange("wb", "S", 3, 0, 4, 1),
		NewFiniteRange("wb", "S", 0, 3, 1, 4),
	}
	for i, area := range areas {
		origin := area.Start()
		require.True(t, reg.CanSpill(origin, area, noCells), "area %d", i)
		reg.Place(origin, area)
	}

	entries := reg.Entries()
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			assert.False(t, entries[i].SpillOnto.Overlaps(entries[j].SpillOnto))
		}
	}
}

func TestSpilledValuesArea(t *testing.T) {
	sv := &SpilledValues{Rows: 4, Cols: 2}
	area := sv.SpillArea(addrAt(5, 0))
	assert.Equal(t, 5, area.StartCol)
	assert.Equal(t, 0, area.StartRow)
	assert.Equal(t, 6, area.EndCol.Index)
	assert.Equal(t, 3, area.EndRow.Index)
}

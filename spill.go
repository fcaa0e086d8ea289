package formulaengine

// SpillEntry records one placed array result: the formula's origin cell
// and the rectangle its values occupy.
type SpillEntry struct {
	Origin    CellAddress
	SpillOnto SheetRange
}

// SpillRegistry tracks every placed spill area. Invariant: no two
// entries' areas overlap on any non-origin cell, and no non-origin cell
// inside an area holds a non-empty raw value.
type SpillRegistry struct {
	entries []SpillEntry
}

// NewSpillRegistry creates an empty registry
func NewSpillRegistry() *SpillRegistry {
	return &SpillRegistry{}
}

// CanSpill reports whether an area anchored at origin can be placed:
// no other entry may already cover any of its cells, and no non-origin
// cell inside it may hold a non-empty raw value. Raw occupancy is checked
// through the provided lookup so the registry stays storage-agnostic.
func (r *SpillRegistry) CanSpill(origin CellAddress, area SheetRange, occupied func(addr CellAddress) bool) bool {
	for _, entry := range r.entries {
		if entry.Origin == origin {
			continue
		}
		if entry.SpillOnto.Overlaps(area) {
			return false
		}
	}

	blocked := false
	area.EachCell(func(addr CellAddress) bool {
		if addr == origin {
			return true
		}
		if occupied(addr) {
			blocked = true
			return false
		}
		return true
	})
	return !blocked
}

// Place inserts or replaces the entry for an origin.
func (r *SpillRegistry) Place(origin CellAddress, area SheetRange) {
	for i := range r.entries {
		if r.entries[i].Origin == origin {
			r.entries[i].SpillOnto = area
			return
		}
	}
	r.entries = append(r.entries, SpillEntry{Origin: origin, SpillOnto: area})
}

// RemoveOrigin drops the entry anchored at the given origin, if any.
func (r *SpillRegistry) RemoveOrigin(origin CellAddress) bool {
	for i := range r.entries {
		if r.entries[i].Origin == origin {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Covering returns the entry whose area contains addr with an origin
// other than addr itself, or nil when the cell is not spilled onto.
func (r *SpillRegistry) Covering(addr CellAddress) *SpillEntry {
	for i := range r.entries {
		if r.entries[i].Origin == addr {
			continue
		}
		if r.entries[i].SpillOnto.Contains(addr) {
			return &r.entries[i]
		}
	}
	return nil
}

// ByOrigin returns the entry anchored at origin, or nil.
func (r *SpillRegistry) ByOrigin(origin CellAddress) *SpillEntry {
	for i := range r.entries {
		if r.entries[i].Origin == origin {
			return &r.entries[i]
		}
	}
	return nil
}

// Entries returns a snapshot of all entries.
func (r *SpillRegistry) Entries() []SpillEntry {
	out := make([]SpillEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of placed areas.
func (r *SpillRegistry) Len() int {
	return len(r.entries)
}

// Clear drops every entry.
func (r *SpillRegistry) Clear() {
	r.entries = r.entries[:0]
}

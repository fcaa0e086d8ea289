package formulaengine

import (
	"sort"
	"strings"
)

// TableDefinition describes one table: its anchor cell (the top-left
// header cell), the ordered column headers, and the last data row. An
// open EndRow means the table grows with its sheet.
type TableDefinition struct {
	Name     string
	Sheet    string
	StartCol int
	StartRow int
	Headers  []string
	EndRow   RangeEnd

	headerIndex map[string]int
}

// NewTableDefinition builds a definition and indexes its headers.
func NewTableDefinition(name, sheet string, startCol, startRow int, headers []string, endRow RangeEnd) *TableDefinition {
	t := &TableDefinition{
		Name:        name,
		Sheet:       sheet,
		StartCol:    startCol,
		StartRow:    startRow,
		Headers:     headers,
		EndRow:      endRow,
		headerIndex: make(map[string]int, len(headers)),
	}
	for i, h := range headers {
		t.headerIndex[strings.ToUpper(h)] = i
	}
	return t
}

// ColumnOffset returns the zero-based column offset of a header,
// matched case-insensitively.
func (t *TableDefinition) ColumnOffset(header string) (int, bool) {
	idx, ok := t.headerIndex[strings.ToUpper(header)]
	return idx, ok
}

// LastCol returns the absolute column index of the rightmost table column.
func (t *TableDefinition) LastCol() int {
	return t.StartCol + len(t.Headers) - 1
}

// DataRange returns the data region of the table: every row below the
// header row up to EndRow, spanning all columns.
func (t *TableDefinition) DataRange(workbook string) SheetRange {
	return SheetRange{
		Workbook: workbook,
		Sheet:    t.Sheet,
		StartCol: t.StartCol,
		StartRow: t.StartRow + 1,
		EndCol:   FiniteEnd(t.LastCol()),
		EndRow:   t.EndRow,
	}
}

// ColumnSpan returns the data region restricted to the span between two
// headers (inclusive).
func (t *TableDefinition) ColumnSpan(workbook, first, last string) (SheetRange, bool) {
	firstIdx, ok := t.ColumnOffset(first)
	if !ok {
		return SheetRange{}, false
	}
	lastIdx, ok := t.ColumnOffset(last)
	if !ok {
		return SheetRange{}, false
	}
	if lastIdx < firstIdx {
		firstIdx, lastIdx = lastIdx, firstIdx
	}
	return SheetRange{
		Workbook: workbook,
		Sheet:    t.Sheet,
		StartCol: t.StartCol + firstIdx,
		StartRow: t.StartRow + 1,
		EndCol:   FiniteEnd(t.StartCol + lastIdx),
		EndRow:   t.EndRow,
	}, true
}

// ContainsRow reports whether a sheet row lies in the table's data
// region (the header row excluded).
func (t *TableDefinition) ContainsRow(sheet string, row int) bool {
	if sheet != t.Sheet || row <= t.StartRow {
		return false
	}
	if !t.EndRow.Infinite && row > t.EndRow.Index {
		return false
	}
	return true
}

// ContainsCell reports whether an address lies anywhere in the table,
// header row included.
func (t *TableDefinition) ContainsCell(sheet string, col, row int) bool {
	if sheet != t.Sheet {
		return false
	}
	if col < t.StartCol || col > t.LastCol() {
		return false
	}
	if row < t.StartRow {
		return false
	}
	if !t.EndRow.Infinite && row > t.EndRow.Index {
		return false
	}
	return true
}

// TableRegistry stores a workbook's tables. Table names are
// workbook-global and matched case-insensitively.
type TableRegistry struct {
	tables map[string]*TableDefinition
}

// NewTableRegistry creates an empty registry
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{tables: make(map[string]*TableDefinition)}
}

// Define adds or replaces a table definition.
func (r *TableRegistry) Define(def *TableDefinition) {
	r.tables[strings.ToUpper(def.Name)] = def
}

// Lookup returns a table by name.
func (r *TableRegistry) Lookup(name string) (*TableDefinition, bool) {
	def, ok := r.tables[strings.ToUpper(name)]
	return def, ok
}

// Remove deletes a table by name.
func (r *TableRegistry) Remove(name string) bool {
	key := strings.ToUpper(name)
	if _, ok := r.tables[key]; !ok {
		return false
	}
	delete(r.tables, key)
	return true
}

// Rename re-keys a table, keeping its definition.
func (r *TableRegistry) Rename(oldName, newName string) bool {
	def, ok := r.tables[strings.ToUpper(oldName)]
	if !ok {
		return false
	}
	if _, taken := r.tables[strings.ToUpper(newName)]; taken {
		return false
	}
	delete(r.tables, strings.ToUpper(oldName))
	def.Name = newName
	r.tables[strings.ToUpper(newName)] = def
	return true
}

// RemoveBySheet drops every table anchored on the given sheet.
func (r *TableRegistry) RemoveBySheet(sheet string) {
	for key, def := range r.tables {
		if def.Sheet == sheet {
			delete(r.tables, key)
		}
	}
}

// RenameSheet re-anchors tables after a sheet rename.
func (r *TableRegistry) RenameSheet(oldSheet, newSheet string) {
	for _, def := range r.tables {
		if def.Sheet == oldSheet {
			def.Sheet = newSheet
		}
	}
}

// At returns the table whose region (header included) covers the given
// cell, or nil. Overlapping tables are not rejected when defined; if more
// than one covers the cell, which of them is returned is not defined.
func (r *TableRegistry) At(sheet string, col, row int) *TableDefinition {
	for _, def := range r.tables {
		if def.ContainsCell(sheet, col, row) {
			return def
		}
	}
	return nil
}

// List returns all tables ordered by name.
func (r *TableRegistry) List() []*TableDefinition {
	out := make([]*TableDefinition, 0, len(r.tables))
	for _, def := range r.tables {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of tables
func (r *TableRegistry) Count() int {
	return len(r.tables)
}

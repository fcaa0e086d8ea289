package formulaengine

import (
	"fmt"
	"sort"
)

// packCoord packs a (col, row) pair into a single map key
func packCoord(col, row int) uint64 {
	return uint64(uint32(col))<<32 | uint64(uint32(row))
}

func unpackCoord(key uint64) (int, int) {
	return int(uint32(key >> 32)), int(uint32(key))
}

// Sheet holds the raw serialized contents of one sheet: nil, bool,
// float64, or string (a string starting with '=' is a formula). Results
// live in the evaluator's cache, never here.
type Sheet struct {
	Name  string
	Index int
	cells map[uint64]any
}

// NewSheet creates an empty sheet
func NewSheet(name string, index int) *Sheet {
	return &Sheet{
		Name:  name,
		Index: index,
		cells: make(map[uint64]any),
	}
}

// SetRaw stores a serialized value. nil (or the empty string) removes
// the cell.
func (s *Sheet) SetRaw(col, row int, value any) {
	key := packCoord(col, row)
	if value == nil {
		delete(s.cells, key)
		return
	}
	if str, ok := value.(string); ok && str == "" {
		delete(s.cells, key)
		return
	}
	s.cells[key] = value
}

// Raw returns the serialized value at the coordinate, nil when empty.
func (s *Sheet) Raw(col, row int) any {
	return s.cells[packCoord(col, row)]
}

// CellCount returns the number of non-empty cells
func (s *Sheet) CellCount() int {
	return len(s.cells)
}

// EachCell visits every non-empty cell in deterministic (row-major)
// order. Iteration stops early when the callback returns false.
func (s *Sheet) EachCell(fn func(col, row int, value any) bool) {
	keys := make([]uint64, 0, len(s.cells))
	for key := range s.cells {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, ri := unpackCoord(keys[i])
		cj, rj := unpackCoord(keys[j])
		if ri != rj {
			return ri < rj
		}
		return ci < cj
	})
	for _, key := range keys {
		col, row := unpackCoord(key)
		if !fn(col, row, s.cells[key]) {
			return
		}
	}
}

// UsedExtent returns the maximum used column and row indices, or
// (-1, -1) for an empty sheet.
func (s *Sheet) UsedExtent() (maxCol, maxRow int) {
	maxCol, maxRow = -1, -1
	for key := range s.cells {
		col, row := unpackCoord(key)
		if col > maxCol {
			maxCol = col
		}
		if row > maxRow {
			maxRow = row
		}
	}
	return maxCol, maxRow
}

// Workbook groups sheets with their named expressions and tables. Sheet
// names are workbook-unique; table names are workbook-global.
type Workbook struct {
	Name   string
	sheets map[string]*Sheet
	order  []string
	names  *NamedExpressionTable
	tables *TableRegistry
}

// NewWorkbook creates an empty workbook
func NewWorkbook(name string) *Workbook {
	return &Workbook{
		Name:   name,
		sheets: make(map[string]*Sheet),
		names:  NewNamedExpressionTable(),
		tables: NewTableRegistry(),
	}
}

// AddSheet creates a sheet with the next index
func (wb *Workbook) AddSheet(name string) (*Sheet, error) {
	if !validEntityName(name) {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid sheet name: %q", name))
	}
	if _, exists := wb.sheets[name]; exists {
		return nil, NewApplicationError(AlreadyExists, "Sheet already exists")
	}
	sheet := NewSheet(name, len(wb.order))
	wb.sheets[name] = sheet
	wb.order = append(wb.order, name)
	return sheet, nil
}

// Sheet returns a sheet by name
func (wb *Workbook) Sheet(name string) (*Sheet, bool) {
	sheet, exists := wb.sheets[name]
	return sheet, exists
}

// RemoveSheet drops a sheet and its scoped named expressions.
func (wb *Workbook) RemoveSheet(name string) error {
	if _, exists := wb.sheets[name]; !exists {
		return NewApplicationError(NotFound, "Sheet not found")
	}
	delete(wb.sheets, name)
	for i, n := range wb.order {
		if n == name {
			wb.order = append(wb.order[:i], wb.order[i+1:]...)
			break
		}
	}
	for i := range wb.order {
		wb.sheets[wb.order[i]].Index = i
	}
	wb.names.RemoveScope(name)
	wb.tables.RemoveBySheet(name)
	return nil
}

// RenameSheet renames a sheet in place, keeping its index.
func (wb *Workbook) RenameSheet(oldName, newName string) error {
	sheet, exists := wb.sheets[oldName]
	if !exists {
		return NewApplicationError(NotFound, "Sheet not found")
	}
	if !validEntityName(newName) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid sheet name: %q", newName))
	}
	if _, exists := wb.sheets[newName]; exists {
		return NewApplicationError(AlreadyExists, "Sheet name already exists")
	}
	delete(wb.sheets, oldName)
	sheet.Name = newName
	wb.sheets[newName] = sheet
	for i, n := range wb.order {
		if n == oldName {
			wb.order[i] = newName
			break
		}
	}
	wb.names.RenameScope(oldName, newName)
	wb.tables.RenameSheet(oldName, newName)
	return nil
}

// SheetNames lists sheets in creation order
func (wb *Workbook) SheetNames() []string {
	out := make([]string, len(wb.order))
	copy(out, wb.order)
	return out
}

// Names returns the workbook's named-expression table
func (wb *Workbook) Names() *NamedExpressionTable {
	return wb.names
}

// Tables returns the workbook's table registry
func (wb *Workbook) Tables() *TableRegistry {
	return wb.tables
}

// Store holds all workbooks. It is the evaluator's get_sheet
// collaborator: raw cell content in, nothing derived out.
type Store struct {
	workbooks map[string]*Workbook
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{workbooks: make(map[string]*Workbook)}
}

// AddWorkbook creates a workbook
func (st *Store) AddWorkbook(name string) (*Workbook, error) {
	if !validEntityName(name) {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid workbook name: %q", name))
	}
	if _, exists := st.workbooks[name]; exists {
		return nil, NewApplicationError(AlreadyExists, "Workbook already exists")
	}
	wb := NewWorkbook(name)
	st.workbooks[name] = wb
	return wb, nil
}

// Workbook returns a workbook by name
func (st *Store) Workbook(name string) (*Workbook, bool) {
	wb, exists := st.workbooks[name]
	return wb, exists
}

// WorkbookNames lists all workbooks
func (st *Store) WorkbookNames() []string {
	out := make([]string, 0, len(st.workbooks))
	for name := range st.workbooks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SheetAt resolves the sheet holding an address
func (st *Store) SheetAt(addr CellAddress) (*Sheet, bool) {
	wb, ok := st.workbooks[addr.Workbook]
	if !ok {
		return nil, false
	}
	return wb.Sheet(addr.Sheet)
}

// RawAt returns the serialized content at an address, nil when the
// sheet is missing or the cell empty.
func (st *Store) RawAt(addr CellAddress) any {
	sheet, ok := st.SheetAt(addr)
	if !ok {
		return nil
	}
	return sheet.Raw(addr.Col, addr.Row)
}

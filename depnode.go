package formulaengine

import (
	"fmt"
	"strconv"
	"strings"
)

// Table-slice modes. A slice is either a whole-table reference, the
// current-row projection of a column, or a column (range) projection.
const (
	TableModeAll        = "all"
	TableModeCurrentRow = "current-row"
	TableModeRange      = "range"
)

// DependencyNode is one node of the dependency graph. Nodes are cells,
// ranges, named expressions, or table slices; each encodes to a unique
// string key used by the cache and the graph algorithms.
type DependencyNode interface {
	Key() string
}

// CellNode is a dependency on a single cell.
type CellNode struct {
	Addr CellAddress
}

func (n CellNode) Key() string {
	return fmt.Sprintf("C|%s|%s|%d|%d", n.Addr.Workbook, n.Addr.Sheet, n.Addr.Col, n.Addr.Row)
}

// RangeNode is a dependency on a rectangular (possibly open-ended) range.
// Open-ended ranges are the frontier mechanic's subject: their membership
// can grow as spill areas appear.
type RangeNode struct {
	Range SheetRange
}

func (n RangeNode) Key() string {
	r := n.Range
	return fmt.Sprintf("R|%s|%s|%d|%d|%s|%s", r.Workbook, r.Sheet, r.StartCol, r.StartRow, r.EndCol, r.EndRow)
}

// NamedNode is a dependency on a named expression. Scope is the sheet
// name for sheet-scoped names and empty for workbook-global ones.
type NamedNode struct {
	Workbook string
	Scope    string
	Name     string
}

func (n NamedNode) Key() string {
	scope := n.Scope
	if scope == "" {
		scope = "*"
	}
	return fmt.Sprintf("N|%s|%s|%s", n.Workbook, scope, strings.ToUpper(n.Name))
}

// TableSliceNode is a dependency on a slice of a table. Column holds
// "first:last" for multi-column slices and is empty for whole-table
// references.
type TableSliceNode struct {
	Workbook string
	Table    string
	Column   string
	Mode     string
}

func (n TableSliceNode) Key() string {
	return fmt.Sprintf("T|%s|%s|%s|%s", n.Workbook, n.Table, n.Column, n.Mode)
}

// ParseNodeKey reconstructs a dependency node from its key. The codec is
// bijective for names free of the '|' separator; the facade rejects names
// containing it.
func ParseNodeKey(key string) (DependencyNode, error) {
	parts := strings.Split(key, "|")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed dependency key: %q", key)
	}
	switch parts[0] {
	case "C":
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed cell key: %q", key)
		}
		col, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("malformed cell key column: %q", key)
		}
		row, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, fmt.Errorf("malformed cell key row: %q", key)
		}
		return CellNode{Addr: CellAddress{Workbook: parts[1], Sheet: parts[2], Col: col, Row: row}}, nil

	case "R":
		if len(parts) != 7 {
			return nil, fmt.Errorf("malformed range key: %q", key)
		}
		startCol, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("malformed range key start column: %q", key)
		}
		startRow, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, fmt.Errorf("malformed range key start row: %q", key)
		}
		endCol, err := parseRangeEnd(parts[5])
		if err != nil {
			return nil, fmt.Errorf("malformed range key end column: %q", key)
		}
		endRow, err := parseRangeEnd(parts[6])
		if err != nil {
			return nil, fmt.Errorf("malformed range key end row: %q", key)
		}
		return RangeNode{Range: SheetRange{
			Workbook: parts[1],
			Sheet:    parts[2],
			StartCol: startCol,
			StartRow: startRow,
			EndCol:   endCol,
			EndRow:   endRow,
		}}, nil

	case "N":
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed named-expression key: %q", key)
		}
		scope := parts[2]
		if scope == "*" {
			scope = ""
		}
		return NamedNode{Workbook: parts[1], Scope: scope, Name: parts[3]}, nil

	case "T":
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed table-slice key: %q", key)
		}
		switch parts[4] {
		case TableModeAll, TableModeCurrentRow, TableModeRange:
		default:
			return nil, fmt.Errorf("malformed table-slice mode: %q", key)
		}
		return TableSliceNode{Workbook: parts[1], Table: parts[2], Column: parts[3], Mode: parts[4]}, nil

	default:
		return nil, fmt.Errorf("unknown dependency key kind: %q", key)
	}
}

// validEntityName rejects names the key codec cannot encode bijectively.
func validEntityName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "|!")
}

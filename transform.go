package formulaengine

import (
	"fmt"
)

// ShiftFormula applies the copy displacement (dCol, dRow) to a formula
// source (without the leading '='), the transform autofill is built on.
// Unfixed reference components move; $-anchored components stay. The
// transform is purely textual: parse, shift, re-render. Shifting a
// reference off the grid is an error and leaves the caller to decide
// what to store.
func ShiftFormula(source string, dCol, dRow int) (string, error) {
	ast := ParseFormula(source)
	if errNode, isErr := ast.(*ErrorNode); isErr {
		return "", fmt.Errorf("cannot shift malformed formula: %s", errNode.Err.Message)
	}

	var failed *CellRefNode
	shiftRef := func(ref *A1Reference) bool {
		shifted, ok := ref.Shifted(dCol, dRow)
		if !ok {
			return false
		}
		*ref = shifted
		return true
	}

	walkAST(ast, func(node ASTNode) {
		if failed != nil {
			return
		}
		switch n := node.(type) {
		case *CellRefNode:
			if !shiftRef(&n.Ref) {
				failed = n
			}
		case *RangeRefNode:
			if !shiftRef(&n.Start) || !shiftRef(&n.End) {
				failed = &CellRefNode{Sheet: n.Sheet, Ref: n.Start}
			}
		}
	})
	if failed != nil {
		return "", fmt.Errorf("reference shifted off the grid")
	}

	return ast.ToString(), nil
}

package formulaengine

import (
	"math"
)

func (r *FunctionRegistry) registerLookupFunctions() {
	r.Register(&Function{Name: "FILTER", MinArgs: 2, MaxArgs: 3, Evaluate: fnFILTER})
	r.Register(&Function{Name: "INDEX", MinArgs: 2, MaxArgs: 3, Evaluate: fnINDEX})
	r.Register(&Function{Name: "OFFSET", MinArgs: 3, MaxArgs: 5, Evaluate: fnOFFSET})
}

// fnFILTER keeps the source rows whose condition cell is truthy. The
// result spills; an empty result degrades to the if_empty argument or
// #N/A.
func fnFILTER(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	source := ev.evaluateNode(node.Args[0], ctx)
	if err := asError(source); err != nil {
		return errorResult(err)
	}
	condition := ev.evaluateNode(node.Args[1], ctx)
	if err := asError(condition); err != nil {
		return errorResult(err)
	}

	srcRows, srcCols := 1, 1
	if sv := asSpilled(source); sv != nil {
		srcRows, srcCols = sv.Rows, sv.Cols
	}
	condRows := 1
	if sv := asSpilled(condition); sv != nil {
		if sv.Cols != 1 {
			return errorOf(ErrorCodeValue, "FILTER condition must be a single column")
		}
		condRows = sv.Rows
	}
	if condRows != srcRows {
		return errorOf(ErrorCodeValue, "FILTER condition height must match the source")
	}

	// materialize included rows; errors inside included cells stay as
	// per-cell output errors, errors in the condition fail the whole call
	included := [][]EvaluationResult{}
	for row := 0; row < srcRows; row++ {
		condCell := argAtOffset(ev, condition, Offset{Rows: row}, ctx)
		if err := asError(condCell); err != nil {
			return errorResult(err)
		}
		v, _ := scalarOf(condCell)
		ok, err := truthy(v)
		if err != nil {
			return errorResult(err)
		}
		if !ok {
			continue
		}
		rowValues := make([]EvaluationResult, srcCols)
		for col := 0; col < srcCols; col++ {
			rowValues[col] = argAtOffset(ev, source, Offset{Rows: row, Cols: col}, ctx)
		}
		included = append(included, rowValues)
	}

	if len(included) == 0 {
		if len(node.Args) == 3 {
			return ev.evaluateNode(node.Args[2], ctx)
		}
		return errorOf(ErrorCodeNA, "FILTER matched nothing")
	}

	rows := included
	return &SpilledValues{
		Rows: len(rows),
		Cols: srcCols,
		At: func(off Offset, c *EvalContext) EvaluationResult {
			if off.Rows < 0 || off.Rows >= len(rows) || off.Cols < 0 || off.Cols >= srcCols {
				return errorOf(ErrorCodeRef, "filter index out of bounds")
			}
			return rows[off.Rows][off.Cols]
		},
	}
}

// fnINDEX picks one element of an array by 1-based row/column. Vector
// arrays accept a single index along their long axis.
func fnINDEX(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	array := ev.evaluateNode(node.Args[0], ctx)
	if err := asError(array); err != nil {
		return errorResult(err)
	}

	rowRes := ev.flattenSingle(ev.evaluateNode(node.Args[1], ctx), ctx)
	if err := asError(rowRes); err != nil {
		return errorResult(err)
	}
	rowV, _ := scalarOf(rowRes)
	rowNum, serr := strictNumber(rowV)
	if serr != nil {
		return errorResult(serr)
	}
	index1 := int(math.Floor(rowNum))

	hasCol := len(node.Args) == 3
	index2 := 0
	if hasCol {
		colRes := ev.flattenSingle(ev.evaluateNode(node.Args[2], ctx), ctx)
		if err := asError(colRes); err != nil {
			return errorResult(err)
		}
		colV, _ := scalarOf(colRes)
		colNum, serr := strictNumber(colV)
		if serr != nil {
			return errorResult(serr)
		}
		index2 = int(math.Floor(colNum))
	}

	sv := asSpilled(array)
	if sv == nil {
		if index1 != 1 || (hasCol && index2 != 1) {
			return errorOf(ErrorCodeRef, "INDEX out of bounds")
		}
		return array
	}

	var off Offset
	switch {
	case hasCol:
		off = Offset{Rows: index1 - 1, Cols: index2 - 1}
	case sv.Cols == 1:
		off = Offset{Rows: index1 - 1}
	case sv.Rows == 1:
		off = Offset{Cols: index1 - 1}
	default:
		return errorOf(ErrorCodeValue, "INDEX needs a column for a two-dimensional array")
	}

	if off.Rows < 0 || off.Rows >= sv.Rows || off.Cols < 0 || off.Cols >= sv.Cols {
		return errorOf(ErrorCodeRef, "INDEX out of bounds")
	}
	return ev.flattenSingle(sv.At(off, ctx), ctx)
}

// fnOFFSET displaces a base reference and resizes it, yielding a range
// reference other functions consume as their source.
func fnOFFSET(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	base, serr := referenceOfArg(ev, node.Args[0], ctx)
	if serr != nil {
		return errorResult(serr)
	}

	args := make([]float64, 0, 4)
	for i := 1; i < len(node.Args); i++ {
		res := ev.flattenSingle(ev.evaluateNode(node.Args[i], ctx), ctx)
		if err := asError(res); err != nil {
			return errorResult(err)
		}
		v, _ := scalarOf(res)
		num, err := strictNumber(v)
		if err != nil {
			return errorResult(err)
		}
		args = append(args, math.Trunc(num))
	}

	rows := int(args[0])
	cols := int(args[1])
	baseCols, baseRows := base.Dims()
	height, width := baseRows, baseCols
	if len(args) >= 3 {
		height = int(args[2])
	}
	if len(args) >= 4 {
		width = int(args[3])
	}
	if height < 1 || width < 1 {
		return errorOf(ErrorCodeValue, "OFFSET size must be positive")
	}

	startCol := base.StartCol + cols
	startRow := base.StartRow + rows
	if startCol < 0 || startRow < 0 {
		return errorOf(ErrorCodeRef, "OFFSET moved off the sheet")
	}

	r := NewFiniteRange(base.Workbook, base.Sheet, startCol, startRow, startCol+width-1, startRow+height-1)
	return ev.rangeResult(r, ctx)
}

// referenceOfArg resolves an argument AST to the concrete range it
// refers to. Only genuine references qualify; values are #VALUE!.
func referenceOfArg(ev *Evaluator, arg ASTNode, ctx *EvalContext) (SheetRange, *SpreadsheetError) {
	if cellRef, ok := arg.(*CellRefNode); ok {
		sheet := cellRef.Sheet
		if sheet == "" {
			sheet = ctx.Sheet
		}
		addr := CellAddress{Workbook: ctx.Workbook, Sheet: sheet, Col: cellRef.Ref.Col, Row: cellRef.Ref.Row}
		return CellRange(addr), nil
	}

	res := ev.evaluateNode(arg, ctx)
	if err := asError(res); err != nil {
		return SheetRange{}, err
	}
	if sv := asSpilled(res); sv != nil && sv.Ref != nil {
		return *sv.Ref, nil
	}
	return SheetRange{}, NewSpreadsheetError(ErrorCodeValue, "a reference is required")
}

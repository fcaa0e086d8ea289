package formulaengine

// EvaluationResult is what a function or AST node evaluation produces:
// a plain value, an in-cell error, or spilled values covering an area.
type EvaluationResult interface {
	isEvaluationResult()
}

// ValueResult wraps a single scalar value.
type ValueResult struct {
	Value Primitive
}

func (ValueResult) isEvaluationResult() {}

// ErrorResult wraps an in-cell error.
type ErrorResult struct {
	Err *SpreadsheetError
}

func (ErrorResult) isEvaluationResult() {}

// SpilledValues is an array-valued result. The producing function closes
// over its arguments: At evaluates one output cell by offset, Rows/Cols
// give the area dimensions. Ref is set when the result is backed by a
// concrete range reference (range literals, OFFSET, table slices) so
// consumers that need reference semantics can reach it.
type SpilledValues struct {
	Rows int
	Cols int
	At   func(off Offset, ctx *EvalContext) EvaluationResult
	Ref  *SheetRange
}

func (*SpilledValues) isEvaluationResult() {}

// SpillArea returns the rectangle the values occupy when anchored at the
// given origin.
func (s *SpilledValues) SpillArea(origin CellAddress) SheetRange {
	return NewFiniteRange(origin.Workbook, origin.Sheet,
		origin.Col, origin.Row,
		origin.Col+s.Cols-1, origin.Row+s.Rows-1)
}

// EvaluateAllCells walks the whole area through the offset evaluator in
// row-major order. Iteration stops early when the callback returns false.
func (s *SpilledValues) EvaluateAllCells(ctx *EvalContext, fn func(off Offset, res EvaluationResult) bool) {
	for row := 0; row < s.Rows; row++ {
		for col := 0; col < s.Cols; col++ {
			off := Offset{Cols: col, Rows: row}
			if !fn(off, s.At(off, ctx)) {
				return
			}
		}
	}
}

// valueOf builds a ValueResult.
func valueOf(v Primitive) EvaluationResult {
	return ValueResult{Value: v}
}

// errorOf builds an ErrorResult.
func errorOf(code ErrorCode, message string) EvaluationResult {
	return ErrorResult{Err: NewSpreadsheetError(code, message)}
}

// errorResult wraps an existing spreadsheet error.
func errorResult(err *SpreadsheetError) EvaluationResult {
	return ErrorResult{Err: err}
}

// asError extracts the error of an ErrorResult, nil otherwise.
func asError(res EvaluationResult) *SpreadsheetError {
	if er, ok := res.(ErrorResult); ok {
		return er.Err
	}
	return nil
}

// asSpilled extracts a SpilledValues result, nil otherwise.
func asSpilled(res EvaluationResult) *SpilledValues {
	if sv, ok := res.(*SpilledValues); ok {
		return sv
	}
	return nil
}

// scalarOf extracts the primitive of a ValueResult. Errors and spills
// report ok=false.
func scalarOf(res EvaluationResult) (Primitive, bool) {
	if vr, ok := res.(ValueResult); ok {
		return vr.Value, true
	}
	return nil, false
}

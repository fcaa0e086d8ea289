package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *Sheet) {
	t.Helper()
	store := NewStore()
	wb, err := store.AddWorkbook("wb")
	require.NoError(t, err)
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)
	ev := NewEvaluator(store, NewDefaultFunctionRegistry(), DefaultConfig().Logger(), 8)
	return ev, sheet
}

func cellAt(col, row int) CellAddress {
	return CellAddress{Workbook: "wb", Sheet: "Sheet1", Col: col, Row: row}
}

// re-entry into evaluation from inside a function is rejected
func TestEvaluationInProgressGuard(t *testing.T) {
	store := NewStore()
	wb, err := store.AddWorkbook("wb")
	require.NoError(t, err)
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	registry := NewDefaultFunctionRegistry()
	var reentryErr error
	registry.Register(&Function{
		Name: "REENTER", MinArgs: 0, MaxArgs: 0,
		Evaluate: func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
			reentryErr = ev.EvaluateCell(cellAt(5, 5))
			return valueOf(1.0)
		},
	})

	ev := NewEvaluator(store, registry, DefaultConfig().Logger(), 8)
	sheet.SetRaw(0, 0, "=REENTER()")
	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))

	var appErr *AppError
	require.ErrorAs(t, reentryErr, &appErr)
	assert.Equal(t, FailedPrecondition, appErr.Code)
	assert.Equal(t, "Evaluation in progress", appErr.Message)
}

// cache consistency: after evaluate_cell, every transitive dependency's
// cached result matches a from-scratch evaluation
func TestCacheConsistencyInvariant(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, 2.0)         // A1
	sheet.SetRaw(0, 1, "=A1*3")     // A2
	sheet.SetRaw(0, 2, "=A2+A1")    // A3
	sheet.SetRaw(0, 3, "=SUM(A1:A3)") // A4

	require.NoError(t, ev.EvaluateCell(cellAt(0, 3)))

	key := CellNode{Addr: cellAt(0, 3)}.Key()
	closure := transitiveDeps(key, ev.effectiveDepsOf)

	cached := map[string]any{}
	for dep := range closure {
		node, err := ParseNodeKey(dep)
		require.NoError(t, err)
		cellNode, isCell := node.(CellNode)
		if !isCell {
			continue
		}
		value, err := ev.CellValue(cellNode.Addr, false)
		require.NoError(t, err)
		cached[dep] = value
	}

	// re-evaluate everything from scratch and compare
	ev.InvalidateAll()
	require.NoError(t, ev.RecalculateAll())
	for dep, before := range cached {
		node, _ := ParseNodeKey(dep)
		value, err := ev.CellValue(node.(CellNode).Addr, false)
		require.NoError(t, err)
		assert.Equal(t, before, value, "dep %s", dep)
	}
}

// dependency completeness: everything a formula reads shows up in its
// record's dep sets
func TestDependencyCompleteness(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, 1.0)                  // A1
	sheet.SetRaw(1, 0, 2.0)                  // B1
	sheet.SetRaw(2, 0, "=A1+SUM(B1:B2)")     // C1

	require.NoError(t, ev.EvaluateCell(cellAt(2, 0)))

	rec, ok := ev.Cache().Get(CellNode{Addr: cellAt(2, 0)}.Key())
	require.True(t, ok)

	assert.Contains(t, rec.Deps, CellNode{Addr: cellAt(0, 0)}.Key())
	assert.Contains(t, rec.Deps, CellNode{Addr: cellAt(1, 0)}.Key())
}

// an open range records a frontier dependency, not just concrete cells
func TestFrontierDependencyRecorded(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, 1.0)          // A1
	sheet.SetRaw(2, 0, "=SUM(A:A)")  // C1

	require.NoError(t, ev.EvaluateCell(cellAt(2, 0)))

	rec, ok := ev.Cache().Get(CellNode{Addr: cellAt(2, 0)}.Key())
	require.True(t, ok)
	require.Len(t, rec.FrontierDeps, 1)
	for key := range rec.FrontierDeps {
		node, err := ParseNodeKey(key)
		require.NoError(t, err)
		rangeNode, isRange := node.(RangeNode)
		require.True(t, isRange)
		assert.True(t, rangeNode.Range.EndRow.Infinite)
	}
}

// the convergence cap turns pathological evaluation into #ERROR!
func TestIterationCap(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	// a cap of zero forces immediate failure
	ev.maxIterations = 0
	sheet.SetRaw(0, 0, "=1+1")
	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))

	value, err := ev.CellValue(cellAt(0, 0), false)
	require.NoError(t, err)
	assert.Equal(t, "#ERROR!", value)
}

func TestMalformedFormulaSurfacesErrorSentinel(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, "=SUM(")
	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))

	value, err := ev.CellValue(cellAt(0, 0), false)
	require.NoError(t, err)
	assert.Equal(t, "#ERROR!", value)
}

func TestScalarCellsCacheDirectly(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, 42.0)
	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))

	rec, ok := ev.Cache().Get(CellNode{Addr: cellAt(0, 0)}.Key())
	require.True(t, ok)
	v, isValue := scalarOf(rec.Result)
	require.True(t, isValue)
	assert.Equal(t, 42.0, v)
	assert.Empty(t, rec.Deps)
}

// a cell depending on a range that includes itself cycles
func TestRangeSelfCycle(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, "=SUM(A1:A3)") // A1 sums a range containing A1
	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))

	value, err := ev.CellValue(cellAt(0, 0), false)
	require.NoError(t, err)
	assert.Equal(t, "#CYCLE!", value)
}

func TestSpillRegistryMaintainedAcrossReeval(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, "={1,2;3,4}")
	require.NoError(t, ev.RecalculateAll())
	assert.Equal(t, 1, ev.Spills().Len())

	// replacing the array with a scalar drops the spill entry
	sheet.SetRaw(0, 0, 5.0)
	require.NoError(t, ev.RecalculateAll())
	assert.Equal(t, 0, ev.Spills().Len())
}

func TestCachedDisplayValueDoesNotEvaluate(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, "=1+1")

	// unevaluated formula shows empty without forcing work
	assert.Equal(t, "", ev.CachedDisplayValue(cellAt(0, 0)))
	_, cached := ev.Cache().Get(CellNode{Addr: cellAt(0, 0)}.Key())
	assert.False(t, cached)

	require.NoError(t, ev.EvaluateCell(cellAt(0, 0)))
	assert.Equal(t, 2.0, ev.CachedDisplayValue(cellAt(0, 0)))
}

func TestEvaluateFormulaDirect(t *testing.T) {
	ev, sheet := newTestEvaluator(t)
	sheet.SetRaw(0, 0, 10.0)

	ctx := newEvalContext(cellAt(5, 5))
	res := ev.EvaluateFormula("A1*2", ctx)
	v, ok := scalarOf(res)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
	assert.Contains(t, ctx.Deps, CellNode{Addr: cellAt(0, 0)}.Key())
}

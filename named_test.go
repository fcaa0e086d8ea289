package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedExpressionGlobal(t *testing.T) {
	tc := newEngineTest(t)
	require.NoError(t, tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "RATE", Expression: "=0.2"}))
	tc.set("A1", 50).set("B1", "=A1*RATE")
	tc.assertValue("B1", 10.0)
}

func TestNamedExpressionSheetScopeShadowsGlobal(t *testing.T) {
	tc := newEngineTest(t)
	_, err := tc.engine.AddSheet("wb", "Other")
	require.NoError(t, err)

	require.NoError(t, tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "RATE", Expression: "2"}))
	require.NoError(t, tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "RATE", Expression: "10", Scope: "Sheet1"}))

	tc.set("A1", "=RATE")
	tc.assertValue("A1", 10.0) // sheet scope wins on Sheet1

	require.NoError(t, tc.engine.SetCellA1("wb", "Other!A1", "=RATE"))
	value, err := tc.engine.GetCellValueA1("wb", "Other!A1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, value) // global resolves elsewhere
}

func TestNamedExpressionUnknown(t *testing.T) {
	tc := newEngineTest(t)
	tc.set("A1", "=UNKNOWN_NAME+1")
	tc.assertValue("A1", "#NAME?")
}

func TestNamedExpressionWithRefs(t *testing.T) {
	tc := newEngineTest(t)
	require.NoError(t, tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "TOTAL", Expression: "=SUM(A1:A3)"}))
	tc.setAll(map[string]any{"A1": 1.0, "A2": 2.0, "A3": 3.0, "B1": "=TOTAL*2"})
	tc.assertValue("B1", 12.0)

	// the named expression's dependencies stay live
	tc.set("A2", 10)
	tc.assertValue("B1", 28.0)
}

func TestRemoveNamedExpression(t *testing.T) {
	tc := newEngineTest(t)
	require.NoError(t, tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "K", Expression: "5"}))
	tc.set("A1", "=K")
	tc.assertValue("A1", 5.0)

	require.NoError(t, tc.engine.RemoveNamedExpression("wb", "K", ""))
	tc.assertValue("A1", "#NAME?")
}

func TestNamedExpressionValidation(t *testing.T) {
	tc := newEngineTest(t)
	var appErr *AppError

	// cell-shaped names would be ambiguous
	err := tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "A1", Expression: "1"})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)

	// scope sheet must exist
	err = tc.engine.AddNamedExpression("wb", NamedExpressionSpec{Name: "X", Expression: "1", Scope: "Nope"})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, NotFound, appErr.Code)
}

func TestNamedExpressionTableResolution(t *testing.T) {
	table := NewNamedExpressionTable()
	table.Define("K", "1", "")
	table.Define("K", "2", "Sheet1")

	ne, ok := table.Resolve("Sheet1", "K")
	require.True(t, ok)
	assert.Equal(t, "2", ne.Expression)

	ne, ok = table.Resolve("Sheet2", "K")
	require.True(t, ok)
	assert.Equal(t, "1", ne.Expression)

	// lookups are case-insensitive
	ne, ok = table.Resolve("Sheet2", "k")
	require.True(t, ok)
	assert.Equal(t, "1", ne.Expression)

	table.RemoveScope("Sheet1")
	ne, ok = table.Resolve("Sheet1", "K")
	require.True(t, ok)
	assert.Equal(t, "1", ne.Expression)
}

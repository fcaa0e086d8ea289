package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productsTable(t *testing.T) *engineTestCase {
	t.Helper()
	tc := newEngineTest(t)
	tc.setAll(map[string]any{
		"A1": "num", "B1": "Price", "C1": "Qty",
		"A2": 1.0, "B2": 100.0, "C2": 3.0,
		"A3": 2.0, "B3": 150.0, "C3": 5.0,
	})
	require.NoError(t, tc.engine.AddTable("wb", TableSpec{
		Name: "Products", Sheet: "Sheet1", StartCol: 0, StartRow: 0, Rows: 2, Cols: 3,
	}))
	return tc
}

func TestTableColumnSlice(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[Price])")
	tc.assertValue("E1", 250.0)
}

func TestTableColumnSpanSlice(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[[Price]:[Qty]])")
	tc.assertValue("E1", 258.0)
}

func TestTableWholeReference(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[])")
	tc.assertValue("E1", 261.0) // num + Price + Qty data cells
}

func TestTableUnknownColumn(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[Bogus])")
	tc.assertValue("E1", "#REF!")
}

func TestTableUnknownTable(t *testing.T) {
	tc := newEngineTest(t)
	tc.set("A1", "=SUM(Nope[Price])")
	tc.assertValue("A1", "#REF!")
}

func TestTableCurrentRowOutsideTable(t *testing.T) {
	tc := productsTable(t)
	// E9 is far outside the table region
	tc.set("E9", "=Products[@Price]")
	tc.assertValue("E9", "#REF!")
}

func TestTableCurrentRowQualified(t *testing.T) {
	tc := productsTable(t)
	// a qualified current-row reference from a cell in a table row works
	tc.set("E2", "=Products[@Price]*2")
	tc.assertValue("E2", 200.0)
}

func TestTableHeaderCaseInsensitive(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[price])")
	tc.assertValue("E1", 250.0)
}

func TestRenameTableRewritesFormulas(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[Price])")
	tc.assertValue("E1", 250.0)

	require.NoError(t, tc.engine.RenameTable("wb", "Products", "Inventory"))
	tc.assertValue("E1", 250.0)

	raw := tc.engine.Store().RawAt(CellAddress{Workbook: "wb", Sheet: "Sheet1", Col: 4, Row: 0})
	assert.Contains(t, raw.(string), "Inventory[Price]")
}

func TestRemoveTableBreaksRefs(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[Price])")
	tc.assertValue("E1", 250.0)

	require.NoError(t, tc.engine.RemoveTable("wb", "Products"))
	tc.assertValue("E1", "#REF!")
}

func TestUpdateTableGrowsRange(t *testing.T) {
	tc := productsTable(t)
	tc.set("E1", "=SUM(Products[Price])")
	tc.set("B4", 50)
	tc.assertValue("E1", 250.0) // row 4 is outside the two-row table

	require.NoError(t, tc.engine.UpdateTable("wb", TableSpec{
		Name: "Products", Sheet: "Sheet1", StartCol: 0, StartRow: 0, Rows: 3, Cols: 3,
	}))
	tc.assertValue("E1", 300.0)
}

func TestAddTableValidation(t *testing.T) {
	tc := newEngineTest(t)
	var appErr *AppError

	// headers must exist
	err := tc.engine.AddTable("wb", TableSpec{Name: "T", Sheet: "Sheet1", Rows: 1, Cols: 1})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)

	tc.set("A1", "col")
	require.NoError(t, tc.engine.AddTable("wb", TableSpec{Name: "T", Sheet: "Sheet1", Rows: 1, Cols: 1}))

	// duplicate table name
	err = tc.engine.AddTable("wb", TableSpec{Name: "T", Sheet: "Sheet1", Rows: 1, Cols: 1})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, AlreadyExists, appErr.Code)
}

func TestTableDefinitionGeometry(t *testing.T) {
	def := NewTableDefinition("T", "S", 2, 1, []string{"a", "b"}, FiniteEnd(4))

	assert.Equal(t, 3, def.LastCol())
	assert.True(t, def.ContainsRow("S", 2))
	assert.False(t, def.ContainsRow("S", 1)) // the header row is not data
	assert.False(t, def.ContainsRow("S", 5))
	assert.True(t, def.ContainsCell("S", 2, 1)) // header cell is inside the table
	assert.False(t, def.ContainsCell("S", 4, 2))

	data := def.DataRange("wb")
	assert.Equal(t, 2, data.StartRow)
	assert.Equal(t, 4, data.EndRow.Index)
	assert.Equal(t, 2, data.StartCol)
	assert.Equal(t, 3, data.EndCol.Index)

	span, ok := def.ColumnSpan("wb", "b", "a")
	require.True(t, ok)
	assert.Equal(t, 2, span.StartCol) // span normalizes order
	assert.Equal(t, 3, span.EndCol.Index)

	_, ok = def.ColumnSpan("wb", "a", "zzz")
	assert.False(t, ok)
}

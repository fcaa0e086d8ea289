package formulaengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Engine is the facade over the store and the evaluation kernel. Any
// mutation of workbook content triggers a full re-evaluation; change
// events batch up during the mutation and fire synchronously on return.
type Engine struct {
	config    Config
	logger    zerolog.Logger
	store     *Store
	evaluator *Evaluator
	listeners *ListenerRegistry
}

// NewEngine creates an engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultConfig())
}

// NewEngineWithConfig creates an engine tuned by the given config.
func NewEngineWithConfig(cfg Config) *Engine {
	if cfg.MaxEvalIterations <= 0 {
		cfg.MaxEvalIterations = DefaultConfig().MaxEvalIterations
	}
	logger := cfg.Logger()
	store := NewStore()
	return &Engine{
		config:    cfg,
		logger:    logger,
		store:     store,
		evaluator: NewEvaluator(store, NewDefaultFunctionRegistry(), logger, cfg.MaxEvalIterations),
		listeners: NewListenerRegistry(),
	}
}

// Evaluator exposes the kernel for diagnostics and invariant checks.
func (e *Engine) Evaluator() *Evaluator {
	return e.evaluator
}

// Store exposes raw content access for diagnostics.
func (e *Engine) Store() *Store {
	return e.store
}

// SheetInfo is the record returned by AddSheet.
type SheetInfo struct {
	Name  string
	Index int
}

// AddWorkbook creates a workbook.
func (e *Engine) AddWorkbook(name string) error {
	_, err := e.store.AddWorkbook(name)
	return err
}

// AddSheet creates a sheet in a workbook.
func (e *Engine) AddSheet(workbook, sheet string) (SheetInfo, error) {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return SheetInfo{}, NewApplicationError(NotFound, "Workbook not found")
	}
	s, err := wb.AddSheet(sheet)
	if err != nil {
		return SheetInfo{}, err
	}
	e.listeners.emitSheetEvent(SheetEvent{Kind: SheetAdded, Workbook: workbook, Sheet: sheet})
	return SheetInfo{Name: s.Name, Index: s.Index}, nil
}

// RemoveSheet drops a sheet and purges its scoped state. Formulas
// referring to the removed sheet degrade to #REF! on re-evaluation.
func (e *Engine) RemoveSheet(workbook, sheet string) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	err := e.mutate(func() error {
		return wb.RemoveSheet(sheet)
	})
	if err != nil {
		return err
	}
	e.listeners.emitSheetEvent(SheetEvent{Kind: SheetRemoved, Workbook: workbook, Sheet: sheet})
	return nil
}

// RenameSheet renames a sheet and rewrites every formula referring to
// the old name.
func (e *Engine) RenameSheet(workbook, oldName, newName string) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	err := e.mutate(func() error {
		if err := wb.RenameSheet(oldName, newName); err != nil {
			return err
		}
		rewritten := e.rewriteFormulas(wb, func(ast ASTNode) bool {
			return renameSheetRefs(ast, oldName, newName)
		})
		if rewritten > 0 {
			e.logger.Debug().Str("old", oldName).Str("new", newName).Int("formulas", rewritten).
				Msg("rewrote formulas after sheet rename")
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.listeners.emitSheetEvent(SheetEvent{Kind: SheetRenamed, Workbook: workbook, Sheet: oldName, NewName: newName})
	return nil
}

// SetCell writes one cell. A string starting with '=' is a formula;
// nil or the empty string clears the cell.
func (e *Engine) SetCell(addr CellAddress, value any) error {
	sheet, ok := e.store.SheetAt(addr)
	if !ok {
		return NewApplicationError(NotFound, "Sheet not found")
	}
	if addr.Col < 0 || addr.Row < 0 {
		return NewApplicationError(InvalidArgument, "cell coordinates must not be negative")
	}
	if err := validateScalar(value); err != nil {
		return err
	}
	return e.mutate(func() error {
		sheet.SetRaw(addr.Col, addr.Row, value)
		return nil
	})
}

// SetCellA1 writes a cell addressed as "Sheet1!A1".
func (e *Engine) SetCellA1(workbook, ref string, value any) error {
	addr, err := e.ParseCellAddress(workbook, ref)
	if err != nil {
		return err
	}
	return e.SetCell(addr, value)
}

// SetSheetContent bulk-writes a sheet from an A1-keyed map, firing one
// batched update.
func (e *Engine) SetSheetContent(workbook, sheetName string, content map[string]any) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	sheet, ok := wb.Sheet(sheetName)
	if !ok {
		return NewApplicationError(NotFound, "Sheet not found")
	}

	type entry struct {
		ref   A1Reference
		value any
	}
	entries := make([]entry, 0, len(content))
	for ref, value := range content {
		parsed, err := ParseA1(ref)
		if err != nil {
			return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid cell reference: %s", ref))
		}
		if err := validateScalar(value); err != nil {
			return err
		}
		entries = append(entries, entry{ref: parsed, value: value})
	}

	return e.mutate(func() error {
		for _, en := range entries {
			sheet.SetRaw(en.ref.Col, en.ref.Row, en.value)
		}
		return nil
	})
}

// GetCellValue reads a cell's serialized value, evaluating on demand.
// Spilled cells resolve through their covering origin. With debug, error
// codes carry their messages.
func (e *Engine) GetCellValue(addr CellAddress, debug bool) (any, error) {
	if _, ok := e.store.SheetAt(addr); !ok {
		return nil, NewApplicationError(NotFound, "Sheet not found")
	}
	return e.evaluator.CellValue(addr, debug || e.config.Debug)
}

// GetCellValueA1 reads a cell addressed as "Sheet1!A1".
func (e *Engine) GetCellValueA1(workbook, ref string) (any, error) {
	addr, err := e.ParseCellAddress(workbook, ref)
	if err != nil {
		return nil, err
	}
	return e.GetCellValue(addr, false)
}

// NamedExpressionSpec describes a named expression. Empty Scope means
// workbook-global; otherwise the name is scoped to that sheet and
// shadows a global of the same name there.
type NamedExpressionSpec struct {
	Name       string
	Expression string
	Scope      string
}

// AddNamedExpression defines or replaces a named expression and
// re-evaluates.
func (e *Engine) AddNamedExpression(workbook string, spec NamedExpressionSpec) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	if !validEntityName(spec.Name) || isCellText(spec.Name) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid expression name: %q", spec.Name))
	}
	if spec.Scope != "" {
		if _, ok := wb.Sheet(spec.Scope); !ok {
			return NewApplicationError(NotFound, "Scope sheet not found")
		}
	}
	expression := strings.TrimPrefix(spec.Expression, "=")
	return e.mutate(func() error {
		wb.Names().Define(spec.Name, expression, spec.Scope)
		return nil
	})
}

// RemoveNamedExpression deletes a named expression and re-evaluates;
// formulas still using it degrade to #NAME?.
func (e *Engine) RemoveNamedExpression(workbook, name, scope string) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	if !wb.Names().Remove(name, scope) {
		return NewApplicationError(NotFound, "Named expression not found")
	}
	return e.mutate(func() error { return nil })
}

// TableSpec describes a table anchored at its header row. Rows counts
// data rows below the header; Cols counts columns. Header texts are read
// from the sheet's header row cells.
type TableSpec struct {
	Name     string
	Sheet    string
	StartCol int
	StartRow int
	Rows     int
	Cols     int
}

// AddTable defines a table over existing sheet content and
// re-evaluates. The header row must hold a text per column.
func (e *Engine) AddTable(workbook string, spec TableSpec) error {
	def, err := e.buildTable(workbook, spec)
	if err != nil {
		return err
	}
	wb, _ := e.store.Workbook(workbook)
	if _, exists := wb.Tables().Lookup(spec.Name); exists {
		return NewApplicationError(AlreadyExists, "Table already exists")
	}
	return e.mutate(func() error {
		wb.Tables().Define(def)
		return nil
	})
}

// UpdateTable replaces a table's definition in place.
func (e *Engine) UpdateTable(workbook string, spec TableSpec) error {
	def, err := e.buildTable(workbook, spec)
	if err != nil {
		return err
	}
	wb, _ := e.store.Workbook(workbook)
	if _, exists := wb.Tables().Lookup(spec.Name); !exists {
		return NewApplicationError(NotFound, "Table not found")
	}
	return e.mutate(func() error {
		wb.Tables().Define(def)
		return nil
	})
}

// RenameTable renames a table and rewrites structured references to it.
func (e *Engine) RenameTable(workbook, oldName, newName string) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	if !validEntityName(newName) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid table name: %q", newName))
	}
	return e.mutate(func() error {
		if !wb.Tables().Rename(oldName, newName) {
			return NewApplicationError(NotFound, "Table not found")
		}
		rewritten := e.rewriteFormulas(wb, func(ast ASTNode) bool {
			return renameTableRefs(ast, oldName, newName)
		})
		if rewritten > 0 {
			e.logger.Debug().Str("old", oldName).Str("new", newName).Int("formulas", rewritten).
				Msg("rewrote formulas after table rename")
		}
		return nil
	})
}

// RemoveTable drops a table; structured references to it degrade to
// #REF! on re-evaluation.
func (e *Engine) RemoveTable(workbook, name string) error {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return NewApplicationError(NotFound, "Workbook not found")
	}
	return e.mutate(func() error {
		if !wb.Tables().Remove(name) {
			return NewApplicationError(NotFound, "Table not found")
		}
		return nil
	})
}

// Reevaluate recomputes everything from a cold cache. Applying it twice
// with no intervening mutation yields identical cached results.
func (e *Engine) Reevaluate() error {
	return e.mutate(func() error { return nil })
}

// OnCellUpdate subscribes a per-cell change listener.
func (e *Engine) OnCellUpdate(fn func(CellUpdate)) string {
	return e.listeners.OnCellUpdate(fn)
}

// OnBatchUpdate subscribes a per-batch change listener.
func (e *Engine) OnBatchUpdate(fn func([]CellUpdate)) string {
	return e.listeners.OnBatchUpdate(fn)
}

// OnSheetEvent subscribes a sheet lifecycle listener.
func (e *Engine) OnSheetEvent(fn func(SheetEvent)) string {
	return e.listeners.OnSheetEvent(fn)
}

// Unsubscribe removes a subscription of any kind.
func (e *Engine) Unsubscribe(id string) bool {
	return e.listeners.Unsubscribe(id)
}

// ParseCellAddress resolves a "Sheet1!A1" style reference against a
// workbook.
func (e *Engine) ParseCellAddress(workbook, ref string) (CellAddress, error) {
	sheet, rest := splitSheetPrefix(ref)
	if sheet == "" {
		return CellAddress{}, NewApplicationError(InvalidArgument,
			fmt.Sprintf("reference must be sheet-qualified: %s", ref))
	}
	parsed, err := ParseA1(rest)
	if err != nil {
		return CellAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid address: %v", err))
	}
	return CellAddress{Workbook: workbook, Sheet: sheet, Col: parsed.Col, Row: parsed.Row}, nil
}

// --- internals -------------------------------------------------------

// buildTable validates a spec and reads its headers off the sheet.
func (e *Engine) buildTable(workbook string, spec TableSpec) (*TableDefinition, error) {
	wb, ok := e.store.Workbook(workbook)
	if !ok {
		return nil, NewApplicationError(NotFound, "Workbook not found")
	}
	sheet, ok := wb.Sheet(spec.Sheet)
	if !ok {
		return nil, NewApplicationError(NotFound, "Sheet not found")
	}
	if !validEntityName(spec.Name) || isCellText(spec.Name) {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid table name: %q", spec.Name))
	}
	if spec.Rows < 1 || spec.Cols < 1 {
		return nil, NewApplicationError(InvalidArgument, "table needs at least one row and one column")
	}
	if spec.StartCol < 0 || spec.StartRow < 0 {
		return nil, NewApplicationError(InvalidArgument, "table anchor must not be negative")
	}

	headers := make([]string, spec.Cols)
	for i := 0; i < spec.Cols; i++ {
		raw := sheet.Raw(spec.StartCol+i, spec.StartRow)
		header := concatText(parseScalar(raw))
		if header == "" {
			return nil, NewApplicationError(InvalidArgument,
				fmt.Sprintf("missing header in column %s", ColumnLetters(spec.StartCol+i)))
		}
		headers[i] = header
	}

	endRow := FiniteEnd(spec.StartRow + spec.Rows)
	return NewTableDefinition(spec.Name, spec.Sheet, spec.StartCol, spec.StartRow, headers, endRow), nil
}

// mutate wraps a content change: snapshot, apply, full re-evaluation,
// then a synchronous event batch for every changed cell.
func (e *Engine) mutate(apply func() error) error {
	before := e.snapshot()
	if err := apply(); err != nil {
		return err
	}
	if err := e.evaluator.RecalculateAll(); err != nil {
		return err
	}
	e.emitDiff(before)
	return nil
}

// snapshot captures the serialized displayed value of every cell that
// could change: raw cells, spill-covered cells, and cached formula
// results.
func (e *Engine) snapshot() map[CellAddress]any {
	out := make(map[CellAddress]any)

	for _, wbName := range e.store.WorkbookNames() {
		wb, _ := e.store.Workbook(wbName)
		for _, sheetName := range wb.SheetNames() {
			sheet, _ := wb.Sheet(sheetName)
			sheet.EachCell(func(col, row int, value any) bool {
				addr := CellAddress{Workbook: wbName, Sheet: sheetName, Col: col, Row: row}
				out[addr] = e.evaluator.CachedDisplayValue(addr)
				return true
			})
		}
	}

	for _, entry := range e.evaluator.Spills().Entries() {
		entry.SpillOnto.EachCell(func(addr CellAddress) bool {
			if _, seen := out[addr]; !seen {
				out[addr] = e.evaluator.CachedDisplayValue(addr)
			}
			return true
		})
	}

	for _, key := range e.evaluator.Cache().Keys() {
		node, err := ParseNodeKey(key)
		if err != nil {
			continue
		}
		if cellNode, isCell := node.(CellNode); isCell {
			if _, seen := out[cellNode.Addr]; !seen {
				out[cellNode.Addr] = e.evaluator.CachedDisplayValue(cellNode.Addr)
			}
		}
	}

	return out
}

// emitDiff compares snapshots and fires listeners for every changed
// cell in deterministic order.
func (e *Engine) emitDiff(before map[CellAddress]any) {
	after := e.snapshot()

	addrs := make(map[CellAddress]struct{}, len(before)+len(after))
	for addr := range before {
		addrs[addr] = struct{}{}
	}
	for addr := range after {
		addrs[addr] = struct{}{}
	}

	changes := []CellUpdate{}
	for addr := range addrs {
		oldValue, hadOld := before[addr]
		if !hadOld {
			oldValue = ""
		}
		newValue, hasNew := after[addr]
		if !hasNew {
			newValue = ""
		}
		if oldValue != newValue {
			changes = append(changes, CellUpdate{Address: addr, OldValue: oldValue, NewValue: newValue})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i].Address, changes[j].Address
		if a.Workbook != b.Workbook {
			return a.Workbook < b.Workbook
		}
		if a.Sheet != b.Sheet {
			return a.Sheet < b.Sheet
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})

	e.listeners.emitCellUpdates(changes)
}

// rewriteFormulas re-renders every formula of a workbook the transform
// touches and returns how many changed. Parsed-formula interning is
// dropped afterwards since sources moved.
func (e *Engine) rewriteFormulas(wb *Workbook, transform func(ast ASTNode) bool) int {
	rewritten := 0
	for _, sheetName := range wb.SheetNames() {
		sheet, _ := wb.Sheet(sheetName)

		type rewrite struct {
			col, row int
			source   string
		}
		pending := []rewrite{}
		sheet.EachCell(func(col, row int, value any) bool {
			src, isFormula := isFormulaSource(value)
			if !isFormula {
				return true
			}
			ast := ParseFormula(src)
			if _, isErr := ast.(*ErrorNode); isErr {
				return true
			}
			if transform(ast) {
				pending = append(pending, rewrite{col: col, row: row, source: "=" + ast.ToString()})
			}
			return true
		})
		for _, rw := range pending {
			sheet.SetRaw(rw.col, rw.row, rw.source)
		}
		rewritten += len(pending)
	}
	if rewritten > 0 {
		e.evaluator.InvalidateFormulas()
	}
	return rewritten
}

// validateScalar rejects serialized values the store cannot hold.
func validateScalar(value any) error {
	switch value.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint32, uint64:
		return nil
	default:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("unsupported cell value type %T", value))
	}
}

// walkAST visits a node and all its children.
func walkAST(node ASTNode, visit func(ASTNode)) {
	if node == nil {
		return
	}
	visit(node)
	switch n := node.(type) {
	case *BinaryOpNode:
		walkAST(n.Left, visit)
		walkAST(n.Right, visit)
	case *UnaryOpNode:
		walkAST(n.Operand, visit)
	case *FunctionCallNode:
		for _, arg := range n.Args {
			walkAST(arg, visit)
		}
	case *ArrayNode:
		for _, row := range n.Rows {
			for _, el := range row {
				walkAST(el, visit)
			}
		}
	}
}

// renameSheetRefs rewrites sheet qualifiers in place.
func renameSheetRefs(ast ASTNode, oldName, newName string) bool {
	changed := false
	walkAST(ast, func(node ASTNode) {
		switch n := node.(type) {
		case *CellRefNode:
			if n.Sheet == oldName {
				n.Sheet = newName
				changed = true
			}
		case *RangeRefNode:
			if n.Sheet == oldName {
				n.Sheet = newName
				changed = true
			}
		case *OpenRangeNode:
			if n.Sheet == oldName {
				n.Sheet = newName
				changed = true
			}
		}
	})
	return changed
}

// renameTableRefs rewrites structured-reference table names in place.
func renameTableRefs(ast ASTNode, oldName, newName string) bool {
	changed := false
	walkAST(ast, func(node ASTNode) {
		if n, ok := node.(*TableRefNode); ok {
			if strings.EqualFold(n.Table, oldName) {
				n.Table = newName
				changed = true
			}
		}
	})
	return changed
}

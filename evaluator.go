package formulaengine

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

// EvalContext travels down every AST walk and into function
// implementations. The dependency sets accumulate as references are
// encountered; the evaluation stack is shared across the whole
// evaluateCell call tree for dynamic cycle detection.
type EvalContext struct {
	Workbook string
	Sheet    string
	Cell     CellAddress

	Deps                  map[string]struct{}
	FrontierDeps          map[string]struct{}
	DiscardedFrontierDeps map[string]struct{}
}

// newEvalContext builds a context anchored at a cell with fresh dep sets.
func newEvalContext(cell CellAddress) *EvalContext {
	return &EvalContext{
		Workbook:              cell.Workbook,
		Sheet:                 cell.Sheet,
		Cell:                  cell,
		Deps:                  make(map[string]struct{}),
		FrontierDeps:          make(map[string]struct{}),
		DiscardedFrontierDeps: make(map[string]struct{}),
	}
}

// Evaluator is the single-threaded evaluation kernel: it owns the cache,
// the spill registry, and the formula table, and consults the store for
// raw content only.
type Evaluator struct {
	store    *Store
	cache    *DependencyCache
	spills   *SpillRegistry
	formulas *FormulaTable
	funcs    *FunctionRegistry
	logger   zerolog.Logger

	maxIterations int
	isEvaluating  bool
	evalStack     map[string]struct{}
}

// NewEvaluator wires an evaluator over a store.
func NewEvaluator(store *Store, funcs *FunctionRegistry, logger zerolog.Logger, maxIterations int) *Evaluator {
	if maxIterations <= 0 {
		maxIterations = 8
	}
	return &Evaluator{
		store:         store,
		cache:         NewDependencyCache(),
		spills:        NewSpillRegistry(),
		formulas:      NewFormulaTable(),
		funcs:         funcs,
		logger:        logger,
		maxIterations: maxIterations,
		evalStack:     make(map[string]struct{}),
	}
}

// Cache exposes the dependency cache for diagnostics and invariants
// testing.
func (ev *Evaluator) Cache() *DependencyCache {
	return ev.cache
}

// Spills exposes the spill registry for diagnostics.
func (ev *Evaluator) Spills() *SpillRegistry {
	return ev.spills
}

// InvalidateAll clears every cached result and spill placement. The next
// evaluation starts from scratch.
func (ev *Evaluator) InvalidateAll() {
	ev.cache.Clear()
	ev.spills.Clear()
}

// InvalidateFormulas additionally drops interned ASTs; required after a
// rewrite pass mutates parsed formulas.
func (ev *Evaluator) InvalidateFormulas() {
	ev.formulas.Clear()
}

// EvaluateCell computes and caches the result for one cell. It is
// mutually exclusive with itself: re-entry (including through a public
// API call from inside a function) is an application error.
func (ev *Evaluator) EvaluateCell(addr CellAddress) error {
	if ev.isEvaluating {
		return NewApplicationError(FailedPrecondition, "Evaluation in progress")
	}
	ev.isEvaluating = true
	defer func() { ev.isEvaluating = false }()
	ev.evaluateCellLocked(addr)
	return nil
}

// RecalculateAll re-evaluates every formula cell of every workbook from a
// cold cache. Deterministic order: workbook name, sheet index, then
// row-major cell order.
func (ev *Evaluator) RecalculateAll() error {
	if ev.isEvaluating {
		return NewApplicationError(FailedPrecondition, "Evaluation in progress")
	}
	ev.isEvaluating = true
	defer func() { ev.isEvaluating = false }()

	ev.InvalidateAll()

	cells := 0
	for _, wbName := range ev.store.WorkbookNames() {
		wb, _ := ev.store.Workbook(wbName)
		for _, sheetName := range wb.SheetNames() {
			sheet, _ := wb.Sheet(sheetName)
			sheet.EachCell(func(col, row int, value any) bool {
				if _, isFormula := isFormulaSource(value); isFormula {
					ev.evaluateCellLocked(CellAddress{Workbook: wbName, Sheet: sheetName, Col: col, Row: row})
					cells++
				}
				return true
			})
		}
	}
	ev.logger.Debug().Int("formula_cells", cells).Msg("recalculated all workbooks")
	return nil
}

// CellValue serializes the value a cell shows: spilled cells resolve
// through their covering origin, everything else through the cache,
// evaluating on demand.
func (ev *Evaluator) CellValue(addr CellAddress, debug bool) (any, error) {
	if entry := ev.spills.Covering(addr); entry != nil {
		originKey := CellNode{Addr: entry.Origin}.Key()
		if _, ok := ev.cache.Get(originKey); !ok {
			if err := ev.EvaluateCell(entry.Origin); err != nil {
				return nil, err
			}
		}
		rec, ok := ev.cache.Get(originKey)
		if !ok {
			return "", nil
		}
		sv := asSpilled(rec.Result)
		if sv == nil {
			return "", nil
		}
		off := Offset{Cols: addr.Col - entry.Origin.Col, Rows: addr.Row - entry.Origin.Row}
		scratch := newEvalContext(addr)
		res := ev.flattenSingle(sv.At(off, scratch), scratch)
		return serializeResult(res, debug), nil
	}

	key := CellNode{Addr: addr}.Key()
	if _, ok := ev.cache.Get(key); !ok {
		if err := ev.EvaluateCell(addr); err != nil {
			return nil, err
		}
	}
	rec, ok := ev.cache.Get(key)
	if !ok {
		return "", nil
	}
	scratch := newEvalContext(addr)
	return serializeResult(ev.flattenSingle(rec.Result, scratch), debug), nil
}

// CachedDisplayValue serializes what a cell currently shows without
// forcing evaluation: raw scalars directly, formula cells from the
// cache (empty when unevaluated), spilled cells through their covering
// origin's cached result.
func (ev *Evaluator) CachedDisplayValue(addr CellAddress) any {
	if entry := ev.spills.Covering(addr); entry != nil {
		rec, ok := ev.cache.Get(CellNode{Addr: entry.Origin}.Key())
		if !ok {
			return ""
		}
		sv := asSpilled(rec.Result)
		if sv == nil {
			return ""
		}
		off := Offset{Cols: addr.Col - entry.Origin.Col, Rows: addr.Row - entry.Origin.Row}
		scratch := newEvalContext(addr)
		return serializeResult(ev.flattenSingle(sv.At(off, scratch), scratch), false)
	}

	raw := ev.store.RawAt(addr)
	if _, isFormula := isFormulaSource(raw); isFormula {
		rec, ok := ev.cache.Get(CellNode{Addr: addr}.Key())
		if !ok {
			return ""
		}
		scratch := newEvalContext(addr)
		return serializeResult(ev.flattenSingle(rec.Result, scratch), false)
	}
	return serializePrimitive(parseScalar(raw), false)
}

// serializeResult converts a single evaluation result into the external
// serialized form.
func serializeResult(res EvaluationResult, debug bool) any {
	if err := asError(res); err != nil {
		return serializePrimitive(err, debug)
	}
	if v, ok := scalarOf(res); ok {
		return serializePrimitive(v, debug)
	}
	return ""
}

// evaluateCellLocked is the outer evaluate-cell loop. Each pass computes
// the transitive dependency closure, orders it leaves first, evaluates
// every node, and re-runs while the closure keeps growing. The loop
// converges because the graph only grows within one call and each spill
// acceptance or rejection monotonically changes coverage; the iteration
// cap guards the pathological case.
func (ev *Evaluator) evaluateCellLocked(addr CellAddress) {
	key := CellNode{Addr: addr}.Key()

	for iteration := 0; ; iteration++ {
		if iteration >= ev.maxIterations {
			ev.logger.Debug().Str("cell", addr.String()).Int("iterations", iteration).
				Msg("evaluation did not converge")
			ev.putResult(key, errorOf(ErrorCodeOther, "evaluation did not converge"))
			return
		}

		raw := ev.store.RawAt(addr)
		if _, isFormula := isFormulaSource(raw); !isFormula {
			ev.spills.RemoveOrigin(addr)
			ev.putResult(key, valueOf(parseScalar(raw)))
			return
		}

		allDeps := transitiveDeps(key, ev.effectiveDepsOf)
		sorted, leftover := topologicalSort(allDeps, ev.effectiveDepsOf)
		if sorted == nil {
			ev.logger.Debug().Str("cell", addr.String()).Int("participants", len(leftover)).
				Msg("cycle detected")
			cycleErr := NewSpreadsheetError(ErrorCodeCycle, "Circular reference detected")
			for _, k := range leftover {
				if !strings.HasPrefix(k, "R|") {
					ev.putResultKeepDeps(k, errorResult(cycleErr))
				}
			}
			ev.putResultKeepDeps(key, errorResult(cycleErr))
			return
		}

		rerun := false
		// the sort lists dependents first; walk it reversed, leaves first
		for i := len(sorted) - 1; i >= 0; i-- {
			if ev.evaluateDependencyNode(sorted[i], addr) {
				rerun = true
			}
		}
		if ev.evaluateDependencyNode(key, addr) {
			rerun = true
		}

		if !setsEqual(transitiveDeps(key, ev.effectiveDepsOf), allDeps) {
			rerun = true
		}
		if !rerun {
			return
		}
	}
}

// putResult stores a record with empty dependency sets.
func (ev *Evaluator) putResult(key string, result EvaluationResult) {
	ev.cache.Put(key, &EvaluatedNode{
		Deps:                  make(map[string]struct{}),
		FrontierDeps:          make(map[string]struct{}),
		DiscardedFrontierDeps: make(map[string]struct{}),
		Result:                result,
	})
}

// putResultKeepDeps overwrites a record's result but keeps any previously
// discovered dependency sets so the graph shape stays visible.
func (ev *Evaluator) putResultKeepDeps(key string, result EvaluationResult) {
	if old, ok := ev.cache.Get(key); ok {
		old.Result = result
		return
	}
	ev.putResult(key, result)
}

// effectiveDepsOf resolves a node's effective dependencies for graph
// traversal. Range pseudo-nodes expand to their current concrete
// members; everything else reads its cache record.
func (ev *Evaluator) effectiveDepsOf(key string) []string {
	if strings.HasPrefix(key, "R|") {
		node, err := ParseNodeKey(key)
		if err != nil {
			return nil
		}
		return ev.rangeMembers(node.(RangeNode).Range)
	}
	rec, ok := ev.cache.Get(key)
	if !ok {
		return nil
	}
	return rec.EffectiveDeps()
}

// rangeMembers lists the cell keys currently belonging to a range: every
// non-empty raw cell plus every spill-covered cell inside it.
func (ev *Evaluator) rangeMembers(r SheetRange) []string {
	wb, ok := ev.store.Workbook(r.Workbook)
	if !ok {
		return nil
	}
	sheet, ok := wb.Sheet(r.Sheet)
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	out := []string{}
	sheet.EachCell(func(col, row int, value any) bool {
		addr := CellAddress{Workbook: r.Workbook, Sheet: r.Sheet, Col: col, Row: row}
		if r.Contains(addr) {
			k := CellNode{Addr: addr}.Key()
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
		return true
	})
	for _, entry := range ev.spills.Entries() {
		if !entry.SpillOnto.Overlaps(r) {
			continue
		}
		entry.SpillOnto.EachCell(func(addr CellAddress) bool {
			if r.Contains(addr) {
				k := CellNode{Addr: addr}.Key()
				if _, dup := seen[k]; !dup {
					seen[k] = struct{}{}
					out = append(out, k)
				}
			}
			return true
		})
	}
	return out
}

// evaluateDependencyNode resolves and evaluates one dependency node,
// persists its record, and reports whether the discovered dependency
// sets drifted from the cached ones (requiring a re-run of the outer
// loop). Range pseudo-nodes carry no record and are skipped.
func (ev *Evaluator) evaluateDependencyNode(key string, caller CellAddress) bool {
	if _, inFlight := ev.evalStack[key]; inFlight {
		return false
	}
	node, err := ParseNodeKey(key)
	if err != nil {
		return false
	}
	if _, isRange := node.(RangeNode); isRange {
		return false
	}

	ev.evalStack[key] = struct{}{}
	defer delete(ev.evalStack, key)

	var ctx *EvalContext
	var result EvaluationResult
	var spillOrigin *CellAddress

	switch n := node.(type) {
	case CellNode:
		ctx = newEvalContext(n.Addr)
		result = ev.evaluateCellContent(n.Addr, ctx)
		spillOrigin = &n.Addr

	case NamedNode:
		ctx = newEvalContext(caller)
		ctx.Workbook = n.Workbook
		result = ev.evaluateNamedExpression(n, ctx)

	case TableSliceNode:
		ctx = newEvalContext(caller)
		ctx.Workbook = n.Workbook
		result = ev.evaluateTableSlice(n, ctx)

	default:
		return false
	}

	var spillChanged bool
	var spillArea SheetRange
	if spillOrigin != nil {
		result, spillChanged, spillArea = ev.resolveSpill(*spillOrigin, result, ctx)
	}

	// a surviving spilled result has only been projected lazily so far;
	// walk it once with this node's context so every cell it reads lands
	// in the dependency sets before the record is persisted
	if sv := asSpilled(result); sv != nil {
		sv.EvaluateAllCells(ctx, func(Offset, EvaluationResult) bool { return true })
	}

	old, hadOld := ev.cache.Get(key)
	rec := &EvaluatedNode{
		Deps:                  ctx.Deps,
		FrontierDeps:          ctx.FrontierDeps,
		DiscardedFrontierDeps: ctx.DiscardedFrontierDeps,
		Result:                result,
	}

	rerun := false
	if hadOld {
		// frontier keys not re-observed move to the discarded set so a
		// later spill can resurrect them
		for k := range old.FrontierDeps {
			if _, live := rec.FrontierDeps[k]; !live {
				rec.FrontierDeps[k] = struct{}{}
				rec.DiscardedFrontierDeps[k] = struct{}{}
			}
		}
		rerun = !setsEqual(old.Deps, rec.Deps) || !setsEqual(old.FrontierDeps, rec.FrontierDeps)
	} else {
		rerun = len(rec.Deps) > 0 || len(rec.FrontierDeps) > 0
	}

	ev.cache.Put(key, rec)

	if spillChanged {
		// readers of the new area must resolve through the registry entry
		// placed above, so the origin leaves the in-flight stack first
		delete(ev.evalStack, key)
		ev.recheckAfterSpill(*spillOrigin, spillArea)
	}

	return rerun
}

// evaluateCellContent produces the result of one cell: raw scalar,
// spill-covered projection, or formula evaluation.
func (ev *Evaluator) evaluateCellContent(addr CellAddress, ctx *EvalContext) EvaluationResult {
	raw := ev.store.RawAt(addr)

	if raw == nil {
		// a cell inside another entry's spill area shows that entry's
		// projected value
		if entry := ev.spills.Covering(addr); entry != nil {
			return ev.spilledProjection(entry, addr, ctx)
		}
		return valueOf(nil)
	}

	if src, isFormula := isFormulaSource(raw); isFormula {
		ast := ev.formulas.Parse(src)
		return ast.eval(ev, ctx)
	}

	return valueOf(parseScalar(raw))
}

// spilledProjection resolves a covered cell through its covering origin's
// offset evaluator, registering the origin as a dependency.
func (ev *Evaluator) spilledProjection(entry *SpillEntry, addr CellAddress, ctx *EvalContext) EvaluationResult {
	originKey := CellNode{Addr: entry.Origin}.Key()
	ctx.Deps[originKey] = struct{}{}

	if _, inFlight := ev.evalStack[originKey]; inFlight {
		return errorOf(ErrorCodeCycle, "Circular reference detected")
	}

	rec, ok := ev.cache.Get(originKey)
	if !ok {
		ev.evaluateDependencyNode(originKey, addr)
		rec, ok = ev.cache.Get(originKey)
		if !ok {
			return valueOf(nil)
		}
	}
	sv := asSpilled(rec.Result)
	if sv == nil {
		return valueOf(nil)
	}
	off := Offset{Cols: addr.Col - entry.Origin.Col, Rows: addr.Row - entry.Origin.Row}
	return ev.flattenSingle(sv.At(off, ctx), ctx)
}

// evaluateNamedExpression resolves a named reference (sheet scope
// shadows global) and evaluates its expression with the caller's cell
// left in place so relative constructs resolve against the caller.
func (ev *Evaluator) evaluateNamedExpression(n NamedNode, ctx *EvalContext) EvaluationResult {
	wb, ok := ev.store.Workbook(n.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}
	ne, ok := wb.Names().Resolve(ctx.Sheet, n.Name)
	if !ok {
		return errorOf(ErrorCodeName, fmt.Sprintf("Unknown name: %s", n.Name))
	}
	src := strings.TrimPrefix(ne.Expression, "=")
	ast := ev.formulas.Parse(src)
	return ast.eval(ev, ctx)
}

// evaluateTableSlice resolves a table slice to its concrete region and
// evaluates it as a range reference.
func (ev *Evaluator) evaluateTableSlice(n TableSliceNode, ctx *EvalContext) EvaluationResult {
	wb, ok := ev.store.Workbook(n.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}
	table, ok := wb.Tables().Lookup(n.Table)
	if !ok {
		return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table: %s", n.Table))
	}

	switch n.Mode {
	case TableModeAll:
		return ev.rangeResult(table.DataRange(n.Workbook), ctx)

	case TableModeCurrentRow:
		first, last, ok := splitColumnSpan(n.Column)
		if !ok {
			return errorOf(ErrorCodeRef, "invalid table column")
		}
		return ev.tableCurrentRow(table, n.Workbook, first, last, ctx)

	case TableModeRange:
		first, last, ok := splitColumnSpan(n.Column)
		if !ok {
			return errorOf(ErrorCodeRef, "invalid table column")
		}
		r, ok := table.ColumnSpan(n.Workbook, first, last)
		if !ok {
			return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table column: %s", n.Column))
		}
		return ev.rangeResult(r, ctx)

	default:
		return errorOf(ErrorCodeRef, "invalid table slice")
	}
}

// tableCurrentRow projects a column span onto the caller's row.
func (ev *Evaluator) tableCurrentRow(table *TableDefinition, workbook, first, last string, ctx *EvalContext) EvaluationResult {
	if !table.ContainsRow(ctx.Cell.Sheet, ctx.Cell.Row) {
		return errorOf(ErrorCodeRef, "current-row reference outside its table")
	}
	firstIdx, ok := table.ColumnOffset(first)
	if !ok {
		return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table column: %s", first))
	}
	lastIdx, ok := table.ColumnOffset(last)
	if !ok {
		return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table column: %s", last))
	}
	if lastIdx < firstIdx {
		firstIdx, lastIdx = lastIdx, firstIdx
	}

	row := ctx.Cell.Row
	if firstIdx == lastIdx {
		addr := CellAddress{Workbook: workbook, Sheet: table.Sheet, Col: table.StartCol + firstIdx, Row: row}
		return ev.readCellValue(addr, ctx)
	}
	r := NewFiniteRange(workbook, table.Sheet, table.StartCol+firstIdx, row, table.StartCol+lastIdx, row)
	return ev.rangeResult(r, ctx)
}

// splitColumnSpan splits the codec's "first:last" column form.
func splitColumnSpan(column string) (string, string, bool) {
	if column == "" {
		return "", "", false
	}
	if idx := strings.Index(column, ":"); idx != -1 {
		return column[:idx], column[idx+1:], true
	}
	return column, column, true
}

// resolveSpill applies the spill rules to a freshly evaluated cell
// result: single-cell areas flatten, blocked areas degrade to #SPILL!,
// accepted areas land in the registry. The returned flag reports a
// registry change needing a targeted re-check.
func (ev *Evaluator) resolveSpill(origin CellAddress, result EvaluationResult, ctx *EvalContext) (EvaluationResult, bool, SheetRange) {
	sv := asSpilled(result)
	if sv == nil {
		ev.spills.RemoveOrigin(origin)
		return result, false, SheetRange{}
	}

	area := sv.SpillArea(origin)
	if area.IsSingleCell() {
		ev.spills.RemoveOrigin(origin)
		return ev.flattenSingle(result, ctx), false, SheetRange{}
	}

	occupied := func(addr CellAddress) bool {
		return ev.store.RawAt(addr) != nil
	}
	if !ev.spills.CanSpill(origin, area, occupied) {
		ev.spills.RemoveOrigin(origin)
		ev.logger.Debug().Str("origin", origin.String()).Str("area", area.String()).
			Msg("spill blocked")
		return errorOf(ErrorCodeSpill, "Spill area is blocked"), false, SheetRange{}
	}

	prev := ev.spills.ByOrigin(origin)
	changed := prev == nil || prev.SpillOnto != area
	ev.spills.Place(origin, area)
	if changed {
		ev.logger.Debug().Str("origin", origin.String()).Str("area", area.String()).
			Msg("spill placed")
	}
	return result, changed, area
}

// recheckAfterSpill re-evaluates every cached entry whose dependencies or
// effective frontier intersect the newly placed area. Discarded frontier
// deps are resurrected first: growth of an open range is exactly what
// they were kept around for.
func (ev *Evaluator) recheckAfterSpill(origin CellAddress, area SheetRange) {
	originKey := CellNode{Addr: origin}.Key()

	for _, key := range ev.cache.Keys() {
		if key == originKey {
			continue
		}
		rec, ok := ev.cache.Get(key)
		if !ok {
			continue
		}
		if !ev.recordTouchesArea(rec, area) {
			continue
		}
		rec.DiscardedFrontierDeps = make(map[string]struct{})
		caller := origin
		if node, err := ParseNodeKey(key); err == nil {
			if cellNode, isCell := node.(CellNode); isCell {
				caller = cellNode.Addr
			}
		}
		ev.evaluateDependencyNode(key, caller)
	}
}

// recordTouchesArea reports whether any dep cell or any frontier range
// (discarded ones included) of a record intersects the area.
func (ev *Evaluator) recordTouchesArea(rec *EvaluatedNode, area SheetRange) bool {
	for k := range rec.Deps {
		node, err := ParseNodeKey(k)
		if err != nil {
			continue
		}
		if cellNode, isCell := node.(CellNode); isCell && area.Contains(cellNode.Addr) {
			return true
		}
	}
	for k := range rec.FrontierDeps {
		node, err := ParseNodeKey(k)
		if err != nil {
			continue
		}
		if rangeNode, isRange := node.(RangeNode); isRange && rangeNode.Range.Overlaps(area) {
			return true
		}
	}
	return false
}

// readCellValue is the spill-aware read helper every reference resolves
// through: it registers the dependency, detects in-flight cycles, routes
// covered cells through their covering origin, and evaluates
// yet-unevaluated cells inline (dynamic dependency discovery).
func (ev *Evaluator) readCellValue(addr CellAddress, ctx *EvalContext) EvaluationResult {
	key := CellNode{Addr: addr}.Key()
	ctx.Deps[key] = struct{}{}

	if _, inFlight := ev.evalStack[key]; inFlight {
		return errorOf(ErrorCodeCycle, "Circular reference detected")
	}

	if entry := ev.spills.Covering(addr); entry != nil {
		return ev.spilledProjection(entry, addr, ctx)
	}

	rec, ok := ev.cache.Get(key)
	if !ok {
		ev.evaluateDependencyNode(key, addr)
		rec, ok = ev.cache.Get(key)
		if !ok {
			return valueOf(nil)
		}
	}
	return ev.flattenSingle(rec.Result, ctx)
}

// rangeResult materializes a range reference as spilled values backed by
// the concrete clamped region. Open or extent-exceeding ranges register
// a frontier dependency on the range node.
func (ev *Evaluator) rangeResult(r SheetRange, ctx *EvalContext) EvaluationResult {
	wb, ok := ev.store.Workbook(r.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}
	sheet, ok := wb.Sheet(r.Sheet)
	if !ok {
		return errorOf(ErrorCodeRef, "Sheet not found")
	}

	maxCol, maxRow := sheet.UsedExtent()
	for _, entry := range ev.spills.Entries() {
		if entry.SpillOnto.Sheet != r.Sheet || entry.SpillOnto.Workbook != r.Workbook {
			continue
		}
		if !entry.SpillOnto.EndCol.Infinite && entry.SpillOnto.EndCol.Index > maxCol {
			maxCol = entry.SpillOnto.EndCol.Index
		}
		if !entry.SpillOnto.EndRow.Infinite && entry.SpillOnto.EndRow.Index > maxRow {
			maxRow = entry.SpillOnto.EndRow.Index
		}
	}

	open := !r.IsFinite()
	exceeds := (!r.EndCol.Infinite && r.EndCol.Index > maxCol) ||
		(!r.EndRow.Infinite && r.EndRow.Index > maxRow)
	if open || exceeds {
		ctx.FrontierDeps[RangeNode{Range: r}.Key()] = struct{}{}
	}

	concrete := r.Clamp(maxCol, maxRow)
	if concrete.EndCol.Index < concrete.StartCol {
		concrete.EndCol = FiniteEnd(concrete.StartCol)
	}
	if concrete.EndRow.Index < concrete.StartRow {
		concrete.EndRow = FiniteEnd(concrete.StartRow)
	}

	cols, rows := concrete.Dims()
	start := concrete.Start()
	return &SpilledValues{
		Rows: rows,
		Cols: cols,
		Ref:  &concrete,
		At: func(off Offset, c *EvalContext) EvaluationResult {
			return ev.readCellValue(start.Shift(off), c)
		},
	}
}

// flattenSingle reduces a result to a single value or error. Spilled
// results project their top-left cell, which is what a plain reference
// to a spill origin shows.
func (ev *Evaluator) flattenSingle(res EvaluationResult, ctx *EvalContext) EvaluationResult {
	sv := asSpilled(res)
	if sv == nil {
		return res
	}
	inner := sv.At(Offset{}, ctx)
	if asSpilled(inner) != nil {
		return errorOf(ErrorCodeValue, "nested array value")
	}
	return inner
}

// --- AST evaluation -------------------------------------------------

func (n *NumberNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	return valueOf(n.Value)
}

func (n *StringNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	return valueOf(n.Value)
}

func (n *BooleanNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	return valueOf(n.Value)
}

func (n *ErrorNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	return errorResult(n.Err)
}

func (n *CellRefNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	sheet := n.Sheet
	if sheet == "" {
		sheet = ctx.Sheet
	}
	wb, ok := ev.store.Workbook(ctx.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}
	if _, ok := wb.Sheet(sheet); !ok {
		return errorOf(ErrorCodeRef, fmt.Sprintf("Sheet not found: %s", sheet))
	}
	addr := CellAddress{Workbook: ctx.Workbook, Sheet: sheet, Col: n.Ref.Col, Row: n.Ref.Row}
	return ev.readCellValue(addr, ctx)
}

func (n *RangeRefNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	sheet := n.Sheet
	if sheet == "" {
		sheet = ctx.Sheet
	}
	r := NewFiniteRange(ctx.Workbook, sheet, n.Start.Col, n.Start.Row, n.End.Col, n.End.Row)
	return ev.rangeResult(r, ctx)
}

func (n *OpenRangeNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	sheet := n.Sheet
	if sheet == "" {
		sheet = ctx.Sheet
	}
	var r SheetRange
	if n.ByColumn {
		r = SheetRange{
			Workbook: ctx.Workbook,
			Sheet:    sheet,
			StartCol: n.First,
			StartRow: 0,
			EndCol:   FiniteEnd(n.Last),
			EndRow:   OpenEnd(),
		}
	} else {
		r = SheetRange{
			Workbook: ctx.Workbook,
			Sheet:    sheet,
			StartCol: 0,
			StartRow: n.First,
			EndCol:   OpenEnd(),
			EndRow:   FiniteEnd(n.Last),
		}
	}
	return ev.rangeResult(r, ctx)
}

func (n *NamedRefNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	wb, ok := ev.store.Workbook(ctx.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}
	ne, ok := wb.Names().Resolve(ctx.Sheet, n.Name)
	if !ok {
		ctx.Deps[NamedNode{Workbook: ctx.Workbook, Name: n.Name}.Key()] = struct{}{}
		return errorOf(ErrorCodeName, fmt.Sprintf("Unknown name: %s", n.Name))
	}
	ctx.Deps[NamedNode{Workbook: ctx.Workbook, Scope: ne.Scope, Name: n.Name}.Key()] = struct{}{}

	src := strings.TrimPrefix(ne.Expression, "=")
	ast := ev.formulas.Parse(src)
	return ast.eval(ev, ctx)
}

func (n *TableRefNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	wb, ok := ev.store.Workbook(ctx.Workbook)
	if !ok {
		return errorOf(ErrorCodeRef, "Workbook not found")
	}

	var table *TableDefinition
	if n.Table == "" {
		// bare [@col]/[col] binds to the table containing the formula cell
		table = wb.Tables().At(ctx.Cell.Sheet, ctx.Cell.Col, ctx.Cell.Row)
		if table == nil {
			return errorOf(ErrorCodeRef, "structured reference outside any table")
		}
	} else {
		table, ok = wb.Tables().Lookup(n.Table)
		if !ok {
			return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table: %s", n.Table))
		}
	}

	if n.CurrentRow {
		first, last := n.StartColumn, n.EndColumn
		if first == "" {
			return errorOf(ErrorCodeRef, "current-row reference needs a column")
		}
		return ev.tableCurrentRow(table, ctx.Workbook, first, last, ctx)
	}

	if n.StartColumn == "" && n.EndColumn == "" {
		return ev.rangeResult(table.DataRange(ctx.Workbook), ctx)
	}

	r, ok := table.ColumnSpan(ctx.Workbook, n.StartColumn, n.EndColumn)
	if !ok {
		return errorOf(ErrorCodeRef, fmt.Sprintf("Unknown table column: %s", n.StartColumn))
	}
	return ev.rangeResult(r, ctx)
}

func (n *UnaryOpNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	operand := n.Operand.eval(ev, ctx)

	if sv := asSpilled(operand); sv != nil {
		return &SpilledValues{
			Rows: sv.Rows,
			Cols: sv.Cols,
			At: func(off Offset, c *EvalContext) EvaluationResult {
				return applyUnary(n.Op, ev.flattenSingle(sv.At(off, c), c))
			},
		}
	}
	return applyUnary(n.Op, operand)
}

func (n *BinaryOpNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	left := n.Left.eval(ev, ctx)
	right := n.Right.eval(ev, ctx)

	lsv, rsv := asSpilled(left), asSpilled(right)
	if lsv == nil && rsv == nil {
		return applyBinary(n.Op, left, right)
	}

	rows, cols := zipDims(left, right)
	return &SpilledValues{
		Rows: rows,
		Cols: cols,
		At: func(off Offset, c *EvalContext) EvaluationResult {
			l := argAtOffset(ev, left, off, c)
			r := argAtOffset(ev, right, off, c)
			return applyBinary(n.Op, l, r)
		},
	}
}

func (n *FunctionCallNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	fn, ok := ev.funcs.Lookup(n.Name)
	if !ok {
		return errorOf(ErrorCodeName, fmt.Sprintf("Unknown function: %s", n.Name))
	}
	if len(n.Args) < fn.MinArgs {
		return errorOf(ErrorCodeValue, fmt.Sprintf("%s requires at least %d arguments", fn.Name, fn.MinArgs))
	}
	if fn.MaxArgs >= 0 && len(n.Args) > fn.MaxArgs {
		return errorOf(ErrorCodeValue, fmt.Sprintf("%s accepts at most %d arguments", fn.Name, fn.MaxArgs))
	}
	return fn.Evaluate(ev, n, ctx)
}

func (n *ArrayNode) eval(ev *Evaluator, ctx *EvalContext) EvaluationResult {
	rows := len(n.Rows)
	cols := len(n.Rows[0])
	return &SpilledValues{
		Rows: rows,
		Cols: cols,
		At: func(off Offset, c *EvalContext) EvaluationResult {
			if off.Rows < 0 || off.Rows >= rows || off.Cols < 0 || off.Cols >= cols {
				return errorOf(ErrorCodeRef, "array index out of bounds")
			}
			return ev.flattenSingle(n.Rows[off.Rows][off.Cols].eval(ev, c), c)
		},
	}
}

// evaluateNode is the AST walk entry point function implementations
// recurse through for their arguments.
func (ev *Evaluator) evaluateNode(node ASTNode, ctx *EvalContext) EvaluationResult {
	return node.eval(ev, ctx)
}

// EvaluateFormula parses and evaluates formula source (without '=')
// against a context.
func (ev *Evaluator) EvaluateFormula(source string, ctx *EvalContext) EvaluationResult {
	ast := ev.formulas.Parse(source)
	return ast.eval(ev, ctx)
}

// --- operator semantics ---------------------------------------------

// zipDims computes the union area dimensions of zipped arguments.
func zipDims(args ...EvaluationResult) (rows, cols int) {
	rows, cols = 1, 1
	for _, arg := range args {
		if sv := asSpilled(arg); sv != nil {
			if sv.Rows > rows {
				rows = sv.Rows
			}
			if sv.Cols > cols {
				cols = sv.Cols
			}
		}
	}
	return rows, cols
}

// argAtOffset projects one zipped argument onto an output offset:
// spilled arguments index (with single-row/column broadcast), scalars
// pass through.
func argAtOffset(ev *Evaluator, arg EvaluationResult, off Offset, ctx *EvalContext) EvaluationResult {
	sv := asSpilled(arg)
	if sv == nil {
		return arg
	}
	pos := off
	if sv.Cols == 1 {
		pos.Cols = 0
	}
	if sv.Rows == 1 {
		pos.Rows = 0
	}
	if pos.Cols >= sv.Cols || pos.Rows >= sv.Rows {
		return errorOf(ErrorCodeNA, "")
	}
	return ev.flattenSingle(sv.At(pos, ctx), ctx)
}

func applyUnary(op UnaryOp, operand EvaluationResult) EvaluationResult {
	if err := asError(operand); err != nil {
		return errorResult(err)
	}
	v, _ := scalarOf(operand)
	num, numErr := coerceNumber(v)
	if numErr != nil {
		return errorResult(numErr)
	}
	switch op {
	case UnaryOpPlus:
		return numericResult(num)
	case UnaryOpMinus:
		return numericResult(-num)
	case UnaryOpPercent:
		return numericResult(num / 100.0)
	}
	return errorOf(ErrorCodeOther, "unknown unary operator")
}

func applyBinary(op BinaryOp, left, right EvaluationResult) EvaluationResult {
	// errors propagate left to right
	if err := asError(left); err != nil {
		return errorResult(err)
	}
	if err := asError(right); err != nil {
		return errorResult(err)
	}
	l, _ := scalarOf(left)
	r, _ := scalarOf(right)

	switch op {
	case BinOpAdd, BinOpSubtract, BinOpMultiply, BinOpDivide, BinOpPower:
		ln, err := coerceNumber(l)
		if err != nil {
			return errorResult(err)
		}
		rn, err := coerceNumber(r)
		if err != nil {
			return errorResult(err)
		}
		switch op {
		case BinOpAdd:
			return numericResult(ln + rn)
		case BinOpSubtract:
			return numericResult(ln - rn)
		case BinOpMultiply:
			return numericResult(ln * rn)
		case BinOpDivide:
			if rn == 0 {
				if ln == 0 {
					return errorOf(ErrorCodeNum, "0/0 is undefined")
				}
				return errorOf(ErrorCodeDiv0, "Division by zero")
			}
			return numericResult(ln / rn)
		case BinOpPower:
			return numericResult(math.Pow(ln, rn))
		}

	case BinOpConcat:
		return valueOf(concatText(l) + concatText(r))

	case BinOpEqual:
		cmp, comparable := comparePrimitives(l, r)
		return valueOf(comparable && cmp == 0)

	case BinOpNotEqual:
		cmp, comparable := comparePrimitives(l, r)
		return valueOf(!comparable || cmp != 0)

	case BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		cmp, comparable := comparePrimitives(l, r)
		if !comparable {
			return errorOf(ErrorCodeValue, "Cannot compare these values")
		}
		switch op {
		case BinOpLess:
			return valueOf(cmp < 0)
		case BinOpLessEqual:
			return valueOf(cmp <= 0)
		case BinOpGreater:
			return valueOf(cmp > 0)
		case BinOpGreaterEqual:
			return valueOf(cmp >= 0)
		}
	}
	return errorOf(ErrorCodeOther, "unknown operator")
}

// coerceNumber applies operator numeric coercion: numbers pass, empty is
// zero, infinities become IEEE infinities. Strings and booleans do not
// silently become numbers.
func coerceNumber(v Primitive) (float64, *SpreadsheetError) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case nil:
		return 0, nil
	case Infinity:
		if n.Negative {
			return math.Inf(-1), nil
		}
		return math.Inf(1), nil
	default:
		return 0, NewSpreadsheetError(ErrorCodeValue, "a number is required")
	}
}

// numericResult converts an arithmetic outcome back to a cell value,
// folding IEEE infinities into the Infinity value and NaN into #NUM!.
func numericResult(f float64) EvaluationResult {
	if math.IsNaN(f) {
		return errorOf(ErrorCodeNum, "numerically undefined")
	}
	if math.IsInf(f, 1) {
		return valueOf(Infinity{})
	}
	if math.IsInf(f, -1) {
		return valueOf(Infinity{Negative: true})
	}
	return valueOf(f)
}

// concatText renders a value for the & operator.
func concatText(v Primitive) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case Infinity:
		if t.Negative {
			return "-INFINITY"
		}
		return "INFINITY"
	default:
		return ""
	}
}

// comparePrimitives compares two scalars. Empty coerces to the zero of
// the other operand's type; mixed-type pairs are incomparable.
func comparePrimitives(l, r Primitive) (int, bool) {
	if l == nil && r == nil {
		return 0, true
	}
	if l == nil {
		l = zeroOf(r)
	}
	if r == nil {
		r = zeroOf(l)
	}

	switch lv := l.(type) {
	case float64:
		if ri, isInf := r.(Infinity); isInf {
			if ri.Negative {
				return 1, true
			}
			return -1, true
		}
		rv, ok := r.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case lv < rv:
			return -1, true
		case lv > rv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		rv, ok := r.(string)
		if !ok {
			return 0, false
		}
		ls, rs := strings.ToUpper(lv), strings.ToUpper(rv)
		switch {
		case ls < rs:
			return -1, true
		case ls > rs:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return 0, false
		}
		lb, rb := 0, 0
		if lv {
			lb = 1
		}
		if rv {
			rb = 1
		}
		return lb - rb, true
	case Infinity:
		rv, ok := r.(Infinity)
		if !ok {
			if _, isNum := r.(float64); isNum {
				if lv.Negative {
					return -1, true
				}
				return 1, true
			}
			return 0, false
		}
		lb, rb := 1, 1
		if lv.Negative {
			lb = -1
		}
		if rv.Negative {
			rb = -1
		}
		return lb - rb, true
	}
	return 0, false
}

func zeroOf(v Primitive) Primitive {
	switch v.(type) {
	case float64:
		return 0.0
	case string:
		return ""
	case bool:
		return false
	default:
		return nil
	}
}

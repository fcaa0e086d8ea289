package formulaengine

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// Function is one built-in: argument-count bounds plus the evaluation
// closure. Evaluate receives the evaluator so implementations can
// recurse into evaluateNode for their argument ASTs and consult the
// spill machinery.
type Function struct {
	Name     string
	MinArgs  int
	MaxArgs  int // -1 means variadic
	Evaluate func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult
}

// FunctionRegistry maps uppercase names to built-in functions.
type FunctionRegistry struct {
	funcs map[string]*Function
	clock Clock
	rng   RandomGenerator
}

// NewFunctionRegistry creates an empty registry with the given seams.
func NewFunctionRegistry(clock Clock, rng RandomGenerator) *FunctionRegistry {
	return &FunctionRegistry{
		funcs: make(map[string]*Function),
		clock: clock,
		rng:   rng,
	}
}

// NewDefaultFunctionRegistry creates a registry with every built-in
// registered and default time/randomness sources.
func NewDefaultFunctionRegistry() *FunctionRegistry {
	r := NewFunctionRegistry(&WallClock{}, &DefaultRandomGenerator{})
	r.registerMathFunctions()
	r.registerTextFunctions()
	r.registerLogicalFunctions()
	r.registerLookupFunctions()
	r.registerVolatileFunctions()
	return r
}

// Register adds or replaces a function.
func (r *FunctionRegistry) Register(fn *Function) {
	r.funcs[strings.ToUpper(fn.Name)] = fn
}

// Lookup finds a function case-insensitively.
func (r *FunctionRegistry) Lookup(name string) (*Function, bool) {
	fn, ok := r.funcs[strings.ToUpper(name)]
	return fn, ok
}

// Names lists registered function names
func (r *FunctionRegistry) Names() []string {
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

// --- shared argument plumbing ---------------------------------------

// evalArgs evaluates every argument AST of a call.
func evalArgs(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) []EvaluationResult {
	args := make([]EvaluationResult, len(node.Args))
	for i, argNode := range node.Args {
		args[i] = ev.evaluateNode(argNode, ctx)
	}
	return args
}

// liftScalars runs a scalar function over zipped arguments. When any
// argument is spilled the result spills over the union area and the
// function applies per offset; errors short-circuit each output cell
// left to right.
func liftScalars(ev *Evaluator, args []EvaluationResult, ctx *EvalContext, apply func(scalars []Primitive) EvaluationResult) EvaluationResult {
	anySpilled := false
	for _, arg := range args {
		if asSpilled(arg) != nil {
			anySpilled = true
			break
		}
	}

	if !anySpilled {
		scalars := make([]Primitive, len(args))
		for i, arg := range args {
			if err := asError(arg); err != nil {
				return errorResult(err)
			}
			scalars[i], _ = scalarOf(arg)
		}
		return apply(scalars)
	}

	rows, cols := zipDims(args...)
	return &SpilledValues{
		Rows: rows,
		Cols: cols,
		At: func(off Offset, c *EvalContext) EvaluationResult {
			scalars := make([]Primitive, len(args))
			for i, arg := range args {
				cell := argAtOffset(ev, arg, off, c)
				if err := asError(cell); err != nil {
					return errorResult(err)
				}
				scalars[i], _ = scalarOf(cell)
			}
			return apply(scalars)
		},
	}
}

// eachValue visits every value of an argument: all cells of a spilled
// argument, or the single scalar. The visit stops when fn returns false.
func eachValue(ev *Evaluator, arg EvaluationResult, ctx *EvalContext, fn func(res EvaluationResult) bool) {
	if sv := asSpilled(arg); sv != nil {
		sv.EvaluateAllCells(ctx, func(off Offset, res EvaluationResult) bool {
			return fn(ev.flattenSingle(res, ctx))
		})
		return
	}
	fn(arg)
}

// strictNumber enforces the strict numeric discipline of built-ins:
// numbers pass, empty is zero, anything else is #VALUE!.
func strictNumber(v Primitive) (float64, *SpreadsheetError) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, NewSpreadsheetError(ErrorCodeValue, "a number is required")
	}
}

// strictText enforces strict text discipline: strings pass, empty is the
// empty string, anything else is #VALUE!.
func strictText(v Primitive) (string, *SpreadsheetError) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	default:
		return "", NewSpreadsheetError(ErrorCodeValue, "a text value is required")
	}
}

// truthy coerces a scalar for the logical functions: numbers via != 0,
// "TRUE"/"FALSE" case-insensitively, the empty string falsy. Other
// strings have no truth value.
func truthy(v Primitive) (bool, *SpreadsheetError) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case nil:
		return false, nil
	case Infinity:
		return true, nil
	case string:
		switch strings.ToUpper(t) {
		case "TRUE":
			return true, nil
		case "FALSE", "":
			return false, nil
		}
		return false, NewSpreadsheetError(ErrorCodeValue, "cannot interpret text as a logical value")
	}
	return false, NewSpreadsheetError(ErrorCodeValue, "cannot interpret value as a logical value")
}

// toNumberLoose converts a cell value for numeric criteria comparison
// (COUNTIF): numbers pass through, booleans become 1/0 and empty becomes
// 0. Text is never converted, even when it looks numeric.
func toNumberLoose(v Primitive) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// --- volatile functions ----------------------------------------------

// Excel date/time constants
const (
	// Excel epoch: December 30, 1899 00:00:00 UTC in Unix milliseconds
	excelEpochMS = -2209161600000
	msPerDay     = 86400000
)

func (r *FunctionRegistry) registerVolatileFunctions() {
	r.Register(&Function{
		Name: "NOW", MinArgs: 0, MaxArgs: 0,
		Evaluate: func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
			now := r.clock.Now()
			diffMs := float64(now.UnixMilli() - excelEpochMS)
			return valueOf(diffMs / msPerDay)
		},
	})
	r.Register(&Function{
		Name: "TODAY", MinArgs: 0, MaxArgs: 0,
		Evaluate: func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
			now := r.clock.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			diffMs := float64(midnight.UnixMilli() - excelEpochMS)
			return valueOf(math.Floor(diffMs / msPerDay))
		},
	})
	r.Register(&Function{
		Name: "RAND", MinArgs: 0, MaxArgs: 0,
		Evaluate: func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
			return valueOf(r.rng.Float64())
		},
	})
}

package formulaengine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

func (r *FunctionRegistry) registerMathFunctions() {
	r.Register(&Function{Name: "SUM", MinArgs: 1, MaxArgs: -1, Evaluate: fnSUM})
	r.Register(&Function{Name: "AVERAGE", MinArgs: 1, MaxArgs: -1, Evaluate: fnAVERAGE})
	r.Register(&Function{Name: "COUNT", MinArgs: 1, MaxArgs: -1, Evaluate: fnCOUNT})
	r.Register(&Function{Name: "COUNTA", MinArgs: 1, MaxArgs: -1, Evaluate: fnCOUNTA})
	r.Register(&Function{Name: "COUNTIF", MinArgs: 2, MaxArgs: 2, Evaluate: fnCOUNTIF})
	r.Register(&Function{Name: "MAX", MinArgs: 1, MaxArgs: -1, Evaluate: fnMAX})
	r.Register(&Function{Name: "MIN", MinArgs: 1, MaxArgs: -1, Evaluate: fnMIN})
	r.Register(&Function{Name: "ABS", MinArgs: 1, MaxArgs: 1, Evaluate: numericFn1("ABS", math.Abs)})
	r.Register(&Function{Name: "SQRT", MinArgs: 1, MaxArgs: 1, Evaluate: fnSQRT})
	r.Register(&Function{Name: "FLOOR", MinArgs: 1, MaxArgs: 1, Evaluate: numericFn1("FLOOR", math.Floor)})
	r.Register(&Function{Name: "CEILING", MinArgs: 1, MaxArgs: 1, Evaluate: numericFn1("CEILING", math.Ceil)})
	r.Register(&Function{Name: "ROUND", MinArgs: 1, MaxArgs: 2, Evaluate: fnROUND})
	r.Register(&Function{Name: "POWER", MinArgs: 2, MaxArgs: 2, Evaluate: fnPOWER})
	r.Register(&Function{Name: "MOD", MinArgs: 2, MaxArgs: 2, Evaluate: fnMOD})
	r.Register(&Function{Name: "PI", MinArgs: 0, MaxArgs: 0, Evaluate: fnPI})
}

// sumInto folds numeric values of one argument into an accumulator.
// Strings and booleans inside ranges are ignored; errors propagate.
func sumInto(ev *Evaluator, arg EvaluationResult, ctx *EvalContext, acc func(num float64)) *SpreadsheetError {
	if err := asError(arg); err != nil {
		return err
	}
	var failure *SpreadsheetError
	eachValue(ev, arg, ctx, func(res EvaluationResult) bool {
		if err := asError(res); err != nil {
			failure = err
			return false
		}
		v, _ := scalarOf(res)
		if num, ok := v.(float64); ok && !math.IsNaN(num) {
			acc(num)
		}
		return true
	})
	return failure
}

func fnSUM(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	sum := 0.0
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := sumInto(ev, arg, ctx, func(num float64) { sum += num }); err != nil {
			return errorResult(err)
		}
	}
	// squash accumulated binary noise so 0.1+0.2 sums stay presentable
	rounded, _ := strconv.ParseFloat(fmt.Sprintf("%.15f", sum), 64)
	return valueOf(rounded)
}

func fnAVERAGE(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	sum := 0.0
	count := 0
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := sumInto(ev, arg, ctx, func(num float64) { sum += num; count++ }); err != nil {
			return errorResult(err)
		}
	}
	if count == 0 {
		return errorOf(ErrorCodeDiv0, "AVERAGE has no numeric values")
	}
	return valueOf(sum / float64(count))
}

func fnCOUNT(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	count := 0
	for _, arg := range evalArgs(ev, node, ctx) {
		// direct errors propagate, errors inside ranges are just skipped
		if err := asError(arg); err != nil {
			return errorResult(err)
		}
		eachValue(ev, arg, ctx, func(res EvaluationResult) bool {
			if asError(res) != nil {
				return true
			}
			v, _ := scalarOf(res)
			if _, isNum := v.(float64); isNum {
				count++
			}
			return true
		})
	}
	return valueOf(float64(count))
}

func fnCOUNTA(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	count := 0
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := asError(arg); err != nil {
			return errorResult(err)
		}
		eachValue(ev, arg, ctx, func(res EvaluationResult) bool {
			// errors inside ranges count as non-empty cells
			if asError(res) != nil {
				count++
				return true
			}
			v, _ := scalarOf(res)
			if v != nil {
				count++
			}
			return true
		})
	}
	return valueOf(float64(count))
}

func fnCOUNTIF(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	args := evalArgs(ev, node, ctx)
	if err := asError(args[0]); err != nil {
		return errorResult(err)
	}
	criterion := ev.flattenSingle(args[1], ctx)
	if err := asError(criterion); err != nil {
		return errorResult(err)
	}
	criterionValue, _ := scalarOf(criterion)

	count := 0
	eachValue(ev, args[0], ctx, func(res EvaluationResult) bool {
		if asError(res) != nil {
			return true
		}
		v, _ := scalarOf(res)
		if matchesCriterion(v, criterionValue) {
			count++
		}
		return true
	})
	return valueOf(float64(count))
}

// matchesCriterion implements COUNTIF-style matching: a criterion string
// may carry a leading comparison operator, otherwise it is an equality
// test (case-insensitive for text).
func matchesCriterion(value, criterion Primitive) bool {
	if text, isText := criterion.(string); isText {
		op, rest := splitCriterionOp(text)
		if op != "" {
			if num, err := strconv.ParseFloat(rest, 64); err == nil {
				v, isNum := toNumberLoose(value)
				if !isNum {
					return false
				}
				return compareWithOp(op, v, num)
			}
			if s, isStr := value.(string); isStr {
				cmp := strings.Compare(strings.ToUpper(s), strings.ToUpper(rest))
				return compareWithOp(op, float64(cmp), 0)
			}
			return false
		}
		if s, isStr := value.(string); isStr {
			return strings.EqualFold(s, text)
		}
		return false
	}

	cmp, comparable := comparePrimitives(value, criterion)
	return comparable && cmp == 0
}

func splitCriterionOp(text string) (string, string) {
	for _, op := range []string{"<>", "<=", ">=", "<", ">", "="} {
		if strings.HasPrefix(text, op) {
			return op, text[len(op):]
		}
	}
	return "", text
}

func compareWithOp(op string, l, r float64) bool {
	switch op {
	case "=":
		return l == r
	case "<>":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func fnMAX(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	best := math.Inf(-1)
	hasValues := false
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := sumInto(ev, arg, ctx, func(num float64) {
			if num > best {
				best = num
			}
			hasValues = true
		}); err != nil {
			return errorResult(err)
		}
	}
	if !hasValues {
		return valueOf(0.0)
	}
	return valueOf(best)
}

func fnMIN(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	best := math.Inf(1)
	hasValues := false
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := sumInto(ev, arg, ctx, func(num float64) {
			if num < best {
				best = num
			}
			hasValues = true
		}); err != nil {
			return errorResult(err)
		}
	}
	if !hasValues {
		return valueOf(0.0)
	}
	return valueOf(best)
}

// numericFn1 wraps a one-argument numeric transform into an array-aware
// built-in.
func numericFn1(name string, apply func(float64) float64) func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
		return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
			num, err := strictNumber(scalars[0])
			if err != nil {
				return errorResult(err)
			}
			return numericResult(apply(num))
		})
	}
}

func fnSQRT(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		num, err := strictNumber(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		if num < 0 {
			return errorOf(ErrorCodeNum, "SQRT requires a non-negative argument")
		}
		return valueOf(math.Sqrt(num))
	})
}

func fnROUND(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		num, err := strictNumber(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		places := 0.0
		if len(scalars) == 2 {
			places, err = strictNumber(scalars[1])
			if err != nil {
				return errorResult(err)
			}
		}
		multiplier := math.Pow(10, math.Trunc(places))
		return numericResult(math.Round(num*multiplier) / multiplier)
	})
}

func fnPOWER(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		base, err := strictNumber(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		exp, err := strictNumber(scalars[1])
		if err != nil {
			return errorResult(err)
		}
		return numericResult(math.Pow(base, exp))
	})
}

func fnMOD(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		dividend, err := strictNumber(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		divisor, err := strictNumber(scalars[1])
		if err != nil {
			return errorResult(err)
		}
		if divisor == 0 {
			return errorOf(ErrorCodeDiv0, "Division by zero")
		}
		return numericResult(math.Mod(dividend, divisor))
	})
}

func fnPI(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return valueOf(math.Pi)
}

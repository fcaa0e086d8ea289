package formulaengine

import (
	"math"
	"strings"
)

func (r *FunctionRegistry) registerTextFunctions() {
	r.Register(&Function{Name: "FIND", MinArgs: 2, MaxArgs: 3, Evaluate: fnFIND})
	r.Register(&Function{Name: "MID", MinArgs: 3, MaxArgs: 3, Evaluate: fnMID})
	r.Register(&Function{Name: "LEFT", MinArgs: 1, MaxArgs: 2, Evaluate: fnLEFT})
	r.Register(&Function{Name: "RIGHT", MinArgs: 1, MaxArgs: 2, Evaluate: fnRIGHT})
	r.Register(&Function{Name: "LEN", MinArgs: 1, MaxArgs: 1, Evaluate: fnLEN})
	r.Register(&Function{Name: "CONCATENATE", MinArgs: 1, MaxArgs: -1, Evaluate: fnCONCATENATE})
	r.Register(&Function{Name: "UPPER", MinArgs: 1, MaxArgs: 1, Evaluate: textFn1(strings.ToUpper)})
	r.Register(&Function{Name: "LOWER", MinArgs: 1, MaxArgs: 1, Evaluate: textFn1(strings.ToLower)})
	r.Register(&Function{Name: "TRIM", MinArgs: 1, MaxArgs: 1, Evaluate: textFn1(strings.TrimSpace)})
}

// fnFIND is a 1-based, case-sensitive substring search. A decimal start
// floors; out-of-range starts are #VALUE!; the empty needle is found at
// the start position.
func fnFIND(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		find, err := strictText(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		within, err := strictText(scalars[1])
		if err != nil {
			return errorResult(err)
		}
		start := 1.0
		if len(scalars) == 3 {
			start, err = strictNumber(scalars[2])
			if err != nil {
				return errorResult(err)
			}
		}
		startIdx := int(math.Floor(start))

		withinRunes := []rune(within)
		if startIdx < 1 || startIdx > len(withinRunes) {
			return errorOf(ErrorCodeValue, "FIND start is out of range")
		}
		if find == "" {
			return valueOf(float64(startIdx))
		}

		idx := strings.Index(string(withinRunes[startIdx-1:]), find)
		if idx == -1 {
			return errorOf(ErrorCodeValue, "FIND text not found")
		}
		// Index works in bytes; convert the prefix back to runes
		prefix := []rune(string(withinRunes[startIdx-1:])[:idx])
		return valueOf(float64(startIdx + len(prefix)))
	})
}

func fnMID(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		text, err := strictText(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		start, err := strictNumber(scalars[1])
		if err != nil {
			return errorResult(err)
		}
		num, err := strictNumber(scalars[2])
		if err != nil {
			return errorResult(err)
		}

		startIdx := int(math.Floor(start))
		count := int(math.Floor(num))
		if startIdx < 1 {
			return errorOf(ErrorCodeValue, "MID start must be at least 1")
		}
		if count < 0 {
			return errorOf(ErrorCodeValue, "MID count must not be negative")
		}

		runes := []rune(text)
		if startIdx > len(runes) || count == 0 {
			return valueOf("")
		}
		end := startIdx - 1 + count
		if end > len(runes) {
			end = len(runes)
		}
		return valueOf(string(runes[startIdx-1 : end]))
	})
}

func fnLEFT(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		text, count, err := textAndCount(scalars)
		if err != nil {
			return errorResult(err)
		}
		runes := []rune(text)
		if count > len(runes) {
			count = len(runes)
		}
		return valueOf(string(runes[:count]))
	})
}

func fnRIGHT(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		text, count, err := textAndCount(scalars)
		if err != nil {
			return errorResult(err)
		}
		runes := []rune(text)
		if count > len(runes) {
			count = len(runes)
		}
		return valueOf(string(runes[len(runes)-count:]))
	})
}

// textAndCount extracts the (text, n) argument pair shared by LEFT and
// RIGHT: n defaults to 1, floors, and must not be negative.
func textAndCount(scalars []Primitive) (string, int, *SpreadsheetError) {
	text, err := strictText(scalars[0])
	if err != nil {
		return "", 0, err
	}
	n := 1.0
	if len(scalars) == 2 {
		n, err = strictNumber(scalars[1])
		if err != nil {
			return "", 0, err
		}
	}
	count := int(math.Floor(n))
	if count < 0 {
		return "", 0, NewSpreadsheetError(ErrorCodeValue, "count must not be negative")
	}
	return text, count, nil
}

func fnLEN(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		text, err := strictText(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		return valueOf(float64(len([]rune(text))))
	})
}

func fnCONCATENATE(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		var b strings.Builder
		for _, v := range scalars {
			b.WriteString(concatText(v))
		}
		return valueOf(b.String())
	})
}

// textFn1 wraps a one-argument string transform into an array-aware
// built-in with strict text discipline.
func textFn1(apply func(string) string) func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return func(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
		return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
			text, err := strictText(scalars[0])
			if err != nil {
				return errorResult(err)
			}
			return valueOf(apply(text))
		})
	}
}

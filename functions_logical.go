package formulaengine

func (r *FunctionRegistry) registerLogicalFunctions() {
	r.Register(&Function{Name: "IF", MinArgs: 2, MaxArgs: 3, Evaluate: fnIF})
	r.Register(&Function{Name: "AND", MinArgs: 1, MaxArgs: -1, Evaluate: fnAND})
	r.Register(&Function{Name: "OR", MinArgs: 1, MaxArgs: -1, Evaluate: fnOR})
	r.Register(&Function{Name: "NOT", MinArgs: 1, MaxArgs: 1, Evaluate: fnNOT})
	r.Register(&Function{Name: "ISERROR", MinArgs: 1, MaxArgs: 1, Evaluate: fnISERROR})
	r.Register(&Function{Name: "ISNA", MinArgs: 1, MaxArgs: 1, Evaluate: fnISNA})
	r.Register(&Function{Name: "IFERROR", MinArgs: 2, MaxArgs: 2, Evaluate: fnIFERROR})
	r.Register(&Function{Name: "NA", MinArgs: 0, MaxArgs: 0, Evaluate: fnNA})
}

// fnIF evaluates the untaken branch lazily for scalar conditions. A
// spilled condition zips: both branches evaluate once and project per
// output cell.
func fnIF(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	cond := ev.evaluateNode(node.Args[0], ctx)
	if err := asError(cond); err != nil {
		return errorResult(err)
	}

	if sv := asSpilled(cond); sv != nil {
		thenRes := ev.evaluateNode(node.Args[1], ctx)
		var elseRes EvaluationResult = valueOf(false)
		if len(node.Args) == 3 {
			elseRes = ev.evaluateNode(node.Args[2], ctx)
		}
		rows, cols := zipDims(cond, thenRes, elseRes)
		return &SpilledValues{
			Rows: rows,
			Cols: cols,
			At: func(off Offset, c *EvalContext) EvaluationResult {
				cell := argAtOffset(ev, cond, off, c)
				if err := asError(cell); err != nil {
					return errorResult(err)
				}
				v, _ := scalarOf(cell)
				ok, err := truthy(v)
				if err != nil {
					return errorResult(err)
				}
				if ok {
					return argAtOffset(ev, thenRes, off, c)
				}
				return argAtOffset(ev, elseRes, off, c)
			},
		}
	}

	v, _ := scalarOf(cond)
	ok, err := truthy(v)
	if err != nil {
		return errorResult(err)
	}
	if ok {
		return ev.evaluateNode(node.Args[1], ctx)
	}
	if len(node.Args) == 3 {
		return ev.evaluateNode(node.Args[2], ctx)
	}
	return valueOf(false)
}

func fnAND(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	result := true
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := asError(arg); err != nil {
			return errorResult(err)
		}
		var failure *SpreadsheetError
		eachValue(ev, arg, ctx, func(res EvaluationResult) bool {
			if err := asError(res); err != nil {
				failure = err
				return false
			}
			v, _ := scalarOf(res)
			ok, err := truthy(v)
			if err != nil {
				failure = err
				return false
			}
			if !ok {
				result = false
			}
			return true
		})
		if failure != nil {
			return errorResult(failure)
		}
	}
	return valueOf(result)
}

func fnOR(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	result := false
	for _, arg := range evalArgs(ev, node, ctx) {
		if err := asError(arg); err != nil {
			return errorResult(err)
		}
		var failure *SpreadsheetError
		eachValue(ev, arg, ctx, func(res EvaluationResult) bool {
			if err := asError(res); err != nil {
				failure = err
				return false
			}
			v, _ := scalarOf(res)
			ok, err := truthy(v)
			if err != nil {
				failure = err
				return false
			}
			if ok {
				result = true
			}
			return true
		})
		if failure != nil {
			return errorResult(failure)
		}
	}
	return valueOf(result)
}

func fnNOT(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return liftScalars(ev, evalArgs(ev, node, ctx), ctx, func(scalars []Primitive) EvaluationResult {
		ok, err := truthy(scalars[0])
		if err != nil {
			return errorResult(err)
		}
		return valueOf(!ok)
	})
}

// fnISERROR intercepts errors instead of propagating them; one of the
// few places an error value is an ordinary input.
func fnISERROR(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	arg := ev.evaluateNode(node.Args[0], ctx)
	arg = ev.flattenSingle(arg, ctx)
	return valueOf(asError(arg) != nil)
}

func fnISNA(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	arg := ev.evaluateNode(node.Args[0], ctx)
	arg = ev.flattenSingle(arg, ctx)
	err := asError(arg)
	return valueOf(err != nil && err.ErrorCode == ErrorCodeNA)
}

func fnIFERROR(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	arg := ev.evaluateNode(node.Args[0], ctx)
	if asError(ev.flattenSingle(arg, ctx)) != nil {
		return ev.evaluateNode(node.Args[1], ctx)
	}
	return arg
}

func fnNA(ev *Evaluator, node *FunctionCallNode, ctx *EvalContext) EvaluationResult {
	return errorOf(ErrorCodeNA, "")
}

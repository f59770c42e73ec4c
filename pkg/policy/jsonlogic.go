// Package policy implements the Policy Engine (§4.4): a total JSON-Logic
// style rule evaluator over a structured context document, policy
// evaluation ordering and decision composition, and semantic-clause
// integration via the SemanticEvaluator capability.
package policy

import "strings"

// Value is the rule language's concrete type lattice:
// null|bool|number|string|array|object.
type Value interface{}

// Evaluate recursively evaluates a rule-tree node against ctx. The
// evaluator is total: unknown operators, unknown variables, comparisons
// against null, and division by zero all resolve to defined (non-panicking)
// results rather than raising.
func Evaluate(node interface{}, ctx map[string]interface{}) Value {
	switch n := node.(type) {
	case nil, bool, float64, int, string:
		return n
	case map[string]interface{}:
		if len(n) != 1 {
			// Malformed node shape: not a single-operator object. Treat the
			// whole map as a literal object value.
			return n
		}
		for op, args := range n {
			return applyOp(op, args, ctx)
		}
	case []interface{}:
		return n
	}
	return nil
}

func applyOp(op string, rawArgs interface{}, ctx map[string]interface{}) Value {
	args := asArgList(rawArgs)

	switch op {
	case "var":
		return resolveVar(args, ctx)
	case "==":
		return looseEqual(arg(args, 0, ctx), arg(args, 1, ctx))
	case "!=":
		return !looseEqual(arg(args, 0, ctx), arg(args, 1, ctx))
	case "<":
		return numericCompare(arg(args, 0, ctx), arg(args, 1, ctx), func(a, b float64) bool { return a < b })
	case "<=":
		return numericCompare(arg(args, 0, ctx), arg(args, 1, ctx), func(a, b float64) bool { return a <= b })
	case ">":
		return numericCompare(arg(args, 0, ctx), arg(args, 1, ctx), func(a, b float64) bool { return a > b })
	case ">=":
		return numericCompare(arg(args, 0, ctx), arg(args, 1, ctx), func(a, b float64) bool { return a >= b })
	case "and":
		for _, a := range args {
			if !truthy(Evaluate(a, ctx)) {
				return false
			}
		}
		return true
	case "or":
		for _, a := range args {
			if truthy(Evaluate(a, ctx)) {
				return true
			}
		}
		return false
	case "!":
		if len(args) == 0 {
			return nil
		}
		return !truthy(arg(args, 0, ctx))
	case "in":
		return containsValue(arg(args, 1, ctx), arg(args, 0, ctx))
	case "!in":
		return !containsValue(arg(args, 1, ctx), arg(args, 0, ctx))
	case "+":
		return foldArith(args, ctx, 0, func(acc, v float64) float64 { return acc + v })
	case "-":
		return subArith(args, ctx)
	case "*":
		return foldArith(args, ctx, 1, func(acc, v float64) float64 { return acc * v })
	case "/":
		return divArith(args, ctx)
	case "if":
		return evalIf(args, ctx)
	case "some":
		return quantifier(args, ctx, true)
	case "all":
		return quantifier(args, ctx, false)
	default:
		// Unknown operator: total evaluator returns null (§9 design note).
		return nil
	}
}

func asArgList(raw interface{}) []interface{} {
	switch v := raw.(type) {
	case []interface{}:
		return v
	case nil:
		return nil
	default:
		return []interface{}{v}
	}
}

func arg(args []interface{}, i int, ctx map[string]interface{}) Value {
	if i >= len(args) {
		return nil
	}
	return Evaluate(args[i], ctx)
}

// resolveVar looks up a dotted-path variable, e.g. "merchant.category".
// Unknown paths evaluate to null (the default arg, if given, else nil).
func resolveVar(args []interface{}, ctx map[string]interface{}) Value {
	if len(args) == 0 {
		return nil
	}
	path, ok := args[0].(string)
	if !ok {
		return nil
	}
	var cur interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return defaultOrNil(args)
		}
		v, present := m[part]
		if !present {
			return defaultOrNil(args)
		}
		cur = v
	}
	return cur
}

func defaultOrNil(args []interface{}) Value {
	if len(args) > 1 {
		return args[1]
	}
	return nil
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	default:
		return true
	}
}

func looseEqual(a, b Value) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// numericCompare returns false (not null) when either side isn't numeric —
// "comparisons against null are false" per §4.4.
func numericCompare(a, b Value, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func containsValue(haystack, needle Value) bool {
	switch h := haystack.(type) {
	case []interface{}:
		for _, v := range h {
			if looseEqual(v, needle) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		return strings.Contains(h, s)
	default:
		return false
	}
}

func foldArith(args []interface{}, ctx map[string]interface{}, seed float64, fn func(acc, v float64) float64) Value {
	acc := seed
	any := false
	for _, a := range args {
		v, ok := toFloat(Evaluate(a, ctx))
		if !ok {
			return nil
		}
		any = true
		acc = fn(acc, v)
	}
	if !any {
		return nil
	}
	return acc
}

func subArith(args []interface{}, ctx map[string]interface{}) Value {
	if len(args) == 0 {
		return nil
	}
	first, ok := toFloat(Evaluate(args[0], ctx))
	if !ok {
		return nil
	}
	if len(args) == 1 {
		return -first
	}
	acc := first
	for _, a := range args[1:] {
		v, ok := toFloat(Evaluate(a, ctx))
		if !ok {
			return nil
		}
		acc -= v
	}
	return acc
}

func divArith(args []interface{}, ctx map[string]interface{}) Value {
	if len(args) != 2 {
		return nil
	}
	numerator, ok1 := toFloat(Evaluate(args[0], ctx))
	denominator, ok2 := toFloat(Evaluate(args[1], ctx))
	if !ok1 || !ok2 || denominator == 0 {
		return nil
	}
	return numerator / denominator
}

func evalIf(args []interface{}, ctx map[string]interface{}) Value {
	if len(args) == 0 {
		return nil
	}
	i := 0
	for i+1 < len(args) {
		if truthy(Evaluate(args[i], ctx)) {
			return Evaluate(args[i+1], ctx)
		}
		i += 2
	}
	if i < len(args) {
		return Evaluate(args[i], ctx)
	}
	return nil
}

// quantifier implements "some"/"all": args[0] is an array-valued
// expression, args[1] is a predicate evaluated with each element bound as
// the context key "" (accessed via var "").
func quantifier(args []interface{}, ctx map[string]interface{}, some bool) Value {
	if len(args) != 2 {
		return nil
	}
	arr, ok := Evaluate(args[0], ctx).([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		itemCtx := map[string]interface{}{"": item}
		if m, ok := item.(map[string]interface{}); ok {
			for k, v := range m {
				itemCtx[k] = v
			}
		}
		result := truthy(Evaluate(args[1], itemCtx))
		if some && result {
			return true
		}
		if !some && !result {
			return false
		}
	}
	return !some
}

// RootIsBoolean reports whether evaluating node yields a bool — a
// non-boolean root is deny-by-default per §9.
func RootIsBoolean(node interface{}, ctx map[string]interface{}) (bool, bool) {
	v := Evaluate(node, ctx)
	b, ok := v.(bool)
	return b, ok
}

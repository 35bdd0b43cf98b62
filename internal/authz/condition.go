package authz

import (
	"fmt"
	"time"
)

// Node is one element of the ABAC condition AST: eq, ne, in, gt, lt, all,
// any, not, time_between, var, const. A policy's condition column is a
// single jsonb-encoded Node tree.
//
//	{"op":"all","args":[
//	  {"op":"eq","args":[{"op":"var","var":"principal.role"},{"op":"const","value":"editor"}]},
//	  {"op":"not","args":[{"op":"eq","args":[{"op":"var","var":"resource.labels.restricted"},{"op":"const","value":true}]}]}
//	]}
type Node struct {
	Op    string `json:"op"`
	Var   string `json:"var,omitempty"`
	Value any    `json:"value,omitempty"`
	Args  []Node `json:"args,omitempty"`
}

// Eval evaluates a boolean-valued node (eq, ne, in, gt, lt, all, any, not,
// time_between) against rc. Evaluation is pure and total: it never panics or
// returns an error for a node shaped like the DSL above, and a missing
// variable resolves to undefined, which never satisfies eq, in, gt, lt, or
// time_between.
func Eval(n Node, rc *RequestContext) bool {
	switch n.Op {
	case "all":
		for _, arg := range n.Args {
			if !Eval(arg, rc) {
				return false
			}
		}
		return true
	case "any":
		for _, arg := range n.Args {
			if Eval(arg, rc) {
				return true
			}
		}
		return false
	case "not":
		if len(n.Args) != 1 {
			return false
		}
		return !Eval(n.Args[0], rc)
	case "eq":
		if len(n.Args) != 2 {
			return false
		}
		return equalValues(resolve(n.Args[0], rc), resolve(n.Args[1], rc))
	case "ne":
		if len(n.Args) != 2 {
			return false
		}
		left, right := resolve(n.Args[0], rc), resolve(n.Args[1], rc)
		if left == undefined || right == undefined {
			// Symmetric with eq: a missing operand never satisfies a
			// comparison in either direction.
			return false
		}
		return !equalValues(left, right)
	case "in":
		if len(n.Args) != 2 {
			return false
		}
		needle := resolve(n.Args[0], rc)
		if needle == undefined {
			return false
		}
		haystack, ok := resolve(n.Args[1], rc).([]any)
		if !ok {
			return false
		}
		for _, candidate := range haystack {
			if equalValues(needle, candidate) {
				return true
			}
		}
		return false
	case "gt":
		if len(n.Args) != 2 {
			return false
		}
		cmp, ok := compareValues(resolve(n.Args[0], rc), resolve(n.Args[1], rc))
		return ok && cmp > 0
	case "lt":
		if len(n.Args) != 2 {
			return false
		}
		cmp, ok := compareValues(resolve(n.Args[0], rc), resolve(n.Args[1], rc))
		return ok && cmp < 0
	case "time_between":
		if len(n.Args) != 3 {
			return false
		}
		subject, ok := asTime(resolve(n.Args[0], rc))
		if !ok {
			return false
		}
		start, ok := asTime(resolve(n.Args[1], rc))
		if !ok {
			return false
		}
		end, ok := asTime(resolve(n.Args[2], rc))
		if !ok {
			return false
		}
		return !subject.Before(start) && !subject.After(end)
	default:
		return false
	}
}

// resolve evaluates a leaf (var or const) operand node to its value.
// Non-leaf nodes used where an operand is expected resolve to undefined.
func resolve(n Node, rc *RequestContext) any {
	switch n.Op {
	case "var":
		return resolveVar(n.Var, rc)
	case "const":
		if n.Value == nil {
			return undefined
		}
		return n.Value
	default:
		return undefined
	}
}

func equalValues(a, b any) bool {
	if a == undefined || b == undefined {
		return false
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

// sameKind guards equalValues against cross-type false positives like
// bool(true) and string("true") both stringifying to "true".
func sameKind(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	default:
		_, isBool := b.(bool)
		return !isBool
	}
}

func compareValues(a, b any) (int, bool) {
	if a == undefined || b == undefined {
		return 0, false
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

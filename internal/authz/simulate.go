package authz

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
)

// Trace is one step recorded while simulating a condition for the admin
// dry-run endpoint (spec §6 /admin/authz). It mirrors what Eval computed
// natively but in a form an operator debugging a policy can read.
type Trace struct {
	Op     string `json:"op"`
	Detail string `json:"detail"`
	Result bool   `json:"result"`
}

// Simulate re-evaluates a condition inside a sandboxed goja runtime,
// recording a step-by-step trace as it goes. The native Eval in
// condition.go remains the sole evaluator for real authorization decisions;
// Simulate exists purely so an operator can see *why* a policy matched or
// didn't, one combinator at a time, running in a fresh goja.New() runtime
// with host functions injected rather than reusing a shared VM.
func Simulate(n Node, rc *RequestContext) (result bool, trace []Trace, err error) {
	vm := goja.New()

	record := func(op, detail string, r bool) bool {
		trace = append(trace, Trace{Op: op, Detail: detail, Result: r})
		return r
	}

	encode := func(n Node) string {
		b, _ := json.Marshal(n)
		return string(b)
	}

	_ = vm.Set("__eval", func(call goja.FunctionCall) goja.Value {
		var node Node
		if err := json.Unmarshal([]byte(call.Argument(0).String()), &node); err != nil {
			return vm.ToValue(false)
		}
		r := evalAndRecord(node, rc, record)
		return vm.ToValue(r)
	})

	script := fmt.Sprintf("__eval(%q)", encode(n))
	v, runErr := vm.RunString(script)
	if runErr != nil {
		return false, trace, runErr
	}
	return v.ToBoolean(), trace, nil
}

// evalAndRecord is Eval's logic with a recording hook at every combinator
// boundary, kept separate from the hot-path evaluator so the authorization
// decision itself never pays for trace bookkeeping.
func evalAndRecord(n Node, rc *RequestContext, record func(op, detail string, r bool) bool) bool {
	switch n.Op {
	case "all":
		for _, arg := range n.Args {
			if !evalAndRecord(arg, rc, record) {
				return record("all", "short-circuited on a false argument", false)
			}
		}
		return record("all", fmt.Sprintf("%d arguments all true", len(n.Args)), true)
	case "any":
		for _, arg := range n.Args {
			if evalAndRecord(arg, rc, record) {
				return record("any", "short-circuited on a true argument", true)
			}
		}
		return record("any", fmt.Sprintf("%d arguments all false", len(n.Args)), false)
	case "not":
		if len(n.Args) != 1 {
			return record("not", "malformed (expected 1 argument)", false)
		}
		inner := evalAndRecord(n.Args[0], rc, record)
		return record("not", fmt.Sprintf("negating %v", inner), !inner)
	default:
		r := Eval(n, rc)
		return record(n.Op, describeLeaf(n, rc), r)
	}
}

func describeLeaf(n Node, rc *RequestContext) string {
	switch n.Op {
	case "eq", "ne", "gt", "lt":
		if len(n.Args) == 2 {
			return fmt.Sprintf("%v %s %v", resolve(n.Args[0], rc), n.Op, resolve(n.Args[1], rc))
		}
	case "in":
		if len(n.Args) == 2 {
			return fmt.Sprintf("%v in %v", resolve(n.Args[0], rc), resolve(n.Args[1], rc))
		}
	case "time_between":
		if len(n.Args) == 3 {
			return fmt.Sprintf("%v between %v and %v", resolve(n.Args[0], rc), resolve(n.Args[1], rc), resolve(n.Args[2], rc))
		}
	}
	return n.Op
}

// ExplainPath evaluates an ad-hoc JSONPath expression against the full
// simulated request context (principal/resource/action/request as a single
// JSON document), for an operator probing "what would resource.labels.foo
// resolve to" without writing a whole policy. This is a debugging aid for
// the simulate endpoint only — real var resolution always goes through
// resolveVar in context.go.
func ExplainPath(contextJSON []byte, path string) (any, error) {
	var doc any
	if err := json.Unmarshal(contextJSON, &doc); err != nil {
		return nil, err
	}
	return jsonpath.Get(path, doc)
}

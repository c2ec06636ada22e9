// Package filterscript runs a user-supplied ECMAScript filter over a
// finished token list, letting an analyst reshape or prune exported output
// without a recompile of the core engine.
package filterscript

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/zboralski/l2ctrace/internal/token"
)

// Apply evaluates script and calls its top-level filter(tokens) function
// with the plain-JS-object view of toks, then maps the returned subset back
// onto the original tokens by the index field every object carries. A
// script that drops the index field on an entry it keeps, or returns
// anything other than an array, is a script error.
func Apply(script string, toks []token.Token) ([]token.Token, error) {
	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("run filter script: %w", err)
	}

	filterFn, ok := goja.AssertFunction(vm.Get("filter"))
	if !ok {
		return nil, fmt.Errorf("filter script must define a top-level filter(tokens) function")
	}

	jsTokens := make([]map[string]interface{}, len(toks))
	for i, t := range toks {
		jsTokens[i] = map[string]interface{}{
			"index": i,
			"pc":    t.PC,
			"str":   t.Str,
			"type":  t.Type.String(),
			"fork":  append([]int(nil), t.ForkHierarchy...),
		}
	}

	result, err := filterFn(goja.Undefined(), vm.ToValue(jsTokens))
	if err != nil {
		return nil, fmt.Errorf("call filter(tokens): %w", err)
	}

	kept, ok := result.Export().([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter(tokens) must return an array")
	}

	out := make([]token.Token, 0, len(kept))
	for _, v := range kept {
		entry, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("filter(tokens) returned a non-object entry")
		}
		idx, ok := asIndex(entry["index"])
		if !ok || idx < 0 || idx >= len(toks) {
			return nil, fmt.Errorf("filter(tokens) returned an entry without a valid index")
		}
		out = append(out, toks[idx])
	}
	return out, nil
}

func asIndex(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// internal/driver/cdp/script.go
package cdp

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
)

// buildScript turns a function body plus arguments into an expression the
// DevTools evaluator can run. Async scripts get a completion callback as
// their last argument and the expression resolves once it is called.
func buildScript(body string, args []any, async bool) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode script arguments: %w", err)
	}

	if async {
		return fmt.Sprintf(
			"new Promise(function(resolve){ var args = %s; args.push(resolve); (function(){ %s }).apply(null, args); })",
			encoded, body), nil
	}
	return fmt.Sprintf("(function(){ %s }).apply(null, %s)", body, encoded), nil
}

// callExpression applies a JS function literal to JSON encoded arguments.
func callExpression(fn string, args ...any) (string, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		encoded, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode argument: %w", err)
		}
		parts = append(parts, string(encoded))
	}
	return fmt.Sprintf("%s(%s)", fn, strings.Join(parts, ", ")), nil
}

// decodeRemote converts an evaluation result to plain Go values. Scripts that
// return nothing yield nil rather than an error.
func decodeRemote(obj *runtime.RemoteObject) (any, error) {
	if obj == nil || obj.Type == runtime.TypeUndefined || len(obj.Value) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(obj.Value, &out); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return out, nil
}

package cel

import (
	"encoding/json"

	"github.com/google/cel-go/cel"

	"github.com/countersign-labs/countersign/internal/domain/policy"
)

// newConditionEnvironment creates the CEL environment for condition
// policies. Variables describe the invocation element and the
// authentication outcome for one (rule, context) pair.
func newConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Invocation element
		cel.Variable("kind", cel.StringType),            // "call" or "deploy"
		cel.Variable("target", cel.StringType),          // call target, empty for deploy
		cel.Variable("function", cel.StringType),        // called function, empty for deploy
		cel.Variable("args", cel.ListType(cel.DynType)), // decoded call arguments

		// Authentication outcome
		cel.Variable("matched_count", cel.IntType), // rule signers that authenticated
		cel.Variable("signer_count", cel.IntType),  // total signers on the rule

		// Scope
		cel.Variable("account", cel.StringType),
		cel.Variable("height", cel.UintType),
	)
}

// BuildActivation converts a policy request into the CEL variable map.
// Call arguments are decoded from JSON; undecodable arguments become nil.
func BuildActivation(req policy.Request) map[string]any {
	activation := map[string]any{
		"kind":          string(req.Context.Kind),
		"target":        "",
		"function":      "",
		"args":          []any{},
		"matched_count": len(req.Matched),
		"signer_count":  0,
		"account":       req.Account,
		"height":        uint64(req.Height),
	}

	if req.Rule != nil {
		activation["signer_count"] = len(req.Rule.Signers)
	}

	if call := req.Context.Call; call != nil {
		activation["target"] = call.Target
		activation["function"] = call.Function
		args := make([]any, len(call.Args))
		for i, raw := range call.Args {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				args[i] = v
			}
		}
		activation["args"] = args
	}

	return activation
}

package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// CELBackend evaluates policies authored as CEL expressions instead of
// JSON-Logic trees. A Policy using this backend stores its expression
// under RuleTree["cel"] (a string), compiled lazily and cached by source.
//
// This exists alongside JSONLogicBackend because the rule language named
// in §4.4 is a small closed operator set with specific total-evaluation
// semantics CEL does not natively provide (division-by-zero-as-null,
// unknown-var-as-null) — JSONLogicBackend remains the default. CELBackend
// is offered for organizations that already author governance rules in CEL.
type CELBackend struct {
	env     *cel.Env
	cache   map[string]cel.Program
}

// NewCELBackend declares the context variables amount, currency and
// reasoning plus the maps merchant, agent, delegation and temporal. The
// orchestrator's evaluation context (buildEvalContext) uses flat keys such
// as merchantId, category, agentType and hour, and supplies none of those
// four maps.
func NewCELBackend() (*CELBackend, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("delegation", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("temporal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("reasoning", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: new cel env: %w", err)
	}
	return &CELBackend{env: env, cache: make(map[string]cel.Program)}, nil
}

func (b *CELBackend) compile(expr string) (cel.Program, error) {
	if prg, ok := b.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := b.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := b.env.Program(ast)
	if err != nil {
		return nil, err
	}
	b.cache[expr] = prg
	return prg, nil
}

// MatchesRule implements RuleBackend. tree must carry a "cel" string key.
func (b *CELBackend) MatchesRule(tree map[string]interface{}, ctx map[string]interface{}) (bool, error) {
	expr, ok := tree["cel"].(string)
	if !ok {
		return false, guerr.New(guerr.KindValidation, guerr.CodeInvalidPolicyRule, "cel backend requires a \"cel\" string expression")
	}
	prg, err := b.compile(expr)
	if err != nil {
		return false, guerr.Wrap(guerr.KindValidation, guerr.CodeInvalidPolicyRule, "compile cel expression", err)
	}
	out, _, err := prg.Eval(ctx)
	if err != nil {
		// Fail-closed: a CEL evaluation error never matches ALLOW-favoring logic.
		return false, guerr.Wrap(guerr.KindValidation, guerr.CodeInvalidPolicyRule, "evaluate cel expression", err)
	}
	b2, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return b2, nil
}

var _ RuleBackend = (*CELBackend)(nil)

package policy

import (
	"context"
	"sort"

	"github.com/oxford22/guthwine/pkg/contracts"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// RuleBackend evaluates one policy's rule-tree against a context document.
// The default backend is the JSON-Logic evaluator in jsonlogic.go; CELBackend
// (cel.go) is a pluggable alternative for organizations authoring policies
// in CEL instead, mirroring the teacher's multi-backend PDP pattern.
type RuleBackend interface {
	MatchesRule(tree map[string]interface{}, ctx map[string]interface{}) (bool, error)
}

// JSONLogicBackend is the spec's primary, total rule evaluator.
type JSONLogicBackend struct{}

func (JSONLogicBackend) MatchesRule(tree map[string]interface{}, ctx map[string]interface{}) (bool, error) {
	b, ok := RootIsBoolean(tree, ctx)
	if !ok {
		// Non-boolean root: deny-by-default per §9, expressed here as "no match".
		return false, nil
	}
	return b, nil
}

// EvaluationResult is the policy phase's outcome before semantic checks.
type EvaluationResult struct {
	Decision    contracts.PolicyAction
	MatchedDeny *contracts.Policy
	Flags       []contracts.PolicyAction
	Matched     []*contracts.Policy
}

// Engine evaluates the policy phase of §4.4.
type Engine struct {
	storage contracts.Storage
	backend RuleBackend
}

// NewEngine builds a policy Engine with the given rule backend (pass
// JSONLogicBackend{} for the default).
func NewEngine(storage contracts.Storage, backend RuleBackend) *Engine {
	if backend == nil {
		backend = JSONLogicBackend{}
	}
	return &Engine{storage: storage, backend: backend}
}

// Evaluate loads agent-scoped then org-scoped active policies (each sorted
// priority-descending, id-ascending on ties), matches each against ctx, and
// composes a decision per §4.4.
func (e *Engine) Evaluate(ctx context.Context, orgID, agentDID string, evalCtx map[string]interface{}) (*EvaluationResult, error) {
	agentPolicies, err := e.loadScoped(ctx, orgID, agentDID)
	if err != nil {
		return nil, err
	}
	orgPolicies, err := e.loadScoped(ctx, orgID, "")
	if err != nil {
		return nil, err
	}

	ordered := append(agentPolicies, orgPolicies...)

	result := &EvaluationResult{Decision: contracts.ActionAllow}
	for _, p := range ordered {
		if !p.Active {
			continue
		}
		matched, err := e.backend.MatchesRule(p.RuleTree, evalCtx)
		if err != nil {
			return nil, guerr.Wrap(guerr.KindValidation, guerr.CodeInvalidPolicyRule, "evaluate rule tree", err)
		}
		if !matched {
			continue
		}
		result.Matched = append(result.Matched, p)

		switch p.Action {
		case contracts.ActionDeny:
			if result.MatchedDeny == nil {
				result.MatchedDeny = p
				result.Decision = contracts.ActionDeny
			}
		case contracts.ActionFlag, contracts.ActionRequireMFA, contracts.ActionNotify:
			result.Flags = append(result.Flags, p.Action)
		}
	}

	if result.MatchedDeny == nil && len(result.Flags) == 0 {
		result.Decision = contracts.ActionAllow
	} else if result.MatchedDeny == nil {
		// Flags only: decision stays ALLOW at the policy phase; flags are
		// surfaced to the orchestrator's risk-score composition.
		result.Decision = contracts.ActionAllow
	}

	return result, nil
}

func (e *Engine) loadScoped(ctx context.Context, orgID, agentDID string) ([]*contracts.Policy, error) {
	policies, err := e.storage.ListPolicies(ctx, orgID, agentDID)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "list policies", err)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
	return policies, nil
}

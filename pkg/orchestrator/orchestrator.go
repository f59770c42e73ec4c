// Package orchestrator implements the Authorization Orchestrator (§4.8):
// the single Authorize(req) pipeline that ties together global freeze,
// agent resolution, delegation-chain verification, rate limiting and
// anomaly detection, policy evaluation, semantic checks, risk scoring,
// mandate issuance, transaction persistence, and audit append. Grounded
// on the teacher's pkg/agent/adapter.go Dispatch method (check → switch
// over operation kind → delegate to sub-components → audit) as the
// control-flow template, and pkg/escalation/manager.go for the
// REQUIRES_REVIEW branch.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oxford22/guthwine/pkg/audit"
	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/delegation"
	guerr "github.com/oxford22/guthwine/pkg/errors"
	"github.com/oxford22/guthwine/pkg/identity"
	"github.com/oxford22/guthwine/pkg/mandate"
	"github.com/oxford22/guthwine/pkg/policy"
	"github.com/oxford22/guthwine/pkg/ratelimit"
)

// Config holds orchestrator-level tunables named in §6.
type Config struct {
	RiskReviewThreshold int // default 80
	SemanticThreshold   float64
	AutoFreezeOnAnomaly bool
}

// Orchestrator wires every authorization sub-component behind the single
// Authorize operation.
type Orchestrator struct {
	registry  *identity.Registry
	delegator *delegation.Service
	limiter   *ratelimit.Limiter
	anomaly   *ratelimit.AnomalyDetector
	policies  *policy.Engine
	semantic  *policy.SemanticCheck
	issuer    *mandate.Issuer
	ledger    *audit.Ledger
	storage   contracts.Storage
	bus       contracts.EventBus
	clock     contracts.Clock
	cfg       Config
}

// New builds an Orchestrator from its already-constructed sub-components.
func New(
	registry *identity.Registry,
	delegator *delegation.Service,
	limiter *ratelimit.Limiter,
	anomalyDetector *ratelimit.AnomalyDetector,
	policies *policy.Engine,
	semantic *policy.SemanticCheck,
	issuer *mandate.Issuer,
	ledger *audit.Ledger,
	storage contracts.Storage,
	bus contracts.EventBus,
	clock contracts.Clock,
	cfg Config,
) *Orchestrator {
	if cfg.RiskReviewThreshold == 0 {
		cfg.RiskReviewThreshold = 80
	}
	return &Orchestrator{
		registry: registry, delegator: delegator, limiter: limiter, anomaly: anomalyDetector,
		policies: policies, semantic: semantic, issuer: issuer, ledger: ledger,
		storage: storage, bus: bus, clock: clock, cfg: cfg,
	}
}

// Authorize runs the 11-step pipeline of §4.8 end to end.
func (o *Orchestrator) Authorize(ctx context.Context, orgID string, req contracts.TransactionRequest) (*contracts.Decision, error) {
	now := o.clock.Now()

	// Step 1: global freeze.
	if o.registry.IsGloballyFrozen(orgID) {
		return o.denyAndRecord(ctx, orgID, req, now, "GLOBAL_FREEZE", []string{string(guerr.CodeGlobalFreeze)}, 100, contracts.Frozen)
	}

	// Step 2: agent resolution + freeze check.
	agent, err := o.registry.Lookup(ctx, req.AgentDID)
	if err != nil {
		if gerr, ok := err.(*guerr.Error); ok && gerr.Code == guerr.CodeAgentNotFound {
			return o.denyAndRecord(ctx, orgID, req, now, "AGENT_NOT_FOUND", []string{string(guerr.CodeAgentNotFound)}, 100, contracts.Deny)
		}
		return nil, err
	}
	if agent.Status == contracts.AgentFrozen {
		return o.denyAndRecord(ctx, orgID, req, now, "AGENT_FROZEN", []string{string(guerr.CodeAgentFrozen)}, 100, contracts.Frozen)
	}

	// Step 3: delegation chain verification.
	var effectiveConstraints *contracts.Constraints
	if len(req.DelegationChain) > 0 {
		verification, err := o.delegator.VerifyChain(ctx, req.DelegationChain, req.AgentDID)
		if err != nil {
			return nil, err
		}
		if !verification.OK {
			return o.denyAndRecord(ctx, orgID, req, now, verification.Reason, []string{verification.ReasonCode}, 100, contracts.Deny)
		}
		effectiveConstraints = verification.EffectiveConstraints
	}

	// Step 4: rate limit + anomaly.
	rlCheck, err := o.limiter.Check(ctx, req.AgentDID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !rlCheck.Allowed {
		signal, err := o.anomaly.Scan(ctx, req.AgentDID)
		if err != nil {
			return nil, err
		}
		if signal.Anomalous {
			if o.cfg.AutoFreezeOnAnomaly {
				_ = o.registry.Freeze(ctx, orgID, req.AgentDID, "anomaly_detected: "+signal.Reason, "system")
			}
			return o.denyAndRecord(ctx, orgID, req, now, "ANOMALOUS_BEHAVIOR: "+signal.Reason, []string{string(guerr.CodeAnomalous)}, 100, contracts.Frozen)
		}
		return o.denyAndRecord(ctx, orgID, req, now, "RATE_LIMIT", []string{string(guerr.CodeRateLimit)}, 100, contracts.Deny)
	}

	// Step 5: constraint checks + policy evaluation.
	var violations []contracts.ConstraintViolation
	if effectiveConstraints != nil {
		violations = delegation.EvaluateConstraints(effectiveConstraints, &req, now)
	}
	if len(violations) > 0 {
		codes := make([]string, len(violations))
		for i, v := range violations {
			codes[i] = v.Code
		}
		return o.denyAndRecord(ctx, orgID, req, now, violations[0].Message, codes, 100, contracts.Deny)
	}

	evalCtx := buildEvalContext(req, agent, now)
	policyResult, err := o.policies.Evaluate(ctx, orgID, req.AgentDID, evalCtx)
	if err != nil {
		return nil, err
	}

	// Step 6: semantic check. Clauses are combined from the evaluated
	// policy and the delegation chain (§4.4), concatenated with " AND "
	// per the same rule the constraint merge uses for semantic clauses.
	var policyClause string
	for _, p := range policyResult.Matched {
		if p.Semantic != nil && p.Semantic.Clause != "" {
			policyClause = p.Semantic.Clause
			break
		}
	}
	chainClause := ""
	if effectiveConstraints != nil {
		chainClause = effectiveConstraints.SemanticConstraint
	}
	combinedClause := policyClause
	if chainClause != "" {
		if combinedClause == "" {
			combinedClause = chainClause
		} else {
			combinedClause = combinedClause + " AND " + chainClause
		}
	}

	var semanticResult contracts.SemanticEvaluatorResult
	semanticRan := false
	semanticErrored := false
	if combinedClause != "" {
		semanticResult, err = o.semantic.Evaluate(ctx, combinedClause, req.Reasoning, req.MerchantName, req.Amount, evalCtx)
		semanticRan = true
		if err != nil {
			// Fail-closed per §4.4: evaluator failure is distinct from a
			// genuine compliant=false verdict — it forces REQUIRES_REVIEW
			// at risk 75, not a DENY.
			semanticErrored = true
		}
	}

	// Step 7: risk score composition and decision.
	risk := 0
	var reasonCodes []string
	if policyResult.MatchedDeny != nil {
		risk += 50
		reasonCodes = append(reasonCodes, "policy:"+policyResult.MatchedDeny.ID)
	}
	if len(policyResult.Flags) > 0 {
		risk += 25
	}
	if semanticRan && !semanticErrored && !semanticResult.Compliant {
		risk += 40
	}
	if semanticRan && !semanticErrored && semanticResult.Confidence < o.cfg.SemanticThreshold {
		risk += 20
	}
	if semanticErrored && risk < 75 {
		risk = 75
	}
	if risk > 100 {
		risk = 100
	}

	var outcome contracts.DecisionOutcome
	var reason string
	switch {
	case policyResult.MatchedDeny != nil:
		outcome, reason = contracts.Deny, "policy denied: "+policyResult.MatchedDeny.Name
	case semanticRan && !semanticErrored && !semanticResult.Compliant:
		outcome, reason = contracts.Deny, "semantic check failed: "+semanticResult.Reasoning
	case semanticErrored:
		outcome, reason = contracts.RequiresReview, "semantic evaluator unavailable: failing closed to review"
	case risk >= o.cfg.RiskReviewThreshold:
		outcome, reason = contracts.RequiresReview, "risk score meets review threshold"
	default:
		outcome, reason = contracts.Allow, "authorized"
	}

	if outcome != contracts.Allow {
		return o.denyAndRecord(ctx, orgID, req, now, reason, reasonCodes, risk, outcome)
	}

	// Context may have been cancelled while we were computing the decision;
	// before step 8 (mandate mint / commit) we must not mint or audit.
	if ctx.Err() != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeSystemError, "request cancelled before mandate issuance", ctx.Err())
	}

	// Step 8: mint mandate, commit rate limit, update reputation.
	signed, err := o.issuer.Issue(ctx, orgID, req.AgentDID, req.MerchantID, orgID, []string{"transaction.execute"}, effectiveConstraints, chainIDs(req.DelegationChain), 0)
	if err != nil {
		return nil, err
	}
	if err := o.limiter.Record(ctx, req.AgentDID, req.Amount); err != nil {
		return nil, err
	}
	_ = o.registry.UpdateReputation(ctx, orgID, req.AgentDID, true, req.Amount)

	decision := contracts.Decision{Outcome: contracts.Allow, Reason: reason, RiskScore: risk, Mandate: &signed.Payload}

	// Step 9-11: persist transaction, audit append (preferred to complete even
	// if the caller's context is cancelled past this point), publish event.
	return o.finalize(ctx, orgID, req, now, decision)
}

func (o *Orchestrator) denyAndRecord(ctx context.Context, orgID string, req contracts.TransactionRequest, now time.Time, reason string, codes []string, risk int, outcome contracts.DecisionOutcome) (*contracts.Decision, error) {
	decision := contracts.Decision{Outcome: outcome, Reason: reason, ReasonCodes: codes, RiskScore: risk}
	if ctx.Err() != nil {
		// Before step 8: no audit entry on a cancelled request.
		return &decision, nil
	}
	return o.finalize(ctx, orgID, req, now, decision)
}

// finalize persists the TransactionRecord, appends the audit entry, and
// publishes the outcome event. Audit is the preferred system of record:
// it is attempted even if the caller's context has since been cancelled.
func (o *Orchestrator) finalize(ctx context.Context, orgID string, req contracts.TransactionRequest, now time.Time, decision contracts.Decision) (*contracts.Decision, error) {
	record := &contracts.TransactionRecord{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Request:   req,
		Status:    statusFor(decision.Outcome),
		Decision:  decision,
		CreatedAt: now,
		DecidedAt: o.clock.Now(),
	}
	if decision.Mandate != nil {
		record.MandateID = decision.Mandate.TokenID
	}
	if err := o.storage.SaveTransaction(ctx, record); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "persist transaction record", err)
	}

	auditCtx := ctx
	if ctx.Err() != nil {
		auditCtx = context.Background()
	}
	payload := map[string]interface{}{
		"transactionId": record.ID,
		"agentDid":      req.AgentDID,
		"amount":        req.Amount,
		"outcome":       string(decision.Outcome),
		"riskScore":     decision.RiskScore,
		"reason":        decision.Reason,
	}
	if _, err := o.ledger.Append(auditCtx, orgID, req.AgentDID, auditActionFor(decision.Outcome), payload, severityFor(decision.Outcome)); err != nil {
		return nil, err
	}

	if o.bus != nil {
		_ = o.bus.Publish(ctx, contracts.ChannelTransactionEvents, map[string]interface{}{
			"type": eventTypeFor(decision.Outcome), "transactionId": record.ID, "agentDid": req.AgentDID, "at": o.clock.Now(),
		})
	}

	return &decision, nil
}

func buildEvalContext(req contracts.TransactionRequest, agent *contracts.Agent, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"amount":       req.Amount,
		"currency":     req.Currency,
		"merchantId":   req.MerchantID,
		"merchantName": req.MerchantName,
		"category":     req.Category,
		"reasoning":    req.Reasoning,
		"agentDid":     req.AgentDID,
		"reputation":   agent.Reputation,
		"agentType":    string(agent.Type),
		"hour":         now.Hour(),
		"metadata":     req.Metadata,
	}
}

func chainIDs(chain []*contracts.DelegationToken) []string {
	ids := make([]string, len(chain))
	for i, t := range chain {
		ids[i] = t.TokenID
	}
	return ids
}

func statusFor(o contracts.DecisionOutcome) contracts.TransactionStatus {
	switch o {
	case contracts.Allow:
		return contracts.TxApproved
	case contracts.RequiresReview:
		return contracts.TxPending
	default:
		return contracts.TxDenied
	}
}

func auditActionFor(o contracts.DecisionOutcome) string {
	switch o {
	case contracts.Allow:
		return "transaction.approved"
	case contracts.RequiresReview:
		return "transaction.requires_review"
	case contracts.Frozen:
		return "transaction.frozen"
	default:
		return "transaction.denied"
	}
}

func eventTypeFor(o contracts.DecisionOutcome) string {
	switch o {
	case contracts.Allow:
		return "transaction.approved"
	case contracts.RequiresReview:
		return "transaction.requires_review"
	default:
		return "transaction.denied"
	}
}

func severityFor(o contracts.DecisionOutcome) string {
	switch o {
	case contracts.Allow:
		return "INFO"
	case contracts.RequiresReview:
		return "WARN"
	default:
		return "WARN"
	}
}

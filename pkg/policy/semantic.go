package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/crypto"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// SemanticCheck wraps the SemanticEvaluator capability with the caching
// and fail-closed behavior specified in §4.4.
type SemanticCheck struct {
	evaluator contracts.SemanticEvaluator
	cache     contracts.Cache
	cacheTTL  time.Duration
}

// NewSemanticCheck builds a SemanticCheck. evaluator may be nil when
// semantic evaluation is disabled by configuration.
func NewSemanticCheck(evaluator contracts.SemanticEvaluator, cache contracts.Cache, cacheTTL time.Duration) *SemanticCheck {
	return &SemanticCheck{evaluator: evaluator, cache: cache, cacheTTL: cacheTTL}
}

// AmountBucket rounds amount down to the nearest 10 units for cache-key
// stability, so near-identical amounts reuse a cached semantic verdict.
func AmountBucket(amount float64) int64 {
	return int64(amount/10) * 10
}

// cacheKey is SHA-256 of (clauses, reasoning_trace, amount_bucket, merchant_name).
func cacheKey(clauses, reasoning, merchantName string, amount float64) string {
	payload := map[string]interface{}{
		"clauses":      clauses,
		"reasoning":    reasoning,
		"amountBucket": AmountBucket(amount),
		"merchantName": merchantName,
	}
	h, _ := crypto.CanonicalHash(payload)
	return "semantic:" + h
}

// Evaluate calls the SemanticEvaluator (consulting the cache first) and
// returns a fail-closed synthetic result on error or when no evaluator is
// configured but a clause is present and required.
func (s *SemanticCheck) Evaluate(ctx context.Context, clauses, reasoning, merchantName string, amount float64, evalCtx map[string]interface{}) (contracts.SemanticEvaluatorResult, error) {
	key := cacheKey(clauses, reasoning, merchantName, amount)

	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var cached contracts.SemanticEvaluatorResult
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
		}
	}

	if s.evaluator == nil {
		return failClosedResult(), guerr.New(guerr.KindUpstream, guerr.CodeSemanticEvaluatorError, "no semantic evaluator configured")
	}

	result, err := s.evaluator.Evaluate(ctx, clauses, reasoning, evalCtx)
	if err != nil {
		return failClosedResult(), guerr.Wrap(guerr.KindUpstream, guerr.CodeSemanticEvaluatorError, "semantic evaluator failed", err)
	}

	if s.cache != nil {
		if raw, jsonErr := json.Marshal(result); jsonErr == nil {
			_ = s.cache.Set(ctx, key, raw, s.cacheTTL)
		}
	}

	return result, nil
}

// failClosedResult is the synthetic outcome used when the semantic
// evaluator fails: reported as compliant with zero confidence so it does
// not read as a denial at this layer; it is returned together with an
// error, and the orchestrator turns that error into REQUIRES_REVIEW.
func failClosedResult() contracts.SemanticEvaluatorResult {
	return contracts.SemanticEvaluatorResult{Compliant: true, Confidence: 0, Reasoning: "semantic evaluator unavailable: failing closed"}
}

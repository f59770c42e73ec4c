package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxford22/guthwine/internal/clock"
	"github.com/oxford22/guthwine/pkg/audit"
	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/delegation"
	"github.com/oxford22/guthwine/pkg/events"
	"github.com/oxford22/guthwine/pkg/identity"
	"github.com/oxford22/guthwine/pkg/kms"
	"github.com/oxford22/guthwine/pkg/mandate"
	"github.com/oxford22/guthwine/pkg/policy"
	"github.com/oxford22/guthwine/pkg/ratelimit"
	"github.com/oxford22/guthwine/pkg/storage"
)

type harness struct {
	orch     *Orchestrator
	registry *identity.Registry
	delegate *delegation.Service
	storage  contracts.Storage
	clock    *clock.Fake
	orgID    string
}

func floatPtr(f float64) *float64 { return &f }

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	masterKey := kms.DeriveMasterKey([]byte("s"), []byte("salt"))
	ks, err := kms.NewLocalKeyStore(masterKey)
	require.NoError(t, err)
	orgSignerKeyID, _, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	delegationSignerKeyID, _, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)

	fake := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemory()
	bus := events.NewMemoryBus()

	ledger := audit.NewLedger(mem, ks, fake, orgSignerKeyID, audit.Config{})

	registry := identity.NewRegistry(mem, ks, bus, ledger, fake)
	delegator := delegation.NewService(mem, ks, fake, delegation.Config{SignerKeyID: delegationSignerKeyID, MaxDepth: 5, DefaultTTL: time.Hour})
	registry.SetCascader(delegator)

	policyEngine := policy.NewEngine(mem, policy.JSONLogicBackend{})
	semanticCheck := policy.NewSemanticCheck(nil, storage.NewMemoryCache(), time.Minute)

	limiter := ratelimit.NewLimiter(mem, fake, ratelimit.Config{WindowSizeMs: 60_000, MaxAmount: 1000, MaxTransactions: 10})
	anomalyDetector := ratelimit.NewAnomalyDetector(mem, fake, ratelimit.DefaultAnomalyConfig())

	issuer := mandate.NewIssuer(mem, ks, fake, orgSignerKeyID, mandate.Config{})

	if cfg.RiskReviewThreshold == 0 {
		cfg.RiskReviewThreshold = 80
	}
	orch := New(registry, delegator, limiter, anomalyDetector, policyEngine, semanticCheck, issuer, ledger, mem, bus, fake, cfg)

	return &harness{orch: orch, registry: registry, delegate: delegator, storage: mem, clock: fake, orgID: "org-1"}
}

func (h *harness) registerAgent(t *testing.T) *contracts.Agent {
	t.Helper()
	agent, err := h.registry.RegisterAgent(context.Background(), "test-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)
	return agent
}

func TestAuthorize_ApprovesWithinCapsAndNoPolicies(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: agent.DID, Amount: 42.50, Currency: "USD", MerchantID: "merchant-office-supplies", Category: "office_supplies",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Allow, decision.Outcome)
	require.NotNil(t, decision.Mandate)
}

func TestAuthorize_DeniesOverPolicyCap(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)

	require.NoError(t, h.storage.SavePolicy(context.Background(), &contracts.Policy{
		ID: "cap-policy", OrganizationID: h.orgID, Active: true, Action: contracts.ActionDeny, Priority: 10,
		RuleTree: map[string]interface{}{">": []interface{}{map[string]interface{}{"var": "amount"}, 100.0}},
	}))

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: agent.DID, Amount: 500, Currency: "USD", MerchantID: "merchant-x",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Deny, decision.Outcome)
	assert.Nil(t, decision.Mandate)
}

func TestAuthorize_DelegatedAllowWithinConstraints(t *testing.T) {
	h := newHarness(t, Config{})
	owner, err := h.registry.RegisterAgent(context.Background(), "owner", "", contracts.AgentPrimary)
	require.NoError(t, err)
	sub, err := h.registry.RegisterAgent(context.Background(), "sub-agent", owner.DID, contracts.AgentDelegated)
	require.NoError(t, err)

	tok, err := h.delegate.IssueDelegation(context.Background(), owner.DID, sub.DID, h.orgID, &contracts.Constraints{MaxSingleAmount: floatPtr(200)}, time.Hour, "")
	require.NoError(t, err)

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: sub.DID, Amount: 100, Currency: "USD", MerchantID: "merchant-x",
		DelegationChain: []*contracts.DelegationToken{tok},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Allow, decision.Outcome)
}

func TestAuthorize_DelegatedDenyOverConstraintCap(t *testing.T) {
	h := newHarness(t, Config{})
	owner, err := h.registry.RegisterAgent(context.Background(), "owner", "", contracts.AgentPrimary)
	require.NoError(t, err)
	sub, err := h.registry.RegisterAgent(context.Background(), "sub-agent", owner.DID, contracts.AgentDelegated)
	require.NoError(t, err)

	tok, err := h.delegate.IssueDelegation(context.Background(), owner.DID, sub.DID, h.orgID, &contracts.Constraints{MaxSingleAmount: floatPtr(50)}, time.Hour, "")
	require.NoError(t, err)

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: sub.DID, Amount: 100, Currency: "USD", MerchantID: "merchant-x",
		DelegationChain: []*contracts.DelegationToken{tok},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Deny, decision.Outcome)
}

func TestAuthorize_FrozenAgentAlwaysDenies(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)
	require.NoError(t, h.registry.Freeze(context.Background(), h.orgID, agent.DID, "compromised", "admin"))

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: agent.DID, Amount: 10, Currency: "USD", MerchantID: "merchant-x",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Frozen, decision.Outcome)
}

func TestAuthorize_GlobalFreezeDeniesEverything(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)
	require.NoError(t, h.registry.SetGlobalFreeze(context.Background(), h.orgID, true, "incident", "admin"))

	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: agent.DID, Amount: 1, Currency: "USD", MerchantID: "merchant-x",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Frozen, decision.Outcome)
}

func TestAuthorize_UnknownAgentDenies(t *testing.T) {
	h := newHarness(t, Config{})
	decision, err := h.orch.Authorize(context.Background(), h.orgID, contracts.TransactionRequest{
		AgentDID: "did:guthwine:nonexistent", Amount: 1, Currency: "USD", MerchantID: "merchant-x",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.Deny, decision.Outcome)
}

func TestAuthorize_RateLimitExceededDenies(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.orch.Authorize(ctx, h.orgID, contracts.TransactionRequest{
			AgentDID: agent.DID, Amount: 10, Currency: "USD", MerchantID: "merchant-x",
		})
		require.NoError(t, err)
	}

	decision, err := h.orch.Authorize(ctx, h.orgID, contracts.TransactionRequest{
		AgentDID: agent.DID, Amount: 10, Currency: "USD", MerchantID: "merchant-x",
	})
	require.NoError(t, err)
	assert.NotEqual(t, contracts.Allow, decision.Outcome)
}

func TestAuthorize_AuditChainStaysIntactAcrossManyDecisions(t *testing.T) {
	h := newHarness(t, Config{})
	agent := h.registerAgent(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.orch.Authorize(ctx, h.orgID, contracts.TransactionRequest{
			AgentDID: agent.DID, Amount: 5, Currency: "USD", MerchantID: "merchant-x",
		})
		require.NoError(t, err)
	}

	report, err := h.orch.ledger.VerifyIntegrity(ctx, h.orgID, 1, 5)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

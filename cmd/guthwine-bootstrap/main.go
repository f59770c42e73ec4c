// Command guthwine-bootstrap wires an entirely in-memory guthwine
// instance and runs a single demo authorization end to end, logging the
// decision. It exists to exercise the wiring, not as a production entry
// point — a real deployment replaces pkg/storage.Memory/MemoryCache/
// events.MemoryBus with their Postgres/Redis counterparts.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/oxford22/guthwine/internal/clock"
	"github.com/oxford22/guthwine/pkg/audit"
	"github.com/oxford22/guthwine/pkg/config"
	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/delegation"
	"github.com/oxford22/guthwine/pkg/events"
	"github.com/oxford22/guthwine/pkg/identity"
	"github.com/oxford22/guthwine/pkg/kms"
	"github.com/oxford22/guthwine/pkg/mandate"
	"github.com/oxford22/guthwine/pkg/orchestrator"
	"github.com/oxford22/guthwine/pkg/policy"
	"github.com/oxford22/guthwine/pkg/ratelimit"
	"github.com/oxford22/guthwine/pkg/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	masterKey := kms.DeriveMasterKey([]byte(defaultIfEmpty(cfg.MasterKeySecret, "bootstrap-only-secret")), []byte(cfg.MasterKeySalt))
	keyStore, err := kms.NewLocalKeyStore(masterKey)
	if err != nil {
		logger.Error("keystore init failed", "error", err)
		os.Exit(1)
	}

	systemClock := clock.System{}
	mem := storage.NewMemory()
	bus := events.NewMemoryBus()

	orgSignerKeyID, _, err := keyStore.GenerateKeyPair(ctx)
	if err != nil {
		logger.Error("org signer keypair failed", "error", err)
		os.Exit(1)
	}
	delegationSignerKeyID, _, err := keyStore.GenerateKeyPair(ctx)
	if err != nil {
		logger.Error("delegation signer keypair failed", "error", err)
		os.Exit(1)
	}

	ledger := audit.NewLedger(mem, keyStore, systemClock, orgSignerKeyID, audit.Config{
		RetentionYears:     cfg.AuditRetentionYears,
		MerkleIntervalSecs: cfg.AuditMerkleIntervalSecs,
	})

	registry := identity.NewRegistry(mem, keyStore, bus, ledger, systemClock)
	delegator := delegation.NewService(mem, keyStore, systemClock, delegation.Config{
		SignerKeyID: delegationSignerKeyID,
		MaxDepth:    cfg.DelegationMaxDepth,
		DefaultTTL:  cfg.DelegationDefaultTTL,
	})
	registry.SetCascader(delegator)

	policyEngine := policy.NewEngine(mem, policy.JSONLogicBackend{})
	semanticCheck := policy.NewSemanticCheck(nil, storage.NewMemoryCache(), cfg.SemanticCacheTTL)

	limiter := ratelimit.NewLimiter(mem, systemClock, ratelimit.Config{
		WindowSizeMs:    cfg.RateLimitWindowMs,
		MaxAmount:       cfg.RateLimitMaxAmount,
		MaxTransactions: cfg.RateLimitMaxTransactions,
	})
	anomalyDetector := ratelimit.NewAnomalyDetector(mem, systemClock, ratelimit.AnomalyConfig{
		WindowMinutes:      cfg.AnomalyWindowMinutes,
		VelocityThreshold:  cfg.AnomalyVelocityThreshold,
		SpendRateThreshold: cfg.AnomalySpendRateThreshold,
		AutoFreeze:         cfg.AnomalyAutoFreeze,
	})

	issuer := mandate.NewIssuer(mem, keyStore, systemClock, orgSignerKeyID, mandate.Config{
		DefaultTTL:   cfg.MandateDefaultTTL,
		MaxTTL:       cfg.MandateMaxTTL,
		AcceptLegacy: cfg.MandateAcceptLegacy,
	})

	orch := orchestrator.New(registry, delegator, limiter, anomalyDetector, policyEngine, semanticCheck, issuer, ledger, mem, bus, systemClock, orchestrator.Config{
		RiskReviewThreshold: 80,
		SemanticThreshold:   cfg.SemanticThreshold,
		AutoFreezeOnAnomaly: cfg.AnomalyAutoFreeze,
	})

	const orgID = "org-demo"
	agent, err := registry.RegisterAgent(ctx, "demo-procurement-agent", "", contracts.AgentPrimary)
	if err != nil {
		logger.Error("register agent failed", "error", err)
		os.Exit(1)
	}

	decision, err := orch.Authorize(ctx, orgID, contracts.TransactionRequest{
		AgentDID:   agent.DID,
		Amount:     42.50,
		Currency:   "USD",
		MerchantID: "merchant-office-supplies",
		Category:   "office_supplies",
	})
	if err != nil {
		logger.Error("authorize failed", "error", err)
		os.Exit(1)
	}

	logger.Info("authorization decision", "outcome", decision.Outcome, "risk", decision.RiskScore, "reason", decision.Reason)
}

func defaultIfEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

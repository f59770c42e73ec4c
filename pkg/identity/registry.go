// Package identity implements the Identity Registry (§4.2): agent
// registration, lookup with a short-TTL cache, freeze/unfreeze with
// cascading delegation revocation, global freeze, and reputation updates.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/crypto"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

const defaultCacheTTL = 5 * time.Minute

// RevocationCascader is invoked by Freeze to revoke every unrevoked
// delegation token issued by the frozen agent. The delegation package
// implements this; identity depends only on the narrow interface to avoid
// an import cycle.
type RevocationCascader interface {
	RevokeAllByIssuer(ctx context.Context, issuerDID, reason string) error
}

// AuditAppender is the narrow audit-ledger dependency Freeze, Unfreeze,
// SetGlobalFreeze, and UpdateReputation use to record each status
// transition. Satisfied by *audit.Ledger; identity depends only on this
// interface since pkg/audit does not import pkg/identity, so no cycle
// forces deferral the way RevocationCascader's does.
type AuditAppender interface {
	Append(ctx context.Context, orgID, actor, action string, payload map[string]interface{}, severity string) (*contracts.AuditEntry, error)
}

type cacheEntry struct {
	agent     *contracts.Agent
	expiresAt time.Time
}

// Registry is the Identity Registry.
type Registry struct {
	storage    contracts.Storage
	keyStore   contracts.KeyStore
	bus        contracts.EventBus
	ledger     AuditAppender
	clock      contracts.Clock
	cascader   RevocationCascader
	didMethod  string
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	globalFreezeMu sync.RWMutex
	globalFreeze   map[string]bool // orgID -> frozen
}

// NewRegistry builds a Registry. ledger is required: every status
// transition (Freeze/Unfreeze/SetGlobalFreeze/UpdateReputation) must
// record an audit entry per §4.2. cascader may be nil at construction
// time and set later via SetCascader to break the identity<->delegation
// import cycle during wiring.
func NewRegistry(storage contracts.Storage, keyStore contracts.KeyStore, bus contracts.EventBus, ledger AuditAppender, clock contracts.Clock) *Registry {
	return &Registry{
		storage:   storage,
		keyStore:  keyStore,
		bus:       bus,
		ledger:    ledger,
		clock:     clock,
		didMethod: "guthwine",
		cacheTTL:  defaultCacheTTL,
		cache:     make(map[string]cacheEntry),
		globalFreeze: make(map[string]bool),
	}
}

// SetCascader wires the delegation service's cascade revocation callback.
func (r *Registry) SetCascader(c RevocationCascader) { r.cascader = c }

// RegisterAgent generates a keypair via KeyStore, derives the DID,
// persists the record with status=ACTIVE, reputation=100, and emits
// agent.created.
func (r *Registry) RegisterAgent(ctx context.Context, name, ownerDID string, typ contracts.AgentType) (*contracts.Agent, error) {
	keyID, pub, err := r.keyStore.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	did := crypto.DeriveDID(r.didMethod, pub)

	agent := &contracts.Agent{
		DID:           did,
		DisplayName:   name,
		PublicKey:     pub,
		SealedPrivRef: keyID,
		OwnerDID:      ownerDID,
		Type:          typ,
		Status:        contracts.AgentActive,
		Reputation:    100,
		CreatedAt:     r.clock.Now(),
	}

	if ownerDID != "" {
		if err := r.checkAcyclicOwnership(ctx, did, ownerDID); err != nil {
			return nil, err
		}
	}

	if err := r.storage.SaveAgent(ctx, agent); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "save agent", err)
	}

	r.invalidate(did)

	if r.bus != nil {
		_ = r.bus.Publish(ctx, contracts.ChannelAgentEvents, map[string]interface{}{
			"type": "agent.created", "did": did, "at": r.clock.Now(),
		})
	}

	return agent, nil
}

// checkAcyclicOwnership walks the owner chain to guard against cycles.
func (r *Registry) checkAcyclicOwnership(ctx context.Context, newDID, ownerDID string) error {
	seen := map[string]bool{newDID: true}
	current := ownerDID
	for current != "" {
		if seen[current] {
			return guerr.New(guerr.KindValidation, guerr.CodeInvalidDID, "owner chain contains a cycle")
		}
		seen[current] = true
		owner, err := r.storage.GetAgent(ctx, current)
		if err != nil || owner == nil {
			return nil // unknown intermediate owner; nothing more to check
		}
		current = owner.OwnerDID
	}
	return nil
}

// Lookup resolves an agent by DID, consulting the TTL cache first.
func (r *Registry) Lookup(ctx context.Context, did string) (*contracts.Agent, error) {
	if a, ok := r.fromCache(did); ok {
		return a, nil
	}

	a, err := r.storage.GetAgent(ctx, did)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "lookup agent", err)
	}
	if a == nil {
		return nil, guerr.New(guerr.KindNotFound, guerr.CodeAgentNotFound, "agent not found: "+did)
	}

	r.mu.Lock()
	r.cache[did] = cacheEntry{agent: a, expiresAt: r.clock.Now().Add(r.cacheTTL)}
	r.mu.Unlock()

	return a, nil
}

func (r *Registry) fromCache(did string) (*contracts.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[did]
	if !ok || r.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.agent, true
}

func (r *Registry) invalidate(did string) {
	r.mu.Lock()
	delete(r.cache, did)
	r.mu.Unlock()
}

// Freeze atomically transitions an agent to FROZEN, triggers the
// delegation revocation cascade, records an audit entry, and emits
// agent.frozen.
func (r *Registry) Freeze(ctx context.Context, orgID, did, reason, actor string) error {
	a, err := r.storage.GetAgent(ctx, did)
	if err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "freeze: load agent", err)
	}
	if a == nil {
		return guerr.New(guerr.KindNotFound, guerr.CodeAgentNotFound, "agent not found: "+did)
	}

	a.Status = contracts.AgentFrozen
	now := r.clock.Now()
	a.FreezeMeta = &contracts.FreezeMetadata{Reason: reason, Actor: actor, At: now}

	if err := r.storage.SaveAgent(ctx, a); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "freeze: save agent", err)
	}
	r.invalidate(did)

	if r.cascader != nil {
		_ = r.cascader.RevokeAllByIssuer(ctx, did, "issuer_frozen")
	}

	if _, err := r.ledger.Append(ctx, orgID, actor, "agent.frozen", map[string]interface{}{
		"did": did, "reason": reason,
	}, "WARN"); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "freeze: append audit entry", err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, contracts.ChannelAgentEvents, map[string]interface{}{
			"type": "agent.frozen", "did": did, "reason": reason, "actor": actor, "at": now,
		})
	}
	return nil
}

// Unfreeze reverses Freeze. Idempotent: unfreezing an already-active agent
// is a no-op success, but still records an audit entry for the attempt.
func (r *Registry) Unfreeze(ctx context.Context, orgID, did, actor string) error {
	a, err := r.storage.GetAgent(ctx, did)
	if err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "unfreeze: load agent", err)
	}
	if a == nil {
		return guerr.New(guerr.KindNotFound, guerr.CodeAgentNotFound, "agent not found: "+did)
	}

	a.Status = contracts.AgentActive
	a.FreezeMeta = nil

	if err := r.storage.SaveAgent(ctx, a); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "unfreeze: save agent", err)
	}
	r.invalidate(did)

	if _, err := r.ledger.Append(ctx, orgID, actor, "agent.unfrozen", map[string]interface{}{
		"did": did,
	}, "INFO"); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "unfreeze: append audit entry", err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, contracts.ChannelAgentEvents, map[string]interface{}{
			"type": "agent.unfrozen", "did": did, "actor": actor, "at": r.clock.Now(),
		})
	}
	return nil
}

// SetGlobalFreeze flips the O(1) per-org global-freeze flag checked at
// authorization step 1, records an audit entry and publishes global.freeze.
// It does not change any agent's stored status: agents are not swept into
// or out of FROZEN.
func (r *Registry) SetGlobalFreeze(ctx context.Context, orgID string, active bool, reason, actor string) error {
	r.globalFreezeMu.Lock()
	r.globalFreeze[orgID] = active
	r.globalFreezeMu.Unlock()

	if _, err := r.ledger.Append(ctx, orgID, actor, "global.freeze", map[string]interface{}{
		"active": active, "reason": reason,
	}, "WARN"); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "set global freeze: append audit entry", err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, contracts.ChannelGlobalEvents, map[string]interface{}{
			"type": "global.freeze", "orgId": orgID, "active": active, "reason": reason, "actor": actor, "at": r.clock.Now(),
		})
	}
	return nil
}

// IsGloballyFrozen is the O(1) check consulted at §4.8 step 1.
func (r *Registry) IsGloballyFrozen(orgID string) bool {
	r.globalFreezeMu.RLock()
	defer r.globalFreezeMu.RUnlock()
	return r.globalFreeze[orgID]
}

// UpdateReputation folds one transaction outcome into the agent's running
// success/failure counts.
func (r *Registry) UpdateReputation(ctx context.Context, orgID, did string, success bool, amount float64) error {
	a, err := r.storage.GetAgent(ctx, did)
	if err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "update reputation: load agent", err)
	}
	if a == nil {
		return guerr.New(guerr.KindNotFound, guerr.CodeAgentNotFound, "agent not found: "+did)
	}
	a.ApplyReputation(success)
	if err := r.storage.SaveAgent(ctx, a); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "update reputation: save agent", err)
	}
	r.invalidate(did)

	if _, err := r.ledger.Append(ctx, orgID, "system", "agent.reputation_updated", map[string]interface{}{
		"did": did, "success": success, "amount": amount, "reputation": a.Reputation,
	}, "INFO"); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "update reputation: append audit entry", err)
	}
	return nil
}

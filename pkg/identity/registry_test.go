package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxford22/guthwine/internal/clock"
	"github.com/oxford22/guthwine/pkg/audit"
	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/events"
	"github.com/oxford22/guthwine/pkg/kms"
	"github.com/oxford22/guthwine/pkg/storage"
)

const testOrgID = "org-test"

type fakeCascader struct {
	revokedIssuer string
	calls         int
}

func (f *fakeCascader) RevokeAllByIssuer(ctx context.Context, issuerDID, reason string) error {
	f.revokedIssuer = issuerDID
	f.calls++
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	masterKey := kms.DeriveMasterKey([]byte("s"), []byte("salt"))
	ks, err := kms.NewLocalKeyStore(masterKey)
	require.NoError(t, err)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	signerKeyID, _, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	mem := storage.NewMemory()
	ledger := audit.NewLedger(mem, ks, fake, signerKeyID, audit.Config{})
	reg := NewRegistry(mem, ks, events.NewMemoryBus(), ledger, fake)
	return reg, fake
}

func TestRegisterAgent_ActiveWithFullReputation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentActive, agent.Status)
	assert.Equal(t, 100, agent.Reputation)
	assert.True(t, len(agent.DID) > 0)
}

func TestLookup_ReturnsRegisteredAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	found, err := reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, agent.DID, found.DID)
}

func TestLookup_UnknownDIDNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Lookup(context.Background(), "did:guthwine:unknown")
	require.Error(t, err)
}

func TestLookup_FallsThroughToStorageAfterTTL(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	_, err = reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)

	fake.Advance(defaultCacheTTL + time.Second)

	// After expiry, lookup should still succeed by falling through to storage.
	found, err := reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, agent.DID, found.DID)
}

func TestFreeze_TransitionsStatusAndCascades(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	cascader := &fakeCascader{}
	reg.SetCascader(cascader)

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	require.NoError(t, reg.Freeze(ctx, testOrgID, agent.DID, "suspicious activity", "admin"))

	found, err := reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentFrozen, found.Status)
	require.NotNil(t, found.FreezeMeta)
	assert.Equal(t, "suspicious activity", found.FreezeMeta.Reason)
	assert.Equal(t, 1, cascader.calls)
	assert.Equal(t, agent.DID, cascader.revokedIssuer)
}

func TestFreeze_RecordsAuditEntryPerCall(t *testing.T) {
	masterKey := kms.DeriveMasterKey([]byte("s"), []byte("salt"))
	ks, err := kms.NewLocalKeyStore(masterKey)
	require.NoError(t, err)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	signerKeyID, _, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	mem := storage.NewMemory()
	ledger := audit.NewLedger(mem, ks, fake, signerKeyID, audit.Config{})
	reg := NewRegistry(mem, ks, events.NewMemoryBus(), ledger, fake)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	require.NoError(t, reg.Freeze(ctx, testOrgID, agent.DID, "reason one", "admin"))
	require.NoError(t, reg.Freeze(ctx, testOrgID, agent.DID, "reason two", "admin"))

	latest, err := mem.LatestAuditSequence(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
}

func TestUnfreeze_IsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	require.NoError(t, reg.Unfreeze(ctx, testOrgID, agent.DID, "admin"))
	require.NoError(t, reg.Unfreeze(ctx, testOrgID, agent.DID, "admin"))

	found, err := reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentActive, found.Status)
}

func TestGlobalFreeze_IsGloballyFrozenReflectsState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	const orgID = "org-1"

	assert.False(t, reg.IsGloballyFrozen(orgID))
	require.NoError(t, reg.SetGlobalFreeze(ctx, orgID, true, "incident", "admin"))
	assert.True(t, reg.IsGloballyFrozen(orgID))
	require.NoError(t, reg.SetGlobalFreeze(ctx, orgID, false, "resolved", "admin"))
	assert.False(t, reg.IsGloballyFrozen(orgID))
}

func TestCheckAcyclicOwnership_RejectsSelfOwnershipCycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	owner, err := reg.RegisterAgent(ctx, "owner", "", contracts.AgentPrimary)
	require.NoError(t, err)

	// Manually force a cycle: owner's OwnerDID points back to itself.
	owner.OwnerDID = owner.DID
	require.NoError(t, reg.storage.SaveAgent(ctx, owner))

	_, err = reg.RegisterAgent(ctx, "child", owner.DID, contracts.AgentDelegated)
	require.Error(t, err)
}

func TestUpdateReputation_TracksSuccessRatio(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.RegisterAgent(ctx, "proc-agent", "", contracts.AgentPrimary)
	require.NoError(t, err)

	require.NoError(t, reg.UpdateReputation(ctx, testOrgID, agent.DID, true, 10))
	require.NoError(t, reg.UpdateReputation(ctx, testOrgID, agent.DID, false, 10))

	found, err := reg.Lookup(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, 50, found.Reputation)
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxford22/guthwine/internal/clock"
	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/kms"
	"github.com/oxford22/guthwine/pkg/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Fake) {
	t.Helper()
	masterKey := kms.DeriveMasterKey([]byte("s"), []byte("salt"))
	ks, err := kms.NewLocalKeyStore(masterKey)
	require.NoError(t, err)
	keyID, _, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := storage.NewMemory()
	return NewLedger(mem, ks, fake, keyID, Config{}), fake
}

func TestAppend_FirstEntryChainsFromZeroHash(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	entry, err := ledger.Append(ctx, "org-1", "system", "transaction.authorized", map[string]interface{}{"amount": 10.0}, "INFO")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.SequenceNumber)
	assert.Equal(t, zeroHash(), entry.PreviousHash)
	assert.NotEmpty(t, entry.EntryHash)
	assert.NotEmpty(t, entry.Signature)
}

func TestAppend_ChainsSequentialEntries(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	e1, err := ledger.Append(ctx, "org-1", "system", "a", nil, "INFO")
	require.NoError(t, err)
	e2, err := ledger.Append(ctx, "org-1", "system", "b", nil, "INFO")
	require.NoError(t, err)

	assert.Equal(t, 2, e2.SequenceNumber)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
}

func TestVerifyIntegrity_ValidChainPasses(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, "org-1", "system", "event", map[string]interface{}{"i": i}, "INFO")
		require.NoError(t, err)
	}

	report, err := ledger.VerifyIntegrity(ctx, "org-1", 1, 5)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.EntriesChecked)
}

// tamperingStorage wraps a contracts.Storage and rewrites entry #2's payload
// on read, simulating on-disk corruption without requiring an update path
// the append-only Storage capability deliberately doesn't expose.
type tamperingStorage struct {
	contracts.Storage
}

func (t *tamperingStorage) ListAuditRange(ctx context.Context, orgID string, start, end int) ([]*contracts.AuditEntry, error) {
	entries, err := t.Storage.ListAuditRange(ctx, orgID, start, end)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.SequenceNumber == 2 {
			e.Payload = map[string]interface{}{"i": 999}
		}
	}
	return entries, nil
}

func TestVerifyIntegrity_DetectsTamperedPayload(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.Append(ctx, "org-1", "system", "event", map[string]interface{}{"i": i}, "INFO")
		require.NoError(t, err)
	}

	ledger.storage = &tamperingStorage{Storage: ledger.storage}

	report, err := ledger.VerifyIntegrity(ctx, "org-1", 1, 3)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestSweepExpired_DeletesOnlyPastRetention(t *testing.T) {
	ledger, fake := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, "org-1", "system", "event", nil, "INFO")
	require.NoError(t, err)

	fake.Advance(8 * 365 * 24 * time.Hour) // past the 7-year default retention

	deleted, err := ledger.SweepExpired(ctx, "org-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, 1)
}

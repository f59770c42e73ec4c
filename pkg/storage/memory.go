// Package storage implements the Storage and Cache capabilities (§6): an
// in-memory implementation for tests and local runs, and a Postgres-backed
// implementation (postgres.go) grounded on the teacher's
// pkg/budget/postgres_store.go upsert-via-ON-CONFLICT pattern.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
)

// Memory is an in-memory Storage implementation. All mutation paths take
// a single mutex; it is meant for tests and the bootstrap CLI, not for
// production multi-instance deployment.
type Memory struct {
	mu sync.Mutex

	agents      map[string]*contracts.Agent
	policies    map[string]*contracts.Policy
	delegations map[string]*contracts.DelegationToken
	txs         map[string]*contracts.TransactionRecord

	auditByOrg map[string][]*contracts.AuditEntry // append order, ascending sequence
	merkleRoots []*contracts.MerkleRoot

	rateLimitWindows map[string]*contracts.RateLimitWindow
	txHistory        map[string][]contracts.TransactionHistoryRow

	nonces               map[string]contracts.NonceRecord
	introspectionRevoked map[string]bool
}

// NewMemory builds an empty in-memory Storage.
func NewMemory() *Memory {
	return &Memory{
		agents:               make(map[string]*contracts.Agent),
		policies:             make(map[string]*contracts.Policy),
		delegations:          make(map[string]*contracts.DelegationToken),
		txs:                  make(map[string]*contracts.TransactionRecord),
		auditByOrg:           make(map[string][]*contracts.AuditEntry),
		rateLimitWindows:     make(map[string]*contracts.RateLimitWindow),
		txHistory:            make(map[string][]contracts.TransactionHistoryRow),
		nonces:               make(map[string]contracts.NonceRecord),
		introspectionRevoked: make(map[string]bool),
	}
}

func cloneAgent(a *contracts.Agent) *contracts.Agent {
	cp := *a
	return &cp
}

func (m *Memory) SaveAgent(ctx context.Context, a *contracts.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.DID] = cloneAgent(a)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, did string) (*contracts.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[did]
	if !ok {
		return nil, nil
	}
	return cloneAgent(a), nil
}

func (m *Memory) SavePolicy(ctx context.Context, p *contracts.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, id string) (*contracts.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPolicies(ctx context.Context, orgID, agentDID string) ([]*contracts.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*contracts.Policy
	for _, p := range m.policies {
		if p.OrganizationID != orgID {
			continue
		}
		if p.AgentDID != agentDID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveDelegationToken(ctx context.Context, t *contracts.DelegationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.delegations[t.TokenID] = &cp
	return nil
}

func (m *Memory) GetDelegationToken(ctx context.Context, tokenID string) (*contracts.DelegationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.delegations[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListDelegationsByIssuer(ctx context.Context, issuerDID string) ([]*contracts.DelegationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*contracts.DelegationToken
	for _, t := range m.delegations {
		if t.Issuer == issuerDID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SaveTransaction(ctx context.Context, t *contracts.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*contracts.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) AppendAuditEntry(ctx context.Context, e *contracts.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.auditByOrg[e.OrganizationID] = append(m.auditByOrg[e.OrganizationID], &cp)
	return nil
}

func (m *Memory) GetAuditEntry(ctx context.Context, orgID string, sequence int) (*contracts.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.auditByOrg[orgID] {
		if e.SequenceNumber == sequence {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListAuditRange(ctx context.Context, orgID string, start, end int) ([]*contracts.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.auditByOrg[orgID]
	var out []*contracts.AuditEntry
	for _, e := range entries {
		if e.SequenceNumber >= start && e.SequenceNumber <= end {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) LatestAuditSequence(ctx context.Context, orgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.auditByOrg[orgID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].SequenceNumber, nil
}

func (m *Memory) DeleteExpiredAuditEntries(ctx context.Context, orgID string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.auditByOrg[orgID]
	var kept []*contracts.AuditEntry
	deleted := 0
	for _, e := range entries {
		if e.RetainUntil.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.auditByOrg[orgID] = kept
	return deleted, nil
}

func (m *Memory) SaveMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.merkleRoots = append(m.merkleRoots, &cp)
	return nil
}

func (m *Memory) GetRateLimitWindow(ctx context.Context, agentDID string, windowSizeMs int64) (*contracts.RateLimitWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rateLimitWindows[agentDID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) CASRateLimitWindow(ctx context.Context, w *contracts.RateLimitWindow, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rateLimitWindows[w.AgentDID]
	currentVersion := int64(0)
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return false, nil
	}
	cp := *w
	m.rateLimitWindows[w.AgentDID] = &cp
	return true, nil
}

func (m *Memory) RecordTransactionHistory(ctx context.Context, row contracts.TransactionHistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txHistory[row.AgentDID] = append(m.txHistory[row.AgentDID], row)
	return nil
}

func (m *Memory) TransactionHistorySince(ctx context.Context, agentDID string, since time.Time) ([]contracts.TransactionHistoryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.TransactionHistoryRow
	for _, row := range m.txHistory[agentDID] {
		if !row.At.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) InsertNonceIfAbsent(ctx context.Context, n contracts.NonceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[n.Nonce]; ok {
		return false, nil
	}
	m.nonces[n.Nonce] = n
	return true, nil
}

func (m *Memory) PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for k, v := range m.nonces {
		if v.ExpiresAt.Before(before) {
			delete(m.nonces, k)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) IsIntrospectionRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.introspectionRevoked[tokenID], nil
}

func (m *Memory) RevokeForIntrospection(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.introspectionRevoked[tokenID] = true
	return nil
}

var _ contracts.Storage = (*Memory)(nil)

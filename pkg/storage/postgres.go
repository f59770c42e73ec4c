package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/oxford22/guthwine/pkg/contracts"
)

// Postgres implements Storage against PostgreSQL, grounded on the
// teacher's pkg/budget/postgres_store.go upsert-via-ON-CONFLICT pattern.
// Structured sub-documents (Constraints, audit payloads) are stored as
// JSONB columns rather than normalized across tables, matching the
// teacher's preference for a narrow, row-per-entity schema over a deep
// relational one.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-opened *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) SaveAgent(ctx context.Context, a *contracts.Agent) error {
	query := `
		INSERT INTO agents (did, display_name, public_key, sealed_priv_ref, owner_did, type, status, reputation, created_at, freeze_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (did) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			status = EXCLUDED.status,
			reputation = EXCLUDED.reputation,
			freeze_meta = EXCLUDED.freeze_meta
	`
	var freezeMeta []byte
	if a.FreezeMeta != nil {
		var err error
		freezeMeta, err = json.Marshal(a.FreezeMeta)
		if err != nil {
			return fmt.Errorf("marshal freeze metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, query, a.DID, a.DisplayName, a.PublicKey, a.SealedPrivRef, a.OwnerDID, a.Type, a.Status, a.Reputation, a.CreatedAt, freezeMeta)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, did string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT did, display_name, public_key, sealed_priv_ref, owner_did, type, status, reputation, created_at, freeze_meta FROM agents WHERE did = $1",
		did)
	var a contracts.Agent
	var freezeMeta []byte
	err := row.Scan(&a.DID, &a.DisplayName, &a.PublicKey, &a.SealedPrivRef, &a.OwnerDID, &a.Type, &a.Status, &a.Reputation, &a.CreatedAt, &freezeMeta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if len(freezeMeta) > 0 {
		if err := json.Unmarshal(freezeMeta, &a.FreezeMeta); err != nil {
			return nil, fmt.Errorf("unmarshal freeze metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *Postgres) SavePolicy(ctx context.Context, p *contracts.Policy) error {
	ruleTree, err := json.Marshal(p.RuleTree)
	if err != nil {
		return fmt.Errorf("marshal rule tree: %w", err)
	}
	var semantic []byte
	if p.Semantic != nil {
		if semantic, err = json.Marshal(p.Semantic); err != nil {
			return fmt.Errorf("marshal semantic config: %w", err)
		}
	}
	query := `
		INSERT INTO policies (id, name, organization_id, agent_did, priority, active, rule_tree, semantic, action, version, previous_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, priority = EXCLUDED.priority, active = EXCLUDED.active,
			rule_tree = EXCLUDED.rule_tree, semantic = EXCLUDED.semantic, action = EXCLUDED.action,
			version = EXCLUDED.version, previous_version = EXCLUDED.previous_version
	`
	_, err = s.db.ExecContext(ctx, query, p.ID, p.Name, p.OrganizationID, p.AgentDID, p.Priority, p.Active, ruleTree, semantic, p.Action, p.Version, p.PreviousVersion)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func (s *Postgres) GetPolicy(ctx context.Context, id string) (*contracts.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, organization_id, agent_did, priority, active, rule_tree, semantic, action, version, previous_version FROM policies WHERE id = $1", id)
	return scanPolicy(row)
}

func (s *Postgres) ListPolicies(ctx context.Context, orgID, agentDID string) ([]*contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, organization_id, agent_did, priority, active, rule_tree, semantic, action, version, previous_version FROM policies WHERE organization_id = $1 AND agent_did = $2",
		orgID, agentDID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row scanner) (*contracts.Policy, error) {
	var p contracts.Policy
	var ruleTree, semantic []byte
	err := row.Scan(&p.ID, &p.Name, &p.OrganizationID, &p.AgentDID, &p.Priority, &p.Active, &ruleTree, &semantic, &p.Action, &p.Version, &p.PreviousVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	if len(ruleTree) > 0 {
		if err := json.Unmarshal(ruleTree, &p.RuleTree); err != nil {
			return nil, fmt.Errorf("unmarshal rule tree: %w", err)
		}
	}
	if len(semantic) > 0 {
		if err := json.Unmarshal(semantic, &p.Semantic); err != nil {
			return nil, fmt.Errorf("unmarshal semantic config: %w", err)
		}
	}
	return &p, nil
}

func (s *Postgres) SaveDelegationToken(ctx context.Context, t *contracts.DelegationToken) error {
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	query := `
		INSERT INTO delegation_tokens (token_id, token_hash, issuer, recipient, parent_token_id, depth, issued_at, expires_at, constraints, revoked, revoked_reason, revoked_at, chain_hash, organization_id, signature, key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (token_id) DO UPDATE SET
			revoked = EXCLUDED.revoked, revoked_reason = EXCLUDED.revoked_reason, revoked_at = EXCLUDED.revoked_at
	`
	_, err = s.db.ExecContext(ctx, query, t.TokenID, t.TokenHash, t.Issuer, t.Recipient, t.ParentTokenID, t.Depth,
		t.IssuedAt, t.ExpiresAt, constraints, t.Revoked, t.RevokedReason, t.RevokedAt, t.ChainHash, t.OrganizationID, t.Signature, t.KeyID)
	if err != nil {
		return fmt.Errorf("save delegation token: %w", err)
	}
	return nil
}

func (s *Postgres) GetDelegationToken(ctx context.Context, tokenID string) (*contracts.DelegationToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT token_id, token_hash, issuer, recipient, parent_token_id, depth, issued_at, expires_at, constraints, revoked, revoked_reason, revoked_at, chain_hash, organization_id, signature, key_id FROM delegation_tokens WHERE token_id = $1",
		tokenID)
	return scanDelegationToken(row)
}

func (s *Postgres) ListDelegationsByIssuer(ctx context.Context, issuerDID string) ([]*contracts.DelegationToken, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT token_id, token_hash, issuer, recipient, parent_token_id, depth, issued_at, expires_at, constraints, revoked, revoked_reason, revoked_at, chain_hash, organization_id, signature, key_id FROM delegation_tokens WHERE issuer = $1",
		issuerDID)
	if err != nil {
		return nil, fmt.Errorf("list delegations by issuer: %w", err)
	}
	defer rows.Close()
	var out []*contracts.DelegationToken
	for rows.Next() {
		t, err := scanDelegationToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanDelegationToken(row scanner) (*contracts.DelegationToken, error) {
	var t contracts.DelegationToken
	var constraints []byte
	err := row.Scan(&t.TokenID, &t.TokenHash, &t.Issuer, &t.Recipient, &t.ParentTokenID, &t.Depth, &t.IssuedAt, &t.ExpiresAt,
		&constraints, &t.Revoked, &t.RevokedReason, &t.RevokedAt, &t.ChainHash, &t.OrganizationID, &t.Signature, &t.KeyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan delegation token: %w", err)
	}
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &t.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshal constraints: %w", err)
		}
	}
	return &t, nil
}

func (s *Postgres) SaveTransaction(ctx context.Context, t *contracts.TransactionRecord) error {
	request, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	decision, err := json.Marshal(t.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	query := `
		INSERT INTO transactions (id, org_id, request, status, decision, mandate_id, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, decision = EXCLUDED.decision, decided_at = EXCLUDED.decided_at
	`
	_, err = s.db.ExecContext(ctx, query, t.ID, t.OrgID, request, t.Status, decision, t.MandateID, t.CreatedAt, t.DecidedAt)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*contracts.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, org_id, request, status, decision, mandate_id, created_at, decided_at FROM transactions WHERE id = $1", id)
	var t contracts.TransactionRecord
	var request, decision []byte
	err := row.Scan(&t.ID, &t.OrgID, &request, &t.Status, &decision, &t.MandateID, &t.CreatedAt, &t.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if err := json.Unmarshal(request, &t.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := json.Unmarshal(decision, &t.Decision); err != nil {
		return nil, fmt.Errorf("unmarshal decision: %w", err)
	}
	return &t, nil
}

// AppendAuditEntry is a plain INSERT rather than an upsert: the audit table
// is append-only, and a conflicting sequence number for the same
// organization surfaces as an insert error instead of overwriting the
// existing row — see §5's per-org single-writer requirement.
func (s *Postgres) AppendAuditEntry(ctx context.Context, e *contracts.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	query := `
		INSERT INTO audit_entries (id, sequence_number, organization_id, actor, action, payload, previous_hash, entry_hash, signature, severity, retain_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query, e.ID, e.SequenceNumber, e.OrganizationID, e.Actor, e.Action, payload,
		e.PreviousHash, e.EntryHash, e.Signature, e.Severity, e.RetainUntil, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Postgres) GetAuditEntry(ctx context.Context, orgID string, sequence int) (*contracts.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, sequence_number, organization_id, actor, action, payload, previous_hash, entry_hash, signature, severity, retain_until, created_at FROM audit_entries WHERE organization_id = $1 AND sequence_number = $2",
		orgID, sequence)
	return scanAuditEntry(row)
}

func (s *Postgres) ListAuditRange(ctx context.Context, orgID string, start, end int) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, sequence_number, organization_id, actor, action, payload, previous_hash, entry_hash, signature, severity, retain_until, created_at FROM audit_entries WHERE organization_id = $1 AND sequence_number BETWEEN $2 AND $3 ORDER BY sequence_number ASC",
		orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list audit range: %w", err)
	}
	defer rows.Close()
	var out []*contracts.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEntry(row scanner) (*contracts.AuditEntry, error) {
	var e contracts.AuditEntry
	var payload []byte
	err := row.Scan(&e.ID, &e.SequenceNumber, &e.OrganizationID, &e.Actor, &e.Action, &payload, &e.PreviousHash, &e.EntryHash, &e.Signature, &e.Severity, &e.RetainUntil, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
	}
	return &e, nil
}

func (s *Postgres) LatestAuditSequence(ctx context.Context, orgID string) (int, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence_number), 0) FROM audit_entries WHERE organization_id = $1", orgID)
	var seq int
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest audit sequence: %w", err)
	}
	return seq, nil
}

func (s *Postgres) DeleteExpiredAuditEntries(ctx context.Context, orgID string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE organization_id = $1 AND retain_until < $2", orgID, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Postgres) SaveMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	query := `
		INSERT INTO merkle_roots (root_hash, organization_id, start_sequence, end_sequence, entry_count, signature, anchored_to, anchored_at, anchor_tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query, r.RootHash, r.OrganizationID, r.StartSequence, r.EndSequence, r.EntryCount, r.Signature, r.AnchoredTo, r.AnchoredAt, r.AnchorTxHash, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save merkle root: %w", err)
	}
	return nil
}

func (s *Postgres) GetRateLimitWindow(ctx context.Context, agentDID string, windowSizeMs int64) (*contracts.RateLimitWindow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent_did, window_size_ms, window_start, accumulated_spend, accumulated_count, version FROM rate_limit_windows WHERE agent_did = $1 AND window_size_ms = $2",
		agentDID, windowSizeMs)
	var w contracts.RateLimitWindow
	err := row.Scan(&w.AgentDID, &w.WindowSizeMs, &w.WindowStart, &w.AccumulatedSpend, &w.AccumulatedCount, &w.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit window: %w", err)
	}
	return &w, nil
}

// CASRateLimitWindow implements optimistic concurrency with Postgres's
// UPDATE ... WHERE version = $n, the idiomatic SQL analogue of the
// teacher's in-memory mutex-guarded stores — falling back to an initial
// insert when no row exists yet (expectedVersion == 0).
func (s *Postgres) CASRateLimitWindow(ctx context.Context, w *contracts.RateLimitWindow, expectedVersion int64) (bool, error) {
	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO rate_limit_windows (agent_did, window_size_ms, window_start, accumulated_spend, accumulated_count, version)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (agent_did, window_size_ms) DO NOTHING
		`, w.AgentDID, w.WindowSizeMs, w.WindowStart, w.AccumulatedSpend, w.AccumulatedCount, w.Version)
		if err != nil {
			return false, fmt.Errorf("cas rate limit window (insert): %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("rows affected: %w", err)
		}
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_windows SET window_start = $1, accumulated_spend = $2, accumulated_count = $3, version = $4
		WHERE agent_did = $5 AND window_size_ms = $6 AND version = $7
	`, w.WindowStart, w.AccumulatedSpend, w.AccumulatedCount, w.Version, w.AgentDID, w.WindowSizeMs, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("cas rate limit window (update): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Postgres) RecordTransactionHistory(ctx context.Context, row contracts.TransactionHistoryRow) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO transaction_history (agent_did, amount, at) VALUES ($1, $2, $3)", row.AgentDID, row.Amount, row.At)
	if err != nil {
		return fmt.Errorf("record transaction history: %w", err)
	}
	return nil
}

func (s *Postgres) TransactionHistorySince(ctx context.Context, agentDID string, since time.Time) ([]contracts.TransactionHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agent_did, amount, at FROM transaction_history WHERE agent_did = $1 AND at >= $2", agentDID, since)
	if err != nil {
		return nil, fmt.Errorf("transaction history since: %w", err)
	}
	defer rows.Close()
	var out []contracts.TransactionHistoryRow
	for rows.Next() {
		var r contracts.TransactionHistoryRow
		if err := rows.Scan(&r.AgentDID, &r.Amount, &r.At); err != nil {
			return nil, fmt.Errorf("scan transaction history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertNonceIfAbsent(ctx context.Context, n contracts.NonceRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO nonces (nonce, expires_at) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING", n.Nonce, n.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *Postgres) PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM nonces WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge expired nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Postgres) IsIntrospectionRevoked(ctx context.Context, tokenID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM revoked_mandates WHERE token_id = $1)", tokenID)
	var revoked bool
	if err := row.Scan(&revoked); err != nil {
		return false, fmt.Errorf("is introspection revoked: %w", err)
	}
	return revoked, nil
}

func (s *Postgres) RevokeForIntrospection(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO revoked_mandates (token_id, revoked_at) VALUES ($1, NOW()) ON CONFLICT (token_id) DO NOTHING", tokenID)
	if err != nil {
		return fmt.Errorf("revoke for introspection: %w", err)
	}
	return nil
}

var _ contracts.Storage = (*Postgres)(nil)

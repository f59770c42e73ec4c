package contracts

import (
	"context"
	"time"
)

// KeyState is the lifecycle state of a key held by a KeyStore.
type KeyState string

const (
	KeyEnabled            KeyState = "ENABLED"
	KeyDisabled           KeyState = "DISABLED"
	KeyPendingDestruction KeyState = "PENDING_DESTRUCTION"
	KeyDestroyed          KeyState = "DESTROYED"
)

// KeyStore is the capability described in §4.1: Ed25519 keypair generation
// and signing, AES-256-GCM sealing, and key lifecycle.
type KeyStore interface {
	GenerateKeyPair(ctx context.Context) (keyID string, publicKey []byte, err error)
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error)
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
	KeyState(ctx context.Context, keyID string) (KeyState, error)
	DisableKey(ctx context.Context, keyID string) error
}

// Storage is the strongly-consistent store the core depends on for every
// durable entity named in §3. Conditional writes support optimistic
// concurrency on rate-limit windows and the audit sequence.
type Storage interface {
	SaveAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, did string) (*Agent, error)

	SavePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, orgID, agentDID string) ([]*Policy, error)

	SaveDelegationToken(ctx context.Context, t *DelegationToken) error
	GetDelegationToken(ctx context.Context, tokenID string) (*DelegationToken, error)
	ListDelegationsByIssuer(ctx context.Context, issuerDID string) ([]*DelegationToken, error)

	SaveTransaction(ctx context.Context, t *TransactionRecord) error
	GetTransaction(ctx context.Context, id string) (*TransactionRecord, error)

	AppendAuditEntry(ctx context.Context, e *AuditEntry) error
	GetAuditEntry(ctx context.Context, orgID string, sequence int) (*AuditEntry, error)
	ListAuditRange(ctx context.Context, orgID string, start, end int) ([]*AuditEntry, error)
	LatestAuditSequence(ctx context.Context, orgID string) (int, error)
	DeleteExpiredAuditEntries(ctx context.Context, orgID string, before time.Time) (int, error)

	SaveMerkleRoot(ctx context.Context, r *MerkleRoot) error

	// GetRateLimitWindow / CASRateLimitWindow implement the per-agent
	// optimistic-concurrency window described in §4.5/§5.
	GetRateLimitWindow(ctx context.Context, agentDID string, windowSizeMs int64) (*RateLimitWindow, error)
	CASRateLimitWindow(ctx context.Context, w *RateLimitWindow, expectedVersion int64) (bool, error)
	RecordTransactionHistory(ctx context.Context, row TransactionHistoryRow) error
	TransactionHistorySince(ctx context.Context, agentDID string, since time.Time) ([]TransactionHistoryRow, error)

	InsertNonceIfAbsent(ctx context.Context, n NonceRecord) (inserted bool, err error)
	PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error)

	IsIntrospectionRevoked(ctx context.Context, tokenID string) (bool, error)
	RevokeForIntrospection(ctx context.Context, tokenID string) error
}

// Cache is a TTL key/value capability plus a distributed lock and a
// sliding-window rate-limit primitive.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) error

	// SlidingWindowIncr adds `amount`/`count` to a sliding window keyed by
	// `key` over `window` and returns the post-increment totals (e.g.
	// backed by a Redis sorted set).
	SlidingWindowIncr(ctx context.Context, key string, window time.Duration, amount float64, count int) (totalAmount float64, totalCount int, err error)

	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// EventBus publishes at-least-once to named channels:
// agent.events, transaction.events, global.events.
type EventBus interface {
	Publish(ctx context.Context, channel string, event map[string]interface{}) error
}

const (
	ChannelAgentEvents       = "agent.events"
	ChannelTransactionEvents = "transaction.events"
	ChannelGlobalEvents      = "global.events"
)

// SemanticEvaluatorResult is the output of an LLM-based compliance check.
type SemanticEvaluatorResult struct {
	Compliant  bool
	Confidence float64
	Reasoning  string
	LatencyMs  int64
	Cost       float64
}

// SemanticEvaluator evaluates a natural-language clause against a
// transaction's reasoning trace.
type SemanticEvaluator interface {
	Evaluate(ctx context.Context, clauses, reasoning string, evalContext map[string]interface{}) (SemanticEvaluatorResult, error)
}

// Clock is injectable wall-clock/monotonic time, for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RNG is injectable cryptographic randomness, for deterministic tests.
type RNG interface {
	Bytes(n int) ([]byte, error)
}

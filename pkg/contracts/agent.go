// Package contracts holds the value types and capability interfaces shared
// across guthwine's components: Agent, DelegationToken, Constraints, Policy,
// TransactionRequest, MandateToken, AuditEntry, MerkleRoot, RateLimitWindow,
// NonceRecord, and the external capabilities the orchestrator consumes.
package contracts

import "time"

// AgentType classifies how an agent came to exist.
type AgentType string

const (
	AgentPrimary   AgentType = "PRIMARY"
	AgentDelegated AgentType = "DELEGATED"
	AgentService   AgentType = "SERVICE"
	AgentEphemeral AgentType = "EPHEMERAL"
)

// AgentStatus is the agent lifecycle state.
type AgentStatus string

const (
	AgentActive          AgentStatus = "ACTIVE"
	AgentFrozen          AgentStatus = "FROZEN"
	AgentRevoked         AgentStatus = "REVOKED"
	AgentPendingApproval AgentStatus = "PENDING_APPROVAL"
)

// FreezeMetadata records why and by whom an agent was frozen.
type FreezeMetadata struct {
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Agent is an autonomous principal in the system, identified by a DID that
// is derived deterministically from its Ed25519 public key.
type Agent struct {
	DID           string          `json:"did"`
	DisplayName   string          `json:"displayName"`
	PublicKey     []byte          `json:"publicKey"`
	SealedPrivRef string          `json:"sealedPrivRef"`
	OwnerDID      string          `json:"ownerDid,omitempty"`
	Type          AgentType       `json:"type"`
	Status        AgentStatus     `json:"status"`
	Reputation    int             `json:"reputation"`
	CreatedAt     time.Time       `json:"createdAt"`
	FreezeMeta    *FreezeMetadata `json:"freezeMeta,omitempty"`

	successCount int
	failureCount int
}

// ApplyReputation updates the running success/failure counters and
// recomputes Reputation = 100 * successful / (successful + failed), clamped
// to [0,100]. A fresh agent with no recorded transactions keeps its
// starting reputation of 100.
func (a *Agent) ApplyReputation(success bool) {
	if success {
		a.successCount++
	} else {
		a.failureCount++
	}
	total := a.successCount + a.failureCount
	if total == 0 {
		return
	}
	rep := 100 * a.successCount / total
	if rep < 0 {
		rep = 0
	}
	if rep > 100 {
		rep = 100
	}
	a.Reputation = rep
}

package contracts

import "time"

// DelegationToken is a signed grant of constrained authority from issuer to
// recipient, optionally chained from a parent token.
type DelegationToken struct {
	TokenID       string       `json:"tokenId"`
	TokenHash     string       `json:"tokenHash"`
	Issuer        string       `json:"issuer"`
	Recipient     string       `json:"recipient"`
	ParentTokenID string       `json:"parentTokenId,omitempty"`
	Depth         int          `json:"depth"`
	IssuedAt      time.Time    `json:"issuedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	Constraints   *Constraints `json:"constraints"`
	Revoked       bool         `json:"revoked"`
	RevokedReason string       `json:"revokedReason,omitempty"`
	RevokedAt     *time.Time   `json:"revokedAt,omitempty"`
	ChainHash     string       `json:"chainHash"`

	// OrganizationID scopes the token for audit and policy lookups.
	OrganizationID string `json:"organizationId,omitempty"`

	// Signature is the hex-encoded detached Ed25519 signature over
	// TokenHash, the SHA-256 of the canonical JSON (pkg/crypto) of the
	// token's signed fields; there is no separate header.
	Signature string `json:"signature"`
	KeyID     string `json:"keyId"`
}

// ChainVerification is the result of walking a delegation chain.
type ChainVerification struct {
	OK                  bool
	RootIssuer          string
	EffectiveConstraints *Constraints
	Reason              string
	ReasonCode          string
}

// ConstraintViolation is a machine-readable reason a request failed a
// constraint check, e.g. AMOUNT_EXCEEDS_CAP, MERCHANT_BLOCKED.
type ConstraintViolation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

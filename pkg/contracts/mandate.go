package contracts

import "time"

// MandateToken is the value object downstream executors verify without
// consulting the service again.
type MandateToken struct {
	Version         int          `json:"version"`
	TokenID         string       `json:"tokenId"`
	Issuer          string       `json:"issuer"`
	Subject         string       `json:"subject"`
	Audience        string       `json:"audience"`
	OrganizationID  string       `json:"organizationId"`
	IssuedAt        time.Time    `json:"issuedAt"`
	NotBefore       *time.Time   `json:"notBefore,omitempty"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	Nonce           string       `json:"nonce"`
	DelegationChainIDs []string  `json:"delegationChainIds,omitempty"`
	Permissions     []string     `json:"permissions,omitempty"`
	Constraints     *Constraints `json:"constraints,omitempty"`
	Custom          map[string]interface{} `json:"custom,omitempty"`

	// Legacy marks a v1->v2 migrated token per §4.6 versioning notes.
	Legacy bool `json:"legacy,omitempty"`
}

// MandateHeader is the detached JWS-style header.
type MandateHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// SignedMandate is the three-part compact serialization:
// base64url(header).base64url(payload).base64url(signature).
type SignedMandate struct {
	Header    MandateHeader
	Payload   MandateToken
	Signature string
	Compact   string
}

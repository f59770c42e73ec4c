package contracts

// PolicyAction is the effect a matched policy contributes to decision
// composition.
type PolicyAction string

const (
	ActionAllow      PolicyAction = "ALLOW"
	ActionDeny       PolicyAction = "DENY"
	ActionFlag       PolicyAction = "FLAG"
	ActionRequireMFA PolicyAction = "REQUIRE_MFA"
	ActionNotify     PolicyAction = "NOTIFY"
)

// SemanticClauseConfig names the LLM provider/model/threshold backing a
// policy's natural-language clause, if any.
type SemanticClauseConfig struct {
	Clause       string  `json:"clause"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	Threshold    float64 `json:"threshold"`
	CacheTTLSecs int     `json:"cacheTtlSeconds,omitempty"`
}

// Policy is a versioned, scoped rule evaluated during authorization.
type Policy struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	OrganizationID  string                `json:"organizationId"`
	AgentDID        string                `json:"agentDid,omitempty"` // empty => org-scoped
	Priority        int                   `json:"priority"`
	Active          bool                  `json:"active"`
	RuleTree        map[string]interface{} `json:"ruleTree"`
	Semantic        *SemanticClauseConfig `json:"semantic,omitempty"`
	Action          PolicyAction          `json:"action"`
	Version         int                   `json:"version"`
	PreviousVersion string                `json:"previousVersion,omitempty"`
}

// PolicyMatch is the outcome of evaluating one policy against a context.
type PolicyMatch struct {
	Policy  *Policy
	Matched bool
}

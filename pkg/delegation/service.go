// Package delegation implements the Delegation Service (§4.3): minting,
// chain verification, constraint evaluation against a request, and
// revocation (including the issuer-freeze cascade).
package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/crypto"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// Service mints and verifies delegation tokens.
type Service struct {
	storage   contracts.Storage
	keyStore  contracts.KeyStore
	signerKey string
	clock     contracts.Clock
	maxDepth  int
	defaultTTL time.Duration

	mu sync.Mutex // serializes revocation cascades; see §5
}

// Config holds the delegation-service tunables named in §6.
type Config struct {
	SignerKeyID    string
	MaxDepth       int
	DefaultTTL     time.Duration
}

// NewService builds a delegation Service.
func NewService(storage contracts.Storage, keyStore contracts.KeyStore, clock contracts.Clock, cfg Config) *Service {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 10
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	return &Service{
		storage:    storage,
		keyStore:   keyStore,
		signerKey:  cfg.SignerKeyID,
		clock:      clock,
		maxDepth:   cfg.MaxDepth,
		defaultTTL: cfg.DefaultTTL,
	}
}

// IssueDelegation mints a signed token from issuer to recipient. If
// parentTokenID is set, the parent must be active, issuer must equal
// parent.recipient, and constraints must not loosen the parent's.
func (s *Service) IssueDelegation(ctx context.Context, issuerDID, recipientDID, orgID string, constraints *contracts.Constraints, requestedTTL time.Duration, parentTokenID string) (*contracts.DelegationToken, error) {
	if issuerDID == recipientDID {
		return nil, guerr.New(guerr.KindValidation, guerr.CodeInvalidDID, "issuer and recipient must differ")
	}

	now := s.clock.Now()
	expiry := now.Add(requestedTTL)
	if requestedTTL == 0 {
		expiry = now.Add(s.defaultTTL)
	}

	depth := 0
	var parent *contracts.DelegationToken
	if parentTokenID != "" {
		p, err := s.storage.GetDelegationToken(ctx, parentTokenID)
		if err != nil {
			return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "load parent token", err)
		}
		if p == nil {
			return nil, guerr.New(guerr.KindNotFound, guerr.CodeTokenNotFound, "parent token not found")
		}
		if p.Revoked {
			return nil, guerr.New(guerr.KindState, guerr.CodeTokenRevoked, "parent token revoked")
		}
		if now.After(p.ExpiresAt) {
			return nil, guerr.New(guerr.KindState, guerr.CodeTokenExpired, "parent token expired")
		}
		if p.Recipient != issuerDID {
			return nil, guerr.New(guerr.KindConstraint, guerr.CodeChainBroken, "issuer must equal parent recipient")
		}
		if contracts.IsLoosening(p.Constraints, constraints) {
			return nil, guerr.New(guerr.KindConstraint, guerr.CodeAmountExceedsCap, "child constraints loosen parent constraints")
		}
		depth = p.Depth + 1
		if depth > s.maxDepth {
			return nil, guerr.New(guerr.KindConstraint, guerr.CodeDepthExceeded, "delegation depth exceeds configured maximum")
		}
		if expiry.After(p.ExpiresAt) {
			expiry = p.ExpiresAt
		}
		parent = p
	}

	token := &contracts.DelegationToken{
		TokenID:        uuid.New().String(),
		Issuer:         issuerDID,
		Recipient:      recipientDID,
		Depth:          depth,
		IssuedAt:       now,
		ExpiresAt:      expiry,
		Constraints:    constraints,
		OrganizationID: orgID,
		KeyID:          s.signerKey,
	}
	if parent != nil {
		token.ParentTokenID = parent.TokenID
	}

	payloadHash, err := crypto.CanonicalHash(tokenSigningView(token))
	if err != nil {
		return nil, fmt.Errorf("delegation: canonicalize token: %w", err)
	}
	token.TokenHash = payloadHash

	chainHashInput := payloadHash
	if parent != nil {
		chainHashInput = parent.ChainHash + ":" + payloadHash
	}
	token.ChainHash = crypto.HashBytes([]byte(chainHashInput))

	sig, err := s.keyStore.Sign(ctx, s.signerKey, []byte(payloadHash))
	if err != nil {
		return nil, err
	}
	token.Signature = fmt.Sprintf("%x", sig)

	if err := s.storage.SaveDelegationToken(ctx, token); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "save delegation token", err)
	}

	return token, nil
}

// tokenSigningView is the subset of fields that are hashed/signed —
// excludes the signature itself and mutable revocation state.
func tokenSigningView(t *contracts.DelegationToken) map[string]interface{} {
	return map[string]interface{}{
		"tokenId":        t.TokenID,
		"issuer":         t.Issuer,
		"recipient":      t.Recipient,
		"parentTokenId":  t.ParentTokenID,
		"depth":          t.Depth,
		"issuedAt":       t.IssuedAt.Unix(),
		"expiresAt":      t.ExpiresAt.Unix(),
		"constraints":    t.Constraints,
		"organizationId": t.OrganizationID,
	}
}

// VerifyChain walks tokens left-to-right and folds effective constraints.
func (s *Service) VerifyChain(ctx context.Context, tokens []*contracts.DelegationToken, finalRecipient string) (*contracts.ChainVerification, error) {
	if len(tokens) == 0 {
		return &contracts.ChainVerification{OK: true}, nil
	}
	if len(tokens) > s.maxDepth {
		return &contracts.ChainVerification{OK: false, Reason: "chain exceeds max depth", ReasonCode: string(guerr.CodeDepthExceeded)}, nil
	}

	now := s.clock.Now()
	var effective *contracts.Constraints

	for i, tok := range tokens {
		payloadHash, err := crypto.CanonicalHash(tokenSigningView(tok))
		if err != nil {
			return nil, fmt.Errorf("delegation: canonicalize for verify: %w", err)
		}
		sigBytes, err := hexDecode(tok.Signature)
		if err != nil {
			return &contracts.ChainVerification{OK: false, Reason: "malformed signature", ReasonCode: string(guerr.CodeInvalidTokenFormat)}, nil
		}
		ok, err := s.keyStore.Verify(ctx, tok.KeyID, []byte(payloadHash), sigBytes)
		if err != nil || !ok {
			return &contracts.ChainVerification{OK: false, Reason: "invalid signature", ReasonCode: string(guerr.CodeInvalidSignature)}, nil
		}
		if tok.Revoked {
			return &contracts.ChainVerification{OK: false, Reason: "token revoked", ReasonCode: string(guerr.CodeTokenRevoked)}, nil
		}
		if now.Before(tok.IssuedAt) || now.After(tok.ExpiresAt) {
			return &contracts.ChainVerification{OK: false, Reason: "token outside validity window", ReasonCode: string(guerr.CodeTokenExpired)}, nil
		}
		if i > 0 && tok.Issuer != tokens[i-1].Recipient {
			return &contracts.ChainVerification{OK: false, Reason: "chain broken: issuer mismatch", ReasonCode: string(guerr.CodeChainBroken)}, nil
		}

		if i == 0 {
			effective = tok.Constraints
		} else {
			effective = contracts.MergeConstraints(effective, tok.Constraints)
		}
	}

	last := tokens[len(tokens)-1]
	if last.Recipient != finalRecipient {
		return &contracts.ChainVerification{OK: false, Reason: "chain broken: final recipient mismatch", ReasonCode: string(guerr.CodeChainBroken)}, nil
	}

	return &contracts.ChainVerification{
		OK:                   true,
		RootIssuer:           tokens[0].Issuer,
		EffectiveConstraints: effective,
	}, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		var b byte
		for j := 0; j < 2; j++ {
			c := s[i*2+j]
			b <<= 4
			switch {
			case c >= '0' && c <= '9':
				b |= c - '0'
			case c >= 'a' && c <= 'f':
				b |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				b |= c - 'A' + 10
			default:
				return nil, fmt.Errorf("invalid hex character %q", c)
			}
		}
		out[i] = b
	}
	return out, nil
}

// RevokeToken revokes a single token by id. Idempotent.
func (s *Service) RevokeToken(ctx context.Context, tokenID, reason string) error {
	tok, err := s.storage.GetDelegationToken(ctx, tokenID)
	if err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "revoke: load token", err)
	}
	if tok == nil {
		return guerr.New(guerr.KindNotFound, guerr.CodeTokenNotFound, "token not found: "+tokenID)
	}
	if tok.Revoked {
		return nil
	}
	tok.Revoked = true
	tok.RevokedReason = reason
	now := s.clock.Now()
	tok.RevokedAt = &now
	if err := s.storage.SaveDelegationToken(ctx, tok); err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "revoke: save token", err)
	}
	return nil
}

// RevokeAllByIssuer implements identity.RevocationCascader: every
// unrevoked token issued by issuerDID is revoked. Best-effort eventually
// consistent per §5 — correctness is preserved by the agent FROZEN check
// at authorization time regardless of cascade completion.
func (s *Service) RevokeAllByIssuer(ctx context.Context, issuerDID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.storage.ListDelegationsByIssuer(ctx, issuerDID)
	if err != nil {
		return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "cascade: list by issuer", err)
	}
	for _, tok := range tokens {
		if tok.Revoked {
			continue
		}
		tok.Revoked = true
		tok.RevokedReason = reason
		now := s.clock.Now()
		tok.RevokedAt = &now
		if err := s.storage.SaveDelegationToken(ctx, tok); err != nil {
			return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "cascade: save token", err)
		}
	}
	return nil
}

// EvaluateConstraints checks request fields against effective constraints
// and returns machine-readable violations (§4.3).
func EvaluateConstraints(c *contracts.Constraints, req *contracts.TransactionRequest, now time.Time) []contracts.ConstraintViolation {
	var violations []contracts.ConstraintViolation
	if c == nil {
		return violations
	}

	if c.MaxSingleAmount != nil && req.Amount > *c.MaxSingleAmount {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeAmountExceedsCap), Message: "amount exceeds single-transaction cap"})
	}
	if c.AllowedMerchants != nil && c.AllowedMerchants.Len() > 0 && !c.AllowedMerchants.Contains(req.MerchantID) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeMerchantBlocked), Message: "merchant not in allow-list"})
	}
	if c.BlockedMerchants.Contains(req.MerchantID) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeMerchantBlocked), Message: "merchant is blocked"})
	}
	if c.AllowedCategories != nil && c.AllowedCategories.Len() > 0 && req.Category != "" && !c.AllowedCategories.Contains(req.Category) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeCategoryBlocked), Message: "category not in allow-list"})
	}
	if c.BlockedCategories.Contains(req.Category) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeCategoryBlocked), Message: "category is blocked"})
	}
	if c.AllowedCurrencies != nil && c.AllowedCurrencies.Len() > 0 && !c.AllowedCurrencies.Contains(req.Currency) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeCurrencyNotAllowed), Message: "currency not allowed"})
	}
	if c.HourStart != nil || c.HourEnd != nil {
		hour := now.Hour()
		if c.HourStart != nil && hour < *c.HourStart {
			violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeOutsideHours), Message: "outside allowed hour window"})
		}
		if c.HourEnd != nil && hour > *c.HourEnd {
			violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeOutsideHours), Message: "outside allowed hour window"})
		}
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeOutsideHours), Message: "not yet valid"})
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		violations = append(violations, contracts.ConstraintViolation{Code: string(guerr.CodeTokenExpired), Message: "validity window elapsed"})
	}

	return violations
}

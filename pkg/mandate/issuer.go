// Package mandate implements the Mandate Issuer (§4.6): signed,
// nonce-bound, replay-protected tokens carried to downstream executors,
// using golang-jwt/jwt/v5's EdDSA signing method exactly as the teacher's
// identity token manager does, with a kid header resolved through the
// KeyStore rather than an in-process keyset.
package mandate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/oxford22/guthwine/pkg/contracts"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

const (
	defaultTTL    = 5 * time.Minute
	currentSchema = 2
)

// Config holds mandate tunables named in §6.
type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// AcceptLegacy governs whether v1-migrated mandates (org="legacy") are
	// accepted for new operations — an explicit Open Question (§9a) resolved
	// here as a configuration flag.
	AcceptLegacy bool
}

// Issuer mints and verifies mandate tokens.
type Issuer struct {
	storage   contracts.Storage
	keyStore  contracts.KeyStore
	clock     contracts.Clock
	signerKey string
	cfg       Config
}

// NewIssuer builds a mandate Issuer.
func NewIssuer(storage contracts.Storage, keyStore contracts.KeyStore, clock contracts.Clock, signerKeyID string, cfg Config) *Issuer {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultTTL
	}
	return &Issuer{storage: storage, keyStore: keyStore, clock: clock, signerKey: signerKeyID, cfg: cfg}
}

// mandateClaims adapts MandateToken to jwt.Claims so golang-jwt's
// SigningMethodEdDSA machinery (including its kid-aware header handling)
// can be reused as-is rather than hand-rolling compact-serialization.
type mandateClaims struct {
	contracts.MandateToken
}

func (c mandateClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(c.ExpiresAt), nil
}
func (c mandateClaims) GetIssuedAt() (*jwt.NumericDate, error) { return jwt.NewNumericDate(c.IssuedAt), nil }
func (c mandateClaims) GetNotBefore() (*jwt.NumericDate, error) {
	if c.NotBefore == nil {
		return nil, nil
	}
	return jwt.NewNumericDate(*c.NotBefore), nil
}
func (c mandateClaims) GetIssuer() (string, error)   { return c.Issuer, nil }
func (c mandateClaims) GetSubject() (string, error)  { return c.Subject, nil }
func (c mandateClaims) GetAudience() (jwt.ClaimStrings, error) { return jwt.ClaimStrings{c.Audience}, nil }

// Issue mints a new mandate token for one authorized transaction.
func (i *Issuer) Issue(ctx context.Context, issuer, subject, audience, orgID string, permissions []string, constraints *contracts.Constraints, chainIDs []string, ttl time.Duration) (*contracts.SignedMandate, error) {
	if ttl == 0 {
		ttl = i.cfg.DefaultTTL
	}
	if i.cfg.MaxTTL > 0 && ttl > i.cfg.MaxTTL {
		ttl = i.cfg.MaxTTL
	}

	nonce, err := randomNonce(16)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeSystemError, "generate nonce", err)
	}

	now := i.clock.Now()
	token := contracts.MandateToken{
		Version:            currentSchema,
		TokenID:            uuid.New().String(),
		Issuer:             issuer,
		Subject:            subject,
		Audience:           audience,
		OrganizationID:     orgID,
		IssuedAt:           now,
		ExpiresAt:          now.Add(ttl),
		Nonce:              nonce,
		DelegationChainIDs: chainIDs,
		Permissions:        permissions,
		Constraints:        constraints,
	}

	// The nonce is registered under an issuance key; Verify inserts the bare
	// nonce on first use, so the first verification is not seen as a replay.
	if _, err := i.storage.InsertNonceIfAbsent(ctx, contracts.NonceRecord{Nonce: "issued:" + nonce, ExpiresAt: token.ExpiresAt}); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "register nonce", err)
	}

	return i.sign(ctx, token)
}

func (i *Issuer) sign(ctx context.Context, token contracts.MandateToken) (*contracts.SignedMandate, error) {
	method := &kmsEdDSAMethod{ctx: ctx, keyStore: i.keyStore}
	jwtToken := jwt.NewWithClaims(method, mandateClaims{token})
	jwtToken.Header["kid"] = i.signerKey

	signed, err := jwtToken.SignedString(i.signerKey)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindSecurity, guerr.CodeInvalidSignature, "sign mandate", err)
	}

	return &contracts.SignedMandate{
		Header:  contracts.MandateHeader{Alg: "EdDSA", Typ: "JWT", Kid: i.signerKey},
		Payload: token,
		Compact: signed,
	}, nil
}

// kmsEdDSAMethod implements jwt.SigningMethod by delegating to a
// contracts.KeyStore instead of holding a raw ed25519.PrivateKey — the
// teacher's token manager (pkg/identity/keyset.go) signs directly against
// an in-process key; guthwine's KeyStore never exposes private key
// material across the capability boundary, so the signing method's `key`
// parameter is the KeyStore key-id string rather than the key itself.
type kmsEdDSAMethod struct {
	ctx      context.Context
	keyStore contracts.KeyStore
}

func (m *kmsEdDSAMethod) Alg() string { return "EdDSA" }

func (m *kmsEdDSAMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	keyID, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("mandate: signing key must be a KeyStore key-id string")
	}
	return m.keyStore.Sign(m.ctx, keyID, []byte(signingString))
}

func (m *kmsEdDSAMethod) Verify(signingString string, sig []byte, key interface{}) error {
	keyID, ok := key.(string)
	if !ok {
		return fmt.Errorf("mandate: verification key must be a KeyStore key-id string")
	}
	ok2, err := m.keyStore.Verify(m.ctx, keyID, []byte(signingString), sig)
	if err != nil {
		return err
	}
	if !ok2 {
		return jwt.ErrTokenSignatureInvalid
	}
	return nil
}

// VerifyResult is the outcome of mandate verification.
type VerifyResult struct {
	OK      bool
	Token   *contracts.MandateToken
	Reason  string
	Code    string
}

// Verify runs the ordered checks of §4.6: structural parse, signature,
// exp/nbf, nonce-replay, introspection revocation.
func (i *Issuer) Verify(ctx context.Context, compact string) (VerifyResult, error) {
	header, payload, sigB64, err := splitCompact(compact)
	if err != nil {
		return VerifyResult{OK: false, Reason: "malformed token", Code: string(guerr.CodeInvalidTokenFormat)}, nil
	}

	var hdr contracts.MandateHeader
	if err := json.Unmarshal(header, &hdr); err != nil {
		return VerifyResult{OK: false, Reason: "malformed header", Code: string(guerr.CodeInvalidTokenFormat)}, nil
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return VerifyResult{OK: false, Reason: "malformed signature", Code: string(guerr.CodeInvalidTokenFormat)}, nil
	}

	signingInput := compact[:len(compact)-len(sigB64)-1]
	ok, err := i.keyStore.Verify(ctx, hdr.Kid, []byte(signingInput), sig)
	if err != nil || !ok {
		return VerifyResult{OK: false, Reason: "invalid signature", Code: string(guerr.CodeInvalidSignature)}, nil
	}

	var token contracts.MandateToken
	if err := json.Unmarshal(payload, &token); err != nil {
		return VerifyResult{OK: false, Reason: "malformed payload", Code: string(guerr.CodeInvalidTokenFormat)}, nil
	}

	if token.Legacy && !i.cfg.AcceptLegacy {
		return VerifyResult{OK: false, Reason: "legacy v1 mandates not accepted", Code: string(guerr.CodeTokenExpired)}, nil
	}

	now := i.clock.Now()
	if !now.Before(token.ExpiresAt) {
		return VerifyResult{OK: false, Reason: "token expired", Code: string(guerr.CodeTokenExpired)}, nil
	}
	if token.NotBefore != nil && now.Before(*token.NotBefore) {
		return VerifyResult{OK: false, Reason: "token not yet valid", Code: string(guerr.CodeTokenExpired)}, nil
	}

	inserted, err := i.storage.InsertNonceIfAbsent(ctx, contracts.NonceRecord{Nonce: token.Nonce, ExpiresAt: token.ExpiresAt})
	if err != nil {
		return VerifyResult{}, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "nonce check", err)
	}
	if !inserted {
		return VerifyResult{OK: false, Reason: "nonce already used", Code: string(guerr.CodeNonceReplay)}, nil
	}

	revoked, err := i.storage.IsIntrospectionRevoked(ctx, token.TokenID)
	if err != nil {
		return VerifyResult{}, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "introspection check", err)
	}
	if revoked {
		return VerifyResult{OK: false, Reason: "token revoked", Code: string(guerr.CodeTokenRevoked)}, nil
	}

	return VerifyResult{OK: true, Token: &token}, nil
}

// IssueSubMandate delegates a mandate: permissions must be a subset of the
// parent's, constraints merge as in §4.3, and exp clamps to the parent's.
func (i *Issuer) IssueSubMandate(ctx context.Context, parent contracts.MandateToken, subject string, permissions []string, constraints *contracts.Constraints, ttl time.Duration) (*contracts.SignedMandate, error) {
	for _, p := range permissions {
		if !containsStr(parent.Permissions, p) {
			return nil, guerr.New(guerr.KindConstraint, guerr.CodeAmountExceedsCap, "sub-mandate permission not in parent: "+p)
		}
	}
	merged := contracts.MergeConstraints(parent.Constraints, constraints)

	// Clamp the effective TTL to the parent's remaining lifetime before
	// signing: exp is fixed into the compact token at Issue time, so
	// clamping the returned struct afterward would leave the signed token
	// carrying the longer, unclamped expiry.
	effectiveTTL := ttl
	if effectiveTTL == 0 {
		effectiveTTL = i.cfg.DefaultTTL
	}
	if i.cfg.MaxTTL > 0 && effectiveTTL > i.cfg.MaxTTL {
		effectiveTTL = i.cfg.MaxTTL
	}
	if remaining := parent.ExpiresAt.Sub(i.clock.Now()); effectiveTTL > remaining {
		effectiveTTL = remaining
	}

	chainIDs := append(append([]string{}, parent.DelegationChainIDs...), parent.TokenID)
	return i.Issue(ctx, parent.Subject, subject, parent.Audience, parent.OrganizationID, permissions, merged, chainIDs, effectiveTTL)
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func randomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func splitCompact(compact string) (header, payload []byte, sigB64 string, err error) {
	parts := splitN(compact, '.', 3)
	if len(parts) != 3 {
		return nil, nil, "", fmt.Errorf("mandate: expected 3 parts, got %d", len(parts))
	}
	header, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, "", err
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, "", err
	}
	return header, payload, parts[2], nil
}

func splitN(s string, sep byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Package token issues and verifies HMAC-signed tokens scoping a caller to a
// subject, a set of runs, scopes, and a capability tier.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/weppcloud/roc/internal/config"
)

// TierWojak marks interactive-agent sessions; it unlocks message delivery.
const TierWojak = "wojak"

// Authentication failure kinds. Handlers map all of these to a generic
// unauthorized response for untrusted callers.
var (
	ErrMissingToken     = errors.New("missing token")
	ErrMalformedToken   = errors.New("malformed token")
	ErrBadSignature     = errors.New("bad signature")
	ErrExpired          = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrScopeDenied      = errors.New("scope denied")
	ErrRunScopeDenied   = errors.New("run scope denied")
)

// Claims is the signed claims document.
type Claims struct {
	Scope     string         `json:"scope,omitempty"`
	Runs      []string       `json:"runs,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	Config    string         `json:"wepp:config,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Extra     map[string]any `json:"-"`

	jwt.RegisteredClaims
}

// reservedClaimKeys are the names owned by Claims and the registered claim
// set; everything else in a payload lands in Extra.
var reservedClaimKeys = []string{
	"scope", "runs", "tier", "wepp:config", "session_id",
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
}

// UnmarshalJSON decodes the known fields and collects the rest into Extra
// so extras survive an issue/verify round trip.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Claims(p)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range reservedClaimKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil
	}
	c.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		c.Extra[k] = val
	}
	return nil
}

// Scopes splits the space-separated scope claim.
func (c *Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScope reports whether the claim grants scope s. "*" grants everything.
func (c *Claims) HasScope(s string) bool {
	for _, have := range c.Scopes() {
		if have == "*" || have == s {
			return true
		}
	}
	return false
}

// AllowsRun reports whether runid is in the token's run list.
func (c *Claims) AllowsRun(runid string) bool {
	for _, r := range c.Runs {
		if r == runid {
			return true
		}
	}
	return false
}

// IssueOptions shape a single issuance; zero values fall back to service
// defaults.
type IssueOptions struct {
	Scopes      []string
	Runs        []string
	Audience    string
	ExpiresIn   time.Duration
	Tier        string
	Config      string
	SessionID   string
	ExtraClaims map[string]any
}

// Service signs and verifies tokens with a shared secret.
type Service struct {
	secret     []byte
	algorithms []string
	issuer     string
	audience   string
	ttl        time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// New builds a token service from the auth configuration.
func New(cfg config.AuthConfig) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("token secret is not configured")
	}
	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{"HS256"}
	}
	for _, alg := range algorithms {
		switch alg {
		case "HS256", "HS384", "HS512":
		default:
			return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
		}
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		secret:     []byte(cfg.Secret),
		algorithms: algorithms,
		issuer:     cfg.Issuer,
		audience:   cfg.DefaultAudience,
		ttl:        ttl,
		leeway:     cfg.Leeway,
		now:        time.Now,
	}, nil
}

// Issue builds and signs a token for subject. The first whitelisted
// algorithm is used for signing.
func (s *Service) Issue(subject string, opts IssueOptions) (string, *Claims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", nil, fmt.Errorf("subject is required")
	}

	now := s.now()
	ttl := opts.ExpiresIn
	if ttl <= 0 {
		ttl = s.ttl
	}
	audience := opts.Audience
	if audience == "" {
		audience = s.audience
	}

	claims := &Claims{
		Scope:     strings.Join(opts.Scopes, " "),
		Runs:      opts.Runs,
		Tier:      opts.Tier,
		Config:    opts.Config,
		SessionID: opts.SessionID,
		Extra:     opts.ExtraClaims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}

	tok := jwt.NewWithClaims(jwt.GetSigningMethod(s.algorithms[0]), claimsWithExtra{claims})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// VerifyOptions narrow a verification beyond the service defaults.
type VerifyOptions struct {
	Audience string
}

// Verify validates signature, temporal claims, issuer, and audience, and
// returns the decoded claims.
func (s *Service) Verify(raw string, opts VerifyOptions) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(s.algorithms),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, classify(err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrIssuerMismatch
	}
	audience := opts.Audience
	if audience == "" {
		audience = s.audience
	}
	if audience != "" && !containsAudience(claims.Audience, audience) {
		return nil, ErrAudienceMismatch
	}
	return claims, nil
}

// AuthorizeRun verifies the token and checks that it is scoped to runid.
// When cfg is non-empty and the token carries a config binding, they must
// match.
func (s *Service) AuthorizeRun(raw, runid, cfg string) (*Claims, error) {
	claims, err := s.Verify(raw, VerifyOptions{})
	if err != nil {
		return nil, err
	}
	if !claims.AllowsRun(runid) {
		return nil, ErrRunScopeDenied
	}
	if cfg != "" && claims.Config != "" && claims.Config != cfg {
		return nil, ErrRunScopeDenied
	}
	return claims, nil
}

// claimsWithExtra flattens Extra into the signed JSON document. Reserved
// claim names cannot be overridden by extras.
type claimsWithExtra struct {
	*Claims
}

func (c claimsWithExtra) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(*c.Claims)
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, reserved := merged[k]; reserved {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// classify maps parser errors to this package's failure kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

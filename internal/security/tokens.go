package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// TokenClaims holds JWT claims shared by access and refresh tokens.
// Subject is the identity id; Use distinguishes access from refresh tokens.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Use  string `json:"token_use"`
}

// Claims is the validated view of a token.
type Claims struct {
	IdentityID string
	RoleID     string
	TokenID    string
	ExpiresAt  time.Time
}

// Remaining returns how long the token stays valid after now; zero if already expired.
func (c *Claims) Remaining(now time.Time) time.Duration {
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IssuedToken is a freshly signed token with its jti and expiry.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and enforced on validation.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock returns a copy of p that uses now for issuing and validating.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Now returns the provider's current time.
func (p *TokenProvider) Now() time.Time {
	return p.now().UTC()
}

// IssueAccess issues a short-lived access JWT carrying identity and role.
func (p *TokenProvider) IssueAccess(identityID, roleID string) (IssuedToken, error) {
	return p.issue(identityID, roleID, useAccess, p.accessTTL)
}

// IssueRefresh issues a long-lived refresh JWT. It is only accepted by ValidateRefresh.
func (p *TokenProvider) IssueRefresh(identityID, roleID string) (IssuedToken, error) {
	return p.issue(identityID, roleID, useRefresh, p.refreshTTL)
}

func (p *TokenProvider) issue(identityID, roleID, use string, ttl time.Duration) (IssuedToken, error) {
	if identityID == "" || roleID == "" {
		return IssuedToken{}, ErrInvalidToken
	}
	jti := uuid.NewString()
	now := p.Now()
	expiresAt := now.Add(ttl)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   identityID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: roleID,
		Use:  use,
	}
	token, err := p.sign(claims)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: token, ID: jti, ExpiresAt: expiresAt}, nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud, use). Tokens
// without a subject or role claim are invalid.
func (p *TokenProvider) ValidateAccess(tokenString string) (*Claims, error) {
	return p.validate(tokenString, useAccess)
}

// ValidateRefresh parses and validates a refresh token (signature, exp, iss, aud, use).
func (p *TokenProvider) ValidateRefresh(tokenString string) (*Claims, error) {
	return p.validate(tokenString, useRefresh)
}

func (p *TokenProvider) validate(tokenString, use string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	var claims TokenClaims
	token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Use != use || claims.Subject == "" || claims.Role == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{
		IdentityID: claims.Subject,
		RoleID:     claims.Role,
		TokenID:    claims.ID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// Package session authenticates connection attempts: it extracts the bearer token from the handshake,
// verifies it, checks the revocation set, and applies the admission policy.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/policy/engine"
	"bizhub/realtime/internal/security"
)

// Sentinel rejection causes. A *RejectionError wraps exactly one of these.
var (
	ErrTokenMissing    = errors.New("token missing")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenRevoked    = errors.New("token revoked")
	ErrAdmissionDenied = errors.New("admission denied")
)

const bearerPrefix = "bearer "

// Source says which part of the handshake carried the token.
type Source string

const (
	SourceAuth   Source = "auth"
	SourceQuery  Source = "query"
	SourceHeader Source = "header"
)

// Handshake is the connection-establishment metadata a client presents.
type Handshake struct {
	// Auth is the connection-time auth payload; its "token" field carries the credential.
	Auth map[string]string
	// Query is the request query string.
	Query url.Values
	// Header is the HTTP upgrade request header.
	Header http.Header
}

// Token returns the first non-empty token in fixed order: auth payload, query parameter, Authorization header.
func (h Handshake) Token() (string, Source) {
	if v := strings.TrimSpace(h.Auth["token"]); v != "" {
		return v, SourceAuth
	}
	if v := strings.TrimSpace(h.Query.Get("token")); v != "" {
		return v, SourceQuery
	}
	if v := BearerFromHeader(h.Header); v != "" {
		return v, SourceHeader
	}
	return "", ""
}

// BearerFromHeader returns the Bearer token from the Authorization header, or "" if missing or malformed.
func BearerFromHeader(h http.Header) string {
	v := strings.TrimSpace(h.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

// Identity is the authenticated result of a handshake.
type Identity struct {
	IdentityID string
	RoleID     string
	TokenID    string
	Token      string
	ExpiresAt  time.Time
	Source     Source
}

// RejectionError is returned for every failed handshake. Reason is safe to send to the client.
type RejectionError struct {
	Err    error
	Reason string
}

func (e *RejectionError) Error() string { return "handshake rejected: " + e.Reason }

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, reason string) *RejectionError {
	if reason == "" {
		reason = err.Error()
	}
	return &RejectionError{Err: err, Reason: reason}
}

// TokenValidator verifies access tokens.
type TokenValidator interface {
	ValidateAccess(token string) (*security.Claims, error)
}

// RevocationChecker looks tokens up in the revocation set.
type RevocationChecker interface {
	Available() bool
	IsTokenBlacklisted(ctx context.Context, token string) bool
}

// Authenticator turns a Handshake into an Identity or a rejection. Single shot, no retries.
type Authenticator struct {
	tokens      TokenValidator
	revocations RevocationChecker
	admission   engine.Evaluator
	log         *zap.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithRevocations enables the revocation-set check.
func WithRevocations(rc RevocationChecker) Option {
	return func(a *Authenticator) { a.revocations = rc }
}

// WithAdmission enables the admission policy check.
func WithAdmission(ev engine.Evaluator) Option {
	return func(a *Authenticator) { a.admission = ev }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) { a.log = l }
}

// NewAuthenticator returns an Authenticator that verifies tokens with tokens.
func NewAuthenticator(tokens TokenValidator, opts ...Option) *Authenticator {
	a := &Authenticator{tokens: tokens}
	for _, o := range opts {
		o(a)
	}
	a.log = logging.OrNop(a.log).Named("session")
	return a
}

// Authenticate validates the handshake token. On failure it returns a *RejectionError.
func (a *Authenticator) Authenticate(ctx context.Context, hs Handshake) (*Identity, error) {
	ctx, span := otel.Tracer("bizhub/realtime/session").Start(ctx, "session.Authenticate")
	defer span.End()

	id, err := a.authenticate(ctx, hs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("identity_id", id.IdentityID),
		attribute.String("role_id", id.RoleID),
		attribute.String("token_source", string(id.Source)),
	)
	return id, nil
}

func (a *Authenticator) authenticate(ctx context.Context, hs Handshake) (*Identity, error) {
	token, source := hs.Token()
	if token == "" {
		return nil, reject(ErrTokenMissing, "")
	}
	claims, err := a.tokens.ValidateAccess(token)
	if err != nil {
		return nil, reject(ErrTokenInvalid, "")
	}
	if a.revocations != nil {
		if !a.revocations.Available() {
			a.log.Debug("revocation check skipped: shared state unavailable", zap.String("identity_id", claims.IdentityID))
		} else if a.revocations.IsTokenBlacklisted(ctx, token) {
			return nil, reject(ErrTokenRevoked, "")
		}
	}
	if a.admission != nil {
		d, err := a.admission.Admit(ctx, engine.AdmissionInput{
			IdentityID: claims.IdentityID,
			RoleID:     claims.RoleID,
			Source:     string(source),
		})
		if err != nil {
			a.log.Error("admission policy evaluation failed", zap.String("identity_id", claims.IdentityID), zap.Error(err))
			return nil, reject(ErrAdmissionDenied, "admission policy unavailable")
		}
		if !d.Allow {
			return nil, reject(ErrAdmissionDenied, d.Reason)
		}
	}
	return &Identity{
		IdentityID: claims.IdentityID,
		RoleID:     claims.RoleID,
		TokenID:    claims.TokenID,
		Token:      token,
		ExpiresAt:  claims.ExpiresAt,
		Source:     source,
	}, nil
}

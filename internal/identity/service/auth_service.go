package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/security"
	"bizhub/realtime/internal/telemetry"
)

// Sentinel errors for the token service; the HTTP handler maps them to status codes.
var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token already used or revoked")
	ErrInvalidAccessToken  = errors.New("invalid or expired access token")
)

// AuthResult holds a freshly issued credential pair.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IdentityID   string
	RoleID       string
}

// Revocations is the slice of the shared-state service used for token revocation.
type Revocations interface {
	Available() bool
	BlacklistToken(ctx context.Context, token string, ttl time.Duration)
	IsTokenBlacklisted(ctx context.Context, token string) bool
}

// AuthService issues, rotates and revokes credential pairs. Login is out of scope; pairs are issued
// for an identity the caller has already authenticated.
type AuthService struct {
	tokens      *security.TokenProvider
	revocations Revocations
	emitter     telemetry.EventEmitter
	log         *zap.Logger
}

// NewAuthService returns an AuthService. revocations and emitter may be nil.
func NewAuthService(tokens *security.TokenProvider, revocations Revocations, emitter telemetry.EventEmitter, logger *zap.Logger) *AuthService {
	return &AuthService{
		tokens:      tokens,
		revocations: revocations,
		emitter:     emitter,
		log:         logging.OrNop(logger).Named("identity"),
	}
}

// Issue returns a new access and refresh token for identityID in roleID.
func (s *AuthService) Issue(identityID, roleID string) (*AuthResult, error) {
	access, err := s.tokens.IssueAccess(identityID, roleID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(identityID, roleID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresAt:    access.ExpiresAt,
		IdentityID:   identityID,
		RoleID:       roleID,
	}, nil
}

// Refresh validates the refresh token, revokes it for the rest of its lifetime, and returns a new pair.
// A refresh token is single use: presenting it again fails with ErrRefreshTokenReuse.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	if s.revocations != nil && s.revocations.IsTokenBlacklisted(ctx, refreshToken) {
		s.log.Warn("refresh token reuse", zap.String("identity_id", claims.IdentityID), zap.String("token_id", claims.TokenID))
		return nil, ErrRefreshTokenReuse
	}
	res, err := s.Issue(claims.IdentityID, claims.RoleID)
	if err != nil {
		return nil, err
	}
	s.revoke(ctx, refreshToken, claims)
	telemetry.EmitAsync(s.emitter, ctx, &telemetry.Record{
		Kind:       telemetry.KindTokenRefreshed,
		IdentityID: claims.IdentityID,
		RoleID:     claims.RoleID,
	})
	return res, nil
}

// Logout revokes accessToken and, when given and owned by the same identity, refreshToken.
// An invalid refresh token is ignored; the access token has already been verified by the caller.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.tokens.ValidateAccess(accessToken)
	if err != nil {
		return ErrInvalidAccessToken
	}
	s.revoke(ctx, accessToken, claims)
	if refreshToken != "" {
		if rc, err := s.tokens.ValidateRefresh(refreshToken); err == nil && rc.IdentityID == claims.IdentityID {
			s.revoke(ctx, refreshToken, rc)
		}
	}
	telemetry.EmitAsync(s.emitter, ctx, &telemetry.Record{
		Kind:       telemetry.KindTokenRevoked,
		IdentityID: claims.IdentityID,
		RoleID:     claims.RoleID,
		Reason:     "logout",
	})
	return nil
}

func (s *AuthService) revoke(ctx context.Context, token string, claims *security.Claims) {
	if s.revocations == nil || !s.revocations.Available() {
		s.log.Warn("token not revoked: shared state unavailable", zap.String("identity_id", claims.IdentityID), zap.String("token_id", claims.TokenID))
		return
	}
	s.revocations.BlacklistToken(ctx, token, claims.Remaining(s.tokens.Now()))
}

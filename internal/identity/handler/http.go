// Package handler serves the token exchange endpoints: refresh, logout and whoami.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"bizhub/realtime/internal/identity/service"
	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/server/middleware"
	"bizhub/realtime/internal/state"
)

const maxBodyBytes = 8 << 10

// RateLimiter limits refresh attempts per client. *state.FixedWindowLimiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
	// RetryAfter is how long until a denied subject may try again.
	RetryAfter() time.Duration
}

// RefreshRequest is the body of POST /auth/refresh and the optional body of POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is returned by POST /auth/refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    string `json:"expires_at"`
}

// WhoAmIResponse is returned by GET /auth/whoami.
type WhoAmIResponse struct {
	IdentityID string `json:"identity_id"`
	RoleID     string `json:"role_id"`
}

// AuthHandler serves the token exchange endpoints.
type AuthHandler struct {
	auth    *service.AuthService
	limiter RateLimiter
	proxies *middleware.ProxyList
	log     *zap.Logger
}

// NewAuthHandler returns an AuthHandler. limiter may be nil to disable rate limiting. Refresh
// attempts are counted per client IP, taken from forwarding headers only when the peer is in proxies.
func NewAuthHandler(auth *service.AuthService, limiter RateLimiter, proxies *middleware.ProxyList, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, limiter: limiter, proxies: proxies, log: logging.OrNop(logger).Named("auth")}
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		ok, err := h.limiter.Allow(r.Context(), h.proxies.ClientIP(r))
		if errors.Is(err, state.ErrUnavailable) {
			middleware.WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(h.limiter.RetryAfter()))
			middleware.WriteError(w, http.StatusTooManyRequests, "too many refresh attempts")
			return
		}
	}
	var req RefreshRequest
	if err := decodeBody(r, &req); err != nil || req.RefreshToken == "" {
		middleware.WriteError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	res, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout handles POST /auth/logout. It must run behind middleware.RequireAuth.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.GetToken(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	var req RefreshRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := h.auth.Logout(r.Context(), token, req.RefreshToken); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WhoAmI handles GET /auth/whoami. It must run behind middleware.RequireAuth.
func (h *AuthHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	role, _ := middleware.GetRoleID(r.Context())
	middleware.WriteJSON(w, http.StatusOK, WhoAmIResponse{IdentityID: id, RoleID: role})
}

func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRefreshToken),
		errors.Is(err, service.ErrRefreshTokenReuse),
		errors.Is(err, service.ErrInvalidAccessToken):
		middleware.WriteError(w, http.StatusUnauthorized, err.Error())
	default:
		h.log.Error("token exchange failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

// Package middleware holds the HTTP middleware shared by the realtime server's REST endpoints.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"bizhub/realtime/internal/session"
)

// Authenticator verifies a handshake. *session.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, hs session.Handshake) (*session.Identity, error)
}

// RequireAuth rejects requests without a valid, unrevoked Bearer access token with 401 and otherwise
// stores the identity in the request context. Only the Authorization header is consulted.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r.Context(), session.Handshake{Header: r.Header})
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, session.ErrAdmissionDenied) {
					status = http.StatusForbidden
				}
				reason := "missing or invalid authorization"
				var rej *session.RejectionError
				if errors.As(err, &rej) {
					reason = rej.Reason
				}
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer realm="bizhub"`)
				}
				WriteError(w, status, reason)
				return
			}
			ctx := WithIdentity(r.Context(), id.IdentityID, id.RoleID, id.Token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteJSON writes v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

package middleware

import "context"

type contextKey struct{ name string }

var (
	identityIDKey = contextKey{"identity_id"}
	roleIDKey     = contextKey{"role_id"}
	tokenKey      = contextKey{"token"}
)

// WithIdentity returns a context carrying the authenticated identity, role and raw access token.
func WithIdentity(ctx context.Context, identityID, roleID, token string) context.Context {
	ctx = context.WithValue(ctx, identityIDKey, identityID)
	ctx = context.WithValue(ctx, roleIDKey, roleID)
	ctx = context.WithValue(ctx, tokenKey, token)
	return ctx
}

// GetIdentityID returns the identity_id from context and true if set; otherwise "", false.
func GetIdentityID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityIDKey).(string)
	return v, ok
}

// GetRoleID returns the role_id from context and true if set; otherwise "", false.
func GetRoleID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleIDKey).(string)
	return v, ok
}

// GetToken returns the access token the request was authenticated with.
func GetToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenKey).(string)
	return v, ok
}

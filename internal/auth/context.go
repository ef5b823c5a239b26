package auth

import "context"

type ctxKey int

const identityKey ctxKey = iota

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID string
	Email    string
	// Scopes granted by a bearer token. Nil means the caller holds a browser
	// session or runs in bypass mode and is not scope-restricted.
	Scopes []string
}

// Allows reports whether the identity may use scope.
func (i Identity) Allows(scope string) bool {
	if i.Scopes == nil {
		return true
	}
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.TenantID != ""
}

// TenantID returns the tenant of the caller, or "" when unauthenticated.
func TenantID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.TenantID
}

// User returns the email of the caller, or "" when unauthenticated.
func User(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Email
}

// Package auth resolves the acting user of an HTTP or WebSocket request.
//
// Account management and token issuance for end users live outside Parla;
// this package only verifies what the identity provider hands out.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Role values. Kept in sync with chat.RoleUser/RoleAdmin.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Authenticator resolves a Principal from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// tokenFromRequest reads "Authorization: Bearer <t>" or, for browser
// WebSocket handshakes that cannot set headers, the "token" query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

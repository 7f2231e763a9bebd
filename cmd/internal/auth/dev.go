package auth

import (
	"net/http"
	"strings"
)

// Dev header names.
const (
	DevUserHeader = "X-Parla-User"
	DevRoleHeader = "X-Parla-Role"
)

// DevAuthenticator trusts the caller-supplied user id. It exists for local
// development without an identity provider and must never face the internet.
// The user id is read from DevUserHeader or the "user" query parameter.
type DevAuthenticator struct{}

// Authenticate implements Authenticator.
func (DevAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	uid := strings.TrimSpace(r.Header.Get(DevUserHeader))
	if uid == "" {
		uid = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	if uid == "" {
		return Principal{}, ErrUnauthorized
	}
	role := RoleUser
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(DevRoleHeader)), RoleAdmin) {
		role = RoleAdmin
	}
	return Principal{UserID: uid, Role: role}, nil
}

var _ Authenticator = DevAuthenticator{}

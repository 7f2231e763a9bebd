package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewJWTAuthenticator_ShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTAuthenticator([]byte("short")); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestJWTAuthenticator_RoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewJWTAuthenticator(testSecret, WithIssuer("parla-test"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok, err := a.Issue("u-1", RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{name: "bearer header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }},
		{name: "lowercase scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "bearer "+tok) }},
		{name: "query param", setup: func(r *http.Request) { r.URL.RawQuery = "token=" + tok }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)

			p, err := a.Authenticate(r)
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if p.UserID != "u-1" || !p.IsAdmin() {
				t.Fatalf("principal=%+v", p)
			}
		})
	}
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a, _ := NewJWTAuthenticator(testSecret, WithClock(clock), WithLeeway(0))
	other, _ := NewJWTAuthenticator([]byte(strings.Repeat("x", 32)), WithClock(clock))
	past, _ := NewJWTAuthenticator(testSecret, WithClock(func() time.Time { return now.Add(-2 * time.Hour) }))
	wrongIss, _ := NewJWTAuthenticator(testSecret, WithClock(clock), WithIssuer("evil"))
	strictIss, _ := NewJWTAuthenticator(testSecret, WithClock(clock), WithIssuer("parla"))

	forged, _ := other.Issue("u-1", RoleUser, time.Hour)
	expired, _ := past.Issue("u-1", RoleUser, time.Hour)
	badIss, _ := wrongIss.Issue("u-1", RoleUser, time.Hour)

	tests := []struct {
		name  string
		auth  *JWTAuthenticator
		token string
	}{
		{name: "garbage", auth: a, token: "not.a.jwt"},
		{name: "wrong secret", auth: a, token: forged},
		{name: "expired", auth: a, token: expired},
		{name: "wrong issuer", auth: strictIss, token: badIss},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.auth.Verify(tt.token); !IsUnauthorized(err) {
				t.Fatalf("err=%v want unauthorized", err)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(r); !IsUnauthorized(err) {
		t.Fatalf("missing token: err=%v", err)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, err := a.Authenticate(r); !IsUnauthorized(err) {
		t.Fatalf("basic scheme: err=%v", err)
	}
}

func TestJWTAuthenticator_UnknownRoleIsUser(t *testing.T) {
	t.Parallel()

	a, _ := NewJWTAuthenticator(testSecret)
	tok, _ := a.Issue("u-2", "superuser", time.Minute)
	p, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != RoleUser {
		t.Fatalf("role=%q want=%q", p.Role, RoleUser)
	}
}

func TestDevAuthenticator(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws?user=u-9", nil)
	p, err := DevAuthenticator{}.Authenticate(r)
	if err != nil || p.UserID != "u-9" || p.IsAdmin() {
		t.Fatalf("p=%+v err=%v", p, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(DevUserHeader, "u-root")
	r.Header.Set(DevRoleHeader, "ADMIN")
	p, err = DevAuthenticator{}.Authenticate(r)
	if err != nil || !p.IsAdmin() {
		t.Fatalf("p=%+v err=%v", p, err)
	}

	if _, err := (DevAuthenticator{}).Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); !IsUnauthorized(err) {
		t.Fatalf("err=%v want unauthorized", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u-1", Role: RoleUser})
	p, ok := FromContext(ctx)
	if !ok || p.UserID != "u-1" {
		t.Fatalf("p=%+v ok=%v", p, ok)
	}
}

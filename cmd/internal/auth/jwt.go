package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum accepted HS256 secret length.
const MinSecretBytes = 32

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// JWTOption configures JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires (and, when issuing, sets) the "iss" claim.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = strings.TrimSpace(iss) }
}

// WithLeeway tolerates clock skew on exp/nbf/iat.
func WithLeeway(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) {
		if d >= 0 {
			a.leeway = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewJWTAuthenticator validates the secret length and builds the verifier.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d bytes", MinSecretBytes)
	}
	a := &JWTAuthenticator{
		secret: append([]byte(nil), secret...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Principal{}, ErrUnauthorized
	}
	return a.Verify(raw)
}

// Verify parses and validates a raw token.
func (a *JWTAuthenticator) Verify(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, errors.Join(ErrUnauthorized, err)
	}
	if !tok.Valid {
		return Principal{}, ErrUnauthorized
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, errors.Join(ErrUnauthorized, errors.New("missing subject"))
	}
	role := claims.Role
	if role != RoleAdmin {
		role = RoleUser
	}
	return Principal{UserID: sub, Role: role}, nil
}

// Issue signs a token for userID. Parla does not mint end-user tokens in
// production; this serves tooling and tests sharing the secret.
func (a *JWTAuthenticator) Issue(userID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: empty user id")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

var _ Authenticator = (*JWTAuthenticator)(nil)

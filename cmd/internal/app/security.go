package app

import (
	"errors"
	"fmt"

	"parla/cmd/internal/auth"
)

var errMissingDatabaseURL = errors.New("app: PARLA_DATABASE_URL is not set")

// ValidateSecurityConfig enforces Parla's authentication policy at startup.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < auth.MinSecretBytes {
		return fmt.Errorf("security policy: PARLA_JWT_SECRET is too short (min %d bytes)", auth.MinSecretBytes)
	}
	if !cfg.RequireAuth {
		if cfg.JWTSecret == "" && !cfg.AuthDev {
			return errors.New("security policy: set PARLA_JWT_SECRET or enable PARLA_AUTH_DEV for local use")
		}
		return nil
	}

	if cfg.JWTSecret == "" {
		return errors.New("security policy: PARLA_REQUIRE_AUTH=true but PARLA_JWT_SECRET is missing")
	}
	if cfg.AuthDev {
		return errors.New("security policy: PARLA_AUTH_DEV cannot be combined with PARLA_REQUIRE_AUTH")
	}
	if cfg.WSDevInsecure {
		return errors.New("security policy: PARLA_WS_DEV_INSECURE cannot be combined with PARLA_REQUIRE_AUTH")
	}
	return nil
}

// newAuthenticator picks JWT verification when a secret is configured and
// falls back to trusted dev headers otherwise.
func newAuthenticator(cfg Config) (auth.Authenticator, error) {
	if cfg.JWTSecret != "" {
		var opts []auth.JWTOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		return auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), opts...)
	}
	if cfg.AuthDev {
		return auth.DevAuthenticator{}, nil
	}
	return nil, errors.New("app: no authenticator configured")
}

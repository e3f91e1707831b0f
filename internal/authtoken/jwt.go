package authtoken

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// claims mirrors Token but as JWT claims, so the workspace/extra payload
// can ride inside a standard signed JWT issued by the (out of scope)
// token issuer.
type claims struct {
	jwt.RegisteredClaims
	AccountEmail string    `json:"accountEmail"`
	Workspace    Workspace `json:"workspace"`
	Extra        *Extra    `json:"extra,omitempty"`
}

// JWTValidator validates bearer tokens issued as JWTs, fetching
// verification keys from a remote JWKS endpoint. Grounded on the
// teacher's internal/auth.JWTValidator; generalized from a single
// workspace-scoped validator to one that extracts workspace identity
// from the token itself, since this gateway serves many workspaces from
// one listener rather than one VM agent per workspace.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and caches keys from
// jwksURL. audience/issuer are validated against the decoded token's
// registered claims.
func NewJWTValidator(jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("authtoken: create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Validate implements Validator.
func (v *JWTValidator) Validate(raw string) (Token, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, v.jwks.Keyfunc)
	if err != nil {
		return Token{}, fmt.Errorf("authtoken: parse token: %w", err)
	}
	if !parsed.Valid {
		return Token{}, fmt.Errorf("authtoken: invalid token")
	}

	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Token{}, fmt.Errorf("authtoken: unexpected claims type")
	}

	if v.audience != "" {
		aud, err := c.GetAudience()
		if err != nil {
			return Token{}, fmt.Errorf("authtoken: read audience: %w", err)
		}
		if !containsString(aud, v.audience) {
			return Token{}, fmt.Errorf("authtoken: invalid audience")
		}
	}

	if v.issuer != "" {
		iss, err := c.GetIssuer()
		if err != nil {
			return Token{}, fmt.Errorf("authtoken: read issuer: %w", err)
		}
		if iss != v.issuer {
			return Token{}, fmt.Errorf("authtoken: invalid issuer")
		}
	}

	return Token{
		AccountEmail: c.AccountEmail,
		Workspace:    c.Workspace,
		Extra:        c.Extra,
	}, nil
}

// Close is a no-op. The keyfunc's background JWKS work is bound to the
// timeout context created in NewJWTValidator, which is cancelled when
// NewJWTValidator returns, so Close has nothing left to stop.
func (v *JWTValidator) Close() {}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Package auth consumes already-issued identity tokens. shellfleet does not
// implement authentication itself; it validates JWTs minted elsewhere against
// a remote JWKS endpoint and extracts the subject as the resolved identity.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved identity of a peer. Subject is empty when the
// peer presented no (valid) token; callers fall back to network-address
// identification in that case.
type Identity struct {
	Subject string
}

// Authenticated reports whether this identity carries a verified subject.
func (id Identity) Authenticated() bool {
	return id.Subject != ""
}

// Verifier validates JWTs using a remote JWKS endpoint.
type Verifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewVerifier creates a verifier that fetches and caches keys from jwksURL.
func NewVerifier(jwksURL, issuer, audience string) (*Verifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Verifier{jwks: k, issuer: issuer, audience: audience}, nil
}

// Verify validates a token string and returns the identity it asserts.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	var opts []jwt.ParserOption
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid claims type")
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}

	return Identity{Subject: claims.Subject}, nil
}

// FromRequest resolves the identity carried by an HTTP request: a bearer
// token in the Authorization header, or a "token" query parameter (browser
// WebSocket clients cannot set headers on the upgrade request).
//
// A nil verifier, or a request without a token, yields the anonymous
// identity without error. An invalid token is an error: presenting bad
// credentials is rejected rather than downgraded.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	if v == nil {
		return Identity{}, nil
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, nil
	}

	return v.Verify(token)
}

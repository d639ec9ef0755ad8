package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNilVerifierIsAnonymous(t *testing.T) {
	var v *Verifier

	r := httptest.NewRequest("GET", "/terminal/ws", nil)
	r.Header.Set("Authorization", "Bearer whatever")

	id, err := v.FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest failed: %v", err)
	}
	if id.Authenticated() {
		t.Error("nil verifier must yield the anonymous identity")
	}
}

func TestNoTokenIsAnonymous(t *testing.T) {
	v := &Verifier{}

	r := httptest.NewRequest("GET", "/terminal/ws", nil)
	id, err := v.FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest failed: %v", err)
	}
	if id.Authenticated() {
		t.Error("request without a token must yield the anonymous identity")
	}
}

func TestAuthenticated(t *testing.T) {
	if (Identity{}).Authenticated() {
		t.Error("empty identity reports authenticated")
	}
	if !(Identity{Subject: "alice"}).Authenticated() {
		t.Error("identity with subject reports unauthenticated")
	}
}

// newJWKSVerifier serves a one-key JWKS over a local HTTP server and returns
// a verifier against it plus the matching signing key.
func newJWKSVerifier(t *testing.T, issuer, audience string) (*Verifier, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	v, err := NewVerifier(srv.URL, issuer, audience)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v, key
}

func mintToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyAgainstJWKS(t *testing.T) {
	v, key := newJWKSVerifier(t, "test-issuer", "test-aud")

	valid := mintToken(t, key, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "test-issuer",
		Audience:  jwt.ClaimStrings{"test-aud"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	id, err := v.Verify(valid)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.Subject != "alice" {
		t.Errorf("subject = %q, want alice", id.Subject)
	}

	t.Run("wrong audience", func(t *testing.T) {
		bad := mintToken(t, key, jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "test-issuer",
			Audience:  jwt.ClaimStrings{"other-service"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		if _, err := v.Verify(bad); err == nil {
			t.Error("token for another audience was accepted")
		}
	})

	t.Run("expired", func(t *testing.T) {
		bad := mintToken(t, key, jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "test-issuer",
			Audience:  jwt.ClaimStrings{"test-aud"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})
		if _, err := v.Verify(bad); err == nil {
			t.Error("expired token was accepted")
		}
	})

	t.Run("no subject", func(t *testing.T) {
		bad := mintToken(t, key, jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Audience:  jwt.ClaimStrings{"test-aud"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		if _, err := v.Verify(bad); err == nil {
			t.Error("token without subject was accepted")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify("not.a.token"); err == nil {
			t.Error("garbage token was accepted")
		}
	})
}

func TestFromRequestTokenSources(t *testing.T) {
	v, key := newJWKSVerifier(t, "", "test-aud")

	token := mintToken(t, key, jwt.RegisteredClaims{
		Subject:   "alice",
		Audience:  jwt.ClaimStrings{"test-aud"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	header := httptest.NewRequest("GET", "/terminal/ws", nil)
	header.Header.Set("Authorization", "Bearer "+token)
	id, err := v.FromRequest(header)
	if err != nil {
		t.Fatalf("FromRequest (header) failed: %v", err)
	}
	if id.Subject != "alice" {
		t.Errorf("subject = %q, want alice", id.Subject)
	}

	// Browser WebSocket clients cannot set headers on the upgrade request.
	query := httptest.NewRequest("GET", "/terminal/ws?token="+token, nil)
	id, err = v.FromRequest(query)
	if err != nil {
		t.Fatalf("FromRequest (query) failed: %v", err)
	}
	if id.Subject != "alice" {
		t.Errorf("subject = %q, want alice", id.Subject)
	}

	// A presented-but-invalid token is an error, not a downgrade.
	bad := httptest.NewRequest("GET", "/terminal/ws?token=garbage", nil)
	if _, err := v.FromRequest(bad); err == nil {
		t.Error("bad token should be rejected")
	}
}

package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "leadflow-test-key"

// TestClaims holds the configurable claims of a test token.
type TestClaims struct {
	SubjectID      string
	OrganizationID string
	Email          string
	Roles          []string
	Extra          map[string]any
}

// tokenIssuer signs RS256 tokens and serves the matching JWKS document.
// It counts JWKS fetches so tests can assert on key caching.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	issuer   string
	audience string
	fetches  atomic.Int64
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	ti := &tokenIssuer{
		key:      key,
		issuer:   "https://auth.test.leadflow.dev",
		audience: "leadflow-api-test",
	}
	doc := map[string]any{
		"keys": []map[string]any{{
			"kid": testKeyID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

// GenerateToken signs a token valid for one hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, ti.audience, now, now.Add(time.Hour))
}

// GenerateExpiredToken signs a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, ti.audience, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

// GenerateTokenForAudience signs an otherwise valid token for another
// audience.
func (ti *tokenIssuer) GenerateTokenForAudience(claims TestClaims, audience string) string {
	now := time.Now()
	return ti.sign(claims, audience, now, now.Add(time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, audience string, issuedAt, expiresAt time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	if claims.OrganizationID != "" {
		mapClaims["org_id"] = claims.OrganizationID
	}
	if len(claims.Roles) > 0 {
		// Decoded JWT arrays arrive as []any.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the issuer's key set.
func (ti *tokenIssuer) JWKSURL() string { return ti.server.URL }

// Issuer returns the iss claim the engine must accept.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience returns the aud claim the engine must accept.
func (ti *tokenIssuer) Audience() string { return ti.audience }

// Fetches reports how many times the key set was downloaded.
func (ti *tokenIssuer) Fetches() int64 { return ti.fetches.Load() }

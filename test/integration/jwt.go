package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingKeyID = "closing-es256-1"

// TestClaims is the identity a test token asserts. Empty fields are left out
// of the token. Override is applied last and may replace any claim.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Override  map[string]any
}

// identityProvider signs ES256 tokens and publishes its public key on a JWKS
// endpoint, standing in for the tenant's real identity provider.
type identityProvider struct {
	key      *ecdsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	p := &identityProvider{
		key:      key,
		issuer:   "https://id.closing.test",
		audience: "closing-api-test",
	}
	p.jwks = httptest.NewServer(http.HandlerFunc(p.publishKeys))
	t.Cleanup(p.jwks.Close)
	return p
}

func (p *identityProvider) publishKeys(w http.ResponseWriter, _ *http.Request) {
	coord := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	size := (p.key.Curve.Params().BitSize + 7) / 8
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kid": signingKeyID,
			"kty": "EC",
			"use": "sig",
			"crv": "P-256",
			"x":   coord(p.key.X.FillBytes(make([]byte, size))),
			"y":   coord(p.key.Y.FillBytes(make([]byte, size))),
		}},
	})
}

// claims builds the claim set for c expiring ttl from now. A negative ttl
// produces a token that has already expired.
func (p *identityProvider) claims(c TestClaims, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	issued := now
	if ttl < 0 {
		issued = now.Add(2 * ttl)
	}
	mc := jwt.MapClaims{
		"iss": p.issuer,
		"aud": p.audience,
		"iat": jwt.NewNumericDate(issued),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	}
	for name, v := range map[string]string{"sub": c.SubjectID, "tenant_id": c.TenantID, "email": c.Email} {
		if v != "" {
			mc[name] = v
		}
	}
	maps.Copy(mc, c.Override)
	return mc
}

// Token returns a signed token for c valid for ttl.
func (p *identityProvider) Token(c TestClaims, ttl time.Duration) string {
	return p.sign(p.claims(c, ttl), p.key)
}

// sign signs mc with key under the published kid, so a foreign key yields a
// token whose signature does not verify.
func (p *identityProvider) sign(mc jwt.MapClaims, key *ecdsa.PrivateKey) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, mc)
	token.Header["kid"] = signingKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign token: " + err.Error())
	}
	return signed
}

package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/config"
	"github.com/pitabwire/closing/model"
)

var errUnknownKey = errors.New("unknown signing key")

// keySet caches the signing keys published at a JWKS endpoint. A lookup for
// an unknown kid triggers at most one fetch per minRefresh so a stream of
// forged kids cannot hammer the identity provider.
type keySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

func newKeySet(url string, ttl time.Duration, logger *zap.Logger) *keySet {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &keySet{
		url:        url,
		ttl:        ttl,
		minRefresh: time.Minute,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("jwks"),
		keys:       map[string]crypto.PublicKey{},
	}
}

// lookup returns the key for kid, fetching the set when the cache is stale
// or does not know kid. A failed fetch falls back to a cached key.
func (s *keySet) lookup(ctx context.Context, kid string) (crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, known := s.keys[kid]
	age := time.Since(s.fetchedAt)
	switch {
	case known && age < s.ttl:
		return key, nil
	case !known && age < s.minRefresh:
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}

	keys, err := s.fetch(ctx)
	if err != nil {
		if known {
			s.logger.Warn("jwks refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	s.keys = keys
	s.fetchedAt = time.Now()

	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
}

func (s *keySet) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			s.logger.Warn("skipping jwk", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	s.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return keys, nil
}

// jsonWebKey holds the RSA and EC members of an RFC 7517 key.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, fmt.Errorf("n: %w", err)
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return nil, fmt.Errorf("e: %w", err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curves := map[string]elliptic.Curve{
			"P-256": elliptic.P256(),
			"P-384": elliptic.P384(),
			"P-521": elliptic.P521(),
		}
		curve, ok := curves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// Verifier turns a bearer token into the identity that scopes case access.
// The tenant claim decides which cases a caller can see and the subject or
// email claim becomes the actor recorded on case events.
type Verifier struct {
	claims config.ClaimNames
	keys   *keySet
	parser *jwt.Parser
}

// NewVerifier builds a Verifier that checks tokens against cfg and the keys
// published at cfg.JWKSURL.
func NewVerifier(cfg config.IdentityConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := cfg.Claims
	if names.Subject == "" {
		names.Subject = "sub"
	}
	if names.Tenant == "" {
		names.Tenant = "tenant_id"
	}
	if names.Email == "" {
		names.Email = "email"
	}
	return &Verifier{
		claims: names,
		keys:   newKeySet(cfg.JWKSURL, cfg.JWKSCacheTTL, logger),
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		),
	}
}

// Identify verifies the bearer token of r and returns the caller identity.
// Errors are UNAUTHORIZED envelopes safe to return to the client.
func (v *Verifier) Identify(r *http.Request) (*model.RequestContext, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, model.NewUnauthorizedError("Missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: no kid", errUnknownKey)
		}
		return v.keys.lookup(r.Context(), kid)
	})
	if err != nil {
		return nil, model.NewUnauthorizedError(tokenErrorMessage(err))
	}

	str := func(name string) string {
		s, _ := claims[name].(string)
		return s
	}
	rctx := newRequestContext(r.Context())
	rctx.SubjectID = str(v.claims.Subject)
	rctx.TenantID = str(v.claims.Tenant)
	rctx.Email = str(v.claims.Email)
	return rctx, nil
}

// Middleware attaches the verified identity to the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx, err := v.Identify(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
	})
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// NewAuthenticator returns the bearer-token middleware for cfg, or nil when
// identity is disabled and the router falls back to identity headers.
func NewAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return nil
	}
	return NewVerifier(cfg, logger).Middleware
}

package tenancy

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// SessionClaims are the claims the engine reads from a session token. The
// identity provider that issues them is an external collaborator; Cognito
// style custom attributes are accepted as a fallback.
type SessionClaims struct {
	TenantID       string `json:"tenant_id"`
	CustomTenantID string `json:"custom:tenant_id"`
	Email          string `json:"email"`
	jwt.RegisteredClaims
}

// Tenant returns the tenant id claim, preferring the plain claim.
func (c *SessionClaims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}
	return c.CustomTenantID
}

// JWKSVerifier validates RS256 session tokens against a JWKS endpoint.
type JWKSVerifier struct {
	jwksURL     string
	httpClient  *http.Client
	keys        map[string]*rsa.PublicKey
	mutex       sync.RWMutex
	lastRefresh time.Time
	refreshTTL  time.Duration
}

// NewJWKSVerifier creates a verifier for the given JWKS URL. Keys are
// fetched lazily on first use.
func NewJWKSVerifier(jwksURL string, httpClient *http.Client) *JWKSVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSVerifier{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		keys:       make(map[string]*rsa.PublicKey),
		refreshTTL: 1 * time.Hour,
	}
}

// refreshKeys fetches and caches the public keys from the JWKS endpoint
func (v *JWKSVerifier) refreshKeys(ctx context.Context, force bool) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if !force && time.Since(v.lastRefresh) < v.refreshTTL {
		return nil
	}
	// Unknown kids force a refresh, but not more than once a minute.
	if force && time.Since(v.lastRefresh) < time.Minute {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks JWKS
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	newKeys := make(map[string]*rsa.PublicKey)
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		pubKey, err := jwkToRSAPublicKey(jwk)
		if err != nil {
			continue
		}
		newKeys[jwk.Kid] = pubKey
	}

	v.keys = newKeys
	v.lastRefresh = time.Now()
	return nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key
func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode N: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode E: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// key returns the public key for the given key ID
func (v *JWKSVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if err := v.refreshKeys(ctx, false); err != nil {
		return nil, err
	}

	v.mutex.RLock()
	key, exists := v.keys[kid]
	v.mutex.RUnlock()
	if exists {
		return key, nil
	}

	if err := v.refreshKeys(ctx, true); err != nil {
		return nil, fmt.Errorf("failed to refresh keys: %w", err)
	}

	v.mutex.RLock()
	key, exists = v.keys[kid]
	v.mutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

// Verify validates the token signature and expiry and returns its claims.
func (v *JWKSVerifier) Verify(ctx context.Context, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return v.key(ctx, kid)
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	return claims, nil
}

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultKeyTTL = 5 * time.Minute
	// minRefresh bounds how often an unknown kid can trigger a refetch.
	minRefresh = 10 * time.Second
)

// JWK is one RSA JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySet caches the signing keys published by the identity provider.
type KeySet struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeySet(url string, ttl time.Duration) *KeySet {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	return &KeySet{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid, refetching the set when it is stale or
// kid is unknown.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	age := time.Since(k.fetchedAt)
	k.mu.RUnlock()

	if ok && age <= k.ttl {
		return key, nil
	}
	if !ok && !k.fetchedAt.IsZero() && age < minRefresh {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}

	if err := k.refresh(ctx); err != nil {
		if ok {
			// stale key beats no key while the provider is down
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok = k.keys[kid]; !ok {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
	return key, nil
}

func (k *KeySet) refresh(ctx context.Context) error {
	var set JWKS
	if err := getJSON(ctx, k.client, k.url, &set); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.publicKey()
		if err != nil {
			continue
		}
		keys[jwk.Kid] = pub
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = time.Now()
	k.mu.Unlock()
	return nil
}

func (j JWK) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// DiscoverJWKSURL reads jwks_uri from the issuer's OpenID configuration.
func DiscoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	if err := getJSON(ctx, &http.Client{Timeout: 10 * time.Second}, url, &doc); err != nil {
		return "", fmt.Errorf("openid discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("openid discovery: document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

package crypto

import (
	"crypto/ecdh"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSecretCacheSize bounds how many remote keys keep a memoized secret.
const DefaultSecretCacheSize = 256

// SecretCache memoizes shared secrets derived for one local key, keyed by the
// remote public key in wire form. Safe for concurrent use.
type SecretCache struct {
	local *ecdh.PrivateKey
	cache *lru.Cache[string, []byte]
}

// NewSecretCache creates a cache bound to the local identity key.
func NewSecretCache(local *ecdh.PrivateKey, size int) (*SecretCache, error) {
	if local == nil {
		return nil, fmt.Errorf("secret cache: local private key is required")
	}
	if size <= 0 {
		size = DefaultSecretCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("secret cache: %w", err)
	}
	return &SecretCache{local: local, cache: cache}, nil
}

// Derive returns the shared secret for remotePublicKey, deriving it on first use.
func (c *SecretCache) Derive(remotePublicKey string) ([]byte, error) {
	if secret, ok := c.cache.Get(remotePublicKey); ok {
		return append([]byte(nil), secret...), nil
	}

	remote, err := ParsePublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := DeriveSharedSecret(c.local, remote)
	if err != nil {
		return nil, err
	}
	c.cache.Add(remotePublicKey, secret)
	return append([]byte(nil), secret...), nil
}

// Forget drops a memoized secret, used when a peer's key is replaced.
func (c *SecretCache) Forget(remotePublicKey string) {
	c.cache.Remove(remotePublicKey)
}

// Len reports how many secrets are memoized.
func (c *SecretCache) Len() int {
	return c.cache.Len()
}

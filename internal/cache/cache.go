package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// ContentKey generates a cache key from arbitrary content. Used by the
// injection guard for content-hash idempotence and by the oracle adapters
// for response reuse of identical requests.
func ContentKey(content string) string {
	hash := sha256.Sum256([]byte(content))
	return "refinery:v1:" + hex.EncodeToString(hash[:])
}

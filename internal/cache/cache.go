package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is the key-value store used for LLM response caching. A nil Cache
// is valid everywhere: callers degrade to "always call the provider".
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key hashes an already-serialized request fingerprint into a versioned
// cache key. The fingerprint must cover the full transcript and every
// parameter that changes the response.
func Key(fingerprint []byte) string {
	hash := sha256.Sum256(fingerprint)
	return "probatio:v1:" + hex.EncodeToString(hash[:])
}

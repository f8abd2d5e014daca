package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mrmushfiq/api-gateway/internal/shared/redis"
)

// DefaultTTL is how long a cached upstream response stays valid
const DefaultTTL = 300 * time.Second

// Store is the key-value backend the cache writes to
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Entry is a cached upstream response. Header holds the upstream headers as
// they were received.
type Entry struct {
	Content    []byte      `json:"content"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"headers"`
}

type Cache struct {
	store Store
}

// New creates a new cache instance
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Fingerprint derives the cache key for a GET to target/path with query.
// Query keys are serialized in sorted order so parameter order never matters.
func Fingerprint(target, path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	// encoding/json sorts map keys and cannot fail on a map of string slices
	params, _ := json.Marshal(map[string][]string(query))

	keyData := fmt.Sprintf("%s:%s:%s", target, path, params)
	hash := sha256.Sum256([]byte(keyData))
	return "cache:" + target + ":" + hex.EncodeToString(hash[:])
}

// Lookup returns the entry stored under key. A missing or expired entry is
// reported as (nil, false, nil).
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	val, err := c.store.Get(ctx, key)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize cached response: %w", err)
	}
	return &entry, true, nil
}

// Store writes entry under key with ttl, replacing any previous entry
func (c *Cache) Store(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.store.Set(ctx, key, string(data), ttl)
}

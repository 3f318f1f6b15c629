package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "rbac:version"

// Cache stores resolved access per user under keys carrying the global
// version and a per-user generation. Bumping the version retires every
// entry at once; Forget advances one user's generation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// stamp identifies the cache epoch observed before a load.
type stamp struct {
	version int64
	gen     int64
}

func (s stamp) key(userID string) string {
	return fmt.Sprintf("rbac:user:%s:%d:%d", userID, s.version, s.gen)
}

func genKey(userID string) string {
	return "rbac:gen:" + userID
}

// putScript writes the entry only while the version and generation still
// match the stamp taken before the load.
var putScript = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "1") ~= ARGV[1] then
	return 0
end
if (redis.call("GET", KEYS[2]) or "0") ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[4]) > 0 then
	redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[4])
else
	redis.call("SET", KEYS[3], ARGV[3])
end
return 1`)

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	return ver, err
}

func (c *Cache) stamp(ctx context.Context, userID string) (stamp, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return stamp{}, err
	}
	gen, err := c.client.Get(ctx, genKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		gen, err = 0, nil
	}
	if err != nil {
		return stamp{}, err
	}
	return stamp{version: ver, gen: gen}, nil
}

// get returns the cached entry together with the stamp it was looked up
// under. The stamp must be handed back to put.
func (c *Cache) get(ctx context.Context, userID string) (resolved, stamp, bool, error) {
	st, err := c.stamp(ctx, userID)
	if err != nil {
		return resolved{}, stamp{}, false, err
	}
	payload, err := c.client.Get(ctx, st.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return resolved{}, st, false, nil
	}
	if err != nil {
		return resolved{}, st, false, err
	}
	var out resolved
	if err := json.Unmarshal(payload, &out); err != nil {
		return resolved{}, st, false, err
	}
	return out, st, true, nil
}

// put stores value unless an invalidation happened since st was taken.
// It reports whether the entry was written.
func (c *Cache) put(ctx context.Context, userID string, st stamp, value resolved) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	keys := []string{cacheVersionKey, genKey(userID), st.key(userID)}
	n, err := putScript.Run(ctx, c.client, keys, st.version, st.gen, raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Forget retires the cached entry of one user.
func (c *Cache) Forget(ctx context.Context, userID string) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Incr(ctx, genKey(userID)).Err()
}

// Bump invalidates every cached entry by incrementing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

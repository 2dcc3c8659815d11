package lookup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CacheClient is the subset of a go-redis client used for caching.
type CacheClient interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedStore is a cache-aside wrapper around another Resolver. Cache
// failures degrade to the backing resolver.
type CachedStore struct {
	next   Resolver
	client CacheClient
	ttl    time.Duration
	prefix string
}

// NewCachedStore wraps next with a Redis cache holding entries for ttl.
func NewCachedStore(next Resolver, client CacheClient, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, client: client, ttl: ttl, prefix: "shipment-images:"}
}

// NewRedisClient connects to addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Resolve implements Resolver.
func (c *CachedStore) Resolve(ctx context.Context, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	uniq := unique(ids)

	keys := make([]string, len(uniq))
	for i, id := range uniq {
		keys[i] = c.prefix + id
	}

	found := make(map[string][]string, len(uniq))
	var misses []string
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Image cache read failed, falling back to lookup store")
		misses = uniq
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, uniq[i])
				continue
			}
			var paths []string
			if err := json.Unmarshal([]byte(s), &paths); err != nil {
				misses = append(misses, uniq[i])
				continue
			}
			found[uniq[i]] = paths
		}
	}

	if len(misses) > 0 {
		fresh, err := c.next.Resolve(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, id := range misses {
			paths := fresh[id]
			found[id] = paths
			data, _ := json.Marshal(paths)
			if err := c.client.Set(ctx, c.prefix+id, data, c.ttl).Err(); err != nil {
				log.Warn().Err(err).Str("shipmentId", id).Msg("Image cache write failed")
			}
		}
	}
	log.Debug().Int("hits", len(uniq)-len(misses)).Int("misses", len(misses)).Msg("Image lookup cache")
	return complete(ids, found), nil
}

package cache

import (
	"time"

	cacheLib "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache holds serialized API responses keyed by buildCacheKey-style strings.
type Cache = cacheLib.Cache[string]

// New returns an in-process cache, or a redis backed one when redisAddress is
// set so that several exporters sharing an API key also share responses.
func New(ttl time.Duration, redisAddress string) *Cache {
	if redisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddress})
		return cacheLib.New[string](redis_store.NewRedis(client, store.WithExpiration(ttl)))
	}

	gocacheClient := gocache.New(ttl, 2*ttl)
	gocacheStore := gocache_store.NewGoCache(gocacheClient)

	return cacheLib.New[string](gocacheStore)
}

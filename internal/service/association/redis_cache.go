package association

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/basket-gateway/internal/constant"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisCache keeps one hash per association kind: field = key, value =
// adapter id.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(kind entity.AssociationKind) string {
	return constant.AssociationCacheKeyPrefix + string(kind)
}

func (c *RedisCache) Load(ctx context.Context, kind entity.AssociationKind) (map[string]entity.AdapterID, error) {
	raw, err := c.client.HGetAll(ctx, cacheKey(kind)).Result()
	if err != nil {
		return nil, err
	}

	associations := make(map[string]entity.AdapterID, len(raw))
	for key, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"kind": kind,
				"key":  key,
			}).Warnf("skip cached association with invalid adapter id: %v", err)
			continue
		}
		associations[key] = id
	}

	return associations, nil
}

func (c *RedisCache) Replace(ctx context.Context, kind entity.AssociationKind, associations map[string]entity.AdapterID) error {
	key := cacheKey(kind)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(associations) == 0 {
			return nil
		}

		values := make(map[string]any, len(associations))
		for k, id := range associations {
			values[k] = id.String()
		}
		pipe.HSet(ctx, key, values)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace cached %s associations: %w", kind, err)
	}

	return nil
}

func (c *RedisCache) Set(ctx context.Context, kind entity.AssociationKind, key string, adapterID entity.AdapterID) error {
	return c.client.HSet(ctx, cacheKey(kind), key, adapterID.String()).Err()
}

func (c *RedisCache) Delete(ctx context.Context, kind entity.AssociationKind, key string) error {
	return c.client.HDel(ctx, cacheKey(kind), key).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 10 * time.Minute
	// Generation keys outlive tree entries so a counter cannot expire and
	// restart while a reader still holds an old value.
	generationTTL = 24 * time.Hour
)

var errStaleGeneration = errors.New("tag tree generation changed")

// RedisCache implements TreeCache on Redis.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	genPrefix string
	ttl       time.Duration
	genTTL    time.Duration
}

// NewRedisCache connects to redisURL and checks the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	genTTL := generationTTL
	if genTTL < 2*ttl {
		genTTL = 2 * ttl
	}
	return &RedisCache{
		client:    client,
		prefix:    "fighttags:tree:",
		genPrefix: "fighttags:gen:",
		ttl:       ttl,
		genTTL:    genTTL,
	}
}

func (c *RedisCache) key(fightID string) string {
	return c.prefix + fightID
}

func (c *RedisCache) genKey(fightID string) string {
	return c.genPrefix + fightID
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// generation reads a generation counter. A missing counter is generation 0.
func generation(ctx context.Context, g getter, key string) (uint64, error) {
	gen, err := g.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get tag tree generation: %w", err)
	}
	return gen, nil
}

// Generation returns the fight's current generation.
func (c *RedisCache) Generation(ctx context.Context, fightID string) (uint64, error) {
	return generation(ctx, c.client, c.genKey(fightID))
}

// Get returns the cached tree for the fight.
func (c *RedisCache) Get(ctx context.Context, fightID string) ([]*domain.TagNode, bool, error) {
	data, err := c.client.Get(ctx, c.key(fightID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get tag tree: %w", err)
	}

	var tree []*domain.TagNode
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, false, fmt.Errorf("unmarshal tag tree: %w", err)
	}
	return tree, true, nil
}

// Set stores the tree until the TTL expires or the fight changes. The write
// runs under WATCH on the generation key, so it is dropped when the
// generation is no longer gen or changes before the write commits.
func (c *RedisCache) Set(ctx context.Context, fightID string, gen uint64, tree []*domain.TagNode) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal tag tree: %w", err)
	}

	genKey := c.genKey(fightID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := generation(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(fightID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, errStaleGeneration) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set tag tree: %w", err)
	}
	return nil
}

// Invalidate advances the fight's generation and drops its cached tree in
// one MULTI block.
func (c *RedisCache) Invalidate(ctx context.Context, fightID string) error {
	genKey := c.genKey(fightID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.genTTL)
		pipe.Del(ctx, c.key(fightID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate tag tree: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ TreeCache = (*RedisCache)(nil)

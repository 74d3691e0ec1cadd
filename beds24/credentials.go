package beds24

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const DefaultCredentialKey = "beds24:credential"

// RedisCredentialCache keeps the credential as JSON under one key and lets
// Redis expire it.
type RedisCredentialCache struct {
	rdb *redis.Client
	key string
}

func NewRedisCredentialCache(rdb *redis.Client, key string) *RedisCredentialCache {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &RedisCredentialCache{rdb: rdb, key: key}
}

func (c *RedisCredentialCache) Load(ctx context.Context) (*Credential, error) {
	val, err := c.rdb.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal([]byte(val), &cred); err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (c *RedisCredentialCache) Save(ctx context.Context, cred Credential, ttl time.Duration) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, data, ttl).Err()
}

func (c *RedisCredentialCache) Delete(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key).Err()
}

// RedisLocker adapts redislock to Locker. Obtain is retried until the lock
// frees up or ctx ends.
type RedisLocker struct {
	client *redislock.Client
	retry  redislock.RetryStrategy
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 120),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

// TryLock obtains key once, returning ok=false when someone else holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, true, nil
}

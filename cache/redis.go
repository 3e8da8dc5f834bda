package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace and key are joined with a separator that cannot appear in
// either: namespaces are version-class identifiers and keys start with
// the request method.
const redisKeySeparator = "\t"

// RedisStore is a CacheStore backed by Redis, for deployments where
// several engine instances should share one cache.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at the given URL
// (e.g. "redis://localhost:6379/0") and verifies the connection.
func NewRedisStore(redisURL string) (RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return RedisStore{}, fmt.Errorf("could not parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return RedisStore{}, fmt.Errorf("could not connect to redis: %w", err)
	}
	return RedisStore{client: client}, nil
}

func (r RedisStore) Get(namespace, key string) ([]byte, bool, error) {
	bytes, err := r.client.Get(context.Background(), namespace+redisKeySeparator+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (r RedisStore) Put(namespace, key string, bytes []byte) error {
	// entries do not expire on their own, they are collected
	// when their namespace's version is retired
	return r.client.Set(context.Background(), namespace+redisKeySeparator+key, bytes, 0).Err()
}

func (r RedisStore) Namespaces() ([]string, error) {
	ctx := context.Background()
	seen := make(map[string]struct{})
	var namespaces []string
	iter := r.client.Scan(ctx, 0, "*"+redisKeySeparator+"*", 0).Iterator()
	for iter.Next(ctx) {
		namespace, _, found := strings.Cut(iter.Val(), redisKeySeparator)
		if !found {
			continue
		}
		if _, ok := seen[namespace]; !ok {
			seen[namespace] = struct{}{}
			namespaces = append(namespaces, namespace)
		}
	}
	return namespaces, iter.Err()
}

func (r RedisStore) DeleteNamespace(namespace string) error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, namespace+redisKeySeparator+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r RedisStore) Purge(namespace, key string) {
	r.client.Del(context.Background(), namespace+redisKeySeparator+key)
}

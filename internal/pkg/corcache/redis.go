package corcache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RedisConfig describes how to reach the Redis instance backing a
// RedisBlobStore. Trimmed from corral's corcache.ClientConfig, which also
// carried deployment-strategy fields (docker/kubernetes provisioning) that
// have no analog for a fixed Nimbus worker cluster.
type RedisConfig struct {
	Addrs    []string
	DB       int
	User     string
	Password string
}

// RedisConfigFromViper reads a RedisConfig from the process configuration,
// the way corral's RedisBackedCache.Init used to read REDIS_* environment
// variables -- except sourced from viper so it composes with nimbusrc.yaml.
func RedisConfigFromViper() RedisConfig {
	return RedisConfig{
		Addrs:    viper.GetStringSlice("checkpointRedisAddrs"),
		DB:       viper.GetInt("checkpointRedisDB"),
		User:     viper.GetString("checkpointRedisUser"),
		Password: viper.GetString("checkpointRedisPassword"),
	}
}

func (c RedisConfig) asOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:    c.Addrs,
		DB:       c.DB,
		Username: c.User,
		Password: c.Password,
	}
}

// RedisBlobStore is a BlobStore backed by a Redis (or Redis Cluster)
// deployment, used when the "cache" setting is 1 (Redis) so that physical
// instance payloads are held outside the worker process. Grounded in
// corral's corcache.RedisBackedCache.
type RedisBlobStore struct {
	client redis.UniversalClient
}

// NewRedisBlobStore dials a Redis client from cfg and pings it once to fail
// fast on misconfiguration.
func NewRedisBlobStore(cfg RedisConfig) (*RedisBlobStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("corcache: no checkpointRedisAddrs configured")
	}
	client := redis.NewUniversalClient(cfg.asOptions())
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("corcache: failed to reach redis: %w", err)
	}
	log.Infof("corcache: using redis blob store at %v", cfg.Addrs)
	return &RedisBlobStore{client: client}, nil
}

func (r *RedisBlobStore) Get(key string) ([]byte, error) {
	data, err := r.client.Get(context.Background(), key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("corcache: get %q: %w", key, err)
	}
	return data, nil
}

func (r *RedisBlobStore) Put(key string, data []byte) error {
	return r.client.Set(context.Background(), key, data, 0).Err()
}

func (r *RedisBlobStore) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisBlobStore) Has(key string) bool {
	n, err := r.client.Exists(context.Background(), key).Result()
	return err == nil && n > 0
}

func (r *RedisBlobStore) Clear() error {
	iter := r.client.Scan(context.Background(), 0, "*", 0).Iterator()
	keys := make([]string, 0)
	for iter.Next(context.Background()) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(context.Background(), keys...).Err()
}

// Close releases the underlying Redis client connections.
func (r *RedisBlobStore) Close() error {
	return r.client.Close()
}

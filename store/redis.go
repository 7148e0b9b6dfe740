package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/use-agent/harvest/models"
)

// Redis stores the state as one JSON document under a single key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects lazily to the Redis server at addr.
func NewRedis(addr, key string) *Redis {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisWithClient(rdb, key)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "harvest:state"
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Save(ctx context.Context, st models.State) error {
	data, err := encode(st)
	if err != nil {
		return unavailable("encode state", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return unavailable("redis set failure", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context) (models.State, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DefaultState(), nil
	}
	if err != nil {
		return models.DefaultState(), unavailable("redis get failure", err)
	}
	st, err := decode(data)
	if err != nil {
		return st, unavailable("decode state", err)
	}
	return st, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/beaconhq/beacon/internal/model"
)

// RedisCache implements Cache backed by Redis. Keys are scoped by team
// so one tenant cannot read another's events by guessing ids.
type RedisCache struct {
	client *redis.Client
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)

// NewRedis connects to Redis at the given address and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

func key(teamID int64, id string) string {
	return fmt.Sprintf("beacon:event:%d:%s", teamID, id)
}

func (c *RedisCache) Put(ctx context.Context, row *model.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	if err := c.client.Set(ctx, key(row.TeamID, row.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", row.ID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, teamID int64, id string) (*model.Row, error) {
	data, err := c.client.Get(ctx, key(teamID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	var row model.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("unmarshal row %s: %w", id, err)
	}
	return &row, nil
}

func (c *RedisCache) Delete(ctx context.Context, teamID int64, id string) error {
	if err := c.client.Del(ctx, key(teamID, id)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// AngelaMos | 2026
// redis.go

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carterperez-dev/haven-auth/internal/config"
)

const (
	redisClientName  = "haven-auth"
	redisPingTimeout = 5 * time.Second
)

// Redis holds the client shared by the refresh token store and the rate
// limiters. The client is a cluster client when the deployment is sharded;
// callers only see redis.UniversalClient.
type Redis struct {
	Client redis.UniversalClient
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	r := &Redis{Client: client}
	if err := r.Ping(ctx); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, err
	}

	return r, nil
}

func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Cluster {
		opts, err := redis.ParseClusterURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis cluster url: %w", err)
		}
		opts.ClientName = redisClientName
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.MinIdleConns
		return redis.NewClusterClient(opts), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ClientName = redisClientName
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	return redis.NewClient(opts), nil
}

func (r *Redis) Close() error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// Ping checks the connection. In cluster mode every master must answer,
// since any of them may own a user's refresh tokens.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	var err error
	if cluster, ok := r.Client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return c.Ping(ctx).Err()
		})
	} else {
		err = r.Client.Ping(ctx).Err()
	}

	if err != nil {
		return fmt.Errorf("ping redis: %w: %w", ErrPersistence, err)
	}
	return nil
}

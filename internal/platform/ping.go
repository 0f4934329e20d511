package platform

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresPinger adapts a pgxpool.Pool to httpserver.Pinger.
type PostgresPinger struct {
	Pool *pgxpool.Pool
}

func (p PostgresPinger) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// RedisPinger adapts a redis.Client to httpserver.Pinger.
type RedisPinger struct {
	Client *redis.Client
}

func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

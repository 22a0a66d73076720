// Package queue holds the Redis-backed pieces shared between console
// processes: the booking lease and the status fan-out.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects and pings. The caller owns the returned client.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		log.Error().Err(err).Str("address", addr).Msg("Failed to connect to Redis")
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	log.Info().Str("address", addr).Msg("Successfully connected and pinged Redis")
	return client, nil
}

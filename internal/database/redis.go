package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// NewRedisClient connects the client holding resume markers, session locks
// and the violation queue.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = "exstem-proctor"
	}

	rdb := redis.NewClient(opt)
	err = withRetry(ctx, log, "redis", func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("Redis connected")
	return rdb, nil
}

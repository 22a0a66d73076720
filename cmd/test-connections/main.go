package main

import (
	"context"
	"os"
	"time"

	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/config"
	"github.com/cankoe/bls-console/internal/database"
	"github.com/cankoe/bls-console/internal/helpers"
	"github.com/cankoe/bls-console/internal/push"
	"github.com/cankoe/bls-console/internal/queue"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadConfig(helpers.ConfigPath, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false

	client := apiclient.New(cfg.Backend.BaseURL, cfg.Timeout())
	if err := client.Ping(ctx); err != nil {
		log.Error().Err(err).Str("url", cfg.Backend.BaseURL).Msg("Backend API connection failed")
		failed = true
	} else {
		log.Info().Str("url", cfg.Backend.BaseURL).Msg("Backend API reachable")
	}

	m := push.NewManager(push.Config{HandshakeTimeout: cfg.Timeout()})
	if h, err := m.Connect(ctx, cfg.PushURL()); err != nil {
		log.Error().Err(err).Str("url", cfg.PushURL()).Msg("Push channel connection failed")
		failed = true
	} else {
		log.Info().Str("url", cfg.PushURL()).Msg("Push channel connected successfully")
		_ = m.Close(h)
	}

	if cfg.Mongo.Enabled {
		mongoClient, err := database.NewMongoClient(ctx, cfg.Mongo.URI, 10*time.Second)
		if err != nil {
			log.Error().Err(err).Str("uri", database.RedactURI(cfg.Mongo.URI)).Msg("MongoDB connection failed")
			failed = true
		} else {
			log.Info().Msg("MongoDB connected successfully")
			defer mongoClient.Disconnect(context.Background())
		}
	}

	if cfg.Redis.Enabled {
		redisClient, err := queue.NewRedisClient(ctx, queue.Options{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error().Err(err).Msg("Redis connection failed")
			failed = true
		} else {
			log.Info().Msg("Redis connected successfully")
			defer redisClient.Close()

			pub := queue.NewStatusPublisher(redisClient, cfg.Redis.StatusChannel, cfg.Redis.StatusKey)
			status, ok, err := pub.Latest(ctx)
			switch {
			case err != nil:
				log.Error().Err(err).Str("key", cfg.Redis.StatusKey).Msg("Failed to read published status")
				failed = true
			case ok:
				log.Info().Str("status", string(status.Status)).Int("total_checks", status.TotalChecks).Msg("Last published status")
			default:
				log.Info().Str("key", cfg.Redis.StatusKey).Msg("No status published yet")
			}
		}
	}

	if failed {
		cancel()
		os.Exit(1)
	}
}

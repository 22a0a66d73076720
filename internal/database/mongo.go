package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NewMongoClient connects and pings within timeout. The URI is logged with
// its password masked.
func NewMongoClient(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	safe := RedactURI(uri)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("bls-console"))
	if err != nil {
		log.Error().Err(err).Str("uri", safe).Msg("Failed to connect to MongoDB")
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		log.Error().Err(err).Str("uri", safe).Msg("Failed to ping MongoDB")
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info().Str("uri", safe).Msg("Successfully connected and pinged MongoDB")
	return client, nil
}

// RedactURI masks the password of a connection string.
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

package helpers

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/audit"
	"github.com/cankoe/bls-console/internal/config"
	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/database"
	"github.com/cankoe/bls-console/internal/push"
	"github.com/cankoe/bls-console/internal/queue"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
)

const ConfigPath = "config/config.yaml"

type AppComponents struct {
	Config        *config.Config
	Client        *apiclient.Client
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database
	RedisClient   *redis.Client

	logFile io.Closer
}

// InitializeCommonComponents loads config, sets up logging and connects the
// optional Mongo and Redis backends. An enabled backend that cannot be reached
// is logged and skipped; the console works without either.
//
// defaultLogFile is used when no log file is configured; pass "" to log to stderr.
func InitializeCommonComponents(ctx context.Context, serviceName string, args []string, defaultLogFile string) (*AppComponents, error) {
	cfg, err := config.LoadConfig(ConfigPath, args)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	c := &AppComponents{Config: cfg}

	logPath := cfg.Log.File
	if logPath == "" {
		logPath = defaultLogFile
	}
	closer, err := ConfigureLogging(cfg.Log.Level, logPath)
	if err != nil {
		return nil, err
	}
	c.logFile = closer

	log.Info().Msgf("Starting %s with backend %s", serviceName, cfg.Backend.BaseURL)

	c.Client = apiclient.New(cfg.Backend.BaseURL, cfg.Timeout())

	if cfg.Mongo.Enabled {
		client, err := database.NewMongoClient(ctx, cfg.Mongo.URI, 10*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("Continuing without action audit trail")
		} else {
			c.MongoClient = client
			c.MongoDatabase = client.Database(cfg.Mongo.Database)
		}
	}

	if cfg.Redis.Enabled {
		client, err := queue.NewRedisClient(ctx, queue.Options{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Continuing without booking lease and status fan-out")
		} else {
			c.RedisClient = client
		}
	}

	return c, nil
}

// ConfigureLogging sets the global level and, when path is set, sends all log
// output to that file. The returned closer may be nil.
func ConfigureLogging(levelName, path string) (io.Closer, error) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		log.Warn().Msgf("Invalid log level '%s', defaulting to info", levelName)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if path == "" {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f, nil
}

// SessionConfig maps configuration onto the reconciler's settings.
func SessionConfig(cfg *config.Config) console.Config {
	return console.Config{
		WSURL:          cfg.PushURL(),
		PollRule:       cfg.PollRule(),
		LogPageSize:    cfg.Logs.PageSize,
		LogMaxRetained: cfg.Logs.MaxRetained,
		SlotLimit:      cfg.Slots.Limit,
		Push: push.Config{
			HandshakeTimeout: cfg.Timeout(),
			PingInterval:     time.Duration(cfg.Push.PingSeconds) * time.Second,
			PongWait:         time.Duration(cfg.Push.PongSeconds) * time.Second,
		},
		Reconnect: push.ReconnectPolicy{
			Enabled:     cfg.Push.Reconnect.Enabled,
			Initial:     seconds(cfg.Push.Reconnect.InitialSeconds),
			Max:         seconds(cfg.Push.Reconnect.MaxSeconds),
			Multiplier:  cfg.Push.Reconnect.Multiplier,
			MaxAttempts: cfg.Push.Reconnect.MaxAttempts,
		},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SessionOptions wires whichever optional backends connected.
func (c *AppComponents) SessionOptions(ctx context.Context) []console.Option {
	var opts []console.Option

	if c.MongoDatabase != nil {
		rec := audit.NewRecorder(c.MongoDatabase)
		if err := rec.EnsureIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to create audit indexes")
		}
		opts = append(opts, console.WithActionOptions(actions.WithRecorder(rec)))
	}

	if c.RedisClient != nil {
		ttl := time.Duration(c.Config.Redis.LeaseTTLSeconds) * time.Second
		lease := queue.NewLease(c.RedisClient, "bls-console:", ttl)
		opts = append(opts,
			console.WithActionOptions(actions.WithLease(lease)),
			console.WithPublisher(queue.NewStatusPublisher(c.RedisClient, c.Config.Redis.StatusChannel, c.Config.Redis.StatusKey)),
		)
	}

	return opts
}

// NewSession builds the reconciler with every configured collaborator.
func (c *AppComponents) NewSession(ctx context.Context) (*console.Session, error) {
	return console.New(c.Client, SessionConfig(c.Config), c.SessionOptions(ctx)...)
}

func (c *AppComponents) CloseAll(ctx context.Context) {
	if c.MongoClient != nil {
		if err := c.MongoClient.Disconnect(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to disconnect MongoDB client")
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis client")
		}
	}
	if c.logFile != nil {
		c.logFile.Close()
	}
}

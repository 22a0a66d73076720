package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Backend struct {
		BaseURL        string `mapstructure:"base_url"`
		WSURL          string `mapstructure:"ws_url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"backend"`

	Poll struct {
		RRule           string `mapstructure:"rrule"`
		IntervalSeconds int    `mapstructure:"interval_seconds"`
	} `mapstructure:"poll"`

	Monitor struct {
		// CheckIntervalMinutes is the interval proposed when starting the system.
		CheckIntervalMinutes int `mapstructure:"check_interval_minutes"`
	} `mapstructure:"monitor"`

	Logs struct {
		PageSize    int `mapstructure:"page_size"`
		MaxRetained int `mapstructure:"max_retained"`
	} `mapstructure:"logs"`

	Slots struct {
		Limit int `mapstructure:"limit"`
	} `mapstructure:"slots"`

	Push struct {
		PingSeconds int `mapstructure:"ping_seconds"`
		PongSeconds int `mapstructure:"pong_seconds"`
		Reconnect   struct {
			Enabled        bool    `mapstructure:"enabled"`
			InitialSeconds float64 `mapstructure:"initial_seconds"`
			MaxSeconds     float64 `mapstructure:"max_seconds"`
			Multiplier     float64 `mapstructure:"multiplier"`
			MaxAttempts    int     `mapstructure:"max_attempts"`
		} `mapstructure:"reconnect"`
	} `mapstructure:"push"`

	Server struct {
		Port   int    `mapstructure:"port"`
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"server"`

	Mongo struct {
		Enabled  bool   `mapstructure:"enabled"`
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Redis struct {
		Enabled         bool   `mapstructure:"enabled"`
		Host            string `mapstructure:"host"`
		Port            int    `mapstructure:"port"`
		Password        string `mapstructure:"password"`
		DB              int    `mapstructure:"db"`
		LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
		StatusChannel   string `mapstructure:"status_channel"`
		StatusKey       string `mapstructure:"status_key"`
	} `mapstructure:"redis"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
}

// Timeout is the REST request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// PollRule is the RRULE driving re-polls. An explicit rule wins over the
// plain interval.
func (c *Config) PollRule() string {
	if c.Poll.RRule != "" {
		return c.Poll.RRule
	}
	return fmt.Sprintf("FREQ=SECONDLY;INTERVAL=%d", c.Poll.IntervalSeconds)
}

// PushURL is the configured websocket endpoint, or one derived from the
// backend base URL (http→ws, ".../api" → "/ws").
func (c *Config) PushURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api") + "/ws"
	return u.String()
}

// LoadConfig loads configuration.
// Order of precedence: defaults < config file < .env < env vars < cmd flags.
func LoadConfig(configPath string, args []string) (*Config, error) {
	loadDotEnv(".env")

	v := viper.New()

	v.SetDefault("backend.base_url", "http://localhost:8001/api")
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.timeout_seconds", 15)
	v.SetDefault("poll.rrule", "")
	v.SetDefault("poll.interval_seconds", 30)
	v.SetDefault("monitor.check_interval_minutes", 2)
	v.SetDefault("logs.page_size", 100)
	v.SetDefault("logs.max_retained", 500)
	v.SetDefault("slots.limit", 50)
	v.SetDefault("push.ping_seconds", 25)
	v.SetDefault("push.pong_seconds", 60)
	v.SetDefault("push.reconnect.enabled", true)
	v.SetDefault("push.reconnect.initial_seconds", 1)
	v.SetDefault("push.reconnect.max_seconds", 30)
	v.SetDefault("push.reconnect.multiplier", 2)
	v.SetDefault("push.reconnect.max_attempts", 0)
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.api_key", "")
	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "bls_console")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl_seconds", 120)
	v.SetDefault("redis.status_channel", "bls-console:status")
	v.SetDefault("redis.status_key", "bls-console:status:latest")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		log.Debug().Err(err).Str("config_path", configPath).Msg("No config file, relying on defaults, env, and flags")
	}

	bindEnvOrPanic(v, "backend.base_url", "BACKEND_URL")
	bindEnvOrPanic(v, "backend.ws_url", "BACKEND_WS_URL")
	bindEnvOrPanic(v, "backend.timeout_seconds", "BACKEND_TIMEOUT_SECONDS")
	bindEnvOrPanic(v, "poll.rrule", "POLL_RRULE")
	bindEnvOrPanic(v, "poll.interval_seconds", "POLL_INTERVAL_SECONDS")
	bindEnvOrPanic(v, "monitor.check_interval_minutes", "CHECK_INTERVAL_MINUTES")
	bindEnvOrPanic(v, "logs.page_size", "LOG_PAGE_SIZE")
	bindEnvOrPanic(v, "logs.max_retained", "LOG_MAX_RETAINED")
	bindEnvOrPanic(v, "slots.limit", "SLOT_LIMIT")
	bindEnvOrPanic(v, "push.reconnect.enabled", "PUSH_RECONNECT")
	bindEnvOrPanic(v, "push.reconnect.max_attempts", "PUSH_RECONNECT_MAX_ATTEMPTS")
	bindEnvOrPanic(v, "server.port", "SERVER_PORT")
	bindEnvOrPanic(v, "server.api_key", "API_KEY")
	bindEnvOrPanic(v, "mongo.enabled", "MONGO_ENABLED")
	bindEnvOrPanic(v, "mongo.uri", "MONGO_URL")
	bindEnvOrPanic(v, "mongo.database", "DB_NAME")
	bindEnvOrPanic(v, "redis.enabled", "REDIS_ENABLED")
	bindEnvOrPanic(v, "redis.host", "REDIS_HOST")
	bindEnvOrPanic(v, "redis.port", "REDIS_PORT")
	bindEnvOrPanic(v, "redis.password", "REDIS_PASSWORD")
	bindEnvOrPanic(v, "redis.db", "REDIS_DB")
	bindEnvOrPanic(v, "log.level", "LOG_LEVEL")
	bindEnvOrPanic(v, "log.file", "LOG_FILE")

	flags := flag.NewFlagSet("bls-console", flag.ContinueOnError)
	backendURL := flags.String("backend-url", "", "Override backend API base URL")
	wsURL := flags.String("ws-url", "", "Override push channel URL")
	pollSeconds := flags.Int("poll-seconds", 0, "Override re-poll interval in seconds")
	pollRule := flags.String("poll-rrule", "", "Override re-poll RRULE")
	port := flags.Int("port", 0, "Override local HTTP port")
	noReconnect := flags.Bool("no-reconnect", false, "Disable automatic push reconnects")
	logLevel := flags.String("log-level", "", "Override log level")
	logFile := flags.String("log-file", "", "Write logs to this file")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *backendURL != "" {
		v.Set("backend.base_url", *backendURL)
	}
	if *wsURL != "" {
		v.Set("backend.ws_url", *wsURL)
	}
	if *pollSeconds > 0 {
		v.Set("poll.interval_seconds", *pollSeconds)
		v.Set("poll.rrule", "")
	}
	if *pollRule != "" {
		v.Set("poll.rrule", *pollRule)
	}
	if *port > 0 {
		v.Set("server.port", *port)
	}
	if *noReconnect {
		v.Set("push.reconnect.enabled", false)
	}
	if *logLevel != "" {
		v.Set("log.level", *logLevel)
	}
	if *logFile != "" {
		v.Set("log.file", *logFile)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv exports .env entries that are not already set in the environment.
func loadDotEnv(path string) {
	err := godotenv.Load(path)
	switch {
	case err == nil:
		log.Debug().Str("path", path).Msg("Loaded environment file")
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.Warn().Err(err).Str("path", path).Msg("Failed to load environment file")
	}
}

func bindEnvOrPanic(v *viper.Viper, key, env string) {
	if err := v.BindEnv(key, env); err != nil {
		log.Fatal().Err(err).Msgf("Failed to bind environment variable %s to key %s", env, key)
	}
}

func validateConfig(cfg *Config) error {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base_url must be an absolute URL, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout_seconds must be > 0, got %d", cfg.Backend.TimeoutSeconds)
	}
	if cfg.Poll.RRule == "" && cfg.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll interval_seconds must be > 0, got %d", cfg.Poll.IntervalSeconds)
	}
	if cfg.Monitor.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("monitor check_interval_minutes must be > 0, got %d", cfg.Monitor.CheckIntervalMinutes)
	}
	if cfg.Logs.PageSize <= 0 {
		return fmt.Errorf("logs page_size must be > 0, got %d", cfg.Logs.PageSize)
	}
	if cfg.Logs.MaxRetained < cfg.Logs.PageSize {
		return fmt.Errorf("logs max_retained (%d) must be >= page_size (%d)", cfg.Logs.MaxRetained, cfg.Logs.PageSize)
	}
	if cfg.Slots.Limit <= 0 {
		return fmt.Errorf("slots limit must be > 0, got %d", cfg.Slots.Limit)
	}
	if cfg.Push.Reconnect.Enabled && cfg.Push.Reconnect.InitialSeconds <= 0 {
		return fmt.Errorf("push reconnect initial_seconds must be > 0, got %v", cfg.Push.Reconnect.InitialSeconds)
	}
	if cfg.Push.Reconnect.Enabled && cfg.Push.Reconnect.MaxSeconds < cfg.Push.Reconnect.InitialSeconds {
		return fmt.Errorf("push reconnect max_seconds (%v) must be >= initial_seconds (%v)",
			cfg.Push.Reconnect.MaxSeconds, cfg.Push.Reconnect.InitialSeconds)
	}

	if cfg.Server.APIKey == "" {
		log.Warn().Msg("API_KEY not provided, local action endpoints are unauthenticated")
	}
	if cfg.Mongo.Enabled && cfg.Mongo.URI == "" {
		return errors.New("mongo.enabled requires mongo.uri")
	}
	if cfg.Redis.Enabled && cfg.Redis.Host == "" {
		return errors.New("redis.enabled requires redis.host")
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis db must be >= 0, got %d", cfg.Redis.DB)
	}
	if cfg.Redis.Enabled && cfg.Redis.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("redis lease_ttl_seconds must be > 0, got %d", cfg.Redis.LeaseTTLSeconds)
	}

	return nil
}

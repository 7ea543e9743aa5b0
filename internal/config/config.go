// Package config loads asyncq configuration from ASYNCQ_-prefixed
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "ASYNCQ_"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "asyncq.db"
	defaultWorkers    = 4
	defaultQueueSize  = 64
	defaultTimeout    = 30 * time.Second
	defaultPoll       = time.Second
)

// Config holds application configuration.
type Config struct {
	ListenAddr  string     `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevelRaw string     `env:"LOG_LEVEL" envDefault:"info"`
	LogLevel    slog.Level // derived from LogLevelRaw by Sanitize
	CORSOrigins []string   `env:"CORS_ORIGINS" envDefault:"*"`

	DB       DBConfig      `envPrefix:"DB_"`
	Engine   EngineConfig  `envPrefix:"ENGINE_"`
	Redis    RedisConfig   `envPrefix:"REDIS_"`
	Backends BackendConfig `envPrefix:"BACKEND_"`
}

// DBConfig selects and tunes the query store.
type DBConfig struct {
	Driver          string        `env:"DRIVER" envDefault:"sqlite"`
	Path            string        `env:"PATH" envDefault:"asyncq.db"`
	DSN             string        `env:"DSN"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// EngineConfig sizes the worker pool and its timeouts.
type EngineConfig struct {
	Workers         int           `env:"WORKERS" envDefault:"4"`
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"64"`
	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	FinalizeTimeout time.Duration `env:"FINALIZE_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	PollBatch       int           `env:"POLL_BATCH" envDefault:"64"`
	StopTimeout     time.Duration `env:"STOP_TIMEOUT" envDefault:"30s"`
	RecoverOnStart  bool          `env:"RECOVER_ON_START" envDefault:"true"`
}

// RedisConfig enables cross-instance claims when Addr is set.
type RedisConfig struct {
	Addr      string        `env:"ADDR"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB" envDefault:"0"`
	KeyPrefix string        `env:"KEY_PREFIX" envDefault:"asyncq:claim:"`
	ClaimTTL  time.Duration `env:"CLAIM_TTL" envDefault:"10m"`
}

// BackendConfig locates the query backends. A dialect whose URL is empty
// has no backend.
type BackendConfig struct {
	JSONAPIURL   string        `env:"JSONAPI_URL"`
	GraphQLURL   string        `env:"GRAPHQL_URL"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"0s"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"16777216"`

	// Client credentials. Token requests are made only when TokenURL is set.
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"`
}

// Load reads files (".env" when none are given) into the environment, then
// parses the environment. Missing files are ignored.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize replaces out-of-range values with defaults.
func (c *Config) Sanitize() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	c.LogLevel = parseLogLevel(c.LogLevelRaw)

	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	if c.DB.Driver == "" {
		c.DB.Driver = DriverSQLite
	}
	if c.DB.Path == "" {
		c.DB.Path = defaultDBPath
	}

	e := &c.Engine
	if e.Workers < 1 {
		e.Workers = defaultWorkers
	}
	if e.QueueSize < 1 {
		e.QueueSize = defaultQueueSize
	}
	if e.QueryTimeout <= 0 {
		e.QueryTimeout = defaultTimeout
	}
	if e.FinalizeTimeout <= 0 {
		e.FinalizeTimeout = defaultTimeout
	}
	if e.StopTimeout <= 0 {
		e.StopTimeout = defaultTimeout
	}
	if e.PollInterval <= 0 {
		e.PollInterval = defaultPoll
	}
	if e.PollBatch < 1 || e.PollBatch > e.QueueSize {
		e.PollBatch = e.QueueSize
	}
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("%sDB_DSN is required for the %s driver", EnvPrefix, DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.DB.Driver)
	}
	if c.Backends.TokenURL != "" && c.Backends.ClientID == "" {
		return fmt.Errorf("%sBACKEND_CLIENT_ID is required with a token URL", EnvPrefix)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

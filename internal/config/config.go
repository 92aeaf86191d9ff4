// Package config loads server and historian settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Postgres holds the connection settings shared by the server and the historian.
type Postgres struct {
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD"`
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	Database string `env:"PG_DATABASE" envDefault:"tictactoe"`
}

// DSN returns a postgres:// connection string.
func (p Postgres) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	return u.String()
}

// Redis holds the Redis connection settings.
type Redis struct {
	Addr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB   int    `env:"REDIS_DB" envDefault:"0"`
}

// Historian configures the action queue consumer.
type Historian struct {
	QueueName          string        `env:"HISTORIAN_QUEUE_NAME" envDefault:"ttt_actions"`
	BatchSize          int           `env:"HISTORIAN_BATCH_SIZE" envDefault:"20"`
	FlushMS            int           `env:"HISTORIAN_FLUSH_MS" envDefault:"500"`
	InactivityTimeout  time.Duration `env:"GAME_INACTIVITY_TIMEOUT" envDefault:"10m"`
	InactivityInterval time.Duration `env:"GAME_INACTIVITY_CHECK_INTERVAL" envDefault:"1m"`
}

// FlushInterval is how long a partial batch may wait before it is written.
func (h Historian) FlushInterval() time.Duration {
	return time.Duration(h.FlushMS) * time.Millisecond
}

// Config is the full process configuration.
type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// AllowedOrigins feeds CORS and the WebSocket origin check.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// BroadcastTransport is "redis" for multi-instance fan-out or "memory" for a single process.
	BroadcastTransport string `env:"BROADCAST_TRANSPORT" envDefault:"redis"`

	TurnTimeout time.Duration `env:"TURN_TIMEOUT" envDefault:"10s"`

	// TokenTTL of zero issues tokens without expiry.
	TokenTTL       time.Duration `env:"TOKEN_EXPIRE_TIME" envDefault:"72h"`
	PrivateKeyPath string        `env:"JWT_PRIVATE_KEY_PATH"`
	PublicKeyPath  string        `env:"JWT_PUBLIC_KEY_PATH"`

	Postgres  Postgres
	Redis     Redis
	Historian Historian
}

// ParseEnv fills target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	switch cfg.BroadcastTransport {
	case "redis", "memory":
	default:
		return nil, fmt.Errorf("BROADCAST_TRANSPORT must be redis or memory, got %q", cfg.BroadcastTransport)
	}
	if cfg.Historian.BatchSize < 1 {
		return nil, fmt.Errorf("HISTORIAN_BATCH_SIZE must be positive, got %d", cfg.Historian.BatchSize)
	}
	if cfg.Historian.FlushMS < 1 {
		return nil, fmt.Errorf("HISTORIAN_FLUSH_MS must be positive, got %d", cfg.Historian.FlushMS)
	}
	return &cfg, nil
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	ServerAddr       string        `env:"CHAT_ADDR" envDefault:"localhost:8000"`
	DatabaseDSN      string        `env:"CHAT_DATABASE_DSN"`
	SigningSecret    string        `env:"CHAT_SIGNING_KEY"`
	AllowedOrigins   []string      `env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`
	RedisURL         string        `env:"CHAT_REDIS_URL"`
	Store            string        `env:"CHAT_STORE" envDefault:"postgres"`
	Env              string        `env:"CHAT_ENV" envDefault:"development"`
	LogLevel         string        `env:"CHAT_LOG_LEVEL" envDefault:"info"`
	NotifyToken      string        `env:"CHAT_NOTIFY_TOKEN"`
	SendQueueSize    int           `env:"CHAT_SEND_QUEUE_SIZE" envDefault:"256"`
	OperationTimeout time.Duration `env:"CHAT_OPERATION_TIMEOUT" envDefault:"5s"`
	MigrateOnStart   bool          `env:"CHAT_MIGRATE" envDefault:"true"`

	// SigningKey is the decoded form of SigningSecret, set by Validate.
	SigningKey []byte `env:"-"`
}

// Load reads the configuration from the environment. Callers may override
// fields before calling Validate.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	return nil
}

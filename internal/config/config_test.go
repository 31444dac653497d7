package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ServerAddr:       "localhost:8080",
		DatabaseDSN:      "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
		SigningSecret:    "c29tZV9zZWNyZXQ=",
		Store:            StorePostgres,
		SendQueueSize:    256,
		OperationTimeout: 5 * time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "empty address", modify: func(c *Config) { c.ServerAddr = "" }, err: true},
		{name: "empty DSN", modify: func(c *Config) { c.DatabaseDSN = "" }, err: true},
		{name: "empty DSN with memory store", modify: func(c *Config) { c.DatabaseDSN = ""; c.Store = StoreMemory }},
		{name: "unknown store", modify: func(c *Config) { c.Store = "sqlite" }, err: true},
		{name: "empty signing key", modify: func(c *Config) { c.SigningSecret = "" }, err: true},
		{name: "invalid signing key", modify: func(c *Config) { c.SigningSecret = "not base64!" }, err: true},
		{name: "zero queue size", modify: func(c *Config) { c.SendQueueSize = 0 }, err: true},
		{name: "zero timeout", modify: func(c *Config) { c.OperationTimeout = 0 }, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err, "expected validation error")
				return
			}
			assert.NoError(t, err, "expected no validation error")
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("CHAT_ADDR", ":9000")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("CHAT_STORE", StoreMemory)
	t.Setenv("CHAT_OPERATION_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err, "expected environment to parse")
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 2*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 256, cfg.SendQueueSize, "expected default send queue size")
	assert.True(t, cfg.MigrateOnStart, "expected migrations to run by default")
}

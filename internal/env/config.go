package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/hermes/protocol"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Codec            string `env:"HERMES_CODEC,default=text"`
	ContentEncoding  string `env:"HERMES_CONTENT_ENCODING,default=utf-8"`
	MaxContentLength int    `env:"HERMES_MAX_CONTENT_LENGTH,default=16777216"`
	MaxQueued        int    `env:"HERMES_MAX_QUEUED,default=1024"`

	Store        string        `env:"HERMES_STORE,default=memory"`
	PostgresDSN  string        `env:"HERMES_POSTGRES_DSN"`
	SnapshotPath string        `env:"HERMES_SNAPSHOT_PATH"`
	StoreTimeout time.Duration `env:"HERMES_STORE_TIMEOUT,default=3s"`

	DebugHTTP bool   `env:"HERMES_DEBUG_HTTP"`
	LogLevel  string `env:"HERMES_LOG_LEVEL,default=info"`
	Trace     bool   `env:"HERMES_TRACE"`
}

// LoadConfig reads .env.local, if there is one, and then the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if _, err := protocol.ParseCodecKind(c.Codec); err != nil {
		return fmt.Errorf("HERMES_CODEC: %w", err)
	}

	if err := protocol.CheckEncoding(c.ContentEncoding); err != nil {
		return fmt.Errorf("HERMES_CONTENT_ENCODING: %w", err)
	}

	if c.MaxContentLength <= 0 {
		return fmt.Errorf("HERMES_MAX_CONTENT_LENGTH must be positive, got %d", c.MaxContentLength)
	}

	if c.MaxQueued <= 0 {
		return fmt.Errorf("HERMES_MAX_QUEUED must be positive, got %d", c.MaxQueued)
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("HERMES_POSTGRES_DSN is required when HERMES_STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("HERMES_STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("HERMES_STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}

	return nil
}

// CodecKind is the parsed HERMES_CODEC. Only call it on a validated Config.
func (c *Config) CodecKind() protocol.CodecKind {
	kind, _ := protocol.ParseCodecKind(c.Codec)
	return kind
}

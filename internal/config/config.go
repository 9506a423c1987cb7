package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

// Config is the relay's runtime configuration, read from the environment.
type Config struct {
	Port           string `env:"PORT" envDefault:"3001"`
	Host           string `env:"HOST"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	DirectoryBackend    string        `env:"DIRECTORY_BACKEND" envDefault:"rest"`
	DirectoryURL        string        `env:"DIRECTORY_URL" envDefault:"http://localhost"`
	DirectoryApp        string        `env:"DIRECTORY_APP" envDefault:"Chat"`
	DirectoryExtension  string        `env:"DIRECTORY_EXTENSION" envDefault:"aspx"`
	DirectoryPrivateKey string        `env:"DIRECTORY_PRIVATE_KEY"`
	DirectoryTimeout    time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"10s"`
	DatabaseURL         string        `env:"DATABASE_URL"`

	ControlJWTSecret string `env:"CONTROL_JWT_SECRET" envDefault:"secret"`

	OfflineGrace         time.Duration `env:"OFFLINE_GRACE" envDefault:"10s"`
	OfflineSweepInterval time.Duration `env:"OFFLINE_SWEEP_INTERVAL" envDefault:"10s"`
	OfflineSweepGate     time.Duration `env:"OFFLINE_SWEEP_GATE" envDefault:"300s"`
	InactivityThreshold  time.Duration `env:"INACTIVITY_THRESHOLD" envDefault:"120s"`

	WSSendBuffer   int `env:"WS_SEND_BUFFER" envDefault:"64"`
	EventQueueSize int `env:"EVENT_QUEUE_SIZE" envDefault:"1024"`
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DirectoryBackend {
	case BackendREST:
		if c.DirectoryURL == "" {
			return errors.New("DIRECTORY_URL is required for the rest backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown DIRECTORY_BACKEND %q", c.DirectoryBackend)
	}
	if c.WSSendBuffer <= 0 || c.EventQueueSize <= 0 {
		return errors.New("WS_SEND_BUFFER and EVENT_QUEUE_SIZE must be positive")
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

package furidev

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	DEFAULT_SERVER          = "http://localhost:8080"
	DEFAULT_RETRY_INTERVAL  = 20 * time.Second
	DEFAULT_REQUEST_TIMEOUT = 10 * time.Second
)

// Config identifies a device against a furi server.
type Config struct {
	Server         string        `env:"FURI_SERVER,default=http://localhost:8080"`
	DeviceID       int64         `env:"FURI_DEVICE_ID,required"`
	Secret         string        `env:"FURI_DEVICE_SECRET,required"`
	RetryInterval  time.Duration `env:"FURI_RETRY_INTERVAL,default=20s"`
	RequestTimeout time.Duration `env:"FURI_REQUEST_TIMEOUT,default=10s"`
}

// ConfigFromEnv reads the device configuration from FURI_* environment
// variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("reading device config: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() (Config, error) {
	if c.Server == "" {
		c.Server = DEFAULT_SERVER
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DEFAULT_RETRY_INTERVAL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DEFAULT_REQUEST_TIMEOUT
	}
	if c.DeviceID <= 0 {
		return c, errors.New("device id is required")
	}
	if c.Secret == "" {
		return c, errors.New("device secret is required")
	}
	return c, nil
}

package tee

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrInvalidConfig = errors.New("tee: invalid config")

const (
	defaultDialRetries   = 5
	defaultRetryInterval = 20 * time.Millisecond
	defaultMaxInterval   = time.Second
)

// Config is used to tune a Context.
type Config struct {
	// DialRetries is how many times connecting to the service is retried
	// after the first failure.
	DialRetries uint64

	// RetryInterval is the first wait between two dial attempts. Later
	// waits grow exponentially up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// LogOutput is used to control the log destination.
	LogOutput io.Writer
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		DialRetries:      defaultDialRetries,
		RetryInterval:    defaultRetryInterval,
		MaxRetryInterval: defaultMaxInterval,
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.RetryInterval <= 0 {
		return fmt.Errorf("%w: RetryInterval must be positive", ErrInvalidConfig)
	}
	if config.MaxRetryInterval < config.RetryInterval {
		return fmt.Errorf("%w: MaxRetryInterval must be at least RetryInterval", ErrInvalidConfig)
	}
	return nil
}

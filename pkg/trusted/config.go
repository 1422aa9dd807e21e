package trusted

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrInvalidConfig = errors.New("trusted: invalid config")
	ErrServerClosed  = errors.New("trusted: server closed")
	ErrBusy          = errors.New("trusted: no worker available")
	ErrDuplicate     = errors.New("trusted: applet already registered")
)

const (
	defaultWorkers            = 64
	defaultQueueHint          = 16
	defaultSessionsPerConn    = 16
	defaultMaxRegisteredBytes = 1 << 30
	defaultShutdownTimeout    = 5 * time.Second
)

// Config is used to tune a Server.
type Config struct {
	// Workers bounds the number of connections served at once. Connections
	// beyond it are refused.
	Workers int

	// QueueHint sizes the request queue of a connection.
	QueueHint int64

	// MaxSessionsPerConn bounds the sessions open on one connection.
	MaxSessionsPerConn int

	// MaxRegisteredBytes bounds the memory registered across all
	// connections. Zero disables the bound.
	MaxRegisteredBytes int64

	// LockMemory pins registered memory in RAM once mapped.
	LockMemory bool

	// ShutdownTimeout bounds how long Close waits for connections.
	ShutdownTimeout time.Duration

	// Registerer receives the server metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer

	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string

	// LogOutput is used to control the log destination.
	LogOutput io.Writer
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:            defaultWorkers,
		QueueHint:          defaultQueueHint,
		MaxSessionsPerConn: defaultSessionsPerConn,
		MaxRegisteredBytes: defaultMaxRegisteredBytes,
		ShutdownTimeout:    defaultShutdownTimeout,
		MetricsNamespace:   "smaf_trusted",
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.Workers <= 0 {
		return fmt.Errorf("%w: Workers must be positive, got %d", ErrInvalidConfig, config.Workers)
	}
	if config.QueueHint <= 0 {
		return fmt.Errorf("%w: QueueHint must be positive, got %d", ErrInvalidConfig, config.QueueHint)
	}
	if config.MaxSessionsPerConn <= 0 {
		return fmt.Errorf("%w: MaxSessionsPerConn must be positive, got %d", ErrInvalidConfig, config.MaxSessionsPerConn)
	}
	if config.MaxRegisteredBytes < 0 {
		return fmt.Errorf("%w: MaxRegisteredBytes must not be negative", ErrInvalidConfig)
	}
	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: ShutdownTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

package sdp

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/plugin-smaf/pkg/tee"
)

// Config is used to tune a TrustedSession.
type Config struct {
	// Tee configures the trusted context.
	Tee *tee.Config

	// Applet is the applet the session is opened on.
	Applet uuid.UUID

	Login tee.Login

	// MaxTransfer bounds the bytes Inject and Dump move in one call to the
	// applet. Larger windows are split into several calls.
	MaxTransfer int

	// MeterProvider receives the operation latency histogram. Nil records
	// nothing.
	MeterProvider metric.MeterProvider

	// LogOutput is used to control the log destination.
	LogOutput io.Writer
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		Tee:         tee.DefaultConfig(),
		Applet:      AppletUUID,
		Login:       tee.LoginPublic,
		MaxTransfer: tee.MaxTempSize,
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.Applet == uuid.Nil {
		return fmt.Errorf("%w: Applet must be set", ErrInvalidConfig)
	}
	if config.MaxTransfer <= 0 || config.MaxTransfer > tee.MaxTempSize {
		return fmt.Errorf("%w: MaxTransfer must be in (0, %d]", ErrInvalidConfig, tee.MaxTempSize)
	}
	if config.Tee != nil {
		if err := tee.VerifyConfig(config.Tee); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

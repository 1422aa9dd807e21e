/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package smaf

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultOpenRetries   = 3
	defaultRetryInterval = 50 * time.Millisecond
	defaultMaxBufferSize = 256 << 20
)

// Config is used to tune a Session.
type Config struct {
	// OpenRetries is how many times opening the device is retried after the
	// first failure.
	OpenRetries uint64

	// RetryInterval is the wait between two open attempts.
	RetryInterval time.Duration

	// Registerer receives the session metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer

	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string

	// LogOutput is used to control the log destination.
	LogOutput io.Writer
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		OpenRetries:      defaultOpenRetries,
		RetryInterval:    defaultRetryInterval,
		MetricsNamespace: "smaf",
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.RetryInterval < 0 {
		return fmt.Errorf("%w: RetryInterval must not be negative", ErrInvalidConfig)
	}
	if config.OpenRetries > 100 {
		return fmt.Errorf("%w: OpenRetries must be at most 100, got %d", ErrInvalidConfig, config.OpenRetries)
	}
	return nil
}

// AllocatorSpec declares one allocator of a MemDevice.
type AllocatorSpec struct {
	Allocator Allocator
	// Secure reports whether buffers of this allocator can be made secure.
	Secure bool
}

// MemDeviceConfig is used to tune a MemDevice.
type MemDeviceConfig struct {
	// Allocators lists the allocators in enumeration order. The first one
	// serves AllocatorDefault requests.
	Allocators []AllocatorSpec

	// MaxBufferSize bounds a single buffer, after page rounding.
	MaxBufferSize int

	// CheckAvailableMemory refuses buffers larger than the memory the host
	// reports as available.
	CheckAvailableMemory bool

	// LogOutput is used to control the log destination.
	LogOutput io.Writer
}

// DefaultMemDeviceConfig is used to return a default MemDevice configuration
func DefaultMemDeviceConfig() *MemDeviceConfig {
	return &MemDeviceConfig{
		Allocators: []AllocatorSpec{
			{Allocator: AllocatorSystem, Secure: true},
			{Allocator: AllocatorCMA, Secure: true},
			{Allocator: AllocatorOPTEE, Secure: true},
		},
		MaxBufferSize:        defaultMaxBufferSize,
		CheckAvailableMemory: true,
	}
}

// VerifyMemDeviceConfig is used to verify the sanity of a MemDevice configuration
func VerifyMemDeviceConfig(config *MemDeviceConfig) error {
	if config.MaxBufferSize <= 0 {
		return fmt.Errorf("%w: MaxBufferSize must be positive, got %d", ErrInvalidConfig, config.MaxBufferSize)
	}
	seen := make(map[Allocator]bool, len(config.Allocators))
	for _, spec := range config.Allocators {
		if spec.Allocator == AllocatorDefault || !spec.Allocator.Valid() {
			return fmt.Errorf("%w: allocator %s can't be declared", ErrInvalidConfig, spec.Allocator)
		}
		if seen[spec.Allocator] {
			return fmt.Errorf("%w: allocator %s declared twice", ErrInvalidConfig, spec.Allocator)
		}
		seen[spec.Allocator] = true
	}
	return nil
}

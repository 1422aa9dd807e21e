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

// Package health exposes liveness and readiness of the SDP service over
// HTTP, on /live and /ready.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/plugin-smaf/pkg/smaf"
)

var (
	ErrNotReady   = errors.New("health: not ready")
	ErrLowShmFree = errors.New("health: shared memory filesystem low on space")
)

// Readier is implemented by components that can refuse new work, such as
// trusted.Server.
type Readier interface {
	Ready() error
}

// Options selects the checks installed by NewHandler.
type Options struct {
	// Registerer exports every check as a gauge. Nil leaves them
	// unexported.
	Registerer prometheus.Registerer
	Namespace  string

	// MaxGoroutines fails liveness above this many goroutines. Zero
	// disables the check.
	MaxGoroutines int

	// Server gates readiness.
	Server Readier

	// Session gates readiness on an open allocator device.
	Session *smaf.Session

	// ShmPath and ShmMinFree gate readiness on the free space of the
	// filesystem backing shared memory. An empty path disables the check.
	ShmPath    string
	ShmMinFree uint64

	// CheckTimeout bounds each readiness check.
	CheckTimeout time.Duration
}

// NewHandler returns a handler serving /live and /ready with the checks
// selected by opts.
func NewHandler(opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	if opts.Server != nil {
		h.AddReadinessCheck("trusted-server", opts.Server.Ready)
	}
	if opts.Session != nil {
		h.AddReadinessCheck("smaf-session", SessionCheck(opts.Session))
	}
	if opts.ShmPath != "" {
		h.AddReadinessCheck("shm-space", healthcheck.Timeout(ShmSpaceCheck(opts.ShmPath, opts.ShmMinFree), timeout))
	}
	return h
}

// SessionCheck fails while s has no open device.
func SessionCheck(s *smaf.Session) healthcheck.Check {
	return func() error {
		if !s.IsOpen() {
			return fmt.Errorf("%w: allocator device closed", ErrNotReady)
		}
		if _, err := s.AllocatorCount(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return nil
	}
}

// ShmSpaceCheck fails when the filesystem holding path has less than min
// bytes free.
func ShmSpaceCheck(path string, min uint64) healthcheck.Check {
	return func() error {
		usage, err := disk.Usage(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNotReady, path, err)
		}
		if usage.Free < min {
			return fmt.Errorf("%w: %s has %d bytes free, want %d", ErrLowShmFree, path, usage.Free, min)
		}
		return nil
	}
}

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
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-smaf/internal/logger"
)

// Session is a reference counted connection to an allocator device.
type Session struct {
	mu        sync.RWMutex
	config    *Config
	opener    Opener
	openCount int
	dev       Device

	buffers cmap.ConcurrentMap[string, *Buffer]
	metrics *metrics
	logger  *logger.Logger
}

// NewSession returns a closed session that opens its device with opener.
// A nil config uses DefaultConfig.
func NewSession(opener Opener, config *Config) (*Session, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: nil opener", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return &Session{
		config:  config,
		opener:  opener,
		buffers: cmap.New[*Buffer](),
		metrics: newMetrics(config),
		logger:  logger.New("smaf session", config.LogOutput),
	}, nil
}

// Open takes a reference on the session. The first reference opens the
// device, retrying failed attempts; on failure the reference is not taken.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openCount > 0 {
		s.openCount++
		return nil
	}

	var dev Device
	op := func() error {
		d, err := s.opener(ctx)
		if err != nil {
			return err
		}
		dev = d
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.config.RetryInterval), s.config.OpenRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		s.logger.Warnf("open device failed, retry in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.dev = dev
	s.openCount = 1
	s.metrics.deviceOpens.Inc()
	s.logger.Debugf("device opened")
	return nil
}

// Close drops a reference. The last reference closes the device. Close on
// a session that is not open does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openCount == 0 {
		return nil
	}
	s.openCount--
	if s.openCount > 0 {
		return nil
	}
	dev := s.dev
	s.dev = nil
	if n := s.buffers.Count(); n > 0 {
		s.logger.Warnf("device closed with %d buffer handles still open", n)
	}
	if err := dev.Close(); err != nil {
		return fmt.Errorf("%w: close device: %w", ErrConnection, err)
	}
	s.logger.Debugf("device closed")
	return nil
}

// IsOpen reports whether the device connection is up.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev != nil
}

// OpenCount returns the number of outstanding Open calls.
func (s *Session) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openCount
}

// withDevice runs fn with the device while holding the session open.
func (s *Session) withDevice(fn func(Device) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dev == nil {
		return ErrConnection
	}
	return fn(s.dev)
}

// CreateBuffer creates a buffer of at least length bytes from allocator.
func (s *Session) CreateBuffer(length int, flags Flags, allocator Allocator) (*Buffer, error) {
	if !allocator.Valid() {
		s.metrics.allocationErrors.Inc()
		return nil, fmt.Errorf("%w: invalid allocator %s", ErrAllocation, allocator)
	}
	var b *Buffer
	err := s.withDevice(func(dev Device) error {
		fd, size, err := dev.Create(CreateRequest{Length: length, Flags: flags, Allocator: allocator})
		if err != nil {
			return err
		}
		b = &Buffer{
			session:   s,
			fd:        fd,
			length:    length,
			size:      size,
			flags:     flags,
			allocator: allocator,
		}
		return nil
	})
	if err != nil {
		s.metrics.allocationErrors.Inc()
		return nil, fmt.Errorf("%w: length %d flags %#x allocator %s: %w", ErrAllocation, length, uint32(flags), allocator, err)
	}
	s.buffers.Set(strconv.Itoa(b.fd), b)
	s.metrics.buffersCreated.WithLabelValues(allocator.String()).Inc()
	s.metrics.openBuffers.Inc()
	s.logger.Debugf("buffer fd:%d length:%d size:%d allocator:%s", b.fd, length, b.size, allocator)
	return b, nil
}

// CreateNamedBuffer is CreateBuffer with the allocator given by its device
// name. The empty name selects AllocatorDefault.
func (s *Session) CreateNamedBuffer(length int, flags Flags, name string) (*Buffer, error) {
	allocator, err := ParseAllocator(name)
	if err != nil {
		s.metrics.allocationErrors.Inc()
		return nil, err
	}
	return s.CreateBuffer(length, flags, allocator)
}

// SetSecure asks the device to change the protection state of b. Setting
// the state b already has is a no-op.
func (s *Session) SetSecure(b *Buffer, enabled bool) error {
	state := strconv.FormatBool(enabled)
	if b == nil || b.session != s {
		s.metrics.secureTransitions.WithLabelValues(state, "refused").Inc()
		return fmt.Errorf("%w: buffer does not belong to this session", ErrState)
	}
	err := b.use(func(fd int) error {
		return s.withDevice(func(dev Device) error {
			return dev.SetSecure(fd, enabled)
		})
	})
	if err != nil {
		s.metrics.secureTransitions.WithLabelValues(state, "refused").Inc()
		return fmt.Errorf("%w: fd %d secure=%t: %w", ErrState, b.fd, enabled, err)
	}
	s.metrics.secureTransitions.WithLabelValues(state, "ok").Inc()
	return nil
}

// GetSecure reports the protection state of b. It returns false when the
// session is not open or b is closed.
func (s *Session) GetSecure(b *Buffer) bool {
	if b == nil || b.session != s {
		return false
	}
	var secure bool
	err := b.use(func(fd int) error {
		return s.withDevice(func(dev Device) error {
			var err error
			secure, err = dev.GetSecure(fd)
			return err
		})
	})
	if err != nil {
		s.logger.Debugf("get secure fd:%d: %v", b.fd, err)
		return false
	}
	return secure
}

// AllocatorCount returns the number of allocators of the device, or -1 and
// ErrConnection when the session is not open.
func (s *Session) AllocatorCount() (int, error) {
	count := -1
	err := s.withDevice(func(dev Device) error {
		var err error
		count, err = dev.AllocatorCount()
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return -1, err
		}
		return -1, fmt.Errorf("%w: allocator count: %w", ErrConnection, err)
	}
	return count, nil
}

// AllocatorName returns the allocator name at index. Any index outside
// [0, AllocatorCount()) reports absence rather than an error.
func (s *Session) AllocatorName(index int) (string, bool) {
	if index < 0 {
		return "", false
	}
	var name string
	err := s.withDevice(func(dev Device) error {
		count, err := dev.AllocatorCount()
		if err != nil {
			return err
		}
		if index >= count {
			return ErrAllocation
		}
		name, err = dev.AllocatorName(index)
		return err
	})
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// Allocators returns a snapshot of the device allocators.
func (s *Session) Allocators() ([]AllocatorInfo, error) {
	count, err := s.AllocatorCount()
	if err != nil {
		return nil, err
	}
	infos := make([]AllocatorInfo, 0, count)
	for i := 0; i < count; i++ {
		if name, ok := s.AllocatorName(i); ok {
			infos = append(infos, AllocatorInfo{Index: i, Name: name})
		}
	}
	return infos, nil
}

// Lookup returns the open buffer whose descriptor is fd.
func (s *Session) Lookup(fd int) (*Buffer, bool) {
	return s.buffers.Get(strconv.Itoa(fd))
}

// Buffers returns the open buffers ordered by descriptor.
func (s *Session) Buffers() []*Buffer {
	items := s.buffers.Items()
	out := make([]*Buffer, 0, len(items))
	for _, b := range items {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fd < out[j].fd })
	return out
}

func (s *Session) forget(b *Buffer) {
	s.buffers.Remove(strconv.Itoa(b.fd))
	s.metrics.openBuffers.Dec()
}

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
	"sync"

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/pkg/shm"
)

// Buffer is a handle on a device buffer. The handle owns its descriptor
// until Close, which is the only way to release the buffer.
type Buffer struct {
	session   *Session
	fd        int
	length    int
	size      int
	flags     Flags
	allocator Allocator

	mu     sync.RWMutex
	closed bool
}

// Fd returns the buffer descriptor. It stays owned by the Buffer.
func (b *Buffer) Fd() int { return b.fd }

// Len returns the requested length.
func (b *Buffer) Len() int { return b.length }

// Size returns the allocated size, at least Len.
func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Flags() Flags { return b.flags }

func (b *Buffer) Allocator() Allocator { return b.allocator }

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// use runs fn with the descriptor, failing with ErrClosed after Close.
func (b *Buffer) use(fn func(fd int) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return fn(b.fd)
}

// WithFd runs fn with the descriptor of b, which stays open until fn
// returns. It fails with ErrClosed after Close.
func (b *Buffer) WithFd(fn func(fd int) error) error {
	return b.use(fn)
}

// SetSecure is Session.SetSecure on b.
func (b *Buffer) SetSecure(enabled bool) error {
	return b.session.SetSecure(b, enabled)
}

// Secure is Session.GetSecure on b.
func (b *Buffer) Secure() bool {
	return b.session.GetSecure(b)
}

// Map maps the whole buffer into the process. It fails with
// ErrNotPermitted while the buffer is secure.
func (b *Buffer) Map(ctx context.Context) (*shm.Region, error) {
	var region *shm.Region
	err := b.use(func(fd int) error {
		return b.session.withDevice(func(dev Device) error {
			var err error
			region, err = shm.Map(ctx, dev, fd, shm.MapOptions{
				Size:     b.size,
				Writable: b.flags&FlagRDWR != 0,
			})
			return err
		})
	})
	switch {
	case err == nil:
		return region, nil
	case errors.Is(err, unix.EPERM):
		return nil, fmt.Errorf("%w: fd %d is secure", ErrNotPermitted, b.fd)
	default:
		return nil, fmt.Errorf("map fd %d: %w", b.fd, err)
	}
}

// Close releases the buffer. Mappings obtained from Map stay valid until
// they are closed. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.session.forget(b)

	err := b.session.withDevice(func(dev Device) error {
		return dev.Release(b.fd)
	})
	if errors.Is(err, ErrConnection) {
		// the device is gone, the descriptor is still ours
		err = internalshm.Close(b.fd)
	}
	if err != nil {
		return fmt.Errorf("close fd %d: %w", b.fd, err)
	}
	return nil
}

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
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-smaf/internal/logger"
	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/pkg/shm"
)

// memBuffer is the device-side state of one buffer.
type memBuffer struct {
	allocator Allocator
	size      int
	flags     Flags
	secure    bool
	mapped    int
}

// MemDevice is an in-process allocator device. Buffers are memfd files;
// their state is keyed by inode identity so any descriptor of a buffer,
// including one passed to another process, designates the same state.
type MemDevice struct {
	mu      sync.Mutex
	config  *MemDeviceConfig
	specs   map[Allocator]AllocatorSpec
	buffers map[internalshm.Identity]*memBuffer
	closed  bool
	logger  *logger.Logger
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a device serving the allocators of config. A nil
// config uses DefaultMemDeviceConfig.
func NewMemDevice(config *MemDeviceConfig) (*MemDevice, error) {
	if config == nil {
		config = DefaultMemDeviceConfig()
	}
	if err := VerifyMemDeviceConfig(config); err != nil {
		return nil, err
	}
	specs := make(map[Allocator]AllocatorSpec, len(config.Allocators))
	for _, spec := range config.Allocators {
		specs[spec.Allocator] = spec
	}
	return &MemDevice{
		config:  config,
		specs:   specs,
		buffers: make(map[internalshm.Identity]*memBuffer),
		logger:  logger.New("smaf memdevice", config.LogOutput),
	}, nil
}

// MemOpener returns an Opener creating a fresh MemDevice per connection.
func MemOpener(config *MemDeviceConfig) Opener {
	return func(context.Context) (Device, error) {
		return NewMemDevice(config)
	}
}

func (d *MemDevice) resolve(a Allocator) (AllocatorSpec, error) {
	if a == AllocatorDefault {
		if len(d.config.Allocators) == 0 {
			return AllocatorSpec{}, unix.ENODEV
		}
		return d.config.Allocators[0], nil
	}
	spec, ok := d.specs[a]
	if !ok {
		return AllocatorSpec{}, unix.ENODEV
	}
	return spec, nil
}

func (d *MemDevice) canAllocate(size int) bool {
	if !d.config.CheckAvailableMemory {
		return true
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		// no statistics, let the kernel decide
		d.logger.Warnf("memory statistics unavailable: %v", err)
		return true
	}
	return uint64(size) <= vm.Available
}

func (d *MemDevice) Create(req CreateRequest) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, 0, unix.EBADF
	}
	if req.Length <= 0 || req.Flags&^supportedFlags != 0 {
		return -1, 0, unix.EINVAL
	}
	spec, err := d.resolve(req.Allocator)
	if err != nil {
		return -1, 0, err
	}
	size := internalshm.PageAlign(req.Length)
	if size > d.config.MaxBufferSize || !d.canAllocate(size) {
		return -1, 0, unix.ENOMEM
	}
	fd, err := internalshm.MemfdCreate(spec.Allocator.Name(), size, req.Flags&FlagCloexec != 0)
	if err != nil {
		return -1, 0, err
	}
	id, _, err := internalshm.Stat(fd)
	if err != nil {
		_ = internalshm.Close(fd)
		return -1, 0, err
	}
	d.buffers[id] = &memBuffer{
		allocator: spec.Allocator,
		size:      size,
		flags:     req.Flags,
	}
	d.logger.Debugf("created fd:%d allocator:%s length:%d size:%d", fd, spec.Allocator, req.Length, size)
	return fd, size, nil
}

// lookup must be called with d.mu held.
func (d *MemDevice) lookup(fd int) (internalshm.Identity, *memBuffer, error) {
	if d.closed {
		return internalshm.Identity{}, nil, unix.EBADF
	}
	id, _, err := internalshm.Stat(fd)
	if err != nil {
		return id, nil, unix.EBADF
	}
	b, ok := d.buffers[id]
	if !ok {
		return id, nil, unix.EBADF
	}
	return id, b, nil
}

func (d *MemDevice) SetSecure(fd int, secure bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, b, err := d.lookup(fd)
	if err != nil {
		return err
	}
	if b.secure == secure {
		return nil
	}
	if secure {
		if !d.specs[b.allocator].Secure {
			return unix.ENOTSUP
		}
		if b.mapped > 0 {
			return unix.EBUSY
		}
	}
	b.secure = secure
	return nil
}

func (d *MemDevice) GetSecure(fd int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, b, err := d.lookup(fd)
	if err != nil {
		return false, err
	}
	return b.secure, nil
}

func (d *MemDevice) AllocatorCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, unix.EBADF
	}
	return len(d.config.Allocators), nil
}

func (d *MemDevice) AllocatorName(index int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", unix.EBADF
	}
	if index < 0 || index >= len(d.config.Allocators) {
		return "", unix.EINVAL
	}
	return d.config.Allocators[index].Allocator.Name(), nil
}

// Mmap maps a buffer for the untrusted domain. Secure buffers are refused
// with EPERM.
func (d *MemDevice) Mmap(fd int, opts shm.MapOptions) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, b, err := d.lookup(fd)
	if err != nil {
		return nil, err
	}
	if b.secure {
		return nil, unix.EPERM
	}
	if opts.Writable && b.flags&FlagRDWR == 0 {
		return nil, unix.EACCES
	}
	if opts.Offset < 0 || opts.Offset+int64(opts.Size) > int64(b.size) {
		return nil, unix.EINVAL
	}
	data, err := internalshm.MapFd(fd, internalshm.MapOptions{
		Offset:   opts.Offset,
		Size:     opts.Size,
		Writable: opts.Writable,
		Lock:     opts.Lock,
	})
	if err != nil {
		return nil, err
	}
	b.mapped++
	return data, nil
}

func (d *MemDevice) Munmap(fd int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, b, err := d.lookup(fd); err == nil && b.mapped > 0 {
		b.mapped--
	}
	return internalshm.Unmap(data)
}

func (d *MemDevice) Release(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, _, err := d.lookup(fd); err == nil {
		delete(d.buffers, id)
	}
	if err := internalshm.Close(fd); err != nil {
		return fmt.Errorf("release fd %d: %w", fd, err)
	}
	return nil
}

// Close forgets every buffer. Descriptors already handed out stay valid
// memory files but can no longer be managed.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if n := len(d.buffers); n > 0 {
		d.logger.Infof("closing with %d buffers still tracked", n)
	}
	d.buffers = nil
	return nil
}

// Buffers returns the number of buffers tracked by the device.
func (d *MemDevice) Buffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

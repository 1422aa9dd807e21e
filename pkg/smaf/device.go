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

	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-smaf/pkg/shm"
)

// Flags are the open flags of a buffer file descriptor.
type Flags uint32

const (
	FlagRDWR    Flags = unix.O_RDWR
	FlagCloexec Flags = unix.O_CLOEXEC

	supportedFlags = FlagRDWR | FlagCloexec
)

// CreateRequest asks a device for a new buffer.
type CreateRequest struct {
	Length    int
	Flags     Flags
	Allocator Allocator
}

// Device is the allocator backend behind a Session. Errors are errno values
// (unix.EINVAL, unix.EBUSY, ...) possibly wrapped.
//
// Mmap must refuse a secure buffer with unix.EPERM.
type Device interface {
	shm.Mapper

	// Create returns a new buffer descriptor and its allocated size, which
	// may be rounded up from the requested length.
	Create(req CreateRequest) (fd int, size int, err error)
	SetSecure(fd int, secure bool) error
	GetSecure(fd int) (bool, error)
	AllocatorCount() (int, error)
	AllocatorName(index int) (string, error)
	// Release closes a descriptor returned by Create.
	Release(fd int) error
	Close() error
}

// Opener opens a connection to a device.
type Opener func(ctx context.Context) (Device, error)

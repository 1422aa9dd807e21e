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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/pkg/shm"
)

// DefaultDevicePath is the node of the smaf kernel driver.
const DefaultDevicePath = "/dev/smaf"

// ioctl ABI of the smaf driver.
type smafCreateData struct {
	length  uintptr
	flags   uint32
	name    [AllocatorNameLength]byte
	fd      int32
	padding [56]byte
}

type smafSecureFlag struct {
	fd      int32
	secure  int32
	padding [56]byte
}

type smafInfo struct {
	count   int32
	index   int32
	name    [AllocatorNameLength]byte
	padding [56]byte
}

const (
	iocWrite = 1
	iocRead  = 2

	smafIocMagic = 'S'
)

func iowr(nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<30 | size<<16 | smafIocMagic<<8 | nr
}

var (
	smafIocCreate        = iowr(0, unsafe.Sizeof(smafCreateData{}))
	smafIocGetSecureFlag = iowr(1, unsafe.Sizeof(smafSecureFlag{}))
	smafIocSetSecureFlag = iowr(2, unsafe.Sizeof(smafSecureFlag{}))
	smafIocGetInfo       = iowr(3, unsafe.Sizeof(smafInfo{}))
)

// CharDevice drives the smaf kernel driver. The kernel enforces the secure
// flag: mmap of a secure buffer fails in the driver.
type CharDevice struct {
	fd int
}

var _ Device = (*CharDevice)(nil)

// OpenCharDevice opens the driver node at path.
func OpenCharDevice(path string) (*CharDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	return &CharDevice{fd: fd}, nil
}

// CharOpener returns an Opener for the driver node at path. A missing node
// is not retried.
func CharOpener(path string) Opener {
	return func(context.Context) (Device, error) {
		d, err := OpenCharDevice(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return d, nil
	}
}

// DeviceOpener returns MemOpener for the device name "mem" and
// CharOpener for anything else, taken as the driver node path.
func DeviceOpener(device string) Opener {
	if device == "mem" {
		return MemOpener(nil)
	}
	return CharOpener(device)
}

func (d *CharDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *CharDevice) Create(req CreateRequest) (int, int, error) {
	if !req.Allocator.Valid() {
		return -1, 0, unix.EINVAL
	}
	var data smafCreateData
	data.length = uintptr(req.Length)
	data.flags = uint32(req.Flags)
	copy(data.name[:AllocatorNameLength-1], req.Allocator.Name())
	if err := d.ioctl(smafIocCreate, unsafe.Pointer(&data)); err != nil {
		return -1, 0, err
	}
	fd := int(data.fd)
	_, size, err := internalshm.Stat(fd)
	if err != nil || size <= 0 {
		// dma-buf descriptors may not report a size
		size = int64(internalshm.PageAlign(req.Length))
	}
	return fd, int(size), nil
}

func (d *CharDevice) SetSecure(fd int, secure bool) error {
	flag := smafSecureFlag{fd: int32(fd)}
	if secure {
		flag.secure = 1
	}
	return d.ioctl(smafIocSetSecureFlag, unsafe.Pointer(&flag))
}

func (d *CharDevice) GetSecure(fd int) (bool, error) {
	flag := smafSecureFlag{fd: int32(fd)}
	if err := d.ioctl(smafIocGetSecureFlag, unsafe.Pointer(&flag)); err != nil {
		return false, err
	}
	return flag.secure != 0, nil
}

func (d *CharDevice) info(index int) (smafInfo, error) {
	info := smafInfo{index: int32(index)}
	err := d.ioctl(smafIocGetInfo, unsafe.Pointer(&info))
	return info, err
}

func (d *CharDevice) AllocatorCount() (int, error) {
	info, err := d.info(0)
	if err != nil {
		return -1, err
	}
	return int(info.count), nil
}

func (d *CharDevice) AllocatorName(index int) (string, error) {
	info, err := d.info(index)
	if err != nil {
		return "", err
	}
	if index >= int(info.count) {
		return "", unix.EINVAL
	}
	name := info.name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name), nil
}

func (d *CharDevice) Mmap(fd int, opts shm.MapOptions) ([]byte, error) {
	return shm.Direct.Mmap(fd, opts)
}

func (d *CharDevice) Munmap(fd int, data []byte) error {
	return shm.Direct.Munmap(fd, data)
}

func (d *CharDevice) Release(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("release fd %d: %w", fd, err)
	}
	return nil
}

func (d *CharDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

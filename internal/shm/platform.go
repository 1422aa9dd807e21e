// Package shm contains platform-specific helpers for memfd-backed buffers:
// creation, mapping, duplication and identity of buffer file descriptors.
package shm

import (
	"errors"
	"os"
)

// ErrNotSupported is returned on platforms without memfd support.
var ErrNotSupported = errors.New("shm: not supported on this platform")

// Identity names the object behind a file descriptor. Two descriptors with
// the same Identity refer to the same buffer, whichever process holds them.
type Identity struct {
	Dev uint64
	Ino uint64
}

// MapOptions defines how a descriptor is mapped.
type MapOptions struct {
	Offset   int64
	Size     int
	Writable bool
	// Lock pins the mapping in RAM and excludes it from core dumps.
	Lock bool
}

// PageSize is the system page size used for rounding buffer lengths.
var PageSize = os.Getpagesize()

// PageAlign rounds n up to a multiple of PageSize.
func PageAlign(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

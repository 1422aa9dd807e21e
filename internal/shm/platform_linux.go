//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MemfdCreate creates an anonymous memory file of size bytes.
func MemfdCreate(name string, size int, cloexec bool) (int, error) {
	flags := 0
	if cloexec {
		flags |= unix.MFD_CLOEXEC
	}
	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	return fd, nil
}

// MapFd maps a window of fd shared with every other holder of the buffer.
func MapFd(fd int, opts MapOptions) ([]byte, error) {
	prot := unix.PROT_READ
	if opts.Writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, opts.Offset, opts.Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if opts.Lock {
		if err := unix.Mlock(mem); err != nil {
			_ = unix.Munmap(mem)
			return nil, fmt.Errorf("mlock: %w", err)
		}
		if err := unix.Madvise(mem, unix.MADV_DONTDUMP); err != nil {
			_ = unix.Munlock(mem)
			_ = unix.Munmap(mem)
			return nil, fmt.Errorf("madvise(MADV_DONTDUMP): %w", err)
		}
	}
	return mem, nil
}

// Unmap releases a mapping returned by MapFd. Locked mappings are unlocked
// by munmap itself.
func Unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Dup returns an independent close-on-exec descriptor for the same buffer.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return nfd, nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// Stat returns the identity and current size of the buffer behind fd.
func Stat(fd int) (Identity, int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Identity{}, 0, fmt.Errorf("fstat: %w", err)
	}
	return Identity{Dev: uint64(st.Dev), Ino: st.Ino}, st.Size, nil
}

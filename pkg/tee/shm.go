package tee

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-smaf/internal/transport"
)

// MemFlags tells in which directions shared memory is used.
type MemFlags uint32

const (
	MemInput  MemFlags = 0x1
	MemOutput MemFlags = 0x2
)

// SharedMemory is memory registered with the trusted side from a
// descriptor. The trusted side keeps its own reference to the memory; the
// caller may close its descriptor right after registration.
type SharedMemory struct {
	ctx   *Context
	id    uint32
	size  int
	flags MemFlags
	fd    int

	mu       sync.Mutex
	released bool
}

// RegisterSharedMemoryFD registers the memory behind fd. The whole memory
// is registered and its size is reported by the trusted side.
func (c *Context) RegisterSharedMemoryFD(ctx context.Context, fd int, flags MemFlags) (*SharedMemory, error) {
	if fd < 0 || flags&^(MemInput|MemOutput) != 0 || flags == 0 {
		return nil, &Error{Op: "RegisterShm", Code: ResultBadParameters, Origin: OriginAPI}
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, &Error{Op: "RegisterShm", Code: ResultBadParameters, Origin: OriginAPI, Err: err}
	}
	resp, err := c.roundTrip(ctx, &transport.Request{
		Op:    transport.OpRegisterShm,
		Flags: uint32(flags),
	}, fd)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("shm %d registered from fd %d, size %d", resp.Shm, fd, resp.Size)
	return &SharedMemory{ctx: c, id: resp.Shm, size: int(resp.Size), flags: flags, fd: fd}, nil
}

func (m *SharedMemory) ID() uint32 { return m.id }

// Size returns the registered size.
func (m *SharedMemory) Size() int { return m.size }

func (m *SharedMemory) Flags() MemFlags { return m.flags }

// RegisteredFd returns the descriptor given at registration. It is owned
// by the caller and may be closed.
func (m *SharedMemory) RegisteredFd() int { return m.fd }

// Released reports whether ReleaseSharedMemory was called on m.
func (m *SharedMemory) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// ReleaseSharedMemory drops the trusted side reference on m. Releasing
// twice fails with ResultBadState.
func (c *Context) ReleaseSharedMemory(ctx context.Context, m *SharedMemory) error {
	if m == nil || m.ctx != c {
		return &Error{Op: "ReleaseShm", Code: ResultBadParameters, Origin: OriginAPI}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return &Error{Op: "ReleaseShm", Code: ResultBadState, Origin: OriginAPI}
	}
	_, err := c.roundTrip(ctx, &transport.Request{
		Op:  transport.OpReleaseShm,
		Shm: m.id,
	})
	switch ResultOf(err) {
	case ResultSuccess:
	case ResultBadState, ResultTargetDead:
		// the context is gone and took the registration with it
		m.released = true
		return err
	default:
		return err
	}
	m.released = true
	return nil
}

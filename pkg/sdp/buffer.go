package sdp

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/srediag/plugin-smaf/pkg/tee"
)

// RegisteredBuffer is a buffer known to the trusted side. It is created
// by RegisterBuffer only and is stale after DeregisterBuffer or Finalize.
type RegisteredBuffer struct {
	ts  *TrustedSession
	mem *tee.SharedMemory

	// mu serializes operations; released is guarded by it.
	mu       sync.Mutex
	released bool
}

// Size returns the registered size, which bounds every window.
func (rb *RegisteredBuffer) Size() int {
	return rb.mem.Size()
}

// Fd returns the descriptor given at registration. It belongs to the
// caller and may already be closed.
func (rb *RegisteredBuffer) Fd() int {
	return rb.mem.RegisteredFd()
}

// Stale reports whether rb was deregistered.
func (rb *RegisteredBuffer) Stale() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.released
}

// Window returns the window [offset, offset+size) of rb, failing with
// ErrBounds when it does not fit.
func (rb *RegisteredBuffer) Window(offset, size int) (Window, error) {
	w := Window{Offset: offset, Size: size}
	if err := w.check(rb.Size()); err != nil {
		return Window{}, err
	}
	return w, nil
}

func (rb *RegisteredBuffer) key() string {
	return strconv.FormatUint(uint64(rb.mem.ID()), 10)
}

// Window is a byte range of a registered buffer.
type Window struct {
	Offset int
	Size   int
}

// End returns the offset just past the window.
func (w Window) End() int {
	return w.Offset + w.Size
}

func (w Window) check(limit int) error {
	if w.Offset < 0 || w.Size < 0 || w.Offset > limit || w.Size > limit-w.Offset {
		return fmt.Errorf("%w: [%d, +%d) in %d bytes", ErrBounds, w.Offset, w.Size, limit)
	}
	return nil
}

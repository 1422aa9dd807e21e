package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

const (
	headerLength = 4

	// MaxFrameSize bounds a frame body. Temporary memory references travel
	// inside frames.
	MaxFrameSize = 64 << 20

	// MaxPayload bounds the temporary memory carried by one frame, leaving
	// room for the rest of the message.
	MaxPayload = MaxFrameSize - 64<<10

	// MaxFds is the number of descriptors accepted with one frame.
	MaxFds = 4
)

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrTooManyFds    = errors.New("transport: too many descriptors")
	ErrTruncated     = errors.New("transport: control message truncated")

	// ErrNotSent is wrapped by write errors raised before any byte of the
	// frame reached the peer. The stream stays usable after them.
	ErrNotSent = errors.New("transport: frame not sent")
)

var framePool bytebufferpool.Pool

// Conn reads and writes frames on a unix stream socket. Reads and writes
// are each serialized.
type Conn struct {
	c   *net.UnixConn
	rmu sync.Mutex
	wmu sync.Mutex
	oob []byte
}

func NewConn(c *net.UnixConn) *Conn {
	return &Conn{
		c:   c,
		oob: make([]byte, unix.CmsgSpace(MaxFds*4)),
	}
}

// WriteMessage encodes v as one frame. fds are duplicated into the peer;
// the caller keeps ownership of its descriptors.
func (c *Conn) WriteMessage(v any, fds ...int) error {
	if len(fds) > MaxFds {
		return fmt.Errorf("%w: %w", ErrNotSent, ErrTooManyFds)
	}
	buf := framePool.Get()
	defer framePool.Put(buf)

	buf.B = append(buf.B[:0], 0, 0, 0, 0)
	if err := encMode.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("%w: encode: %w", ErrNotSent, err)
	}
	body := len(buf.B) - headerLength
	if body > MaxFrameSize {
		return fmt.Errorf("%w: %w", ErrNotSent, ErrFrameTooLarge)
	}
	binary.BigEndian.PutUint32(buf.B[:headerLength], uint32(body))

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, _, err := c.c.WriteMsgUnix(buf.B, oob, nil)
	if err != nil {
		if n == 0 && errors.Is(err, unix.EBADF) {
			// sendmsg refused a descriptor of the rights message
			return fmt.Errorf("%w: %w", ErrNotSent, err)
		}
		return err
	}
	if n < len(buf.B) {
		// the descriptors went with the first chunk
		_, err = c.c.Write(buf.B[n:])
	}
	return err
}

// ReadMessage reads one frame into v and returns the descriptors that came
// with it. The caller owns the returned descriptors; on error none are
// returned.
func (c *Conn) ReadMessage(v any) (fds []int, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	defer func() {
		if err != nil {
			closeAll(fds)
			fds = nil
		}
	}()

	var hdr [headerLength]byte
	n, oobn, flags, _, err := c.c.ReadMsgUnix(hdr[:], c.oob)
	if oobn > 0 {
		var perr error
		fds, perr = parseRights(c.oob[:oobn])
		if err == nil {
			err = perr
		}
	}
	if err != nil {
		return fds, err
	}
	if n == 0 {
		return fds, io.EOF
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return fds, ErrTruncated
	}
	if n < headerLength {
		if _, err = io.ReadFull(c.c, hdr[n:]); err != nil {
			return fds, unexpectedEOF(err)
		}
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return fds, ErrFrameTooLarge
	}
	buf := framePool.Get()
	defer framePool.Put(buf)
	if cap(buf.B) < int(size) {
		buf.B = make([]byte, size)
	}
	buf.B = buf.B[:size]
	if _, err = io.ReadFull(c.c, buf.B); err != nil {
		return fds, unexpectedEOF(err)
	}
	if err = decMode.Unmarshal(buf.B, v); err != nil {
		return fds, fmt.Errorf("transport: decode: %w", err)
	}
	return fds, nil
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// Unix returns the underlying socket.
func (c *Conn) Unix() *net.UnixConn {
	return c.c
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("transport: control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("transport: rights: %w", err)
		}
		for _, fd := range rights {
			unix.CloseOnExec(fd)
		}
		fds = append(fds, rights...)
	}
	if len(fds) > MaxFds {
		return fds, ErrTooManyFds
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

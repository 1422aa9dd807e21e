package transport

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type ConnTestSuite struct {
	suite.Suite
	a, b *Conn
}

func (s *ConnTestSuite) SetupTest() {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	s.Require().NoError(err)
	s.a = NewConn(s.unixConn(fds[0]))
	s.b = NewConn(s.unixConn(fds[1]))
}

func (s *ConnTestSuite) TearDownTest() {
	_ = s.a.Close()
	_ = s.b.Close()
}

func (s *ConnTestSuite) unixConn(fd int) *net.UnixConn {
	f := os.NewFile(uintptr(fd), "test")
	defer f.Close()
	c, err := net.FileConn(f)
	s.Require().NoError(err)
	return c.(*net.UnixConn)
}

func (s *ConnTestSuite) TestRoundTrip() {
	req := &Request{
		Seq:     7,
		Op:      OpInvoke,
		Session: 3,
		Command: 2,
		Types:   0x000f,
		Params:  []Param{{Shm: 1, Offset: 47, Size: 6043}, {}, {}, {}},
	}
	go func() {
		_ = s.a.WriteMessage(req)
	}()
	var got Request
	fds, err := s.b.ReadMessage(&got)
	s.Require().NoError(err)
	s.Require().Empty(fds)
	s.Require().Equal(*req, got)
}

func (s *ConnTestSuite) TestDescriptorPassing() {
	fd, err := unix.MemfdCreate("conn-test", unix.MFD_CLOEXEC)
	s.Require().NoError(err)
	defer unix.Close(fd)
	s.Require().NoError(unix.Ftruncate(fd, 4096))

	go func() {
		_ = s.a.WriteMessage(&Request{Seq: 1, Op: OpRegisterShm, Size: 4096}, fd)
	}()
	var got Request
	fds, err := s.b.ReadMessage(&got)
	s.Require().NoError(err)
	s.Require().Len(fds, 1)
	defer unix.Close(fds[0])

	var st1, st2 unix.Stat_t
	s.Require().NoError(unix.Fstat(fd, &st1))
	s.Require().NoError(unix.Fstat(fds[0], &st2))
	s.Require().Equal(st1.Ino, st2.Ino)
	s.Require().Equal(OpRegisterShm, got.Op)
}

func (s *ConnTestSuite) TestLargeFrame() {
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		_ = s.a.WriteMessage(&Request{Seq: 2, Op: OpInvoke, Params: []Param{{Data: payload}}})
	}()
	var got Request
	_, err := s.b.ReadMessage(&got)
	s.Require().NoError(err)
	s.Require().Equal(payload, got.Params[0].Data)
}

func (s *ConnTestSuite) TestSequentialFrames() {
	go func() {
		for i := uint32(0); i < 100; i++ {
			_ = s.a.WriteMessage(&Response{Seq: i, Size: uint64(i)})
		}
	}()
	for i := uint32(0); i < 100; i++ {
		var resp Response
		_, err := s.b.ReadMessage(&resp)
		s.Require().NoError(err)
		s.Require().Equal(i, resp.Seq)
	}
}

func (s *ConnTestSuite) TestEOF() {
	s.Require().NoError(s.a.Close())
	var resp Response
	_, err := s.b.ReadMessage(&resp)
	s.Require().ErrorIs(err, io.EOF)
}

func (s *ConnTestSuite) TestOversizedFrame() {
	go func() {
		_, _ = s.a.Unix().Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()
	var resp Response
	_, err := s.b.ReadMessage(&resp)
	s.Require().ErrorIs(err, ErrFrameTooLarge)
}

func (s *ConnTestSuite) TestTruncatedBody() {
	go func() {
		_, _ = s.a.Unix().Write([]byte{0, 0, 0, 10, 1, 2})
		_ = s.a.Close()
	}()
	var resp Response
	_, err := s.b.ReadMessage(&resp)
	s.Require().ErrorIs(err, io.ErrUnexpectedEOF)
}

func (s *ConnTestSuite) TestTooManyDescriptors() {
	err := s.a.WriteMessage(&Request{}, 0, 1, 2, 3, 4)
	s.Require().ErrorIs(err, ErrTooManyFds)
	s.Require().ErrorIs(err, ErrNotSent)
}

func (s *ConnTestSuite) TestBadDescriptorLeavesStreamIntact() {
	fd, err := unix.MemfdCreate("conn-closed", unix.MFD_CLOEXEC)
	s.Require().NoError(err)
	s.Require().NoError(unix.Close(fd))

	err = s.a.WriteMessage(&Request{Seq: 1, Op: OpRegisterShm}, fd)
	s.Require().ErrorIs(err, ErrNotSent)
	s.Require().ErrorIs(err, unix.EBADF)

	go func() {
		_ = s.a.WriteMessage(&Request{Seq: 2, Op: OpInvoke})
	}()
	var got Request
	fds, err := s.b.ReadMessage(&got)
	s.Require().NoError(err)
	s.Require().Empty(fds)
	s.Require().Equal(uint32(2), got.Seq)
}

func (s *ConnTestSuite) TestOversizedWrite() {
	err := s.a.WriteMessage(&Request{Params: []Param{{Data: make([]byte, MaxFrameSize)}}})
	s.Require().ErrorIs(err, ErrFrameTooLarge)
	s.Require().ErrorIs(err, ErrNotSent)
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "RegisterShm", OpRegisterShm.String())
	assert.Equal(t, "Op(42)", Op(42).String())
}

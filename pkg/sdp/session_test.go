//go:build linux

package sdp

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/pkg/shm"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/tee"
	"github.com/srediag/plugin-smaf/pkg/transport"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

const (
	windowOffset = 47
	windowSize   = 6043
	windowTail   = 128
)

func testTeeConfig() *tee.Config {
	config := tee.DefaultConfig()
	config.DialRetries = 1
	config.RetryInterval = time.Millisecond
	config.MaxRetryInterval = time.Millisecond
	return config
}

func testConfig() *Config {
	config := DefaultConfig()
	config.Tee = testTeeConfig()
	return config
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// trustedView maps the buffer behind fd the way the trusted side does,
// regardless of its secure flag.
func trustedView(ctx context.Context, fd int) (*shm.Region, error) {
	_, size, err := internalshm.Stat(fd)
	if err != nil {
		return nil, err
	}
	return shm.Map(ctx, shm.Direct, fd, shm.MapOptions{Size: int(size)})
}

type TrustedSessionTestSuite struct {
	suite.Suite
	ctx     context.Context
	server  *trusted.Server
	session *smaf.Session
}

func (s *TrustedSessionTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.server = s.newServer(nil, NewApplet())

	var err error
	s.session, err = smaf.NewSession(smaf.MemOpener(nil), nil)
	s.Require().NoError(err)
	s.Require().NoError(s.session.Open(s.ctx))
}

func (s *TrustedSessionTestSuite) TearDownTest() {
	s.Require().NoError(s.session.Close())
}

func (s *TrustedSessionTestSuite) newServer(config *trusted.Config, applets ...trusted.Applet) *trusted.Server {
	if config == nil {
		config = trusted.DefaultConfig()
		config.Workers = 8
	}
	srv, err := trusted.NewServer(config, applets...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = srv.Close() })
	return srv
}

func (s *TrustedSessionTestSuite) newBuffer(length int, secure bool) *smaf.Buffer {
	b, err := s.session.CreateBuffer(length, smaf.FlagRDWR|smaf.FlagCloexec, smaf.AllocatorOPTEE)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = b.Close() })
	if secure {
		s.Require().NoError(b.SetSecure(true))
		s.Require().True(b.Secure())
	}
	return b
}

func (s *TrustedSessionTestSuite) create(srv *trusted.Server) *TrustedSession {
	ts, err := NewTrustedSession(transport.PipeDialer(srv.ServeConn), testConfig())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = ts.Finalize() })
	s.Require().NoError(ts.Create(s.ctx))
	s.Require().True(ts.Active())
	return ts
}

func (s *TrustedSessionTestSuite) TestRoundTrip() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, true)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)
	s.Require().Equal(4096, rb.Size())

	payload := randomBytes(100)
	s.Require().NoError(ts.Inject(s.ctx, rb, payload, 10, len(payload)))
	out := make([]byte, len(payload))
	s.Require().NoError(ts.Dump(s.ctx, rb, out, 10, len(out)))
	s.Require().Equal(payload, out)
}

func (s *TrustedSessionTestSuite) TestTransformProperty() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, true)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	payload := randomBytes(512)
	payload[0], payload[1], payload[2] = 0x00, 0x80, 0xff
	s.Require().NoError(ts.Inject(s.ctx, rb, payload, 0, len(payload)))
	s.Require().NoError(ts.Transform(s.ctx, rb, 0, len(payload)))
	out := make([]byte, len(payload))
	s.Require().NoError(ts.Dump(s.ctx, rb, out, 0, len(out)))

	s.Require().Equal(0, CountTransformMismatches(payload, out))
	s.Require().Equal([]byte{0x00, 0x80, 0x01}, out[:3])
}

func (s *TrustedSessionTestSuite) TestSecureDataPath() {
	ts := s.create(s.server)
	b := s.newBuffer(windowSize+windowOffset+windowTail, true)

	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)
	w, err := rb.Window(windowOffset, windowSize)
	s.Require().NoError(err)

	in := make([]byte, windowSize)
	out := make([]byte, windowSize)
	for i := 0; i < 1000; i++ {
		_, _ = rand.Read(in)
		s.Require().NoError(ts.Inject(s.ctx, rb, in, w.Offset, w.Size))

		mismatches, checked, err := CheckInjected(s.ctx, b, w, in)
		s.Require().NoError(err)
		s.Require().False(checked, "secure buffer must not be mappable")
		s.Require().Zero(mismatches)

		s.Require().NoError(ts.Transform(s.ctx, rb, w.Offset, w.Size))
		s.Require().NoError(ts.Dump(s.ctx, rb, out, w.Offset, w.Size))
		s.Require().Zero(CountTransformMismatches(in, out), "iteration %d", i)
	}

	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
	s.Require().NoError(b.Close())
	s.Require().NoError(ts.Finalize())
	s.Require().False(ts.Active())
}

func (s *TrustedSessionTestSuite) TestDataLandsInBuffer() {
	ts := s.create(s.server)
	b := s.newBuffer(8192, false)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	payload := randomBytes(300)
	s.Require().NoError(ts.Inject(s.ctx, rb, payload, 4000, len(payload)))

	w, err := rb.Window(4000, len(payload))
	s.Require().NoError(err)
	mismatches, checked, err := CheckInjected(s.ctx, b, w, payload)
	s.Require().NoError(err)
	s.Require().True(checked)
	s.Require().Zero(mismatches)

	s.Require().NoError(ts.Transform(s.ctx, rb, 4000, len(payload)))
	mismatches, checked, err = CheckTransformed(s.ctx, b, w, payload)
	s.Require().NoError(err)
	s.Require().True(checked)
	s.Require().Zero(mismatches)
}

func (s *TrustedSessionTestSuite) TestSecureBufferWrittenBehindTheFlag() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, true)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	payload := randomBytes(64)
	s.Require().NoError(ts.Inject(s.ctx, rb, payload, 128, len(payload)))

	_, err = b.Map(s.ctx)
	s.Require().ErrorIs(err, smaf.ErrNotPermitted)

	var view *shm.Region
	s.Require().NoError(b.WithFd(func(fd int) error {
		view, err = trustedView(s.ctx, fd)
		return err
	}))
	defer view.Close()
	s.Require().Equal(payload, view.Bytes()[128:128+64])
}

func (s *TrustedSessionTestSuite) TestCloseHandleAfterRegistration() {
	ts := s.create(s.server)
	b, err := s.session.CreateBuffer(4096, smaf.FlagRDWR|smaf.FlagCloexec, smaf.AllocatorDefault)
	s.Require().NoError(err)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)
	s.Require().NoError(b.Close())

	payload := randomBytes(4096)
	s.Require().NoError(ts.Inject(s.ctx, rb, payload, 0, len(payload)))
	out := make([]byte, len(payload))
	s.Require().NoError(ts.Dump(s.ctx, rb, out, 0, len(out)))
	s.Require().Equal(payload, out)
	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
}

func (s *TrustedSessionTestSuite) TestBounds() {
	ts := s.create(s.server)
	b := s.newBuffer(100, true)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)
	size := rb.Size()
	s.Require().GreaterOrEqual(size, 100)

	buf := make([]byte, size+1)
	s.Require().ErrorIs(ts.Inject(s.ctx, rb, buf, 1, size), ErrBounds)
	s.Require().ErrorIs(ts.Dump(s.ctx, rb, buf, size, 1), ErrBounds)
	s.Require().ErrorIs(ts.Transform(s.ctx, rb, -1, 10), ErrBounds)
	s.Require().ErrorIs(ts.Transform(s.ctx, rb, 0, -1), ErrBounds)
	s.Require().ErrorIs(ts.Transform(s.ctx, rb, size+1, 0), ErrBounds)
	_, err = rb.Window(size-10, 11)
	s.Require().ErrorIs(err, ErrBounds)

	// windows ending exactly at the end, and empty ones, are fine
	s.Require().NoError(ts.Inject(s.ctx, rb, buf, 0, size))
	s.Require().NoError(ts.Dump(s.ctx, rb, buf, size-10, 10))
	s.Require().NoError(ts.Transform(s.ctx, rb, size, 0))
}

func (s *TrustedSessionTestSuite) TestShortBuffers() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, false)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	s.Require().ErrorIs(ts.Inject(s.ctx, rb, make([]byte, 10), 0, 11), ErrOperation)
	s.Require().ErrorIs(ts.Dump(s.ctx, rb, make([]byte, 10), 0, 11), ErrOperation)
}

func (s *TrustedSessionTestSuite) TestStaleReference() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, false)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)
	s.Require().Equal(1, ts.Registered())

	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
	s.Require().True(rb.Stale())
	s.Require().Zero(ts.Registered())

	s.Require().ErrorIs(ts.DeregisterBuffer(s.ctx, rb), ErrDeregistration)
	s.Require().ErrorIs(ts.Inject(s.ctx, rb, make([]byte, 8), 0, 8), ErrOperation)
	s.Require().ErrorIs(ts.Transform(s.ctx, rb, 0, 8), ErrOperation)
	s.Require().ErrorIs(ts.DeregisterBuffer(s.ctx, nil), ErrDeregistration)
	s.Require().ErrorIs(ts.Transform(s.ctx, nil, 0, 8), ErrOperation)
}

func (s *TrustedSessionTestSuite) TestForeignReference() {
	ts1 := s.create(s.server)
	ts2 := s.create(s.server)
	b := s.newBuffer(4096, false)
	rb, err := ts1.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	s.Require().ErrorIs(ts2.Transform(s.ctx, rb, 0, 8), ErrOperation)
	s.Require().ErrorIs(ts2.DeregisterBuffer(s.ctx, rb), ErrDeregistration)
	s.Require().NoError(ts1.DeregisterBuffer(s.ctx, rb))
}

func (s *TrustedSessionTestSuite) TestDeregisterWhileInUse() {
	ts := s.create(s.server)
	b := s.newBuffer(4096, false)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	rb.mu.Lock()
	err = ts.DeregisterBuffer(s.ctx, rb)
	rb.mu.Unlock()
	s.Require().ErrorIs(err, ErrDeregistration)
	s.Require().False(rb.Stale())
	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
}

func (s *TrustedSessionTestSuite) TestConcurrentReferences() {
	ts := s.create(s.server)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		b := s.newBuffer(8192, true)
		rb, err := ts.RegisterHandle(s.ctx, b)
		s.Require().NoError(err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := randomBytes(1000)
			out := make([]byte, len(in))
			for j := 0; j < 50; j++ {
				if err := ts.Inject(s.ctx, rb, in, j, len(in)); err != nil {
					errs <- err
					return
				}
				if err := ts.Dump(s.ctx, rb, out, j, len(out)); err != nil {
					errs <- err
					return
				}
				if CountMismatches(in, out) != 0 {
					errs <- errors.New("dump differs from inject")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}
}

func (s *TrustedSessionTestSuite) TestContextFailure() {
	dial := func(context.Context) (*net.UnixConn, error) {
		return nil, errors.New("no service")
	}
	ts, err := NewTrustedSession(dial, testConfig())
	s.Require().NoError(err)
	err = ts.Create(s.ctx)
	s.Require().ErrorIs(err, ErrContext)
	s.Require().False(ts.Active())
	s.Require().NoError(ts.Finalize())
	s.Require().ErrorIs(ts.Create(s.ctx), ErrFinalized)
}

func (s *TrustedSessionTestSuite) TestSessionFailureStillFinalizes() {
	srv := s.newServer(nil)
	ts, err := NewTrustedSession(transport.PipeDialer(srv.ServeConn), testConfig())
	s.Require().NoError(err)

	err = ts.Create(s.ctx)
	s.Require().ErrorIs(err, ErrSession)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultItemNotFound, 0)))
	s.Require().False(ts.Active())
	s.Require().Equal(1, srv.Connections())

	_, err = ts.RegisterBuffer(s.ctx, 0)
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().ErrorIs(err, ErrNotActive)

	// the context is kept, a retry only opens the session
	s.Require().NoError(srv.Register(NewApplet()))
	s.Require().NoError(ts.Create(s.ctx))
	s.Require().Equal(1, srv.Connections())

	s.Require().NoError(ts.Finalize())
	s.Require().Eventually(func() bool { return srv.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *TrustedSessionTestSuite) TestFinalizeReleasesLeftovers() {
	ts := s.create(s.server)
	rb1, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)
	rb2, err := ts.RegisterHandle(s.ctx, s.newBuffer(8192, false))
	s.Require().NoError(err)
	s.Require().Equal(int64(4096+8192), s.server.RegisteredBytes())

	s.Require().NoError(ts.Finalize())
	s.Require().True(rb1.Stale())
	s.Require().True(rb2.Stale())
	s.Require().Zero(s.server.RegisteredBytes())
	s.Require().ErrorIs(ts.DeregisterBuffer(s.ctx, rb1), ErrDeregistration)
	s.Require().ErrorIs(ts.Inject(s.ctx, rb2, make([]byte, 8), 0, 8), ErrOperation)
}

func (s *TrustedSessionTestSuite) TestFinalizeIdempotent() {
	var nilSession *TrustedSession
	s.Require().NoError(nilSession.Finalize())

	ts := s.create(s.server)
	s.Require().NoError(ts.Finalize())
	s.Require().NoError(ts.Finalize())
	s.Require().ErrorIs(ts.Create(s.ctx), ErrFinalized)

	_, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, false))
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().ErrorIs(err, ErrFinalized)

	neverCreated, err := NewTrustedSession(transport.PipeDialer(s.server.ServeConn), testConfig())
	s.Require().NoError(err)
	s.Require().NoError(neverCreated.Finalize())
}

func (s *TrustedSessionTestSuite) TestCreateTwice() {
	ts := s.create(s.server)
	s.Require().ErrorIs(ts.Create(s.ctx), ErrSession)
}

func (s *TrustedSessionTestSuite) TestRegistrationRefused() {
	config := trusted.DefaultConfig()
	config.Workers = 2
	config.MaxRegisteredBytes = 4096
	srv := s.newServer(config, NewApplet())
	ts := s.create(srv)

	_, err := ts.RegisterHandle(s.ctx, s.newBuffer(8192, true))
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultOutOfMemory, tee.OriginTEE)))

	rb, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)
	_, err = ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().ErrorIs(err, ErrRegistration)

	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
	_, err = ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)
}

func (s *TrustedSessionTestSuite) TestRegisterInvalidHandle() {
	ts := s.create(s.server)
	_, err := ts.RegisterBuffer(s.ctx, -1)
	s.Require().ErrorIs(err, ErrRegistration)

	b, err := s.session.CreateBuffer(4096, smaf.FlagRDWR, smaf.AllocatorDefault)
	s.Require().NoError(err)
	s.Require().NoError(b.Close())
	_, err = ts.RegisterHandle(s.ctx, b)
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().ErrorIs(err, smaf.ErrClosed)

	_, err = ts.RegisterHandle(s.ctx, nil)
	s.Require().ErrorIs(err, ErrRegistration)

	// a descriptor that is not memory
	a, c, err := transport.Pair()
	s.Require().NoError(err)
	defer a.Close()
	defer c.Close()
	f, err := a.File()
	s.Require().NoError(err)
	defer f.Close()
	_, err = ts.RegisterBuffer(s.ctx, int(f.Fd()))
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().True(ts.Active())
}

func (s *TrustedSessionTestSuite) TestRegisterUnopenedDescriptor() {
	ts := s.create(s.server)
	fd, err := internalshm.MemfdCreate("gone", 4096, true)
	s.Require().NoError(err)
	s.Require().NoError(internalshm.Close(fd))

	_, err = ts.RegisterBuffer(s.ctx, fd)
	s.Require().ErrorIs(err, ErrRegistration)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultBadParameters, tee.OriginAPI)))
	s.Require().True(ts.Active())

	rb, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)
	s.Require().NoError(ts.Inject(s.ctx, rb, []byte{1, 2, 3}, 0, 3))
	s.Require().NoError(ts.DeregisterBuffer(s.ctx, rb))
}

func (s *TrustedSessionTestSuite) TestLargeWindowsAreSplit() {
	config := testConfig()
	config.MaxTransfer = 1000
	ts, err := NewTrustedSession(transport.PipeDialer(s.server.ServeConn), config)
	s.Require().NoError(err)
	defer ts.Finalize()
	s.Require().NoError(ts.Create(s.ctx))

	b := s.newBuffer(windowSize+windowOffset+windowTail, true)
	rb, err := ts.RegisterHandle(s.ctx, b)
	s.Require().NoError(err)

	in := randomBytes(windowSize)
	out := make([]byte, windowSize)
	s.Require().NoError(ts.Inject(s.ctx, rb, in, windowOffset, windowSize))
	s.Require().NoError(ts.Dump(s.ctx, rb, out, windowOffset, windowSize))
	s.Require().Equal(in, out)

	s.Require().NoError(ts.Transform(s.ctx, rb, windowOffset, windowSize))
	s.Require().NoError(ts.Dump(s.ctx, rb, out, windowOffset, windowSize))
	s.Require().Zero(CountTransformMismatches(in, out))

	// an empty window still makes one call
	s.Require().NoError(ts.Inject(s.ctx, rb, nil, rb.Size(), 0))
	s.Require().NoError(ts.Dump(s.ctx, rb, nil, 0, 0))
}

func (s *TrustedSessionTestSuite) TestOversizedCallKeepsSession() {
	ts := s.create(s.server)
	op := &tee.Operation{}
	op.Params[0] = tee.TempInput(make([]byte, tee.MaxTempSize+1))
	err := ts.sess.InvokeCommand(s.ctx, CmdInject, op)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultBadParameters, tee.OriginAPI)))
	s.Require().True(ts.Active())

	rb, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)
	s.Require().NoError(ts.Inject(s.ctx, rb, make([]byte, 8), 0, 8))
}

func (s *TrustedSessionTestSuite) TestFinalizeAfterLostChannel() {
	srv := s.newServer(nil, NewApplet())
	ts := s.create(srv)
	rb, err := ts.RegisterHandle(s.ctx, s.newBuffer(4096, true))
	s.Require().NoError(err)

	_ = srv.Close()
	err = ts.Inject(s.ctx, rb, make([]byte, 8), 0, 8)
	s.Require().ErrorIs(err, ErrOperation)
	s.Require().False(ts.Active())
	s.Require().Equal(1, ts.Registered())

	err = ts.Inject(s.ctx, rb, make([]byte, 8), 0, 8)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultTargetDead, 0)))

	s.Require().NoError(ts.Finalize())
	s.Require().True(rb.Stale())
	s.Require().Zero(ts.Registered())
}

func (s *TrustedSessionTestSuite) TestTimeoutKillsContext() {
	var mu sync.Mutex
	var held []*net.UnixConn
	silent := func(c *net.UnixConn) error {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, c)
		return nil
	}
	defer func() {
		for _, c := range held {
			_ = c.Close()
		}
	}()

	ts, err := NewTrustedSession(transport.PipeDialer(silent), testConfig())
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	err = ts.Create(ctx)
	s.Require().ErrorIs(err, ErrSession)
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	err = ts.Create(s.ctx)
	s.Require().ErrorIs(err, ErrSession)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultTargetDead, 0)))
	s.Require().NoError(ts.Finalize())
}

func (s *TrustedSessionTestSuite) TestUnknownCommand() {
	ts := s.create(s.server)
	err := ts.sess.InvokeCommand(s.ctx, 42, nil)
	s.Require().True(errors.Is(err, tee.NewError(tee.ResultNotSupported, tee.OriginTrustedApp)))
}

func TestTrustedSessionTestSuite(t *testing.T) {
	suite.Run(t, new(TrustedSessionTestSuite))
}

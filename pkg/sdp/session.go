package sdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-smaf/internal/logger"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/tee"
	"github.com/srediag/plugin-smaf/pkg/transport"
)

const instrumentationName = "github.com/srediag/plugin-smaf/pkg/sdp"

type state int

const (
	stateUninitialized state = iota
	stateActive
	stateFinalized
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateActive:
		return "active"
	case stateFinalized:
		return "finalized"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// TrustedSession is a session with the SDP applet and the buffers
// registered through it.
type TrustedSession struct {
	config *Config
	dial   transport.Dialer
	logger *logger.Logger
	tracer trace.Tracer
	opTime metric.Float64Histogram

	// mu is held for reading by registrations and operations and for
	// writing by state transitions.
	mu    sync.RWMutex
	state state
	tctx  *tee.Context
	sess  *tee.Session
	refs  cmap.ConcurrentMap[string, *RegisteredBuffer]
}

// NewTrustedSession returns an uninitialized session that reaches the
// trusted service with dial. A nil config uses DefaultConfig.
func NewTrustedSession(dial transport.Dialer, config *Config) (*TrustedSession, error) {
	if dial == nil {
		return nil, fmt.Errorf("%w: nil dialer", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	mp := config.MeterProvider
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	opTime, err := mp.Meter(instrumentationName).Float64Histogram("sdp.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of SDP operations, by operation."),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &TrustedSession{
		config: config,
		dial:   dial,
		logger: logger.New("sdp", config.LogOutput),
		tracer: otel.Tracer(instrumentationName),
		opTime: opTime,
		refs:   cmap.New[*RegisteredBuffer](),
	}, nil
}

// Create initializes the trusted context and opens the applet session.
// It fails with ErrContext when the service can't be reached and with
// ErrSession when the applet refuses the session; in the latter case the
// context stays initialized, a later Create only retries the session, and
// Finalize releases the context.
func (ts *TrustedSession) Create(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch ts.state {
	case stateActive:
		return fmt.Errorf("%w: already active", ErrSession)
	case stateFinalized:
		return ErrFinalized
	}

	if ts.tctx == nil {
		tctx, err := tee.InitializeContext(ctx, ts.dial, ts.config.Tee)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrContext, err)
		}
		ts.tctx = tctx
	}
	sess, err := ts.tctx.OpenSession(ctx, ts.config.Applet, ts.config.Login)
	if err != nil {
		return fmt.Errorf("%w: applet %s: %w", ErrSession, ts.config.Applet, err)
	}
	ts.sess = sess
	ts.state = stateActive
	ts.logger.Debugf("session %d active on %s", sess.ID(), ts.config.Applet)
	return nil
}

// Active reports whether operations can be issued. A session whose
// context died is no longer active but still has to be finalized.
func (ts *TrustedSession) Active() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.state == stateActive && ts.tctx.Alive()
}

// Finalize releases buffers still registered, closes the applet session
// and then the context. It is idempotent and accepts a nil session. Every
// step is attempted; the first failure is returned.
func (ts *TrustedSession) Finalize() error {
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state == stateFinalized {
		return nil
	}
	ts.state = stateFinalized

	var errs []error
	ctx := context.Background()
	if n := ts.refs.Count(); n > 0 {
		ts.logger.Warnf("finalize with %d buffers still registered, releasing them", n)
	}
	ts.refs.IterCb(func(_ string, rb *RegisteredBuffer) {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		if rb.released {
			return
		}
		rb.released = true
		err := ts.tctx.ReleaseSharedMemory(ctx, rb.mem)
		switch tee.ResultOf(err) {
		case tee.ResultSuccess, tee.ResultBadState, tee.ResultTargetDead:
			// a dead context took its registrations with it
		default:
			errs = append(errs, fmt.Errorf("%w: %w", ErrDeregistration, err))
		}
	})
	ts.refs.Clear()

	if err := ts.sess.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: close: %w", ErrSession, err))
	}
	if err := ts.tctx.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("%w: finalize: %w", ErrContext, err))
	}
	ts.sess, ts.tctx = nil, nil
	ts.logger.Debugf("session finalized")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// RegisterBuffer hands the buffer behind fd to the trusted side. The
// trusted side keeps its own reference: fd may be closed right after.
func (ts *TrustedSession) RegisterBuffer(ctx context.Context, fd int) (*RegisteredBuffer, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if err := ts.activeErr(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if fd < 0 {
		return nil, fmt.Errorf("%w: invalid descriptor %d", ErrRegistration, fd)
	}
	mem, err := ts.tctx.RegisterSharedMemoryFD(ctx, fd, tee.MemInput|tee.MemOutput)
	if err != nil {
		return nil, fmt.Errorf("%w: fd %d: %w", ErrRegistration, fd, err)
	}
	rb := &RegisteredBuffer{ts: ts, mem: mem}
	ts.refs.Set(rb.key(), rb)
	ts.logger.Debugf("fd %d registered as %d, %d bytes", fd, mem.ID(), mem.Size())
	return rb, nil
}

// RegisterHandle is RegisterBuffer on the descriptor of b.
func (ts *TrustedSession) RegisterHandle(ctx context.Context, b *smaf.Buffer) (*RegisteredBuffer, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrRegistration)
	}
	var rb *RegisteredBuffer
	err := b.WithFd(func(fd int) error {
		var err error
		rb, err = ts.RegisterBuffer(ctx, fd)
		return err
	})
	if errors.Is(err, smaf.ErrClosed) {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return rb, err
}

// DeregisterBuffer releases the trusted reference of rb. It fails with
// ErrDeregistration when rb is stale, belongs to another session, is in
// use by an operation, or when the trusted side refuses.
func (ts *TrustedSession) DeregisterBuffer(ctx context.Context, rb *RegisteredBuffer) error {
	if rb == nil || rb.ts != ts {
		return fmt.Errorf("%w: buffer not registered in this session", ErrDeregistration)
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !rb.mu.TryLock() {
		return fmt.Errorf("%w: operation in flight on %d", ErrDeregistration, rb.mem.ID())
	}
	defer rb.mu.Unlock()
	if rb.released {
		return fmt.Errorf("%w: stale reference %d", ErrDeregistration, rb.mem.ID())
	}
	if err := ts.activeErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeregistration, err)
	}
	if err := ts.tctx.ReleaseSharedMemory(ctx, rb.mem); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrDeregistration, rb.mem.ID(), err)
	}
	rb.released = true
	ts.refs.Remove(rb.key())
	ts.logger.Debugf("%d deregistered", rb.mem.ID())
	return nil
}

// Registered returns the number of buffers currently registered.
func (ts *TrustedSession) Registered() int {
	return ts.refs.Count()
}

// activeErr must be called with ts.mu held.
func (ts *TrustedSession) activeErr() error {
	switch ts.state {
	case stateActive:
		return nil
	case stateFinalized:
		return ErrFinalized
	}
	return ErrNotActive
}

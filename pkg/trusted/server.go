package trusted

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-smaf/internal/logger"
)

const instrumentationName = "github.com/srediag/plugin-smaf/pkg/trusted"

// Server hosts applets and serves client connections.
type Server struct {
	config  *Config
	pool    *ants.Pool
	metrics *metrics
	logger  *logger.Logger
	tracer  trace.Tracer

	appletsMu sync.RWMutex
	applets   map[uuid.UUID]Applet

	conns      cmap.ConcurrentMap[string, *conn]
	nextConnID atomic.Uint64
	registered atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewServer returns a server hosting applets. A nil config uses
// DefaultConfig.
func NewServer(config *Config, applets ...Applet) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	log := logger.New("trusted", config.LogOutput)
	pool, err := ants.NewPool(config.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Errorf("connection worker panic: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  config,
		pool:    pool,
		metrics: newMetrics(config),
		logger:  log,
		tracer:  otel.Tracer(instrumentationName),
		applets: make(map[uuid.UUID]Applet),
		conns:   cmap.New[*conn](),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, a := range applets {
		if err := s.Register(a); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Register adds an applet. Sessions can be opened on it from then on.
func (s *Server) Register(a Applet) error {
	s.appletsMu.Lock()
	defer s.appletsMu.Unlock()
	id := a.UUID()
	if _, ok := s.applets[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	s.applets[id] = a
	s.logger.Infof("applet %s registered", id)
	return nil
}

func (s *Server) applet(id uuid.UUID) (Applet, bool) {
	s.appletsMu.RLock()
	defer s.appletsMu.RUnlock()
	a, ok := s.applets[id]
	return a, ok
}

// Serve accepts connections on l until l fails or the server is closed.
// It returns ErrServerClosed after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			s.logger.Warnf("refusing non unix connection from %s", c.RemoteAddr())
			_ = c.Close()
			continue
		}
		if err := s.ServeConn(uc); err != nil {
			s.logger.Warnf("connection refused: %v", err)
		}
	}
}

// ServeConn serves one connection on a pool worker. The server owns c from
// then on, even when ServeConn fails.
func (s *Server) ServeConn(c *net.UnixConn) error {
	if s.isClosed() {
		_ = c.Close()
		return ErrServerClosed
	}
	cn := newConn(s, strconv.FormatUint(s.nextConnID.Add(1), 10), c)
	s.conns.Set(cn.id, cn)
	s.metrics.connections.Inc()
	if err := s.pool.Submit(cn.serve); err != nil {
		s.conns.Remove(cn.id)
		s.metrics.connections.Dec()
		_ = c.Close()
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrBusy
		}
		return err
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listeners, drops every connection and waits for their
// workers, up to the configured shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	s.conns.IterCb(func(_ string, c *conn) {
		c.shutdown()
	})
	s.cancel()
	err := s.pool.ReleaseTimeout(s.config.ShutdownTimeout)
	s.logger.Infof("server closed")
	return err
}

// Ready reports whether the server accepts new connections.
func (s *Server) Ready() error {
	if s.isClosed() {
		return ErrServerClosed
	}
	// idle pool workers count as running, connections are what hold them
	if s.conns.Count() >= s.config.Workers {
		return ErrBusy
	}
	return nil
}

// Connections returns the number of connections being served.
func (s *Server) Connections() int {
	return s.conns.Count()
}

// RegisteredBytes returns the memory currently registered.
func (s *Server) RegisteredBytes() int64 {
	return s.registered.Load()
}

// reserve accounts size registered bytes against MaxRegisteredBytes.
func (s *Server) reserve(size int64) bool {
	total := s.registered.Add(size)
	if limit := s.config.MaxRegisteredBytes; limit > 0 && total > limit {
		s.registered.Add(-size)
		return false
	}
	s.metrics.registeredBytes.Add(float64(size))
	return true
}

func (s *Server) unreserve(size int64) {
	s.registered.Add(-size)
	s.metrics.registeredBytes.Sub(float64(size))
}

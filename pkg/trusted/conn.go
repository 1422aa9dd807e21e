package trusted

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/internal/transport"
	"github.com/srediag/plugin-smaf/pkg/shm"
	"github.com/srediag/plugin-smaf/pkg/tee"
)

type session struct {
	id     uint32
	applet uuid.UUID
	as     AppletSession
}

type sharedMemory struct {
	id     uint32
	size   int
	flags  tee.MemFlags
	region *shm.Region
}

// conn is the state of one client connection. A reader goroutine queues
// requests; the executor running on the pool worker handles them in order
// and owns sessions and shared memory.
type conn struct {
	id    string
	srv   *Server
	wire  *transport.Conn
	queue *requestQueue

	sessions    map[uint32]*session
	shms        cmap.ConcurrentMap[string, *sharedMemory]
	nextSession uint32
	nextShm     uint32
}

func newConn(s *Server, id string, c *net.UnixConn) *conn {
	return &conn{
		id:       id,
		srv:      s,
		wire:     transport.NewConn(c),
		queue:    newRequestQueue(s.config.QueueHint),
		sessions: make(map[uint32]*session),
		shms:     cmap.New[*sharedMemory](),
	}
}

func (c *conn) serve() {
	defer c.cleanup()
	go c.readLoop()
	for {
		e, err := c.queue.pop()
		if err != nil {
			if !errors.Is(err, queuepkg.ErrDisposed) {
				c.srv.logger.Warnf("conn %s: %v", c.id, err)
			}
			return
		}
		resp := c.handle(e)
		resp.Seq = e.req.Seq
		if err := c.wire.WriteMessage(resp); err != nil {
			c.srv.logger.Warnf("conn %s: write response: %v", c.id, err)
			c.shutdown()
			return
		}
	}
}

func (c *conn) readLoop() {
	defer c.queue.dispose()
	for {
		var req transport.Request
		fds, err := c.wire.ReadMessage(&req)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.srv.logger.Warnf("conn %s: read request: %v", c.id, err)
			}
			return
		}
		if err := c.queue.put(&queueElement{req: req, fds: fds}); err != nil {
			closeFds(fds)
			return
		}
	}
}

// shutdown closes the socket, which stops the reader and then the executor.
func (c *conn) shutdown() {
	_ = c.wire.Close()
}

// cleanup releases everything the client left behind.
func (c *conn) cleanup() {
	c.shutdown()
	c.queue.dispose()
	for id, sess := range c.sessions {
		sess.as.Close()
		delete(c.sessions, id)
		c.srv.metrics.sessions.Dec()
	}
	c.shms.IterCb(func(_ string, m *sharedMemory) {
		c.unmap(m)
	})
	c.shms.Clear()
	c.srv.conns.Remove(c.id)
	c.srv.metrics.connections.Dec()
	c.srv.logger.Debugf("conn %s: closed", c.id)
}

func (c *conn) handle(e *queueElement) *transport.Response {
	var resp *transport.Response
	var err error
	if e.req.Op != transport.OpRegisterShm {
		closeFds(e.fds)
	}
	switch e.req.Op {
	case transport.OpOpenSession:
		resp, err = c.openSession(&e.req)
	case transport.OpCloseSession:
		resp, err = c.closeSession(&e.req)
	case transport.OpRegisterShm:
		resp, err = c.registerShm(&e.req, e.fds)
	case transport.OpReleaseShm:
		resp, err = c.releaseShm(&e.req)
	case transport.OpInvoke:
		resp, err = c.invoke(&e.req)
	default:
		err = teeError(tee.ResultNotSupported, tee.OriginTEE)
	}
	if err != nil {
		c.srv.logger.Debugf("conn %s: %s: %v", c.id, e.req.Op, err)
		return &transport.Response{
			Result: uint32(tee.ResultOf(err)),
			Origin: uint32(originOf(err)),
			Params: resultParams(resp),
		}
	}
	return resp
}

func (c *conn) openSession(req *transport.Request) (*transport.Response, error) {
	id, err := uuid.FromBytes(req.UUID)
	if err != nil {
		return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
	}
	a, ok := c.srv.applet(id)
	if !ok {
		return nil, teeError(tee.ResultItemNotFound, tee.OriginTEE)
	}
	if len(c.sessions) >= c.srv.config.MaxSessionsPerConn {
		return nil, teeError(tee.ResultBusy, tee.OriginTEE)
	}
	as, err := a.OpenSession(c.srv.baseCtx, tee.Login(req.Login))
	if err != nil {
		return nil, appletError(err)
	}
	c.nextSession++
	sess := &session{id: c.nextSession, applet: id, as: as}
	c.sessions[sess.id] = sess
	c.srv.metrics.sessions.Inc()
	c.srv.logger.Debugf("conn %s: session %d opened on %s", c.id, sess.id, id)
	return &transport.Response{Session: sess.id}, nil
}

func (c *conn) closeSession(req *transport.Request) (*transport.Response, error) {
	sess, ok := c.sessions[req.Session]
	if !ok {
		return nil, teeError(tee.ResultItemNotFound, tee.OriginTEE)
	}
	sess.as.Close()
	delete(c.sessions, sess.id)
	c.srv.metrics.sessions.Dec()
	return &transport.Response{}, nil
}

func (c *conn) registerShm(req *transport.Request, fds []int) (*transport.Response, error) {
	// the mapping outlives the descriptor
	defer closeFds(fds)
	result := "ok"
	defer func() {
		c.srv.metrics.registrations.WithLabelValues(result).Inc()
	}()

	flags := tee.MemFlags(req.Flags)
	if len(fds) != 1 || flags == 0 || flags&^(tee.MemInput|tee.MemOutput) != 0 {
		result = "bad_parameters"
		return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
	}
	_, size, err := internalshm.Stat(fds[0])
	if err != nil || size <= 0 || size > int64(^uint(0)>>1) {
		result = "bad_parameters"
		return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
	}
	if !c.srv.reserve(size) {
		result = "out_of_memory"
		return nil, teeError(tee.ResultOutOfMemory, tee.OriginTEE)
	}
	region, err := shm.Map(c.srv.baseCtx, shm.Direct, fds[0], shm.MapOptions{
		Size:     int(size),
		Writable: flags&tee.MemOutput != 0,
		Lock:     c.srv.config.LockMemory,
	})
	if err != nil {
		c.srv.unreserve(size)
		c.srv.logger.Warnf("conn %s: map shared memory: %v", c.id, err)
		switch {
		case errors.Is(err, unix.EACCES):
			result = "access_denied"
			return nil, teeError(tee.ResultAccessDenied, tee.OriginTEE)
		default:
			result = "out_of_memory"
			return nil, teeError(tee.ResultOutOfMemory, tee.OriginTEE)
		}
	}
	c.nextShm++
	m := &sharedMemory{id: c.nextShm, size: int(size), flags: flags, region: region}
	c.shms.Set(shmKey(m.id), m)
	c.srv.logger.Debugf("conn %s: shm %d registered, %d bytes", c.id, m.id, size)
	return &transport.Response{Shm: m.id, Size: uint64(size)}, nil
}

func (c *conn) releaseShm(req *transport.Request) (*transport.Response, error) {
	m, ok := c.shms.Pop(shmKey(req.Shm))
	if !ok {
		return nil, teeError(tee.ResultItemNotFound, tee.OriginTEE)
	}
	c.unmap(m)
	return &transport.Response{}, nil
}

func (c *conn) unmap(m *sharedMemory) {
	if err := m.region.Close(); err != nil {
		c.srv.logger.Warnf("conn %s: unmap shm %d: %v", c.id, m.id, err)
	}
	c.srv.unreserve(int64(m.size))
}

func (c *conn) invoke(req *transport.Request) (resp *transport.Response, err error) {
	command := strconv.FormatUint(uint64(req.Command), 10)
	start := time.Now()
	defer func() {
		c.srv.metrics.invokeDuration.Observe(time.Since(start).Seconds())
		c.srv.metrics.invocations.WithLabelValues(command, tee.ResultOf(err).String()).Inc()
	}()

	sess, ok := c.sessions[req.Session]
	if !ok {
		return nil, teeError(tee.ResultItemNotFound, tee.OriginTEE)
	}
	types := tee.UnpackParamTypes(req.Types)
	params, err := c.buildParams(types, req.Params)
	if err != nil {
		return nil, err
	}

	ctx, span := c.srv.tracer.Start(c.srv.baseCtx, "trusted.Invoke", trace.WithAttributes(
		attribute.String("tee.applet", sess.applet.String()),
		attribute.Int64("tee.command", int64(req.Command)),
	))
	defer span.End()
	err = sess.as.Invoke(ctx, req.Command, params)
	resp = &transport.Response{Params: outputParams(types, params)}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, tee.ResultOf(err).String())
		return resp, appletError(err)
	}
	return resp, nil
}

// buildParams materializes the wire parameters for an applet. Registered
// windows must lie within the registered memory.
func (c *conn) buildParams(types [4]tee.ParamType, wire []transport.Param) (*Params, error) {
	params := &Params{}
	var out uint64
	for i, t := range types {
		var w transport.Param
		if i < len(wire) {
			w = wire[i]
		}
		p := &params[i]
		switch {
		case t == tee.ParamNone:
		case !t.Valid():
			return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
		case t.IsValue():
			p.Type = ParamType(t)
			if t.IsInput() {
				p.Value = tee.Value{A: w.A, B: w.B}
			}
		case t.IsTemp():
			p.Type = ParamType(t)
			if w.Size > transport.MaxPayload {
				return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
			}
			if t.IsOutput() {
				// outputs travel back in one response frame
				if out += w.Size; out > transport.MaxPayload {
					return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
				}
			}
			if t.IsInput() {
				if uint64(len(w.Data)) != w.Size {
					return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
				}
				p.Memref = w.Data
				if p.Memref == nil {
					p.Memref = []byte{}
				}
			} else {
				p.Memref = make([]byte, w.Size)
			}
		case t.IsRegistered():
			m, ok := c.shms.Get(shmKey(w.Shm))
			if !ok {
				return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
			}
			offset, size := w.Offset, w.Size
			if t == tee.ParamMemrefWhole {
				offset, size = 0, uint64(m.size)
			}
			if offset > uint64(m.size) || size > uint64(m.size)-offset {
				return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
			}
			in := t.IsInput() || (t == tee.ParamMemrefWhole && m.flags&tee.MemInput != 0)
			out := t.IsOutput() || (t == tee.ParamMemrefWhole && m.flags&tee.MemOutput != 0)
			if (in && m.flags&tee.MemInput == 0) || (out && m.flags&tee.MemOutput == 0) {
				return nil, teeError(tee.ResultBadParameters, tee.OriginTEE)
			}
			switch {
			case in && out:
				p.Type = ParamMemrefInout
			case out:
				p.Type = ParamMemrefOutput
			default:
				p.Type = ParamMemrefInput
			}
			mem := m.region.Bytes()
			p.Memref = mem[offset : offset+size : offset+size]
		}
	}
	return params, nil
}

// outputParams reports outputs back to the client. Temporary outputs carry
// their bytes; registered outputs only their size.
func outputParams(types [4]tee.ParamType, params *Params) []transport.Param {
	out := make([]transport.Param, len(types))
	for i, t := range types {
		p := &params[i]
		switch {
		case t.IsValue() && t.IsOutput():
			out[i].A, out[i].B = p.Value.A, p.Value.B
		case t.IsTemp() && t.IsOutput():
			out[i].Data = p.Memref
			out[i].Size = uint64(len(p.Memref))
		case t.IsRegistered():
			out[i].Size = uint64(len(p.Memref))
		}
	}
	return out
}

func resultParams(resp *transport.Response) []transport.Param {
	if resp == nil {
		return nil
	}
	return resp.Params
}

func teeError(code tee.Result, origin tee.Origin) error {
	return tee.NewError(code, origin)
}

// appletError keeps the result an applet chose; other errors become
// ResultGeneric.
func appletError(err error) error {
	var te *tee.Error
	if errors.As(err, &te) {
		origin := te.Origin
		if origin == 0 {
			origin = tee.OriginTrustedApp
		}
		return &tee.Error{Code: te.Code, Origin: origin, Err: err}
	}
	return &tee.Error{Code: tee.ResultGeneric, Origin: tee.OriginTrustedApp, Err: err}
}

func originOf(err error) tee.Origin {
	if o := tee.OriginOf(err); o != 0 {
		return o
	}
	return tee.OriginTEE
}

func shmKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func closeFds(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

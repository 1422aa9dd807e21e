package tee

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/srediag/plugin-smaf/internal/transport"
)

// MaxTempSize bounds the temporary memory of one call in each direction.
// InvokeCommand refuses larger operations with ResultBadParameters.
const MaxTempSize = transport.MaxPayload

// Login is the connection method of OpenSession.
type Login uint32

const (
	LoginPublic      Login = 0x0
	LoginUser        Login = 0x1
	LoginGroup       Login = 0x2
	LoginApplication Login = 0x4
)

// Session is an open session with a trusted applet.
type Session struct {
	ctx    *Context
	id     uint32
	applet uuid.UUID

	mu     sync.Mutex
	closed bool
}

// OpenSession opens a session with the applet identified by applet.
func (c *Context) OpenSession(ctx context.Context, applet uuid.UUID, login Login) (*Session, error) {
	resp, err := c.roundTrip(ctx, &transport.Request{
		Op:    transport.OpOpenSession,
		UUID:  applet[:],
		Login: uint32(login),
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("session %d opened on %s", resp.Session, applet)
	return &Session{ctx: c, id: resp.Session, applet: applet}, nil
}

func (s *Session) ID() uint32 { return s.id }

func (s *Session) Applet() uuid.UUID { return s.applet }

// Close closes the session. It is idempotent and accepts a nil Session.
// When the context is finalized or dead the session is already gone on the
// trusted side and Close only forgets it.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, err := s.ctx.roundTrip(ctx, &transport.Request{
		Op:      transport.OpCloseSession,
		Session: s.id,
	})
	switch ResultOf(err) {
	case ResultSuccess, ResultBadState, ResultTargetDead:
		return nil
	}
	return err
}

// InvokeCommand runs cmd on the trusted side with the parameters of op and
// copies outputs back into op. op may be nil for a command without
// parameters.
func (s *Session) InvokeCommand(ctx context.Context, cmd uint32, op *Operation) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &Error{Op: "Invoke", Code: ResultBadState, Origin: OriginAPI}
	}
	if op == nil {
		op = &Operation{}
	}
	params, err := s.ctx.encodeParams(op)
	if err != nil {
		return err
	}
	resp, err := s.ctx.roundTrip(ctx, &transport.Request{
		Op:      transport.OpInvoke,
		Session: s.id,
		Command: cmd,
		Types:   op.Types(),
		Params:  params,
	})
	if resp != nil {
		decodeParams(op, resp.Params)
	}
	return err
}

func (c *Context) encodeParams(op *Operation) ([]transport.Param, error) {
	params := make([]transport.Param, len(op.Params))
	var in, out int
	for i := range op.Params {
		p := &op.Params[i]
		w := &params[i]
		bad := func() error {
			return &Error{Op: "Invoke", Code: ResultBadParameters, Origin: OriginAPI}
		}
		switch {
		case p.Type == ParamNone:
		case !p.Type.Valid():
			return nil, bad()
		case p.Type.IsValue():
			if p.Type.IsInput() {
				w.A, w.B = p.Value.A, p.Value.B
			}
		case p.Type.IsTemp():
			w.Size = uint64(len(p.Temp))
			if p.Type.IsInput() {
				w.Data = p.Temp
				in += len(p.Temp)
			}
			if p.Type.IsOutput() {
				out += len(p.Temp)
			}
			if in > MaxTempSize || out > MaxTempSize {
				return nil, bad()
			}
		case p.Type.IsRegistered():
			m := p.Memory
			if m == nil || m.ctx != c || m.Released() {
				return nil, bad()
			}
			offset, size := p.Offset, p.Size
			if p.Type == ParamMemrefWhole {
				offset, size = 0, m.Size()
			}
			if offset < 0 || size < 0 || offset > m.Size() || size > m.Size()-offset {
				return nil, bad()
			}
			if (p.Type.IsInput() && m.Flags()&MemInput == 0) ||
				(p.Type.IsOutput() && m.Flags()&MemOutput == 0) {
				return nil, bad()
			}
			w.Shm = m.id
			w.Offset = uint64(offset)
			w.Size = uint64(size)
		}
	}
	return params, nil
}

func decodeParams(op *Operation, params []transport.Param) {
	for i := range op.Params {
		if i >= len(params) {
			return
		}
		p, w := &op.Params[i], &params[i]
		switch {
		case p.Type.IsValue() && p.Type.IsOutput():
			p.Value = Value{A: w.A, B: w.B}
		case p.Type.IsTemp() && p.Type.IsOutput():
			copy(p.Temp, w.Data)
			p.Size = int(w.Size)
		case p.Type.IsRegistered() && (p.Type.IsOutput() || p.Type == ParamMemrefWhole):
			p.Size = int(w.Size)
		}
	}
}

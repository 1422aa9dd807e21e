package tee

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-smaf/internal/logger"
	"github.com/srediag/plugin-smaf/internal/transport"
	pkgtransport "github.com/srediag/plugin-smaf/pkg/transport"
)

// aLongTimeAgo is a deadline in the past, it unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Context is a connection to the trusted service.
type Context struct {
	mu     sync.Mutex
	conn   *transport.Conn
	seq    uint32
	dead   error
	logger *logger.Logger
}

// InitializeContext connects to the service with dial. Failed attempts are
// retried with exponential backoff as configured; a nil config uses
// DefaultConfig.
func InitializeContext(ctx context.Context, dial pkgtransport.Dialer, config *Config) (*Context, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, &Error{Op: "InitializeContext", Code: ResultBadParameters, Origin: OriginAPI}
	}
	log := logger.New("tee", config.LogOutput)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.RetryInterval
	eb.MaxInterval = config.MaxRetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, config.DialRetries), ctx)

	var conn *transport.Conn
	err := backoff.RetryNotify(func() error {
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		conn = transport.NewConn(c)
		return nil
	}, policy, func(err error, wait time.Duration) {
		log.Warnf("dial trusted service failed, retry in %s: %v", wait, err)
	})
	if err != nil {
		return nil, &Error{Op: "InitializeContext", Code: ResultCommunication, Origin: OriginComms, Err: err}
	}
	log.Debugf("context initialized")
	return &Context{conn: conn, logger: log}, nil
}

// Finalize closes the connection. The service releases every session and
// shared memory of the context. Finalize is idempotent and accepts a nil
// Context.
func (c *Context) Finalize() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	if c.dead != nil {
		// already closed when the channel was lost
		err = nil
	}
	c.conn = nil
	c.logger.Debugf("context finalized")
	return err
}

// Alive reports whether calls can still be made on c.
func (c *Context) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.dead == nil
}

// roundTrip sends req with fds and waits for its response. A response with
// a non-success result is returned along with its error. A request refused
// before it was sent fails with ResultBadParameters; any other failure of
// the channel kills the context.
func (c *Context) roundTrip(ctx context.Context, req *transport.Request, fds ...int) (*transport.Response, error) {
	op := req.Op.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn == nil:
		return nil, &Error{Op: op, Code: ResultBadState, Origin: OriginAPI}
	case c.dead != nil:
		return nil, &Error{Op: op, Code: ResultTargetDead, Origin: OriginComms, Err: c.dead}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: op, Code: ResultCancel, Origin: OriginAPI, Err: err}
	}

	c.seq++
	req.Seq = c.seq
	deadline, hasDeadline := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.kill(op, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	var resp transport.Response
	err := c.conn.WriteMessage(req, fds...)
	if errors.Is(err, transport.ErrNotSent) && ctx.Err() == nil {
		// nothing reached the service, the channel is still in sync
		return nil, &Error{Op: op, Code: ResultBadParameters, Origin: OriginAPI, Err: err}
	}
	if err == nil {
		var in []int
		in, err = c.conn.ReadMessage(&resp)
		for _, fd := range in {
			_ = unix.Close(fd)
		}
	}
	if err == nil && resp.Seq != req.Seq {
		err = fmt.Errorf("response %d to request %d", resp.Seq, req.Seq)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("%w: %w", cerr, err)
		} else if hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
			// the socket deadline can fire before the context timer
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, c.kill(op, err)
	}
	if code := Result(resp.Result); code != ResultSuccess {
		return &resp, &Error{Op: op, Code: code, Origin: Origin(resp.Origin)}
	}
	return &resp, nil
}

// kill marks the context dead. It must be called with c.mu held.
func (c *Context) kill(op string, err error) error {
	c.dead = err
	_ = c.conn.Close()
	c.logger.Errorf("%s: channel lost, context is dead: %v", op, err)
	return &Error{Op: op, Code: ResultCommunication, Origin: OriginComms, Err: err}
}

package sdp

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-smaf/pkg/tee"
)

// Inject writes src[:size] into the window [offset, offset+size) of rb.
// Windows longer than Config.MaxTransfer take several calls; when one of
// them fails the pieces before it are already written.
func (ts *TrustedSession) Inject(ctx context.Context, rb *RegisteredBuffer, src []byte, offset, size int) error {
	return ts.operate(ctx, "inject", rb, Window{Offset: offset, Size: size}, func(sess *tee.Session) error {
		if len(src) < size {
			return fmt.Errorf("source holds %d bytes, want %d", len(src), size)
		}
		return ts.split(size, func(at, n int) error {
			op := &tee.Operation{}
			op.Params[0] = tee.TempInput(src[at : at+n])
			op.Params[1] = tee.PartialOutput(rb.mem, offset+at, n)
			return sess.InvokeCommand(ctx, CmdInject, op)
		})
	})
}

// Transform has the trusted side transform the window in place. No data
// crosses the channel.
func (ts *TrustedSession) Transform(ctx context.Context, rb *RegisteredBuffer, offset, size int) error {
	return ts.operate(ctx, "transform", rb, Window{Offset: offset, Size: size}, func(sess *tee.Session) error {
		op := &tee.Operation{}
		op.Params[0] = tee.PartialInout(rb.mem, offset, size)
		return sess.InvokeCommand(ctx, CmdTransform, op)
	})
}

// Dump reads the window [offset, offset+size) of rb into dst[:size].
func (ts *TrustedSession) Dump(ctx context.Context, rb *RegisteredBuffer, dst []byte, offset, size int) error {
	return ts.operate(ctx, "dump", rb, Window{Offset: offset, Size: size}, func(sess *tee.Session) error {
		if len(dst) < size {
			return fmt.Errorf("destination holds %d bytes, want %d", len(dst), size)
		}
		return ts.split(size, func(at, n int) error {
			op := &tee.Operation{}
			op.Params[0] = tee.PartialInput(rb.mem, offset+at, n)
			op.Params[1] = tee.TempOutput(dst[at : at+n])
			if err := sess.InvokeCommand(ctx, CmdDump, op); err != nil {
				return err
			}
			if op.Params[1].Size != n {
				return fmt.Errorf("dumped %d bytes at %d, want %d", op.Params[1].Size, offset+at, n)
			}
			return nil
		})
	})
}

// split calls fn on consecutive pieces [at, at+n) of size bytes, each at
// most MaxTransfer long. fn runs once for an empty window.
func (ts *TrustedSession) split(size int, fn func(at, n int) error) error {
	at := 0
	for {
		n := min(size-at, ts.config.MaxTransfer)
		if err := fn(at, n); err != nil {
			return err
		}
		if at += n; at >= size {
			return nil
		}
	}
}

// operate runs fn with rb locked after checking the session state, the
// reference and the window.
func (ts *TrustedSession) operate(ctx context.Context, name string, rb *RegisteredBuffer, w Window, fn func(*tee.Session) error) (err error) {
	ctx, span := ts.tracer.Start(ctx, "sdp."+name, trace.WithAttributes(
		attribute.Int("sdp.offset", w.Offset),
		attribute.Int("sdp.size", w.Size),
	))
	start := time.Now()
	defer func() {
		ts.opTime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("sdp.operation", name),
			attribute.Bool("sdp.ok", err == nil),
		))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, name+" failed")
		}
		span.End()
	}()

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if err := ts.activeErr(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOperation, name, err)
	}
	if rb == nil || rb.ts != ts {
		return fmt.Errorf("%w: %s: buffer not registered in this session", ErrOperation, name)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.released {
		return fmt.Errorf("%w: %s: stale reference %d", ErrOperation, name, rb.mem.ID())
	}
	if err := w.check(rb.Size()); err != nil {
		return err
	}
	if err := fn(ts.sess); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOperation, name, err)
	}
	return nil
}

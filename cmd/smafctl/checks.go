//go:build linux

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/srediag/plugin-smaf/pkg/sdp"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/transport"
)

const defaultFlags = smaf.FlagRDWR | smaf.FlagCloexec

// Layout of the secure data path window: a window at an unaligned offset
// with a tail, so that the buffer size is not a page multiple either.
const (
	sdpOffset = 47
	sdpLength = 6043
	sdpTail   = 128
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

// harness runs checks against one allocator session and one trusted
// service.
type harness struct {
	session    *smaf.Session
	dial       transport.Dialer
	sdp        *sdp.Config
	length     int
	iterations int
	out        io.Writer
}

func (h *harness) checks() []check {
	return []check{
		{"create-unnamed", h.createUnnamed},
		{"create-named", h.createNamed},
		{"create-named-invalid", h.createNamedInvalid},
		{"iterate-allocators", h.iterateAllocators},
		{"invalid-allocator-index", h.invalidAllocatorIndex},
		{"create-non-page-aligned", h.createNonPageAligned},
		{"create-non-page-aligned-mmap", h.createNonPageAlignedMmap},
		{"secure", h.secure},
		{"mmap", h.mmap},
		{"mmap-secure", h.mmapSecure},
		{"secure-data-path", h.secureDataPath},
	}
}

// run runs the checks named in only, or all of them, and returns the
// number of failures. Unknown names count as failures.
func (h *harness) run(ctx context.Context, only []string) int {
	selected := h.checks()
	if len(only) > 0 {
		byName := make(map[string]check, len(selected))
		for _, c := range selected {
			byName[c.name] = c
		}
		selected = selected[:0]
		for _, name := range only {
			c, ok := byName[name]
			if !ok {
				c = check{name: name, run: func(context.Context) error {
					return errors.New("no such check")
				}}
			}
			selected = append(selected, c)
		}
	}

	failures := 0
	for _, c := range selected {
		start := time.Now()
		if err := c.run(ctx); err != nil {
			failures++
			fmt.Fprintf(h.out, "FAIL %-30s %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(h.out, "ok   %-30s %s\n", c.name, time.Since(start).Round(time.Microsecond))
	}
	fmt.Fprintf(h.out, "%d checks, %d failed\n", len(selected), failures)
	return failures
}

func (h *harness) create(length int, allocator smaf.Allocator) (*smaf.Buffer, error) {
	return h.session.CreateBuffer(length, defaultFlags, allocator)
}

func (h *harness) createUnnamed(context.Context) error {
	b, err := h.create(h.length, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	if b.Size() < h.length {
		_ = b.Close()
		return fmt.Errorf("size %d below length %d", b.Size(), h.length)
	}
	return b.Close()
}

func (h *harness) createNamed(context.Context) error {
	infos, err := h.session.Allocators()
	if err != nil {
		return err
	}
	for _, info := range infos {
		b, err := h.session.CreateNamedBuffer(h.length, defaultFlags, info.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", info.Name, err)
		}
		if err := b.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (h *harness) createNamedInvalid(context.Context) error {
	b, err := h.session.CreateNamedBuffer(h.length, defaultFlags, "deadbeef")
	if err == nil {
		_ = b.Close()
		return errors.New("unknown allocator accepted")
	}
	if !errors.Is(err, smaf.ErrAllocation) {
		return fmt.Errorf("unexpected error: %w", err)
	}
	return nil
}

func (h *harness) iterateAllocators(context.Context) error {
	count, err := h.session.AllocatorCount()
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("no allocator, count %d", count)
	}
	for i := 0; i < count; i++ {
		name, ok := h.session.AllocatorName(i)
		if !ok {
			return fmt.Errorf("no name for allocator %d", i)
		}
		fmt.Fprintf(h.out, "     allocator %d: %s\n", i, name)
	}
	return nil
}

func (h *harness) invalidAllocatorIndex(context.Context) error {
	count, err := h.session.AllocatorCount()
	if err != nil {
		return err
	}
	if name, ok := h.session.AllocatorName(count); ok {
		return fmt.Errorf("allocator %d reported as %q", count, name)
	}
	if _, ok := h.session.AllocatorName(-1); ok {
		return errors.New("allocator -1 reported")
	}
	return nil
}

func (h *harness) createNonPageAligned(context.Context) error {
	b, err := h.create(h.length+1, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	return b.Close()
}

func (h *harness) createNonPageAlignedMmap(ctx context.Context) error {
	b, err := h.create(h.length+1, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	defer b.Close()
	region, err := b.Map(ctx)
	if err != nil {
		return err
	}
	region.Bytes()[h.length] = 0x5a
	return region.Close()
}

func (h *harness) secure(context.Context) error {
	b, err := h.create(h.length, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Secure() {
		return errors.New("new buffer is secure")
	}
	if err := b.SetSecure(true); err != nil {
		return err
	}
	if !b.Secure() {
		return errors.New("secure flag not set")
	}
	return nil
}

func (h *harness) mmap(ctx context.Context) error {
	b, err := h.create(h.length, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	defer b.Close()
	region, err := b.Map(ctx)
	if err != nil {
		return err
	}
	defer region.Close()
	if _, err := region.WriteAt([]byte("smaf"), 0); err != nil {
		return err
	}
	got := make([]byte, 4)
	if _, err := region.ReadAt(got, 0); err != nil {
		return err
	}
	if string(got) != "smaf" {
		return fmt.Errorf("read back %q", got)
	}
	return nil
}

func (h *harness) mmapSecure(ctx context.Context) error {
	b, err := h.create(h.length, smaf.AllocatorDefault)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.SetSecure(true); err != nil {
		return err
	}
	region, err := b.Map(ctx)
	if err == nil {
		_ = region.Close()
		return errors.New("secure buffer mapped")
	}
	if !errors.Is(err, smaf.ErrNotPermitted) {
		return fmt.Errorf("unexpected error: %w", err)
	}
	return nil
}

// secureDataPath hands a secure buffer to the trusted service, then
// injects, transforms and dumps random data through a window of it. The
// teardown order is deregister, close the handle, finalize.
func (h *harness) secureDataPath(ctx context.Context) (err error) {
	b, err := h.create(sdpLength+sdpOffset+sdpTail, smaf.AllocatorOPTEE)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	if err := b.SetSecure(true); err != nil {
		return err
	}

	ts, err := sdp.NewTrustedSession(h.dial, h.sdp)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := ts.Finalize(); err == nil {
			err = ferr
		}
	}()
	if err := ts.Create(ctx); err != nil {
		return err
	}
	ref, err := ts.RegisterHandle(ctx, b)
	if err != nil {
		return err
	}
	w, err := ref.Window(sdpOffset, sdpLength)
	if err != nil {
		return err
	}

	payload := make([]byte, sdpLength)
	out := make([]byte, sdpLength)
	notAllowed := 0
	for i := 0; i < h.iterations; i++ {
		if _, err := rand.Read(payload); err != nil {
			return err
		}
		if err := ts.Inject(ctx, ref, payload, w.Offset, w.Size); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		n, checked, err := sdp.CheckInjected(ctx, b, w, payload)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if !checked {
			notAllowed++
		} else if n > 0 {
			return fmt.Errorf("iteration %d: %d bytes differ after inject", i, n)
		}
		if err := ts.Transform(ctx, ref, w.Offset, w.Size); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if err := ts.Dump(ctx, ref, out, w.Offset, w.Size); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if n := sdp.CountTransformMismatches(payload, out); n > 0 {
			return fmt.Errorf("iteration %d: %d bytes differ after transform", i, n)
		}
	}
	if notAllowed > 0 {
		fmt.Fprintf(h.out, "     direct check not allowed on %d of %d iterations\n", notAllowed, h.iterations)
	}
	if err := ts.DeregisterBuffer(ctx, ref); err != nil {
		return err
	}
	if err := b.Close(); err != nil {
		return err
	}
	return ts.Finalize()
}

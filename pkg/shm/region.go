package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
)

const instrumentationName = "github.com/srediag/plugin-smaf/pkg/shm"

// ErrRegionClosed is returned when a closed Region is accessed.
var ErrRegionClosed = errors.New("shm: region closed")

// MapOptions defines which window of a handle is mapped and how.
type MapOptions struct {
	// Offset is the byte offset of the window, a multiple of the page size.
	Offset int64
	// Size is the window length in bytes.
	Size int
	// Writable maps the window read/write instead of read-only.
	Writable bool
	// Lock pins the pages in RAM and excludes them from core dumps.
	Lock bool
}

// Mapper creates and releases process mappings of buffer handles.
type Mapper interface {
	Mmap(fd int, opts MapOptions) ([]byte, error)
	Munmap(fd int, mem []byte) error
}

type directMapper struct{}

func (directMapper) Mmap(fd int, opts MapOptions) ([]byte, error) {
	return internalshm.MapFd(fd, internalshm.MapOptions{
		Offset:   opts.Offset,
		Size:     opts.Size,
		Writable: opts.Writable,
		Lock:     opts.Lock,
	})
}

func (directMapper) Munmap(_ int, mem []byte) error {
	return internalshm.Unmap(mem)
}

// Direct maps handles without any policy check.
var Direct Mapper = directMapper{}

// Region is a live mapping of a buffer window.
type Region struct {
	mu     sync.Mutex
	fd     int
	mem    []byte
	mapper Mapper
	tracer trace.Tracer
	closed bool
}

// Map maps a window of fd through m.
func Map(ctx context.Context, m Mapper, fd int, opts MapOptions) (*Region, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid map size %d", opts.Size)
	}
	tracer := otel.Tracer(instrumentationName)
	_, span := tracer.Start(ctx, "shm.Map", trace.WithAttributes(
		attribute.Int("shm.fd", fd),
		attribute.Int64("shm.offset", opts.Offset),
		attribute.Int("shm.size", opts.Size),
		attribute.Bool("shm.writable", opts.Writable),
	))
	defer span.End()

	mem, err := m.Mmap(fd, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mmap refused")
		return nil, err
	}
	return &Region{
		fd:     fd,
		mem:    mem,
		mapper: m,
		tracer: tracer,
	}, nil
}

// Bytes returns the mapped window. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

// Len returns the window length.
func (r *Region) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mem)
}

// ReadAt implements io.ReaderAt over the window.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRegionClosed
	}
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("shm: read offset %d out of range", off)
	}
	n := copy(p, r.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the window.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRegionClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(r.mem)) {
		return 0, fmt.Errorf("shm: write of %d bytes at %d exceeds region of %d", len(p), off, len(r.mem))
	}
	return copy(r.mem[off:], p), nil
}

// Close unmaps the window. Close is idempotent.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_, span := r.tracer.Start(context.Background(), "shm.Unmap", trace.WithAttributes(
		attribute.Int("shm.fd", r.fd),
		attribute.Int("shm.size", len(r.mem)),
	))
	defer span.End()
	err := r.mapper.Munmap(r.fd, r.mem)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "munmap failed")
	}
	r.mem = nil
	return err
}

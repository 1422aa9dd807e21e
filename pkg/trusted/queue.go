package trusted

import (
	"fmt"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-smaf/internal/transport"
)

// requestQueue holds the requests read from a connection until the
// executor takes them.
type requestQueue struct {
	q *queuepkg.Queue
}

type queueElement struct {
	req transport.Request
	fds []int
}

func newRequestQueue(hint int64) *requestQueue {
	return &requestQueue{q: queuepkg.New(hint)}
}

func (q *requestQueue) put(e *queueElement) error {
	return q.q.Put(e)
}

// pop blocks until an element is available or the queue is disposed.
func (q *requestQueue) pop() (*queueElement, error) {
	items, err := q.q.Get(1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, queuepkg.ErrDisposed
	}
	e, ok := items[0].(*queueElement)
	if !ok {
		return nil, fmt.Errorf("invalid queue element type %T", items[0])
	}
	return e, nil
}

// dispose wakes the executor and drops pending requests, closing the
// descriptors they carry.
func (q *requestQueue) dispose() {
	for _, item := range q.q.Dispose() {
		if e, ok := item.(*queueElement); ok {
			for _, fd := range e.fds {
				_ = unix.Close(fd)
			}
		}
	}
}

//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trusted

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/plugin-smaf/internal/shm"
	"github.com/srediag/plugin-smaf/internal/transport"
)

const (
	queueItems  = 10000
	parallelism = 50
)

func TestQueueOrder(t *testing.T) {
	q := newRequestQueue(16)
	for i := 0; i < queueItems; i++ {
		assert.NoError(t, q.put(&queueElement{req: transport.Request{Seq: uint32(i)}}))
	}
	for i := 0; i < queueItems; i++ {
		e, err := q.pop()
		assert.NoError(t, err)
		assert.Equal(t, uint32(i), e.req.Seq, "queue pop verify seq")
	}
}

func TestQueueMultiProducerAndSingleConsumer(t *testing.T) {
	q := newRequestQueue(16)
	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < queueItems/parallelism; k++ {
				if !assert.NoError(t, q.put(&queueElement{})) {
					return
				}
			}
		}()
	}
	for popped := 0; popped < queueItems; popped++ {
		_, err := q.pop()
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestQueueDisposeWakesConsumer(t *testing.T) {
	q := newRequestQueue(4)
	done := make(chan error, 1)
	go func() {
		_, err := q.pop()
		done <- err
	}()
	q.dispose()
	assert.Error(t, <-done)
	assert.Error(t, q.put(&queueElement{}))
}

func TestQueueDisposeClosesDescriptors(t *testing.T) {
	q := newRequestQueue(4)
	fd, err := internalshm.MemfdCreate("queued", 4096, true)
	require.NoError(t, err)
	assert.NoError(t, q.put(&queueElement{fds: []int{fd}}))
	q.dispose()
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF, "queued descriptor still open")
}

func BenchmarkQueuePutPop(b *testing.B) {
	q := newRequestQueue(16)
	e := &queueElement{}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = q.put(e)
		if _, err := q.pop(); err != nil {
			b.Fatalf("pop error: %v", err)
		}
	}
}

func BenchmarkQueueMultiPut(b *testing.B) {
	b.SetParallelism(parallelism)
	q := newRequestQueue(int64(b.N))
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		e := &queueElement{}
		for pb.Next() {
			_ = q.put(e)
		}
	})
}

package evloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestDispatchDoesNotBlock(t *testing.T) {
	d := NewDispatcher(1, nil)
	release := make(chan struct{})
	blocking := func(Conn) { <-release }

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Dispatch(context.Background(), blocking, &TestConn{fd: i}, nil)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(10), d.Dispatched())

	close(release)
	d.Wait()
	assert.Equal(t, int64(0), d.InFlight())
}

func TestDispatchRespectsBound(t *testing.T) {
	const bound = 2
	d := NewDispatcher(bound, nil)

	var running, peak atomic.Int64
	var mu sync.Mutex
	h := func(Conn) {
		n := running.Inc()
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		running.Dec()
	}

	for i := 0; i < 8; i++ {
		d.Dispatch(context.Background(), h, &TestConn{fd: i}, nil)
	}
	d.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(bound))
	assert.Equal(t, int64(0), running.Load())
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher(0, nil)
	after := make(chan struct{})

	d.Dispatch(context.Background(), func(Conn) { panic("boom") }, &TestConn{fd: 1}, func() { close(after) })

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("after was not called")
	}
	d.Wait()
	assert.Equal(t, int64(1), d.Panics())
}

func TestDispatchDropsWhenContextDone(t *testing.T) {
	d := NewDispatcher(1, nil)
	release := make(chan struct{})
	d.Dispatch(context.Background(), func(Conn) { <-release }, &TestConn{fd: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	d.Dispatch(ctx, func(Conn) { ran.Store(true) }, &TestConn{fd: 2}, nil)
	cancel()

	// give the second task time to observe the cancellation before the slot frees
	time.Sleep(20 * time.Millisecond)
	close(release)
	d.Wait()

	require.False(t, ran.Load())
}

func TestWaitTimeout(t *testing.T) {
	d := NewDispatcher(0, nil)
	release := make(chan struct{})
	d.Dispatch(context.Background(), func(Conn) { <-release }, &TestConn{fd: 1}, nil)

	assert.False(t, d.WaitTimeout(20*time.Millisecond))
	assert.Equal(t, int64(1), d.InFlight())

	close(release)
	assert.True(t, d.WaitTimeout(time.Second))
	assert.Equal(t, int64(0), d.InFlight())
}

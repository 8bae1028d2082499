package evloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestConn struct {
	fd     int
	closed int
}

func (t *TestConn) Read() ([]byte, error)   { return nil, nil }
func (t *TestConn) Write(data []byte) error { return nil }
func (t *TestConn) Close() error            { t.closed++; return nil }
func (t *TestConn) Fd() int                 { return t.fd }
func (t *TestConn) Ip() string              { return "127.0.0.1" }

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	c := &TestConn{fd: 7}

	require.NoError(t, r.Register(c))

	got, ok := r.Lookup(7)
	assert.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup(8)
	assert.False(t, ok)
}

func TestRegistryDuplicateHandle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TestConn{fd: 3}))

	err := r.Register(&TestConn{fd: 3})
	assert.ErrorIs(t, err, ErrDuplicateHandle)

	// still pending, the socket has not been released yet
	r.ScheduleRemoval(3)
	err = r.Register(&TestConn{fd: 3})
	assert.ErrorIs(t, err, ErrDuplicateHandle)

	r.DrainRemovals()
	assert.NoError(t, r.Register(&TestConn{fd: 3}))
}

func TestRegistryScheduledHandleIsNotLive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TestConn{fd: 5}))

	r.ScheduleRemoval(5)

	_, ok := r.Lookup(5)
	assert.False(t, ok, "scheduled handle must not be dispatched again")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, r.Pending())
}

func TestRegistryScheduleIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TestConn{fd: 5}))

	r.ScheduleRemoval(5)
	r.ScheduleRemoval(5)
	r.ScheduleRemoval(42) // never registered

	assert.Equal(t, []int{5}, r.DrainRemovals())
}

func TestRegistryDrainTwiceIsEmpty(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TestConn{fd: 4}))
	require.NoError(t, r.Register(&TestConn{fd: 9}))
	r.ScheduleRemoval(9)
	r.ScheduleRemoval(4)

	assert.Equal(t, []int{9, 4}, r.DrainRemovals())
	assert.Empty(t, r.DrainRemovals())
}

func TestRegistryRemoveOneKeepsOther(t *testing.T) {
	r := NewRegistry()
	a, b := &TestConn{fd: 10}, &TestConn{fd: 11}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.ScheduleRemoval(10)

	got, ok := r.Lookup(11)
	assert.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []int{10}, r.DrainRemovals())
	assert.Equal(t, []int{11}, r.Handles())
}

func TestRegistryRemoveMatchesIdentity(t *testing.T) {
	r := NewRegistry()
	stale := &TestConn{fd: 6}
	require.NoError(t, r.Register(stale))
	r.ScheduleRemoval(6)
	r.DrainRemovals()

	// the kernel handed the same number to a new connection
	fresh := &TestConn{fd: 6}
	require.NoError(t, r.Register(fresh))

	assert.False(t, r.remove(stale))
	got, ok := r.Lookup(6)
	assert.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.remove(fresh))
	assert.False(t, r.remove(fresh))
}

func TestRegistryTakeAll(t *testing.T) {
	r := NewRegistry()
	for fd := 1; fd <= 3; fd++ {
		require.NoError(t, r.Register(&TestConn{fd: fd}))
	}
	r.ScheduleRemoval(2)

	conns := r.takeAll()
	assert.Len(t, conns, 3)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Pending())
}

func TestRegistryConcurrentSchedule(t *testing.T) {
	r := NewRegistry()
	const n = 64
	for fd := 0; fd < n; fd++ {
		require.NoError(t, r.Register(&TestConn{fd: fd}))
	}

	var wg sync.WaitGroup
	drained := make(chan []int, n)
	for fd := 0; fd < n; fd++ {
		wg.Add(2)
		go func(fd int) {
			defer wg.Done()
			r.ScheduleRemoval(fd)
			r.ScheduleRemoval(fd)
		}(fd)
		go func() {
			defer wg.Done()
			drained <- r.DrainRemovals()
		}()
	}
	wg.Wait()
	close(drained)

	seen := make(map[int]int)
	for fds := range drained {
		for _, fd := range fds {
			seen[fd]++
		}
	}
	for _, fd := range r.DrainRemovals() {
		seen[fd]++
	}

	assert.Len(t, seen, n)
	for fd, count := range seen {
		assert.Equal(t, 1, count, "fd %d released more than once", fd)
	}
}

package evloop

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eapache/queue"
)

// Registry is the authoritative set of live connections plus the handles
// waiting to be released by the event loop.
//
// A scheduled handle leaves the live set at once, so no further event is
// dispatched for it, but its socket stays open until the loop drains the
// pending list after its readiness scan.
type Registry struct {
	mu      sync.Mutex
	live    map[int]Conn
	pending *queue.Queue // of int, in scheduling order
	retired map[int]Conn // connections behind pending handles
}

func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[int]Conn),
		pending: queue.New(),
		retired: make(map[int]Conn),
	}
}

// Register adds conn to the live set.
func (r *Registry) Register(conn Conn) error {
	fd := conn.Fd()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrDuplicateHandle, fd)
	}
	if _, ok := r.retired[fd]; ok {
		return fmt.Errorf("%w: fd %d is pending removal", ErrDuplicateHandle, fd)
	}
	r.live[fd] = conn
	return nil
}

// ScheduleRemoval removes fd from the live set and queues it for release.
// It is a no-op when fd is not live, so calling it twice is harmless.
func (r *Registry) ScheduleRemoval(fd int) {
	r.mu.Lock()
	r.scheduleLocked(fd)
	r.mu.Unlock()
}

// remove schedules conn only if it is still the live owner of its handle.
func (r *Registry) remove(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.live[conn.Fd()]
	if !ok || cur != conn {
		return false
	}
	return r.scheduleLocked(conn.Fd())
}

func (r *Registry) scheduleLocked(fd int) bool {
	conn, ok := r.live[fd]
	if !ok {
		return false
	}
	delete(r.live, fd)
	r.retired[fd] = conn
	r.pending.Add(fd)
	return true
}

// DrainRemovals swaps out the pending handles and returns them in the order
// they were scheduled.
func (r *Registry) DrainRemovals() []int {
	conns := r.drain()
	fds := make([]int, 0, len(conns))
	for _, c := range conns {
		fds = append(fds, c.Fd())
	}
	return fds
}

func (r *Registry) drain() []Conn {
	r.mu.Lock()
	pending, retired := r.pending, r.retired
	r.pending, r.retired = queue.New(), make(map[int]Conn)
	r.mu.Unlock()

	conns := make([]Conn, 0, pending.Length())
	for pending.Length() > 0 {
		fd := pending.Remove().(int)
		conns = append(conns, retired[fd])
	}
	return conns
}

// takeAll empties the registry, returning live and pending connections.
func (r *Registry) takeAll() []Conn {
	conns := r.drain()

	r.mu.Lock()
	for fd, c := range r.live {
		conns = append(conns, c)
		delete(r.live, fd)
	}
	r.mu.Unlock()
	return conns
}

func (r *Registry) Lookup(fd int) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.live[fd]
	return conn, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Handles returns the live handles in ascending order.
func (r *Registry) Handles() []int {
	r.mu.Lock()
	fds := make([]int, 0, len(r.live))
	for fd := range r.live {
		fds = append(fds, fd)
	}
	r.mu.Unlock()

	sort.Ints(fds)
	return fds
}

// Pending returns how many handles wait for release.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Length()
}

//go:build linux
// +build linux

package evloop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-evserver/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultBacklog   = 1
	DefaultMaxEvents = 1024
)

// accept backoff while the process is out of descriptors
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type loopState int32

const (
	stateConfigured loopState = iota
	stateListening
	stateStopped
)

func (s loopState) String() string {
	switch s {
	case stateConfigured:
		return "configured"
	case stateListening:
		return "listening"
	case stateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errPortUnset = errors.New("port not configured")

// EventLoop accepts TCP connections on one port and dispatches readiness
// events to the on-accept and on-read handlers.
type EventLoop struct {
	port         int
	backlog      int
	maxEvents    int
	maxHandlers  int
	writeTimeout time.Duration
	logger       *zap.Logger

	onAccept Handler
	onRead   Handler

	// mu guards state transitions and the fields set up by Listen.
	mu        sync.Mutex
	state     atomic.Int32
	lnFd      int
	boundPort int
	poller    *poller

	registry   *Registry
	dispatcher *Dispatcher

	// connections whose read handler returned, waiting to be re-armed
	rearmMu sync.Mutex
	rearmQ  *queue.Queue

	// accept4 is unix.Accept4, replaced in tests. acceptDelay is only
	// touched by the loop goroutine.
	accept4      func(fd, flags int) (int, unix.Sockaddr, error)
	acceptDelay  time.Duration
	acceptResume atomic.Bool

	stopping  atomic.Bool
	ready     chan struct{}
	done      chan struct{}
	closeDone sync.Once
}

type Option func(l *EventLoop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *EventLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMaxEvents sets how many events a single epoll_wait may return.
func WithMaxEvents(n int) Option {
	return func(l *EventLoop) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithMaxHandlers bounds concurrently running handlers. 0 is unbounded.
func WithMaxHandlers(n int) Option {
	return func(l *EventLoop) {
		if n >= 0 {
			l.maxHandlers = n
		}
	}
}

// WithWriteTimeout bounds how long Conn.Write waits on a full socket buffer.
// 0 waits forever.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *EventLoop) {
		if d >= 0 {
			l.writeTimeout = d
		}
	}
}

// NewEventLoop returns a loop in the configured state. The port must be set
// with Configure before Listen.
func NewEventLoop(opts ...Option) *EventLoop {
	l := &EventLoop{
		port:      -1,
		backlog:   DefaultBacklog,
		maxEvents: DefaultMaxEvents,
		logger:    log.Logger,
		lnFd:      -1,
		registry:  NewRegistry(),
		rearmQ:    queue.New(),
		accept4:   unix.Accept4,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dispatcher = NewDispatcher(l.maxHandlers, l.logger)
	return l
}

func (l *EventLoop) loadState() loopState {
	return loopState(l.state.Load())
}

// configuring runs fn under mu if the loop has not started yet.
func (l *EventLoop) configuring(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.loadState(); s != stateConfigured {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	fn()
	return nil
}

// Configure sets the port (0 picks an ephemeral one) and the listen backlog.
func (l *EventLoop) Configure(port, backlog int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	if backlog <= 0 {
		return fmt.Errorf("backlog must be positive, got %d", backlog)
	}
	return l.configuring(func() {
		l.port = port
		l.backlog = backlog
	})
}

// OnAccept binds the handler run for every accepted connection.
func (l *EventLoop) OnAccept(h Handler) error {
	return l.configuring(func() { l.onAccept = h })
}

// OnRead binds the handler run when a connection has data.
func (l *EventLoop) OnRead(h Handler) error {
	return l.configuring(func() { l.onRead = h })
}

// Ready is closed once the socket is listening.
func (l *EventLoop) Ready() <-chan struct{} {
	return l.ready
}

// Done is closed once the loop has stopped and released its sockets.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Port returns the bound port, or the configured one before Listen.
func (l *EventLoop) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.boundPort > 0 {
		return l.boundPort
	}
	return l.port
}

// Registry exposes the live connection set.
func (l *EventLoop) Registry() *Registry {
	return l.registry
}

// Dispatcher exposes the handler dispatcher.
func (l *EventLoop) Dispatcher() *Dispatcher {
	return l.dispatcher
}

// Close stops the loop and releases the listener and every connection.
// It is idempotent and may be called from any goroutine, but not from the
// loop goroutine itself. Handlers still running see I/O errors.
func (l *EventLoop) Close() error {
	l.mu.Lock()
	switch l.loadState() {
	case stateConfigured:
		l.state.Store(int32(stateStopped))
		l.mu.Unlock()
		l.finish()
		return nil
	case stateStopped:
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.mu.Unlock()

	err := l.requestStop()
	<-l.done
	return err
}

func (l *EventLoop) requestStop() error {
	l.stopping.Store(true)
	return l.poller.wakeup()
}

func (l *EventLoop) finish() {
	l.closeDone.Do(func() { close(l.done) })
}

// requestRearm queues conn to be watched again and wakes the loop.
func (l *EventLoop) requestRearm(conn Conn) {
	l.rearmMu.Lock()
	l.rearmQ.Add(conn)
	l.rearmMu.Unlock()

	if err := l.poller.wakeup(); err != nil {
		l.logger.Warn("wakeup failed", zap.Int("fd", conn.Fd()), zap.Error(err))
	}
}

func (l *EventLoop) takeRearms() []Conn {
	l.rearmMu.Lock()
	q := l.rearmQ
	l.rearmQ = queue.New()
	l.rearmMu.Unlock()

	conns := make([]Conn, 0, q.Length())
	for q.Length() > 0 {
		conns = append(conns, q.Remove().(Conn))
	}
	return conns
}

// wake is handed to connections so that Close is applied without waiting
// for unrelated traffic.
func (l *EventLoop) wake() {
	if err := l.poller.wakeup(); err != nil {
		l.logger.Warn("wakeup failed", zap.Error(err))
	}
}

//go:build linux
// +build linux

package evloop

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Listen binds 0.0.0.0:port with SO_REUSEADDR and runs the event loop until
// Close is called, ctx is done, or epoll_wait fails. Setup failures return a
// *SetupError before any event is processed; a failed epoll_wait returns a
// *MultiplexError. A requested shutdown returns nil.
func (l *EventLoop) Listen(ctx context.Context) error {
	l.mu.Lock()
	if s := l.loadState(); s != stateConfigured {
		l.mu.Unlock()
		return ErrInvalidState
	}
	if err := l.setup(); err != nil {
		l.state.Store(int32(stateStopped))
		l.mu.Unlock()
		l.finish()
		l.logger.Error("setup failed", zap.Error(err))
		return err
	}
	l.state.Store(int32(stateListening))
	port := l.boundPort
	l.mu.Unlock()

	close(l.ready)
	l.logger.Info("listening", zap.Int("port", port), zap.Int("backlog", l.backlog))

	go func() {
		select {
		case <-ctx.Done():
			if err := l.requestStop(); err != nil {
				l.logger.Warn("stop request failed", zap.Error(err))
			}
		case <-l.done:
		}
	}()

	return l.run(ctx)
}

// setup creates the listening socket and the poller. Called with mu held.
func (l *EventLoop) setup() error {
	if l.port < 0 {
		return &SetupError{Op: "config", Err: errPortUnset}
	}

	fd, port, err := listenSocket(l.port, l.backlog)
	if err != nil {
		return err
	}

	p, err := newPoller()
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := p.addListener(fd); err != nil {
		_ = p.close()
		_ = unix.Close(fd)
		return &SetupError{Op: "watch listener", Err: err}
	}

	l.lnFd = fd
	l.boundPort = port
	l.poller = p
	return nil
}

func listenSocket(port, backlog int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, &SetupError{Op: "socket", Err: os.NewSyscallError("socket", err)}
	}

	fail := func(op string, err error) (int, int, error) {
		_ = unix.Close(fd)
		return -1, 0, &SetupError{Op: op, Err: os.NewSyscallError(op, err)}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	// zero Addr is INADDR_ANY
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		port = in4.Port
	}
	return fd, port, nil
}

func (l *EventLoop) run(ctx context.Context) error {
	events := make([]unix.EpollEvent, l.maxEvents)

	defer l.finish()
	defer func() {
		if err := l.shutdown(); err != nil {
			l.logger.Warn("shutdown", zap.Error(err))
		}
		l.logger.Info("event loop stopped")
	}()

	for {
		// level triggered, blocks until something is ready
		n, err := l.poller.wait(events)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			merr := &MultiplexError{Err: os.NewSyscallError("epoll_wait", err)}
			l.logger.Error("epoll wait error", zap.Error(merr))
			return merr
		}

		ready := events[:n]
		sort.Slice(ready, func(i, j int) bool { return ready[i].Fd < ready[j].Fd })

		stop := false
		for i := range ready {
			if err := l.processEvent(ctx, &ready[i]); err == errStopped {
				stop = true
			}
		}

		l.releaseRemoved()

		if stop || l.stopping.Load() {
			return nil
		}
	}
}

func (l *EventLoop) processEvent(ctx context.Context, ev *unix.EpollEvent) error {
	fd := int(ev.Fd)

	switch fd {
	case l.poller.efd:
		return l.handleWakeup()
	case l.lnFd:
		l.accept(ctx)
	default:
		l.readable(ctx, fd)
	}
	return nil
}

// handleWakeup applies re-arm requests and reports a pending shutdown.
func (l *EventLoop) handleWakeup() error {
	l.poller.drainWakeup()

	for _, conn := range l.takeRearms() {
		cur, ok := l.registry.Lookup(conn.Fd())
		if !ok || cur != conn {
			continue
		}
		if err := l.poller.rearm(conn.Fd()); err != nil {
			l.logger.Warn("rearm failed", zap.Int("fd", conn.Fd()), zap.Error(err))
			l.registry.ScheduleRemoval(conn.Fd())
		}
	}

	if l.acceptResume.Swap(false) {
		if err := l.poller.addListener(l.lnFd); err != nil {
			l.logger.Error("resume accept failed", zap.Error(err))
		}
	}

	if l.stopping.Load() {
		return errStopped
	}
	return nil
}

// accept takes one pending connection off the listener.
func (l *EventLoop) accept(ctx context.Context) {
	connFd, sa, err := l.accept4(l.lnFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		// a peer that gave up, or nothing left to accept
		case isTemporary(err) || err == unix.ECONNABORTED:
		case err == unix.EMFILE || err == unix.ENFILE:
			l.pauseAccept(&AcceptError{Err: os.NewSyscallError("accept4", err)})
		default:
			l.logger.Warn("accept failed", zap.Error(&AcceptError{Err: os.NewSyscallError("accept4", err)}))
		}
		return
	}
	l.acceptDelay = 0

	conn := newFdConn(connFd, remoteIP(sa), l.registry, l.wake, l.writeTimeout)
	if err := l.registry.Register(conn); err != nil {
		l.logger.Error("register failed", zap.Int("fd", connFd), zap.Error(err))
		_ = unix.Close(connFd)
		return
	}
	if err := l.poller.addConn(connFd); err != nil {
		l.logger.Error("watch failed", zap.Int("fd", connFd), zap.Error(err))
		l.registry.ScheduleRemoval(connFd)
		return
	}

	l.logger.Debug("new connection", zap.Int("fd", connFd), zap.String("ip", conn.Ip()))

	if l.onAccept != nil {
		l.dispatcher.Dispatch(ctx, l.onAccept, conn, nil)
	}
}

// pauseAccept stops watching the listener for a growing delay. A level
// triggered listener would otherwise be reported again on every wait while
// no descriptor can be allocated.
func (l *EventLoop) pauseAccept(err error) {
	if l.acceptDelay == 0 {
		l.acceptDelay = minAcceptDelay
	} else {
		l.acceptDelay *= 2
	}
	if l.acceptDelay > maxAcceptDelay {
		l.acceptDelay = maxAcceptDelay
	}

	if uerr := l.poller.unregister(l.lnFd); uerr != nil {
		l.logger.Error("pause accept failed", zap.Error(uerr))
		return
	}
	l.logger.Warn("out of descriptors, pausing accept", zap.Duration("delay", l.acceptDelay), zap.Error(err))

	time.AfterFunc(l.acceptDelay, func() {
		l.acceptResume.Store(true)
		l.wake()
	})
}

// readable peeks one byte to tell a closing peer from pending data.
func (l *EventLoop) readable(ctx context.Context, fd int) {
	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil && (isTemporary(err) || isInterrupted(err)) {
		// spurious wakeup, watch it again
		if rerr := l.poller.rearm(fd); rerr != nil {
			l.registry.ScheduleRemoval(fd)
		}
		return
	}
	if err != nil || n <= 0 {
		l.logger.Debug("removing connection", zap.Int("fd", fd), zap.NamedError("reason", peerClosedReason(err)))
		l.registry.ScheduleRemoval(fd)
		return
	}

	conn, ok := l.registry.Lookup(fd)
	if !ok {
		// already scheduled for removal
		return
	}

	if l.onRead == nil {
		// unbound handler: discard so the descriptor does not stay ready
		if _, err := conn.Read(); err != nil {
			l.registry.ScheduleRemoval(fd)
			return
		}
		if err := l.poller.rearm(fd); err != nil {
			l.registry.ScheduleRemoval(fd)
		}
		return
	}

	l.dispatcher.Dispatch(ctx, l.onRead, conn, func() { l.requestRearm(conn) })
}

func peerClosedReason(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return ErrPeerClosed
}

// releaseRemoved is the deferred cleanup point: every handle scheduled since
// the last call is unwatched and its socket closed.
func (l *EventLoop) releaseRemoved() {
	for _, conn := range l.registry.drain() {
		if err := l.release(conn); err != nil {
			l.logger.Warn("release failed", zap.Int("fd", conn.Fd()), zap.Error(err))
			continue
		}
		l.logger.Debug("connection released", zap.Int("fd", conn.Fd()))
	}
}

func (l *EventLoop) release(conn Conn) error {
	fd := conn.Fd()
	err := l.poller.unregister(fd)
	if r, ok := conn.(releaser); ok {
		return multierr.Append(err, r.release())
	}
	return multierr.Append(err, closeFd(fd))
}

// shutdown order: listener, connections, poller
func (l *EventLoop) shutdown() error {
	l.mu.Lock()
	l.state.Store(int32(stateStopped))
	l.mu.Unlock()

	var err error
	err = multierr.Append(err, l.poller.unregister(l.lnFd))
	err = multierr.Append(err, closeFd(l.lnFd))

	for _, conn := range l.registry.takeAll() {
		err = multierr.Append(err, l.release(conn))
	}

	err = multierr.Append(err, l.poller.close())
	return err
}

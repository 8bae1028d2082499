//go:build linux
// +build linux

package evloop

import (
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents = unix.EPOLLPRI | unix.EPOLLIN
	// connections are disarmed after each event and re-armed once the read
	// handler returns
	connEvents = readEvents | unix.EPOLLONESHOT
)

var wakeBytes = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// poller owns the epoll instance, the interest set and the control eventfd.
// Everything except wakeup is called from the loop goroutine only.
type poller struct {
	epollFd int
	efd     int
	watched map[int]uint32

	// mu orders wakeup against close, so a late wakeup never writes to a
	// descriptor number that has been reused.
	mu     sync.Mutex
	closed bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &SetupError{Op: "epoll_create", Err: os.NewSyscallError("epoll_create1", err)}
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &SetupError{Op: "eventfd", Err: os.NewSyscallError("eventfd", err)}
	}

	p := &poller{
		epollFd: epfd,
		efd:     efd,
		watched: make(map[int]uint32),
	}
	if err := p.add(efd, readEvents); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, &SetupError{Op: "watch eventfd", Err: err}
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.watched[fd] = events
	return nil
}

// addListener watches the listening socket, level triggered.
func (p *poller) addListener(fd int) error {
	return p.add(fd, readEvents)
}

// addConn watches a connection for one read event.
func (p *poller) addConn(fd int) error {
	return p.add(fd, connEvents)
}

// rearm re-enables a connection disarmed by its last event.
func (p *poller) rearm(fd int) error {
	if _, ok := p.watched[fd]; !ok {
		return nil
	}
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: connEvents})
	return os.NewSyscallError("epoll_ctl mod", err)
}

// unregister removes fd from the interest set. Unknown fds are ignored.
func (p *poller) unregister(fd int) error {
	if _, ok := p.watched[fd]; !ok {
		return nil
	}
	delete(p.watched, fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// wait blocks until at least one watched descriptor is ready.
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(p.epollFd, events, -1)
}

// wakeup interrupts a blocked wait. Safe from any goroutine.
func (p *poller) wakeup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	_, err := unix.Write(p.efd, wakeBytes)
	if err != nil && !isTemporary(err) {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

// drainWakeup resets the eventfd counter.
func (p *poller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.efd, buf[:])
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := multierr.Append(closeFd(p.efd), closeFd(p.epollFd))
	p.watched = nil
	return err
}
